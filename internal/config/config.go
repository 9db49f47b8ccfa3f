// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/gateway-fm/supplychain/internal/artifact"
	"github.com/gateway-fm/supplychain/internal/retry"
	"github.com/gateway-fm/supplychain/pkg/types"
)

// Artifact backends.
const (
	BackendGateway = "gateway"
	BackendS3      = "s3"
)

// Config holds the settings shared by every binary.
type Config struct {
	RPCURL               string
	ChainID              int64
	Address              string // operator address, must match PrivateKey when both are set
	PrivateKey           string
	ContractAddress      string
	TokenContractAddress string
	RegistryABIPath      string // optional ABI override
	TokenABIPath         string // optional ABI override

	ArtifactBackend string
	IPFS            IPFSConfig
	S3              S3Config
	DownloadDir     string
	ResolverBin     string
	DatabasePath    string
	LogLevel        string

	UseLegacyTx    bool
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	RetryAttempts  int
	RetryScale     float64
	RetryMaxDelay  time.Duration
	SubmitRate     float64 // transactions per second, 0 = unlimited
}

// IPFSConfig holds the pinning service and gateway settings.
type IPFSConfig struct {
	AuthToken  string
	UploadURL  string
	GatewayURL string
}

// S3Config holds the S3-compatible backend settings.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// LoadTestConfig holds settings specific to the load-test binary.
type LoadTestConfig struct {
	AccountsFile string
	Workers      int // 0 = one worker per account
	Script       types.Script
	Queries      int
	Groups       int
	Projects     int
	Tokens       int64
	ListenAddr   string // status server, empty disables it
}

// Defaults
const (
	DefaultChainID        = 1337
	DefaultDownloadDir    = "libraries"
	DefaultResolverBin    = "npm-remote-ls"
	DefaultDatabasePath   = "data/supplychain.db"
	DefaultLogLevel       = "info"
	DefaultConfirmTimeout = 80 * time.Second
	DefaultPollInterval   = 600 * time.Millisecond
	DefaultRetryAttempts  = 20
	DefaultRetryScale     = 10
	DefaultRetryMaxDelay  = 30 * time.Second
	DefaultS3Region       = "us-east-1"
	DefaultAccountsFile   = "accounts.txt"
	DefaultQueries        = 2
	DefaultGroups         = 1
	DefaultProjects       = 2
	DefaultTokens         = 100000
	DefaultEnvFile        = ".env"
)

// Load reads configuration from the environment, the .env file (ENV_FILE,
// default ".env") and the given command-line arguments, in increasing order
// of precedence.
func Load(name string, args []string) (*Config, error) {
	return LoadFlags(flag.NewFlagSet(name, flag.ContinueOnError), args)
}

// LoadFlags is Load on a caller-supplied flag set, so subcommands can
// register their own flags next to the shared ones.
func LoadFlags(flags *flag.FlagSet, args []string) (*Config, error) {
	env, err := newEnv(os.Getenv("ENV_FILE"))
	if err != nil {
		return nil, err
	}
	apply := bind(flags, env)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	cfg := apply()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLoadTest is Load plus the load-test flags.
func LoadLoadTest(name string, args []string) (*Config, *LoadTestConfig, error) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	env, err := newEnv(os.Getenv("ENV_FILE"))
	if err != nil {
		return nil, nil, err
	}
	apply := bind(flags, env)
	applyLoadTest := bindLoadTest(flags)
	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg := apply()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	lt, err := applyLoadTest()
	if err != nil {
		return nil, nil, err
	}
	if err := lt.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, lt, nil
}

// env resolves keys from the process environment first, then the .env file.
type env struct {
	file map[string]string
}

func newEnv(path string) (*env, error) {
	if path == "" {
		path = DefaultEnvFile
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &env{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &env{file: values}, nil
}

func (e *env) get(key string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(e.file[key])
}

func (e *env) lookupString(key, def string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return def
}

func (e *env) lookupInt(key string, def int) int {
	if v, err := strconv.Atoi(e.get(key)); err == nil {
		return v
	}
	return def
}

func (e *env) lookupInt64(key string, def int64) int64 {
	if v, err := strconv.ParseInt(e.get(key), 10, 64); err == nil {
		return v
	}
	return def
}

func (e *env) lookupFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(e.get(key), 64); err == nil {
		return v
	}
	return def
}

func (e *env) lookupBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(e.get(key)); err == nil {
		return v
	}
	return def
}

func (e *env) lookupDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(e.get(key)); err == nil {
		return v
	}
	return def
}

// bind registers the shared flags with env-derived defaults and returns a
// function that assembles the Config once flags have been parsed.
func bind(flags *flag.FlagSet, e *env) func() *Config {
	cfg := &Config{
		Address:         e.get("ADDRESS"),
		PrivateKey:      e.get("PRIVATE_KEY"),
		RegistryABIPath: e.get("REGISTRY_ABI_PATH"),
		TokenABIPath:    e.get("TOKEN_ABI_PATH"),
		IPFS: IPFSConfig{
			AuthToken:  e.get("IPFS_AUTH_TOKEN"),
			UploadURL:  e.lookupString("IPFS_UPLOAD_URL", artifact.DefaultUploadURL),
			GatewayURL: e.lookupString("IPFS_GATEWAY_URL", artifact.DefaultGatewayURL),
		},
		S3: S3Config{
			Endpoint:  e.get("S3_ENDPOINT"),
			Region:    e.lookupString("S3_REGION", DefaultS3Region),
			AccessKey: e.get("S3_ACCESS_KEY"),
			SecretKey: e.get("S3_SECRET_KEY"),
			Bucket:    e.get("S3_BUCKET"),
			UseSSL:    e.lookupBool("S3_USE_SSL", true),
		},
		ResolverBin:   e.lookupString("RESOLVER_BIN", DefaultResolverBin),
		PollInterval:  e.lookupDuration("POLL_INTERVAL", DefaultPollInterval),
		RetryAttempts: e.lookupInt("RETRY_ATTEMPTS", DefaultRetryAttempts),
		RetryScale:    e.lookupFloat("RETRY_SCALE", DefaultRetryScale),
		RetryMaxDelay: e.lookupDuration("RETRY_MAX_DELAY", DefaultRetryMaxDelay),
	}

	var (
		rpcURL         = flags.String("rpc", e.get("BLOCKCHAIN_ADDRESS"), "Ledger JSON-RPC URL")
		chainID        = flags.Int64("chainid", e.lookupInt64("CHAIN_ID", DefaultChainID), "Chain ID")
		contract       = flags.String("contract", e.get("CONTRACT_ADDRESS"), "Registry contract address")
		token          = flags.String("token", e.get("TOKEN_CONTRACT_ADDRESS"), "Token contract address")
		backend        = flags.String("backend", e.lookupString("ARTIFACT_BACKEND", BackendGateway), "Artifact backend (gateway, s3)")
		downloadDir    = flags.String("download-dir", e.lookupString("DOWNLOAD_DIR", DefaultDownloadDir), "Directory for downloaded libraries")
		dbPath         = flags.String("db", e.lookupString("DATABASE_PATH", DefaultDatabasePath), "SQLite database path")
		logLevel       = flags.String("log-level", e.lookupString("LOG_LEVEL", DefaultLogLevel), "Log level (debug, info, warn, error)")
		legacy         = flags.Bool("legacy", e.lookupBool("USE_LEGACY_TX", true), "Use legacy gasPrice transactions")
		confirmTimeout = flags.Duration("confirm-timeout", e.lookupDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout), "Receipt wait per transaction")
		submitRate     = flags.Float64("rate", e.lookupFloat("SUBMIT_RATE", 0), "Submission rate limit in tx/s (0=unlimited)")
	)

	return func() *Config {
		cfg.RPCURL = *rpcURL
		cfg.ChainID = *chainID
		cfg.ContractAddress = *contract
		cfg.TokenContractAddress = *token
		cfg.ArtifactBackend = strings.ToLower(*backend)
		cfg.DownloadDir = *downloadDir
		cfg.DatabasePath = *dbPath
		cfg.LogLevel = *logLevel
		cfg.UseLegacyTx = *legacy
		cfg.ConfirmTimeout = *confirmTimeout
		cfg.SubmitRate = *submitRate
		return cfg
	}
}

func bindLoadTest(flags *flag.FlagSet) func() (*LoadTestConfig, error) {
	var (
		accountsFile = flags.String("accounts-file", DefaultAccountsFile, "Accounts file (addresses, \"Private Keys\" separator, keys)")
		workers      = flags.Int("workers", 0, "Maximum number of workers (0=one per account)")
		script       = flags.String("script", "", "Script to run (groups, projects, reliability); prompts when empty")
		queries      = flags.Int("queries", DefaultQueries, "Reliability checks per worker")
		groups       = flags.Int("groups", DefaultGroups, "Groups created per worker")
		projects     = flags.Int("projects", DefaultProjects, "Projects created per worker")
		tokens       = flags.Int64("tokens", DefaultTokens, "Tokens bought by each worker during registration")
		listen       = flags.String("listen", "", "Status server listen address (empty=disabled)")
	)

	return func() (*LoadTestConfig, error) {
		lt := &LoadTestConfig{
			AccountsFile: *accountsFile,
			Workers:      *workers,
			Queries:      *queries,
			Groups:       *groups,
			Projects:     *projects,
			Tokens:       *tokens,
			ListenAddr:   *listen,
		}
		if *script != "" {
			s, err := types.ParseScript(*script)
			if err != nil {
				return nil, err
			}
			lt.Script = s
		}
		return lt, nil
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("ledger RPC URL is required (BLOCKCHAIN_ADDRESS or -rpc)")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("chain ID must be positive")
	}
	for _, a := range []struct{ name, value string }{
		{"ADDRESS", c.Address},
		{"CONTRACT_ADDRESS", c.ContractAddress},
		{"TOKEN_CONTRACT_ADDRESS", c.TokenContractAddress},
	} {
		if a.value != "" && !common.IsHexAddress(a.value) {
			return fmt.Errorf("%s is not a hex address: %q", a.name, a.value)
		}
	}
	switch c.ArtifactBackend {
	case BackendGateway:
	case BackendS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires S3_ENDPOINT and S3_BUCKET")
		}
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			return fmt.Errorf("s3 backend requires S3_ACCESS_KEY and S3_SECRET_KEY")
		}
	default:
		return fmt.Errorf("unknown artifact backend: %s (supported: gateway, s3)", c.ArtifactBackend)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.RetryScale <= 0 {
		return fmt.Errorf("retry scale must be positive")
	}
	if c.ConfirmTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("confirm timeout and poll interval must be positive")
	}
	if c.SubmitRate < 0 {
		return fmt.Errorf("submit rate cannot be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// RequireOperator checks that the signing key is present and, when ADDRESS
// is also set, that it belongs to that address.
func (c *Config) RequireOperator() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.PrivateKey, "0x"))
	if err != nil {
		return fmt.Errorf("invalid PRIVATE_KEY: %w", err)
	}
	if c.Address != "" && crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(c.Address) {
		return fmt.Errorf("PRIVATE_KEY does not belong to ADDRESS %s", c.Address)
	}
	return nil
}

// RequireContracts checks that both contract addresses are set.
func (c *Config) RequireContracts() error {
	if c.ContractAddress == "" || c.TokenContractAddress == "" {
		return fmt.Errorf("CONTRACT_ADDRESS and TOKEN_CONTRACT_ADDRESS are required")
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// RetryPolicy returns the ledger retry policy.
func (c *Config) RetryPolicy(logger *slog.Logger) retry.Policy {
	p := retry.Default()
	p.MaxAttempts = c.RetryAttempts
	p.Scale = c.RetryScale
	p.MaxDelay = c.RetryMaxDelay
	p.Logger = logger
	return p
}

// GatewayConfig returns the IPFS gateway settings.
func (c *Config) GatewayConfig(logger *slog.Logger) artifact.GatewayConfig {
	return artifact.GatewayConfig{
		UploadURL:  c.IPFS.UploadURL,
		GatewayURL: c.IPFS.GatewayURL,
		Token:      c.IPFS.AuthToken,
		Retry:      c.RetryPolicy(logger),
		Logger:     logger,
	}
}

// S3StoreConfig returns the S3 backend settings.
func (c *Config) S3StoreConfig(logger *slog.Logger) artifact.S3Config {
	return artifact.S3Config{
		Endpoint:  c.S3.Endpoint,
		Region:    c.S3.Region,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
		Bucket:    c.S3.Bucket,
		UseSSL:    c.S3.UseSSL,
		Logger:    logger,
	}
}

// NewStore builds the configured artifact backend.
func (c *Config) NewStore(logger *slog.Logger) (artifact.Store, error) {
	if c.ArtifactBackend == BackendS3 {
		store, err := artifact.NewS3Store(c.S3StoreConfig(logger))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return artifact.NewGateway(c.GatewayConfig(logger)), nil
}

// Validate validates the load-test configuration.
func (c *LoadTestConfig) Validate() error {
	if c.AccountsFile == "" {
		return fmt.Errorf("accounts file is required")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers cannot be negative")
	}
	if c.Queries < 0 || c.Groups < 0 || c.Projects < 0 {
		return fmt.Errorf("queries, groups and projects cannot be negative")
	}
	if c.Tokens <= 0 {
		return fmt.Errorf("tokens must be positive")
	}
	return nil
}

// WorkerCount returns how many workers to start given the loaded accounts.
func (c *LoadTestConfig) WorkerCount(accounts int) int {
	if c.Workers > 0 && c.Workers < accounts {
		return c.Workers
	}
	return accounts
}
