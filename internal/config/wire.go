package config

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/supplychain/internal/account"
	"github.com/gateway-fm/supplychain/internal/ratelimit"
	"github.com/gateway-fm/supplychain/internal/registry"
	"github.com/gateway-fm/supplychain/internal/rpc"
	"github.com/gateway-fm/supplychain/internal/sender"
)

// NewRPCClient returns a ledger client using the configured retry policy.
// onRetry may be nil.
func (c *Config) NewRPCClient(logger *slog.Logger, onRetry func(method string)) *rpc.HTTPClient {
	cfg := rpc.DefaultClientConfig(c.RPCURL)
	cfg.Retry = c.RetryPolicy(logger)
	cfg.OnRetry = onRetry
	cfg.Logger = logger
	return rpc.NewHTTPClient(cfg)
}

// NewSender returns a submitter bound to client. rec may be nil.
func (c *Config) NewSender(client rpc.Client, rec sender.Recorder, logger *slog.Logger) *sender.Sender {
	return sender.New(sender.Config{
		Client:         client,
		ChainID:        big.NewInt(c.ChainID),
		Legacy:         c.UseLegacyTx,
		ConfirmTimeout: c.ConfirmTimeout,
		PollInterval:   c.PollInterval,
		Limiter:        ratelimit.New(c.SubmitRate),
		Metrics:        rec,
		Logger:         logger,
	})
}

// NewRegistry binds the configured contracts, loading ABI overrides from
// disk when their paths are set.
func (c *Config) NewRegistry(s *sender.Sender, logger *slog.Logger) (*registry.Registry, error) {
	if err := c.RequireContracts(); err != nil {
		return nil, err
	}
	cfg := registry.Config{
		Sender:       s,
		Address:      common.HexToAddress(c.ContractAddress),
		TokenAddress: common.HexToAddress(c.TokenContractAddress),
		Logger:       logger,
	}
	var err error
	if cfg.ABI, err = loadABI(c.RegistryABIPath); err != nil {
		return nil, err
	}
	if cfg.TokenABI, err = loadABI(c.TokenABIPath); err != nil {
		return nil, err
	}
	return registry.New(cfg)
}

func loadABI(path string) (*abi.ABI, error) {
	if path == "" {
		return nil, nil
	}
	parsed, err := registry.LoadABI(path)
	if err != nil {
		return nil, fmt.Errorf("load ABI %s: %w", path, err)
	}
	return &parsed, nil
}

// Operator returns the account behind PRIVATE_KEY.
func (c *Config) Operator() (*account.Account, error) {
	if err := c.RequireOperator(); err != nil {
		return nil, err
	}
	return account.NewAccountFromHex(strings.TrimPrefix(c.PrivateKey, "0x"))
}
