// Supply-chain registry client.
//
// Without a subcommand it opens the interactive numbered menu. Subcommands:
//
//	accounts  generate and fund worker accounts, or list their balances
//	deploy    deploy the token and registry contracts
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/gateway-fm/supplychain/internal/account"
	"github.com/gateway-fm/supplychain/internal/artifact"
	"github.com/gateway-fm/supplychain/internal/cli"
	"github.com/gateway-fm/supplychain/internal/config"
	"github.com/gateway-fm/supplychain/internal/contract"
	"github.com/gateway-fm/supplychain/internal/deps"
	"github.com/gateway-fm/supplychain/internal/fetch"
	"github.com/gateway-fm/supplychain/internal/sender"
	"github.com/gateway-fm/supplychain/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	var err error
	switch {
	case len(args) > 0 && args[0] == "accounts":
		err = runAccounts(ctx, args[1:])
	case len(args) > 0 && args[0] == "deploy":
		err = runDeploy(ctx, args[1:])
	default:
		err = runShell(ctx, args)
	}
	if err != nil && !errors.Is(err, flag.ErrHelp) && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

// connect builds the sender and the synced operator account.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sender.Sender, *account.Account, error) {
	op, err := cfg.Operator()
	if err != nil {
		return nil, nil, err
	}
	client := cfg.NewRPCClient(logger, nil)
	if err := op.Sync(ctx, client); err != nil {
		return nil, nil, fmt.Errorf("sync operator nonce: %w", err)
	}
	return cfg.NewSender(client, nil, logger), op, nil
}

func runShell(ctx context.Context, args []string) error {
	cfg, err := config.Load("supplychain", args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	s, op, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	reg, err := cfg.NewRegistry(s, logger)
	if err != nil {
		return err
	}
	store, err := cfg.NewStore(logger)
	if err != nil {
		return err
	}

	walker := fetch.NewWalker(fetch.WalkerConfig{
		Lookup: reg,
		Store:  store,
		Sink:   artifact.DirSink{Dir: cfg.DownloadDir},
		Logger: logger,
	})
	aggregator := fetch.NewAggregator(fetch.AggregatorConfig{
		Resolver: deps.NewRemoteLS(cfg.ResolverBin, logger),
		Logger:   logger,
	})

	commands := cli.DefaultCommands(&cli.Env{
		Queries:    reg,
		Tx:         reg.Session(op),
		Store:      store,
		Walker:     walker,
		Aggregator: aggregator,
	})

	logger.Info("connected",
		slog.String("account", op.Address.Hex()),
		slog.String("registry", reg.Address().Hex()),
		slog.String("backend", cfg.ArtifactBackend),
	)
	return cli.NewShell(commands, cli.NewPrompter(os.Stdin, os.Stdout), logger).Run(ctx)
}

func runAccounts(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("supplychain accounts", flag.ContinueOnError)
	count := flags.Int("n", 10, "Number of accounts to generate")
	out := flags.String("out", config.DefaultAccountsFile, "Accounts file to write or read")
	fund := flags.String("fund", "0", "Wei sent from the operator to each new account")
	balances := flags.Bool("balances", false, "List balances of the accounts in -out instead of generating")

	cfg, err := config.LoadFlags(flags, args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	mgr := account.NewManager(logger)

	if *balances {
		pairs, err := account.LoadAccountsFile(*out)
		if err != nil {
			return err
		}
		accounts, err := mgr.FromKeyPairs(pairs)
		if err != nil {
			return err
		}
		for i, b := range mgr.Balances(ctx, cfg.NewRPCClient(logger, nil), accounts) {
			if b.Err != nil {
				fmt.Printf("(%d) %s  error: %v\n", i, b.Address.Hex(), b.Err)
				continue
			}
			fmt.Printf("(%d) %s  %s wei\n", i, b.Address.Hex(), b.Wei)
		}
		return nil
	}

	amount, err := parseWei(*fund)
	if err != nil {
		return err
	}
	accounts, err := mgr.Generate(*count)
	if err != nil {
		return err
	}

	f, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("create %s: %w", *out, err)
	}
	if err := account.WriteAccountsFile(f, mgr.ExportKeys(accounts)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("accounts written", slog.String("path", *out), slog.Int("count", len(accounts)))

	if amount.Sign() == 0 {
		return nil
	}
	s, op, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		to := acc.Address
		if _, err := s.Submit(ctx, op, sender.Call{To: &to, Value: amount, Op: "fund"}, true); err != nil {
			return fmt.Errorf("fund %s: %w", to.Hex(), err)
		}
		logger.Info("account funded", slog.String("account", to.Hex()), slog.String("wei", amount.String()))
	}
	return nil
}

func runDeploy(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("supplychain deploy", flag.ContinueOnError)
	tokenBin := flags.String("token-bin", os.Getenv("TOKEN_BYTECODE_PATH"), "Hex creation code of the token contract")
	registryBin := flags.String("registry-bin", os.Getenv("REGISTRY_BYTECODE_PATH"), "Hex creation code of the registry contract")

	cfg, err := config.LoadFlags(flags, args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	var code contract.Bytecode
	if *tokenBin != "" {
		if code.Token, err = contract.LoadBytecode(*tokenBin); err != nil {
			return err
		}
	}
	if *registryBin != "" {
		if code.Registry, err = contract.LoadBytecode(*registryBin); err != nil {
			return err
		}
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	s, op, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	deployer := contract.NewDeployer(s, store, logger)
	addrs, err := deployer.DeployAllWithProgress(ctx, op, code, func(name string, done, total int) {
		logger.Info("deployment progress", slog.String("contract", name), slog.Int("done", done), slog.Int("total", total))
	})
	if err != nil {
		return err
	}

	fmt.Printf("TOKEN_CONTRACT_ADDRESS=%s\n", addrs.Token.Hex())
	fmt.Printf("CONTRACT_ADDRESS=%s\n", addrs.Registry.Hex())
	return nil
}

// parseWei parses a non-negative decimal wei amount.
func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}
