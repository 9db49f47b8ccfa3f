// Supply-chain registry load test.
//
// Runs one worker per account in the accounts file against the registry,
// then prints gas and timing statistics. With -listen it also serves the
// status API, the live WebSocket stream and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/supplychain/internal/account"
	"github.com/gateway-fm/supplychain/internal/artifact"
	"github.com/gateway-fm/supplychain/internal/config"
	"github.com/gateway-fm/supplychain/internal/loadtest"
	"github.com/gateway-fm/supplychain/internal/metrics"
	"github.com/gateway-fm/supplychain/internal/rpc"
	"github.com/gateway-fm/supplychain/internal/storage"
	"github.com/gateway-fm/supplychain/internal/transport"
	"github.com/gateway-fm/supplychain/pkg/types"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, lt, err := config.LoadLoadTest("loadtest", os.Args[1:])
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if lt.Script == "" {
		if lt.Script, err = chooseScript(); err != nil {
			return err
		}
	}
	script, err := loadtest.NewScript(lt.Script)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	prom := metrics.NewPrometheusMetrics(promReg)

	client := cfg.NewRPCClient(logger, prom.RecordRPCRetry)

	pairs, err := account.LoadAccountsFile(lt.AccountsFile)
	if err != nil {
		return err
	}
	mgr := account.NewManager(logger)
	accounts, err := mgr.FromKeyPairs(pairs)
	if err != nil {
		return err
	}
	accounts = accounts[:lt.WorkerCount(len(accounts))]
	if len(accounts) == 0 {
		return fmt.Errorf("no accounts in %s", lt.AccountsFile)
	}
	if accounts, err = fundedAccounts(ctx, mgr, client, accounts, big.NewInt(lt.Tokens), logger); err != nil {
		return err
	}
	tracker := metrics.NewRunTracker()
	s := cfg.NewSender(client, metrics.Fanout(prom, tracker), logger)
	reg, err := cfg.NewRegistry(s, logger)
	if err != nil {
		return err
	}

	var store artifact.Store
	if lt.Script == types.ScriptReliability {
		backend, err := cfg.NewStore(logger)
		if err != nil {
			return err
		}
		store = artifact.Instrumented(backend, prom.RecordArtifact)
	}

	history, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer history.Close()

	// Assigned before the run starts; events published earlier are dropped.
	var srv *transport.Server
	orch, err := loadtest.New(loadtest.Config{
		Script: script,
		Params: loadtest.Params{
			Queries:  lt.Queries,
			Groups:   lt.Groups,
			Projects: lt.Projects,
			Tokens:   big.NewInt(lt.Tokens),
		},
		Accounts:   accounts,
		Client:     client,
		Connect:    loadtest.RegistryConnector(reg),
		Store:      store,
		Storage:    history,
		Tracker:    tracker,
		Prometheus: prom,
		Publish: func(ev types.StreamEvent) {
			if srv != nil {
				srv.Publish(ev)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if lt.ListenAddr != "" {
		srv = transport.NewServer(transport.ServerConfig{
			Runs:     orch,
			Storage:  history,
			Health:   transport.LedgerHealth{Client: client},
			Gatherer: promReg,
			Logger:   logger,
		})
		httpSrv := &http.Server{
			Addr:              lt.ListenAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("status server listening", slog.String("addr", lt.ListenAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
			srv.Close()
		}()
	}

	summary, runErr := orch.Run(ctx)
	if summary != nil {
		printSummary(os.Stdout, summary)
	}
	return runErr
}

// fundedAccounts drops accounts that cannot pay for the registration token
// purchase, so they are reported up front instead of failing in a worker.
func fundedAccounts(ctx context.Context, mgr *account.Manager, client rpc.Client, accounts []*account.Account, minBalance *big.Int, logger *slog.Logger) ([]*account.Account, error) {
	funded, unfunded := mgr.ValidateBalances(ctx, client, accounts, minBalance)
	for _, acct := range unfunded {
		logger.Warn("skipping unfunded account",
			slog.String("account", acct.Address.Hex()),
			slog.String("min_balance", minBalance.String()),
		)
	}
	if len(funded) == 0 {
		return nil, fmt.Errorf("none of %d accounts holds %s wei", len(accounts), minBalance)
	}
	return funded, nil
}

// chooseScript asks for the script with a single key press.
func chooseScript() (types.Script, error) {
	fmt.Println("Choose the load test script:")
	fmt.Println("  1) groups       create groups")
	fmt.Println("  2) projects     create projects in a group")
	fmt.Println("  3) reliability  query dependency reliability")
	for {
		r, k, err := keyboard.GetSingleKey()
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		if k == keyboard.KeyCtrlC || k == keyboard.KeyEsc {
			return "", context.Canceled
		}
		if s, ok := scriptForKey(r); ok {
			fmt.Printf("Running %s\n", s)
			return s, nil
		}
	}
}

// scriptForKey maps a menu key to its script.
func scriptForKey(r rune) (types.Script, bool) {
	switch r {
	case '1', 'g':
		return types.ScriptGroups, true
	case '2', 'p':
		return types.ScriptProjects, true
	case '3', 'r':
		return types.ScriptReliability, true
	}
	return "", false
}
