// Supply-chain MCP server.
// Exposes load-test history and read-only registry queries over MCP stdio.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/supplychain/internal/config"
	mcptools "github.com/gateway-fm/supplychain/internal/mcp"
)

func main() {
	statusURL := os.Getenv("SUPPLYCHAIN_URL")
	if statusURL == "" {
		statusURL = "http://localhost:13001"
	}

	// stdout carries the protocol, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	s := server.NewMCPServer(
		"supplychain",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(statusURL)
	mcptools.RegisterTools(s, client, ledger(logger))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

// ledger binds the registry when the environment describes one. Without it
// only the status tools are served.
func ledger(logger *slog.Logger) mcptools.Ledger {
	cfg, err := config.Load("mcp", nil)
	if err != nil {
		logger.Warn("registry tools disabled", slog.String("error", err.Error()))
		return nil
	}
	reg, err := cfg.NewRegistry(cfg.NewSender(cfg.NewRPCClient(logger, nil), nil, logger), logger)
	if err != nil {
		logger.Warn("registry tools disabled", slog.String("error", err.Error()))
		return nil
	}
	return reg
}
