package mcp

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/supplychain/internal/registry"
	"github.com/gateway-fm/supplychain/internal/storage"
	"github.com/gateway-fm/supplychain/internal/transport"
	"github.com/gateway-fm/supplychain/pkg/types"
)

type staticRuns struct{ snap types.RunSnapshot }

func (s staticRuns) Snapshot() types.RunSnapshot { return s.snap }

// newStatusAPI serves the real status API over a temporary SQLite store
// holding one finished run.
func newStatusAPI(t *testing.T, snap types.RunSnapshot) *Client {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	summary := &types.RunSummary{
		RunID:          "run-1",
		Config:         types.RunConfig{Script: types.ScriptReliability, Workers: 2, Queries: 2},
		StartedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt:     time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC),
		Workers:        2,
		Completed:      1,
		Failed:         1,
		MeanDurationMs: 1500,
		Levels:         map[string]int{"High": 4},
	}
	run := storage.RunFromSummary(summary)
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.CompleteRun(ctx, run))
	require.NoError(t, store.BulkInsertWorkerResults(ctx, "run-1", []types.WorkerResult{
		{Worker: 0, Address: "0xaa", Completed: true, Phase: types.PhaseDone, DurationMs: 1500, TxCount: 6},
		{Worker: 1, Address: "0xbb", Phase: types.PhaseFailed, Error: "createGroup rejected: Group already exists"},
	}))
	require.NoError(t, store.SaveOperationStats(ctx, "run-1", []types.OperationStats{
		{Op: "createGroup", GasUsed: types.ValueStats{Count: 2, Min: 100000, Max: 120000, Mean: 110000}},
	}))

	srv := transport.NewServer(transport.ServerConfig{Runs: staticRuns{snap: snap}, Storage: store})
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL)
}

func call(t *testing.T, h server.ToolHandlerFunc, args map[string]any) (string, bool) {
	t.Helper()
	req := gomcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(gomcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return text.Text, res.IsError
}

func TestStatusTool(t *testing.T) {
	client := newStatusAPI(t, types.RunSnapshot{
		RunID:       "live",
		Status:      types.StatusRunning,
		Script:      types.ScriptGroups,
		Workers:     3,
		TxSubmitted: 1200,
		Phases:      map[types.WorkerPhase]int{types.PhaseRunning: 2, types.PhaseDone: 1},
		Levels:      map[string]int{"Low": 1, "Very High": 2, "Custom": 1},
	})

	text, isErr := call(t, statusHandler(client), nil)
	assert.False(t, isErr)
	assert.Contains(t, text, "## Load Test Status")
	assert.Contains(t, text, kv("Status", "running"))
	assert.Contains(t, text, kv("TXs Submitted", "1,200"))
	assert.Contains(t, text, "## Worker Phases")
	assert.Contains(t, text, "## Reliability Levels")
	assert.Less(t, strings.Index(text, "Low:"), strings.Index(text, "Very High:"))
	assert.Less(t, strings.Index(text, "Very High:"), strings.Index(text, "Custom:"))
}

func TestStatusToolUnreachable(t *testing.T) {
	text, isErr := call(t, statusHandler(NewClient("http://127.0.0.1:1")), nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "Load test unreachable")
}

func TestRunTools(t *testing.T) {
	client := newStatusAPI(t, types.RunSnapshot{Status: types.StatusIdle})

	text, isErr := call(t, runsHandler(client), map[string]any{"limit": 5})
	require.False(t, isErr, text)
	assert.Contains(t, text, kv("Total Runs", "1"))
	assert.Contains(t, text, "### run-1")
	assert.Contains(t, text, kv("Started", "2024-05-01 12:00:00"))

	text, isErr = call(t, runHandler(client), map[string]any{"id": "run-1"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "## Run: run-1")
	assert.Contains(t, text, "## Gas per Operation")
	assert.Contains(t, text, "min 100,000  max 120,000  mean 110,000  (n=2)")
	assert.Contains(t, text, "Group already exists")
	assert.Contains(t, text, kv("High", "4"))

	text, isErr = call(t, runHandler(client), map[string]any{"id": "missing"})
	assert.True(t, isErr)
	assert.Contains(t, text, "HTTP 404")

	_, isErr = call(t, runHandler(client), map[string]any{})
	assert.True(t, isErr)

	text, isErr = call(t, deleteRunHandler(client), map[string]any{"id": "run-1"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "## Run Deleted")

	_, isErr = call(t, deleteRunHandler(client), map[string]any{"id": "run-1"})
	assert.True(t, isErr)
}

type fakeLedger struct {
	versions  map[string][]string
	libraries map[string]*registry.LibraryInfo
	devs      map[common.Address]*registry.Developer
	emails    map[string]common.Address
}

func (f *fakeLedger) ProjectVersions(_ context.Context, project string) ([]string, error) {
	v, ok := f.versions[project]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return v, nil
}

func (f *fakeLedger) LibraryInformation(_ context.Context, cid string) (*registry.LibraryInfo, error) {
	info, ok := f.libraries[cid]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return info, nil
}

func (f *fakeLedger) DeveloperInfo(_ context.Context, dev common.Address) (*registry.Developer, error) {
	d, ok := f.devs[dev]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return d, nil
}

func (f *fakeLedger) DeveloperAddress(_ context.Context, email string) (common.Address, error) {
	a, ok := f.emails[email]
	if !ok {
		return common.Address{}, registry.ErrNotFound
	}
	return a, nil
}

func TestLedgerTools(t *testing.T) {
	dev := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	ledger := &fakeLedger{
		versions: map[string][]string{"print_hi": {"1.0.0", "1.1.0"}},
		libraries: map[string]*registry.LibraryInfo{
			"bafyroot": {CID: "bafyroot", Version: "1.1.0", Project: "print_hi", Dependencies: []string{"bafydep"}},
		},
		devs: map[common.Address]*registry.Developer{
			dev: {Address: dev, Email: "dev@test.it", Reliability: big.NewInt(42), RegisteredAt: time.Unix(0, 0)},
		},
		emails: map[string]common.Address{"dev@test.it": dev},
	}

	text, isErr := call(t, projectVersionsHandler(ledger), map[string]any{"project": "print_hi"})
	require.False(t, isErr, text)
	assert.Contains(t, text, kv("Versions", "[1.0.0, 1.1.0]"))

	text, isErr = call(t, projectVersionsHandler(ledger), map[string]any{"project": "nope"})
	assert.True(t, isErr)
	assert.Equal(t, "Insert a valid project", text)

	text, isErr = call(t, libraryInfoHandler(ledger), map[string]any{"cid": "bafyroot"})
	require.False(t, isErr, text)
	assert.Contains(t, text, kv("Dependencies", "[bafydep]"))

	text, isErr = call(t, libraryInfoHandler(ledger), map[string]any{"cid": "bafymissing"})
	assert.True(t, isErr)
	assert.Equal(t, "Insert a valid CID", text)

	text, isErr = call(t, developerInfoHandler(ledger), map[string]any{"address": dev.Hex()})
	require.False(t, isErr, text)
	assert.Contains(t, text, kv("Reliability", "42"))
	assert.Contains(t, text, kv("Registered", "1970-01-01 00:00:00"))

	text, isErr = call(t, developerInfoHandler(ledger), map[string]any{"email": "dev@test.it"})
	require.False(t, isErr, text)
	assert.Contains(t, text, kv("Email", "dev@test.it"))

	text, isErr = call(t, developerInfoHandler(ledger), map[string]any{"address": "0x12"})
	assert.True(t, isErr)
	assert.Equal(t, "Insert a valid address", text)

	text, isErr = call(t, developerInfoHandler(ledger), map[string]any{"email": "ghost@test.it"})
	assert.True(t, isErr)
	assert.Equal(t, "Insert a valid email", text)

	_, isErr = call(t, developerInfoHandler(ledger), nil)
	assert.True(t, isErr)
}

func TestRegisterTools(t *testing.T) {
	s := server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(true))
	RegisterTools(s, NewClient("http://localhost"), nil)
	assert.Len(t, listTools(t, s), 4)

	s = server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(true))
	RegisterTools(s, NewClient("http://localhost"), &fakeLedger{})
	tools := listTools(t, s)
	assert.Len(t, tools, 7)
	for _, name := range []string{
		"supplychain_status", "supplychain_runs", "supplychain_run", "supplychain_delete_run",
		"supplychain_project_versions", "supplychain_library_info", "supplychain_developer_info",
	} {
		assert.Contains(t, tools, name)
	}
}

// listTools asks the server for its tool list over JSON-RPC.
func listTools(t *testing.T, s *server.MCPServer) []string {
	t.Helper()
	msg := s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	names := make([]string, 0, len(resp.Result.Tools))
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{0.0, "0"},
		{999.0, "999"},
		{1000.0, "1,000"},
		{1234567.0, "1,234,567"},
		{-1234.0, "-1,234"},
		{12.5, "12.5"},
		{uint64(100000), "100,000"},
		{"x", "x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatNumber(tt.in), "formatNumber(%v)", tt.in)
	}
}
