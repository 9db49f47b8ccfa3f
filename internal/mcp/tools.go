package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/supplychain/internal/registry"
)

// Ledger is the read-only registry surface the ledger tools need.
// *registry.Registry satisfies it.
type Ledger interface {
	ProjectVersions(ctx context.Context, project string) ([]string, error)
	LibraryInformation(ctx context.Context, cid string) (*registry.LibraryInfo, error)
	DeveloperInfo(ctx context.Context, dev common.Address) (*registry.Developer, error)
	DeveloperAddress(ctx context.Context, email string) (common.Address, error)
}

var _ Ledger = (*registry.Registry)(nil)

// RegisterTools registers the status tools on the MCP server, plus the ledger
// tools when ledger is non-nil.
func RegisterTools(s *server.MCPServer, client *Client, ledger Ledger) {
	s.AddTool(gomcp.NewTool("supplychain_status",
		gomcp.WithDescription("Get the live load-test status: run state, worker phases, transactions submitted/confirmed/rejected, reliability query latency and level counts."),
	), statusHandler(client))

	s.AddTool(gomcp.NewTool("supplychain_runs",
		gomcp.WithDescription("List finished load-test runs with their outcome (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	), runsHandler(client))

	s.AddTool(gomcp.NewTool("supplychain_run",
		gomcp.WithDescription("Get a finished load-test run by ID: per-worker results and per-operation gas statistics."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	), runHandler(client))

	s.AddTool(gomcp.NewTool("supplychain_delete_run",
		gomcp.WithDescription("Delete a load-test run and its results. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	), deleteRunHandler(client))

	if ledger == nil {
		return
	}

	s.AddTool(gomcp.NewTool("supplychain_project_versions",
		gomcp.WithDescription("List every published version of a project, oldest first."),
		gomcp.WithString("project",
			gomcp.Required(),
			gomcp.Description("Project name"),
		),
	), projectVersionsHandler(ledger))

	s.AddTool(gomcp.NewTool("supplychain_library_info",
		gomcp.WithDescription("Get the ledger record of a library version by its CID: project, version and dependency CIDs."),
		gomcp.WithString("cid",
			gomcp.Required(),
			gomcp.Description("Content identifier of the library"),
		),
	), libraryInfoHandler(ledger))

	s.AddTool(gomcp.NewTool("supplychain_developer_info",
		gomcp.WithDescription("Get a registered developer's record by address or email."),
		gomcp.WithString("address",
			gomcp.Description("Developer address (0x...)"),
		),
		gomcp.WithString("email",
			gomcp.Description("Developer email, used when address is empty"),
		),
	), developerInfoHandler(ledger))
}

func statusHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Load test unreachable: %v\n\nIs cmd/loadtest running with -listen?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	}
}

func runsHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing runs failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(raw)), nil
	}
}

func runHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || strings.TrimSpace(id) == "" {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/runs/"+id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	}
}

func deleteRunHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || strings.TrimSpace(id) == "" {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/runs/"+id); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	}
}

func projectVersionsHandler(ledger Ledger) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		project, err := req.RequireString("project")
		if err != nil || strings.TrimSpace(project) == "" {
			return gomcp.NewToolResultError("project is required"), nil
		}
		versions, err := ledger.ProjectVersions(ctx, project)
		if err != nil {
			return ledgerError("project", err), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Project: "+project),
			kv("Versions", formatList(versions)),
		)), nil
	}
}

func libraryInfoHandler(ledger Ledger) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		cid, err := req.RequireString("cid")
		if err != nil || strings.TrimSpace(cid) == "" {
			return gomcp.NewToolResultError("cid is required"), nil
		}
		info, err := ledger.LibraryInformation(ctx, cid)
		if err != nil {
			return ledgerError("CID", err), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Library: "+info.CID),
			kv("Project", info.Project),
			kv("Version", info.Version),
			kv("Dependencies", formatList(info.Dependencies)),
		)), nil
	}
}

func developerInfoHandler(ledger Ledger) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		address := strings.TrimSpace(req.GetString("address", ""))
		email := strings.TrimSpace(req.GetString("email", ""))

		var addr common.Address
		switch {
		case address != "":
			if !common.IsHexAddress(address) {
				return gomcp.NewToolResultError("Insert a valid address"), nil
			}
			addr = common.HexToAddress(address)
		case email != "":
			a, err := ledger.DeveloperAddress(ctx, email)
			if err != nil {
				return ledgerError("email", err), nil
			}
			addr = a
		default:
			return gomcp.NewToolResultError("address or email is required"), nil
		}

		dev, err := ledger.DeveloperInfo(ctx, addr)
		if err != nil {
			return ledgerError("address", err), nil
		}
		reliability := "0"
		if dev.Reliability != nil {
			reliability = dev.Reliability.String()
		}
		return gomcp.NewToolResultText(joinLines(
			section("Developer: "+dev.Address.Hex()),
			kv("Email", dev.Email),
			kv("Reliability", reliability),
			kv("Registered", dev.RegisteredAt.UTC().Format("2006-01-02 15:04:05")),
		)), nil
	}
}

// ledgerError turns a registry refusal into the shell's "Insert a valid"
// wording and passes anything else through.
func ledgerError(what string, err error) *gomcp.CallToolResult {
	if errors.Is(err, registry.ErrNotFound) {
		return gomcp.NewToolResultError("Insert a valid " + what)
	}
	return gomcp.NewToolResultError(fmt.Sprintf("Ledger query failed: %v", err))
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Load Test Status"),
		kv("Run", getStr(m, "runId")),
		kv("Status", getStr(m, "status")),
		kv("Script", getStr(m, "script")),
		kv("Workers", formatNumber(getNum(m, "workers"))),
		kv("Completed", formatNumber(getNum(m, "completed"))),
		kv("Failed", formatNumber(getNum(m, "failed"))),
		kv("TXs Submitted", formatNumber(getNum(m, "txSubmitted"))),
		kv("TXs Confirmed", formatNumber(getNum(m, "txConfirmed"))),
		kv("TXs Rejected", formatNumber(getNum(m, "txRejected"))),
		kv("TXs Pending", formatNumber(getNum(m, "txPending"))),
		kv("Elapsed", fmt.Sprintf("%.1fs", getNum(m, "elapsedMs")/1000)),
	)
	if e := getStr(m, "error"); e != "" {
		lines += "\n" + kv("Error", e)
	}

	if phases, ok := m["phases"].(map[string]any); ok && len(phases) > 0 {
		lines += "\n\n" + section("Worker Phases")
		for _, k := range sortedKeys(phases) {
			lines += "\n" + kv(k, formatNumber(phases[k]))
		}
	}

	if lat, ok := m["queryLatency"].(map[string]any); ok && getNum(lat, "count") > 0 {
		lines += "\n\n" + formatLatency(lat)
	}

	if levels, ok := m["levels"].(map[string]any); ok && len(levels) > 0 {
		lines += "\n\n" + formatLevels(levels)
	}

	return lines
}

func formatLatency(lat map[string]any) string {
	return joinLines(
		section("Reliability Query Latency"),
		kv("Count", formatNumber(getNum(lat, "count"))),
		kv("Min", formatMs(getNum(lat, "min"))),
		kv("P50", formatMs(getNum(lat, "p50"))),
		kv("P95", formatMs(getNum(lat, "p95"))),
		kv("P99", formatMs(getNum(lat, "p99"))),
		kv("Max", formatMs(getNum(lat, "max"))),
	)
}

// formatLevels prints known levels lowest first, then any others.
func formatLevels(levels map[string]any) string {
	lines := section("Reliability Levels")
	seen := make(map[string]bool)
	for _, lvl := range registry.KnownLevels {
		if v, ok := levels[lvl]; ok {
			lines += "\n" + kv(lvl, formatNumber(v))
			seen[lvl] = true
		}
	}
	for _, k := range sortedKeys(levels) {
		if !seen[k] {
			lines += "\n" + kv(k, formatNumber(levels[k]))
		}
	}
	return lines
}

func formatRuns(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing runs: %v", err)
	}

	lines := joinLines(
		section("Load Test Runs"),
		kv("Total Runs", formatNumber(getNum(m, "total"))),
		"",
	)

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		return lines + "\nNo runs found."
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		lines += "\n\n" + fmt.Sprintf("### %s\n", getStr(run, "id"))
		lines += joinLines(
			kv("Script", getStr(run, "script")),
			kv("Status", getStr(run, "status")),
			kv("Workers", formatNumber(getNum(run, "workers"))),
			kv("Completed", formatNumber(getNum(run, "completed"))),
			kv("Failed", formatNumber(getNum(run, "failed"))),
			kv("Mean Duration", formatMs(getNum(run, "meanDurationMs"))),
			kv("Started", formatTime(getStr(run, "startedAt"))),
		)
	}

	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}

	run, ok := m["run"].(map[string]any)
	if !ok {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+getStr(run, "id")),
		kv("Script", getStr(run, "script")),
		kv("Status", getStr(run, "status")),
		kv("Workers", formatNumber(getNum(run, "workers"))),
		kv("Completed", formatNumber(getNum(run, "completed"))),
		kv("Failed", formatNumber(getNum(run, "failed"))),
		kv("Mean Duration", formatMs(getNum(run, "meanDurationMs"))),
		kv("Started", formatTime(getStr(run, "startedAt"))),
	)
	if e := getStr(run, "errorMessage"); e != "" {
		lines += "\n" + kv("Error", e)
	}
	if levels, ok := run["levels"].(map[string]any); ok && len(levels) > 0 {
		lines += "\n\n" + formatLevels(levels)
	}

	if ops, ok := m["operations"].([]any); ok && len(ops) > 0 {
		lines += "\n\n" + section("Gas per Operation")
		for _, o := range ops {
			op, ok := o.(map[string]any)
			if !ok {
				continue
			}
			gas, _ := op["gasUsed"].(map[string]any)
			lines += "\n" + kv(getStr(op, "op"), fmt.Sprintf("min %s  max %s  mean %s  (n=%s)",
				formatNumber(getNum(gas, "min")),
				formatNumber(getNum(gas, "max")),
				formatNumber(getNum(gas, "mean")),
				formatNumber(getNum(gas, "count")),
			))
		}
	}

	if results, ok := m["results"].([]any); ok && len(results) > 0 {
		lines += "\n\n" + section("Workers")
		for _, r := range results {
			res, ok := r.(map[string]any)
			if !ok {
				continue
			}
			line := fmt.Sprintf("  [%d] %s  %s  txs=%d", int64(getNum(res, "worker")), getStr(res, "address"), getStr(res, "phase"), int64(getNum(res, "txCount")))
			if done, _ := res["completed"].(bool); done {
				line += "  " + formatMs(getNum(res, "durationMs"))
			}
			if e := getStr(res, "error"); e != "" {
				line += "  - " + e
			}
			lines += "\n" + line
		}
	}

	return lines
}

func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
