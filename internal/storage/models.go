// Package storage provides persistence for load-test history and contract
// deployments.
package storage

import (
	"time"

	"github.com/gateway-fm/supplychain/pkg/types"
)

// Run represents a persisted load-test run with summary statistics.
// JSON tags use camelCase to match the status API.
type Run struct {
	ID             string              `json:"id"`
	StartedAt      time.Time           `json:"startedAt"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	Script         types.Script        `json:"script"`
	Status         types.RunStatus     `json:"status"`
	Workers        int                 `json:"workers"`
	Completed      int                 `json:"completed"`
	Failed         int                 `json:"failed"`
	MeanDurationMs float64             `json:"meanDurationMs"`
	QueryLatency   *types.LatencyStats `json:"queryLatency,omitempty"`
	Levels         map[string]int      `json:"levels,omitempty"`
	Config         *types.RunConfig    `json:"config,omitempty"`
	ErrorMessage   string              `json:"errorMessage,omitempty"`
}

// RunFromSummary converts a finished run summary into its stored form.
func RunFromSummary(s *types.RunSummary) *Run {
	finished := s.FinishedAt
	cfg := s.Config
	return &Run{
		ID:             s.RunID,
		StartedAt:      s.StartedAt,
		CompletedAt:    &finished,
		Script:         s.Config.Script,
		Status:         types.StatusCompleted,
		Workers:        s.Workers,
		Completed:      s.Completed,
		Failed:         s.Failed,
		MeanDurationMs: s.MeanDurationMs,
		QueryLatency:   s.QueryLatency,
		Levels:         s.Levels,
		Config:         &cfg,
	}
}

// RunDetail combines a run with its worker results and gas statistics.
type RunDetail struct {
	Run        *Run                   `json:"run"`
	Results    []types.WorkerResult   `json:"results"`
	Operations []types.OperationStats `json:"operations"`
}

// PaginatedRuns represents a paginated list of runs.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// Deployment is a contract deployed on a chain.
type Deployment struct {
	ChainID    int64     `json:"chainId"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	TxHash     string    `json:"txHash,omitempty"`
	DeployedAt time.Time `json:"deployedAt"`
}
