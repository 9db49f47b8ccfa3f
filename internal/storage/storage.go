package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/gateway-fm/supplychain/pkg/types"
)

// ErrRunNotFound is returned when deleting a run that does not exist.
var ErrRunNotFound = errors.New("run not found")

// Storage defines the persistence interface for load-test history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	// Per-run detail, written once after the run ends
	BulkInsertWorkerResults(ctx context.Context, runID string, results []types.WorkerResult) error
	GetWorkerResults(ctx context.Context, runID string) ([]types.WorkerResult, error)
	SaveOperationStats(ctx context.Context, runID string, stats []types.OperationStats) error
	GetOperationStats(ctx context.Context, runID string) ([]types.OperationStats, error)

	// Lifecycle
	Close() error
}

// DeploymentStore persists deployed contract addresses, scoped by chain ID
// so several chains can share one database.
type DeploymentStore interface {
	SaveDeployment(ctx context.Context, d Deployment) error
	LoadDeployments(ctx context.Context, chainID int64) ([]Deployment, error)
	DeleteDeployments(ctx context.Context, chainID int64) error
}

// LoadRunDetail assembles a run with its worker results and gas statistics.
// It returns nil, nil when the run does not exist.
func LoadRunDetail(ctx context.Context, s Storage, id string) (*RunDetail, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	results, err := s.GetWorkerResults(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("worker results: %w", err)
	}
	ops, err := s.GetOperationStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("operation stats: %w", err)
	}
	return &RunDetail{Run: run, Results: results, Operations: ops}, nil
}
