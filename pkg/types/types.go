// Package types contains public API types for the supply-chain load tester.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Script names one of the fixed load-test scripts.
type Script string

const (
	ScriptGroups      Script = "groups"      // group-creation stress
	ScriptProjects    Script = "projects"    // project-creation stress
	ScriptReliability Script = "reliability" // dependency-reliability query stress
)

// Scripts returns every script in menu order.
func Scripts() []Script {
	return []Script{ScriptGroups, ScriptProjects, ScriptReliability}
}

// ParseScript accepts a script name or its 1-based menu number.
func ParseScript(s string) (Script, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, sc := range Scripts() {
		if s == string(sc) || s == fmt.Sprint(i+1) {
			return sc, nil
		}
	}
	return "", fmt.Errorf("unknown script %q", s)
}

// RunStatus represents the current run state.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusPreparing RunStatus = "preparing" // Workers registering and building fixtures
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// WorkerPhase is the step a worker is executing.
type WorkerPhase string

const (
	PhaseSyncing     WorkerPhase = "syncing"
	PhaseRegistering WorkerPhase = "registering"
	PhaseFixtures    WorkerPhase = "fixtures" // Worker 0 building shared fixtures, others waiting
	PhasePreparing   WorkerPhase = "preparing"
	PhaseRunning     WorkerPhase = "running"
	PhaseDone        WorkerPhase = "done"
	PhaseFailed      WorkerPhase = "failed"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// ValueStats summarizes a series of unsigned samples.
type ValueStats struct {
	Count int     `json:"count"`
	Min   uint64  `json:"min"`
	Max   uint64  `json:"max"`
	Mean  float64 `json:"mean"`
}

// OperationStats holds the gas cost of one operation tag across a run.
type OperationStats struct {
	Op       string     `json:"op"`
	GasUsed  ValueStats `json:"gasUsed"`
	GasPrice ValueStats `json:"gasPrice"` // wei
}

// WorkerResult is what one worker reports when it ends.
type WorkerResult struct {
	Worker     int         `json:"worker"`
	Address    string      `json:"address"`
	Completed  bool        `json:"completed"`
	Phase      WorkerPhase `json:"phase"`
	DurationMs int64       `json:"durationMs"` // timed phase only, 0 unless completed
	TxCount    int         `json:"txCount"`
	Error      string      `json:"error,omitempty"`
}

// RunConfig is the configuration a run was started with.
type RunConfig struct {
	Script   Script `json:"script"`
	Workers  int    `json:"workers"`
	Queries  int    `json:"queries"`
	Groups   int    `json:"groups"`
	Projects int    `json:"projects"`
	Tokens   string `json:"tokens"` // wei attached to buyTokens
}

// RunSnapshot is the live state of a run.
type RunSnapshot struct {
	RunID        string              `json:"runId,omitempty"`
	Status       RunStatus           `json:"status"`
	Script       Script              `json:"script,omitempty"`
	StartedAt    *time.Time          `json:"startedAt,omitempty"`
	ElapsedMs    int64               `json:"elapsedMs"`
	Workers      int                 `json:"workers"`
	Phases       map[WorkerPhase]int `json:"phases,omitempty"`
	Completed    int                 `json:"completed"`
	Failed       int                 `json:"failed"`
	TxSubmitted  uint64              `json:"txSubmitted"`
	TxConfirmed  uint64              `json:"txConfirmed"`
	TxRejected   uint64              `json:"txRejected"`
	TxPending    int64               `json:"txPending"`
	QueryLatency *LatencyStats       `json:"queryLatency,omitempty"`
	Levels       map[string]int      `json:"levels,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// RunSummary is the final result of a run. Aggregates are computed over
// completed workers only.
type RunSummary struct {
	RunID          string           `json:"runId"`
	Config         RunConfig        `json:"config"`
	StartedAt      time.Time        `json:"startedAt"`
	FinishedAt     time.Time        `json:"finishedAt"`
	Workers        int              `json:"workers"`
	Completed      int              `json:"completed"`
	Failed         int              `json:"failed"`
	MeanDurationMs float64          `json:"meanDurationMs"`
	Operations     []OperationStats `json:"operations"`
	Results        []WorkerResult   `json:"results"`
	QueryLatency   *LatencyStats    `json:"queryLatency,omitempty"`
	Levels         map[string]int   `json:"levels,omitempty"`
}

// EventType tags a StreamEvent.
type EventType string

const (
	EventStatus  EventType = "status"
	EventWorker  EventType = "worker"
	EventSummary EventType = "summary"
)

// StreamEvent is one message on the live WebSocket stream.
type StreamEvent struct {
	Type    EventType     `json:"type"`
	Time    time.Time     `json:"time"`
	Status  *RunSnapshot  `json:"status,omitempty"`
	Worker  *WorkerResult `json:"worker,omitempty"`
	Summary *RunSummary   `json:"summary,omitempty"`
}
