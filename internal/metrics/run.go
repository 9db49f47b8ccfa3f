package metrics

import (
	"sync"
	"time"

	"github.com/gateway-fm/supplychain/pkg/types"
)

// TxRecorder observes transaction submissions. It matches sender.Recorder.
type TxRecorder interface {
	RecordSubmitted(op string)
	RecordConfirmed(op string, gasUsed uint64, latency time.Duration)
	RecordRejected(op string)
}

type fanout []TxRecorder

// Fanout returns a recorder forwarding to every non-nil recorder in rs.
func Fanout(rs ...TxRecorder) TxRecorder {
	var out fanout
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (f fanout) RecordSubmitted(op string) {
	for _, r := range f {
		r.RecordSubmitted(op)
	}
}

func (f fanout) RecordConfirmed(op string, gasUsed uint64, latency time.Duration) {
	for _, r := range f {
		r.RecordConfirmed(op, gasUsed, latency)
	}
}

func (f fanout) RecordRejected(op string) {
	for _, r := range f {
		r.RecordRejected(op)
	}
}

// RunTracker holds the live counters of one load-test run. All methods are
// safe for concurrent use.
type RunTracker struct {
	submitted UCounter
	confirmed UCounter
	rejected  UCounter
	// pending counts submissions awaiting a receipt.
	pending Gauge

	queries *StreamingLatencyStats

	mu          sync.Mutex
	workerPhase map[int]types.WorkerPhase
	levels      map[string]int
}

// NewRunTracker returns an empty tracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{
		queries:     NewStreamingLatencyStats(),
		workerPhase: make(map[int]types.WorkerPhase),
		levels:      make(map[string]int),
	}
}

// RecordSubmitted implements TxRecorder.
func (t *RunTracker) RecordSubmitted(string) {
	t.submitted.Inc()
	t.pending.Inc()
}

// RecordConfirmed implements TxRecorder.
func (t *RunTracker) RecordConfirmed(string, uint64, time.Duration) {
	t.confirmed.Inc()
	t.pending.Dec()
}

// RecordRejected implements TxRecorder. Refusals caught at gas estimation
// were never pending; the gauge saturates at zero.
func (t *RunTracker) RecordRejected(string) {
	t.rejected.Inc()
	t.pending.Dec()
}

// RecordQuery records the duration of one reliability check.
func (t *RunTracker) RecordQuery(d time.Duration) {
	t.queries.AddDuration(d)
}

// RecordLevel counts one reliability report.
func (t *RunTracker) RecordLevel(level string) {
	t.mu.Lock()
	t.levels[level]++
	t.mu.Unlock()
}

// SetPhase records the phase a worker entered.
func (t *RunTracker) SetPhase(worker int, phase types.WorkerPhase) {
	t.mu.Lock()
	t.workerPhase[worker] = phase
	t.mu.Unlock()
}

// Phases returns the number of workers per phase.
func (t *RunTracker) Phases() map[types.WorkerPhase]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.WorkerPhase]int)
	for _, p := range t.workerPhase {
		out[p]++
	}
	return out
}

// Levels returns a copy of the reliability level counts.
func (t *RunTracker) Levels() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.levels))
	for k, v := range t.levels {
		out[k] = v
	}
	return out
}

// QueryLatency returns the reliability check latency statistics, or nil when
// no check has completed.
func (t *RunTracker) QueryLatency() *types.LatencyStats {
	return t.queries.GetStats()
}

// Fill copies the tracker's counters into snap.
func (t *RunTracker) Fill(snap *types.RunSnapshot) {
	snap.TxSubmitted = t.submitted.Load()
	snap.TxConfirmed = t.confirmed.Load()
	snap.TxRejected = t.rejected.Load()
	snap.TxPending = t.pending.Load()
	snap.Phases = t.Phases()
	snap.QueryLatency = t.QueryLatency()
	if levels := t.Levels(); len(levels) > 0 {
		snap.Levels = levels
	}
}
