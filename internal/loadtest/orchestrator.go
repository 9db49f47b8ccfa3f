// Package loadtest drives concurrent workers against the registry contract
// and summarizes their gas usage and timing.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/supplychain/internal/account"
	"github.com/gateway-fm/supplychain/internal/artifact"
	"github.com/gateway-fm/supplychain/internal/deps"
	"github.com/gateway-fm/supplychain/internal/fetch"
	"github.com/gateway-fm/supplychain/internal/metrics"
	"github.com/gateway-fm/supplychain/internal/registry"
	"github.com/gateway-fm/supplychain/internal/rpc"
	"github.com/gateway-fm/supplychain/internal/sender"
	"github.com/gateway-fm/supplychain/internal/storage"
	"github.com/gateway-fm/supplychain/pkg/types"
)

var (
	// ErrFixturesUnavailable is returned by workers whose shared fixtures
	// were never built because worker 0 failed.
	ErrFixturesUnavailable = errors.New("shared fixtures unavailable")
	// ErrAllWorkersFailed is returned when no worker completed its timed phase.
	ErrAllWorkersFailed = errors.New("every worker failed")
	// ErrAlreadyRunning is returned by Run while a run is in progress.
	ErrAlreadyRunning = errors.New("run already in progress")
)

// Config for creating an Orchestrator.
type Config struct {
	Script   Script
	Params   Params
	Accounts []*account.Account
	// Client is used to sync each worker's nonce.
	Client  rpc.Client
	Connect Connector
	// Store holds fixture artifacts. Required by the reliability script.
	Store artifact.Store
	// Resolver declares dependencies for reliability checks. Defaults to
	// FixtureResolver.
	Resolver deps.Resolver

	Storage    storage.Storage            // optional run history
	Tracker    *metrics.RunTracker        // optional, created when nil
	Prometheus *metrics.PrometheusMetrics // optional
	Publish    func(types.StreamEvent)    // optional live stream
	Logger     *slog.Logger
}

// Orchestrator runs one worker per account. It implements the status API's
// RunProvider.
type Orchestrator struct {
	script     Script
	params     Params
	accounts   []*account.Account
	client     rpc.Client
	connect    Connector
	store      artifact.Store
	aggregator *fetch.Aggregator
	storage    storage.Storage
	tracker    *metrics.RunTracker
	prom       *metrics.PrometheusMetrics
	publish    func(types.StreamEvent)
	logger     *slog.Logger

	mu         sync.RWMutex
	status     types.RunStatus
	runID      string
	startedAt  time.Time
	finishedAt time.Time
	completed  int
	failed     int
	runErr     string
	summary    *types.RunSummary
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Script == nil {
		return nil, errors.New("script is required")
	}
	if len(cfg.Accounts) == 0 {
		return nil, errors.New("at least one account is required")
	}
	if cfg.Client == nil || cfg.Connect == nil {
		return nil, errors.New("client and connector are required")
	}
	if cfg.Script.Name() == types.ScriptReliability && cfg.Store == nil {
		return nil, errors.New("reliability script requires an artifact store")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	params := cfg.Params
	def := DefaultParams()
	if params.Tokens == nil {
		params.Tokens = def.Tokens
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = metrics.NewRunTracker()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = FixtureResolver()
	}

	o := &Orchestrator{
		script:   cfg.Script,
		params:   params,
		accounts: cfg.Accounts,
		client:   cfg.Client,
		connect:  cfg.Connect,
		store:    cfg.Store,
		storage:  cfg.Storage,
		tracker:  tracker,
		prom:     cfg.Prometheus,
		publish:  cfg.Publish,
		logger:   logger,
		status:   types.StatusIdle,
	}
	o.aggregator = fetch.NewAggregator(fetch.AggregatorConfig{
		Resolver:           resolver,
		ReportEveryVersion: true,
		OnReport:           o.recordReport,
		Logger:             logger,
	})
	return o, nil
}

// Tracker returns the live counters. Wire it into the sender's recorder so
// submissions are counted.
func (o *Orchestrator) Tracker() *metrics.RunTracker { return o.tracker }

// RunConfig describes the configured run.
func (o *Orchestrator) RunConfig() types.RunConfig {
	return types.RunConfig{
		Script:   o.script.Name(),
		Workers:  len(o.accounts),
		Queries:  o.params.Queries,
		Groups:   o.params.Groups,
		Projects: o.params.Projects,
		Tokens:   o.params.Tokens.String(),
	}
}

// outcome is what a worker sends back when it ends.
type outcome struct {
	result types.WorkerResult
	gas    *metrics.GasStats
}

// Run starts every worker and blocks until all of them ended. The summary is
// returned even when every worker failed.
func (o *Orchestrator) Run(ctx context.Context) (*types.RunSummary, error) {
	o.mu.Lock()
	if o.status == types.StatusPreparing || o.status == types.StatusRunning {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.runID = uuid.NewString()
	o.startedAt = time.Now()
	o.finishedAt = time.Time{}
	o.completed, o.failed = 0, 0
	o.runErr = ""
	o.summary = nil
	runID, startedAt := o.runID, o.startedAt
	o.mu.Unlock()

	o.setStatus(types.StatusPreparing)
	logger := o.logger.With(slog.String("run", runID))
	logger.Info("run started",
		slog.String("script", string(o.script.Name())),
		slog.Int("workers", len(o.accounts)),
	)

	cfg := o.RunConfig()
	if o.storage != nil {
		if err := o.storage.CreateRun(ctx, &storage.Run{
			ID:        runID,
			StartedAt: startedAt,
			Script:    cfg.Script,
			Status:    types.StatusRunning,
			Workers:   cfg.Workers,
			Config:    &cfg,
		}); err != nil {
			logger.Warn("failed to record run start", slog.String("error", err.Error()))
		}
	}

	fixturesReady := newGate()
	results := make(chan outcome, len(o.accounts))
	for i, acct := range o.accounts {
		go o.worker(ctx, i, acct, fixturesReady, results)
	}

	outcomes := make([]outcome, 0, len(o.accounts))
	for len(outcomes) < len(o.accounts) {
		oc := <-results
		outcomes = append(outcomes, oc)

		o.mu.Lock()
		if oc.result.Completed {
			o.completed++
		} else {
			o.failed++
		}
		o.mu.Unlock()

		res := oc.result
		if res.Completed {
			logger.Info("worker completed",
				slog.Int("worker", res.Worker),
				slog.Int64("duration_ms", res.DurationMs),
				slog.Int("tx", res.TxCount),
			)
		} else {
			logger.Warn("worker failed",
				slog.Int("worker", res.Worker),
				slog.String("phase", string(res.Phase)),
				slog.String("error", res.Error),
			)
		}
		o.emit(types.StreamEvent{Type: types.EventWorker, Worker: &res})
	}

	finishedAt := time.Now()
	summary := summarize(runID, cfg, startedAt, finishedAt, outcomes)
	summary.QueryLatency = o.tracker.QueryLatency()
	if levels := o.tracker.Levels(); len(levels) > 0 {
		summary.Levels = levels
	}

	var runErr error
	status := types.StatusCompleted
	if summary.Completed == 0 {
		runErr = ErrAllWorkersFailed
		status = types.StatusError
	}

	o.mu.Lock()
	o.finishedAt = finishedAt
	o.summary = summary
	if runErr != nil {
		o.runErr = runErr.Error()
	}
	o.mu.Unlock()

	o.persist(ctx, summary, status, runErr)
	o.setStatus(status)
	o.emit(types.StreamEvent{Type: types.EventSummary, Summary: summary})

	logger.Info("run finished",
		slog.Int("completed", summary.Completed),
		slog.Int("failed", summary.Failed),
		slog.Float64("mean_duration_ms", summary.MeanDurationMs),
	)
	return summary, runErr
}

func (o *Orchestrator) worker(ctx context.Context, id int, acct *account.Account, fixturesReady *gate, out chan<- outcome) {
	oc := outcome{
		result: types.WorkerResult{Worker: id, Address: acct.Address.Hex()},
		gas:    metrics.NewGasStats(),
	}
	defer func() {
		if r := recover(); r != nil {
			oc.result.Completed = false
			oc.result.DurationMs = 0
			oc.result.Error = fmt.Sprintf("panic: %v", r)
		}
		if id == 0 {
			fixturesReady.open(fmt.Errorf("worker 0 ended: %s", oc.result.Error))
		}
		if !oc.result.Completed {
			o.setPhase(id, &oc.result, types.PhaseFailed)
		}
		out <- oc
	}()

	if err := o.work(ctx, id, acct, fixturesReady, &oc); err != nil {
		oc.result.Error = err.Error()
	}
}

func (o *Orchestrator) work(ctx context.Context, id int, acct *account.Account, fixturesReady *gate, oc *outcome) error {
	ledger := o.connect(acct, func(r *sender.Receipt) {
		oc.result.TxCount++
		if r.Status == 1 {
			oc.gas.Add(r.Op, r.GasUsed, r.EffectiveGasPrice)
		}
	})
	env := &Env{
		Worker:       id,
		Ledger:       ledger,
		Store:        o.store,
		Aggregator:   o.aggregator,
		Params:       o.params,
		ObserveQuery: o.recordQuery,
		Logger:       o.logger.With(slog.Int("worker", id)),
	}

	o.setPhase(id, &oc.result, types.PhaseSyncing)
	if err := acct.Sync(ctx, o.client); err != nil {
		return fmt.Errorf("sync nonce: %w", err)
	}

	o.setPhase(id, &oc.result, types.PhaseRegistering)
	if _, err := ledger.BuyTokens(ctx, o.params.Tokens); err != nil {
		return fmt.Errorf("buy tokens: %w", err)
	}
	if _, err := ledger.AddDeveloper(ctx, fmt.Sprintf("test%d@test.it", id)); err != nil {
		return fmt.Errorf("add developer: %w", err)
	}

	o.setPhase(id, &oc.result, types.PhaseFixtures)
	if id == 0 {
		err := o.script.Setup(ctx, env)
		fixturesReady.open(err)
		if err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	} else if err := fixturesReady.wait(ctx); err != nil {
		return err
	}

	o.setPhase(id, &oc.result, types.PhasePreparing)
	if err := o.script.Prepare(ctx, env); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	o.setPhase(id, &oc.result, types.PhaseRunning)
	start := time.Now()
	if err := o.script.Run(ctx, env); err != nil {
		return err
	}
	oc.result.DurationMs = time.Since(start).Milliseconds()
	oc.result.Completed = true
	o.setPhase(id, &oc.result, types.PhaseDone)
	return nil
}

func (o *Orchestrator) setPhase(id int, res *types.WorkerResult, phase types.WorkerPhase) {
	res.Phase = phase
	o.tracker.SetPhase(id, phase)
	if o.prom != nil {
		phases := o.tracker.Phases()
		byName := make(map[string]int, len(phases))
		for p, n := range phases {
			byName[string(p)] = n
		}
		o.prom.SetWorkers(byName)
	}

	if phase == types.PhaseRunning {
		o.mu.Lock()
		promote := o.status == types.StatusPreparing
		o.mu.Unlock()
		if promote {
			o.setStatus(types.StatusRunning)
		}
	}
}

func (o *Orchestrator) setStatus(status types.RunStatus) {
	o.mu.Lock()
	if o.status == status {
		o.mu.Unlock()
		return
	}
	o.status = status
	o.mu.Unlock()

	if o.prom != nil {
		o.prom.SetRunStatus(string(status))
	}
	snap := o.Snapshot()
	o.emit(types.StreamEvent{Type: types.EventStatus, Status: &snap})
}

func (o *Orchestrator) recordReport(rep *registry.LibraryReport) {
	o.tracker.RecordLevel(rep.Level)
	if o.prom != nil {
		o.prom.RecordReliability(rep.Level)
	}
}

func (o *Orchestrator) recordQuery(d time.Duration) {
	o.tracker.RecordQuery(d)
	if o.prom != nil {
		o.prom.RecordQuery(d)
	}
}

func (o *Orchestrator) emit(ev types.StreamEvent) {
	if o.publish == nil {
		return
	}
	ev.Time = time.Now()
	o.publish(ev)
}

// persist writes the finished run. It runs after ctx may have been cancelled,
// so the writes use a detached context.
func (o *Orchestrator) persist(ctx context.Context, summary *types.RunSummary, status types.RunStatus, runErr error) {
	if o.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	run := storage.RunFromSummary(summary)
	run.Status = status
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}
	logger := o.logger.With(slog.String("run", summary.RunID))
	if err := o.storage.CompleteRun(ctx, run); err != nil {
		logger.Error("failed to persist run", slog.String("error", err.Error()))
		return
	}
	if err := o.storage.BulkInsertWorkerResults(ctx, summary.RunID, summary.Results); err != nil {
		logger.Error("failed to persist worker results", slog.String("error", err.Error()))
	}
	if err := o.storage.SaveOperationStats(ctx, summary.RunID, summary.Operations); err != nil {
		logger.Error("failed to persist gas statistics", slog.String("error", err.Error()))
	}
}

// Snapshot returns the live state of the current or last run.
func (o *Orchestrator) Snapshot() types.RunSnapshot {
	o.mu.RLock()
	snap := types.RunSnapshot{
		RunID:     o.runID,
		Status:    o.status,
		Script:    o.script.Name(),
		Workers:   len(o.accounts),
		Completed: o.completed,
		Failed:    o.failed,
		Error:     o.runErr,
	}
	if !o.startedAt.IsZero() {
		started := o.startedAt
		snap.StartedAt = &started
		end := o.finishedAt
		if end.IsZero() {
			end = time.Now()
		}
		snap.ElapsedMs = end.Sub(started).Milliseconds()
	}
	o.mu.RUnlock()

	o.tracker.Fill(&snap)
	return snap
}

// Summary returns the summary of the last finished run, or nil.
func (o *Orchestrator) Summary() *types.RunSummary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.summary
}

// summarize aggregates worker outcomes. Gas statistics and the mean duration
// cover completed workers only.
func summarize(runID string, cfg types.RunConfig, startedAt, finishedAt time.Time, outcomes []outcome) *types.RunSummary {
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].result.Worker < outcomes[j].result.Worker
	})

	gas := metrics.NewGasStats()
	s := &types.RunSummary{
		RunID:      runID,
		Config:     cfg,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Workers:    len(outcomes),
		Results:    make([]types.WorkerResult, 0, len(outcomes)),
	}
	var total int64
	for _, oc := range outcomes {
		s.Results = append(s.Results, oc.result)
		if !oc.result.Completed {
			s.Failed++
			continue
		}
		s.Completed++
		total += oc.result.DurationMs
		gas.Merge(oc.gas)
	}
	if s.Completed > 0 {
		s.MeanDurationMs = float64(total) / float64(s.Completed)
	}
	s.Operations = gas.Stats()
	return s
}

// gate is closed once by worker 0 when the shared fixtures are built or can
// no longer be.
type gate struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newGate() *gate {
	return &gate{done: make(chan struct{})}
}

func (g *gate) open(err error) {
	g.once.Do(func() {
		g.err = err
		close(g.done)
	})
}

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.done:
		if g.err != nil {
			return fmt.Errorf("%w: %v", ErrFixturesUnavailable, g.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
