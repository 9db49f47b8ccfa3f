package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/supplychain/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so one corrupt value does not fail the
// whole query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage and DeploymentStore using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var (
	_ Storage         = (*SQLiteStorage)(nil)
	_ DeploymentStore = (*SQLiteStorage)(nil)
)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode for concurrent readers while a run is being written
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		script TEXT NOT NULL,
		status TEXT DEFAULT 'running',
		workers INTEGER DEFAULT 0,
		completed INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		mean_duration_ms REAL DEFAULT 0,
		query_latency TEXT,
		levels TEXT,
		config TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS worker_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		worker INTEGER NOT NULL,
		address TEXT NOT NULL,
		completed INTEGER DEFAULT 0,
		phase TEXT,
		duration_ms INTEGER DEFAULT 0,
		tx_count INTEGER DEFAULT 0,
		error TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_worker_results_run ON worker_results(run_id);

	CREATE TABLE IF NOT EXISTS operation_stats (
		run_id TEXT NOT NULL,
		op TEXT NOT NULL,
		count INTEGER NOT NULL,
		gas_min INTEGER, gas_max INTEGER, gas_mean REAL,
		price_min INTEGER, price_max INTEGER, price_mean REAL,
		PRIMARY KEY (run_id, op),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS deployments (
		chain_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		tx_hash TEXT,
		deployed_at DATETIME NOT NULL,
		PRIMARY KEY (chain_id, name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run record when the run starts.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	status := run.Status
	if status == "" {
		status = types.StatusRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, script, status, workers, config)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.Script, status, run.Workers, string(configJSON))
	return err
}

// CompleteRun writes the final statistics of a run, inserting the record if
// CreateRun was never called for it.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *Run) error {
	latencyJSON, _ := json.Marshal(run.QueryLatency)
	levelsJSON, _ := json.Marshal(run.Levels)
	configJSON, _ := json.Marshal(run.Config)

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, completed_at, script, status, workers, completed, failed,
			mean_duration_ms, query_latency, levels, config, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			completed_at = excluded.completed_at,
			status = excluded.status,
			workers = excluded.workers,
			completed = excluded.completed,
			failed = excluded.failed,
			mean_duration_ms = excluded.mean_duration_ms,
			query_latency = excluded.query_latency,
			levels = excluded.levels,
			error_message = excluded.error_message
	`, run.ID, run.StartedAt, completedAt, run.Script, run.Status, run.Workers, run.Completed, run.Failed,
		run.MeanDurationMs, string(latencyJSON), string(levelsJSON), string(configJSON), nullString(run.ErrorMessage))
	return err
}

const runColumns = `id, started_at, completed_at, script, status, workers, completed, failed,
	mean_duration_ms, query_latency, levels, config, error_message`

// GetRun retrieves a single run by ID. It returns nil, nil when the run does
// not exist.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a page of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and all associated data.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// BulkInsertWorkerResults inserts every worker result of a run in one
// transaction.
func (s *SQLiteStorage) BulkInsertWorkerResults(ctx context.Context, runID string, results []types.WorkerResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO worker_results (run_id, worker, address, completed, phase, duration_ms, tx_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, r.Worker, r.Address, r.Completed, r.Phase, r.DurationMs, r.TxCount, nullString(r.Error))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetWorkerResults returns a run's worker results ordered by worker id.
func (s *SQLiteStorage) GetWorkerResults(ctx context.Context, runID string) ([]types.WorkerResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker, address, completed, COALESCE(phase, ''), duration_ms, tx_count, error
		FROM worker_results
		WHERE run_id = ?
		ORDER BY worker
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []types.WorkerResult
	for rows.Next() {
		var r types.WorkerResult
		var errMsg sql.NullString
		if err := rows.Scan(&r.Worker, &r.Address, &r.Completed, &r.Phase, &r.DurationMs, &r.TxCount, &errMsg); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			r.Error = errMsg.String
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveOperationStats replaces the gas statistics of a run.
func (s *SQLiteStorage) SaveOperationStats(ctx context.Context, runID string, stats []types.OperationStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM operation_stats WHERE run_id = ?", runID); err != nil {
		return err
	}
	for _, st := range stats {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO operation_stats (run_id, op, count, gas_min, gas_max, gas_mean, price_min, price_max, price_mean)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, st.Op, st.GasUsed.Count,
			int64(st.GasUsed.Min), int64(st.GasUsed.Max), st.GasUsed.Mean,
			int64(st.GasPrice.Min), int64(st.GasPrice.Max), st.GasPrice.Mean)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetOperationStats returns a run's gas statistics ordered by operation.
func (s *SQLiteStorage) GetOperationStats(ctx context.Context, runID string) ([]types.OperationStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op, count, gas_min, gas_max, gas_mean, price_min, price_max, price_mean
		FROM operation_stats
		WHERE run_id = ?
		ORDER BY op
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []types.OperationStats
	for rows.Next() {
		var st types.OperationStats
		var gasMin, gasMax, priceMin, priceMax int64
		if err := rows.Scan(&st.Op, &st.GasUsed.Count, &gasMin, &gasMax, &st.GasUsed.Mean,
			&priceMin, &priceMax, &st.GasPrice.Mean); err != nil {
			return nil, err
		}
		st.GasPrice.Count = st.GasUsed.Count
		st.GasUsed.Min, st.GasUsed.Max = uint64(gasMin), uint64(gasMax)
		st.GasPrice.Min, st.GasPrice.Max = uint64(priceMin), uint64(priceMax)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// SaveDeployment records (or replaces) a deployed contract address.
func (s *SQLiteStorage) SaveDeployment(ctx context.Context, d Deployment) error {
	deployedAt := d.DeployedAt
	if deployedAt.IsZero() {
		deployedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO deployments (chain_id, name, address, tx_hash, deployed_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.ChainID, d.Name, d.Address, nullString(d.TxHash), deployedAt)
	return err
}

// LoadDeployments returns every contract recorded for chainID.
func (s *SQLiteStorage) LoadDeployments(ctx context.Context, chainID int64) ([]Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, name, address, tx_hash, deployed_at
		FROM deployments
		WHERE chain_id = ?
		ORDER BY deployed_at, name
	`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		var d Deployment
		var txHash sql.NullString
		if err := rows.Scan(&d.ChainID, &d.Name, &d.Address, &txHash, &d.DeployedAt); err != nil {
			return nil, err
		}
		if txHash.Valid {
			d.TxHash = txHash.String
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDeployments forgets every contract recorded for chainID.
func (s *SQLiteStorage) DeleteDeployments(ctx context.Context, chainID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM deployments WHERE chain_id = ?", chainID)
	return err
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var latencyJSON, levelsJSON, configJSON, errorMsg sql.NullString

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Script, &run.Status,
		&run.Workers, &run.Completed, &run.Failed, &run.MeanDurationMs,
		&latencyJSON, &levelsJSON, &configJSON, &errorMsg)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		run.ErrorMessage = errorMsg.String
	}
	if latencyJSON.Valid && latencyJSON.String != "" && latencyJSON.String != "null" {
		run.QueryLatency = &types.LatencyStats{}
		unmarshalJSON(latencyJSON.String, run.QueryLatency, "query_latency", run.ID)
	}
	if levelsJSON.Valid && levelsJSON.String != "" && levelsJSON.String != "null" {
		unmarshalJSON(levelsJSON.String, &run.Levels, "levels", run.ID)
	}
	if configJSON.Valid && configJSON.String != "" && configJSON.String != "null" {
		run.Config = &types.RunConfig{}
		unmarshalJSON(configJSON.String, run.Config, "config", run.ID)
	}

	return &run, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
