// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package history keeps a SQLite record of the training runs of an experiment and of the evaluation
// reports of each run.
package history

import (
	"context"
	"database/sql"
	"math"
	"sync"
	"time"

	"github.com/gomlx/betavae/pkg/bvae"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// FileName is the default name of the database file, within the checkpoint directory of an experiment.
const FileName = "history.db"

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusDiverged = "diverged"
	StatusFailed   = "failed"
)

// Run is one invocation of the training.
type Run struct {
	ID             string
	ExpName        string
	StartIteration int
	Settings       string
	Status         string
	StartedAt      time.Time
	EndedAt        time.Time // Zero while running.
}

// Evaluation is one evaluation report of a run. Non-finite costs are stored as NaN.
type Evaluation struct {
	RunID      string
	Iteration  int
	TrainCost  float64
	DevCost    float64
	DevRecon   float64
	DevKL      float64
	RecordedAt time.Time
}

// Store is a SQLite database of runs and evaluations. It is safe for concurrent use.
type Store struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// Open opens, or creates, the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history: database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "history: opening %q", path)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "history: opening %q", path)
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{path: path, db: db}, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			exp_name TEXT NOT NULL,
			start_iteration INTEGER NOT NULL,
			settings TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			run_id TEXT NOT NULL REFERENCES runs(id),
			iteration INTEGER NOT NULL,
			train_cost REAL,
			dev_cost REAL,
			dev_recon REAL,
			dev_kl REAL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, iteration)
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "history: creating tables")
		}
	}
	return nil
}

// Close the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Wrapf(err, "history: closing %q", s.path)
}

func (s *Store) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.Errorf("history: database %q is closed", s.path)
	}
	return s.db, nil
}

// finiteOrNull maps non-finite values to NULL.
func finiteOrNull(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func nullToNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// StartRun records the start of a new run and returns it, with a new unique ID.
func (s *Store) StartRun(ctx context.Context, expName string, startIteration int, settings string) (*Run, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	run := &Run{
		ID:             uuid.NewString(),
		ExpName:        expName,
		StartIteration: startIteration,
		Settings:       settings,
		Status:         StatusRunning,
		StartedAt:      time.Now().Round(time.Millisecond),
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, exp_name, start_iteration, settings, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.ExpName, run.StartIteration, run.Settings, run.Status, run.StartedAt.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "history: starting run")
	}
	return run, nil
}

// FinishRun sets the final status of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, `UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), runID)
	if err != nil {
		return errors.Wrapf(err, "history: finishing run %s", runID)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("history: unknown run %s", runID)
	}
	return nil
}

// RecordEvaluation stores an evaluation report of the run, replacing any previous one for the same
// iteration.
func (s *Store) RecordEvaluation(ctx context.Context, runID string, report *bvae.EvalReport) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO evaluations (run_id, iteration, train_cost, dev_cost, dev_recon, dev_kl, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, iteration) DO UPDATE SET
			train_cost = excluded.train_cost,
			dev_cost = excluded.dev_cost,
			dev_recon = excluded.dev_recon,
			dev_kl = excluded.dev_kl,
			recorded_at = excluded.recorded_at
	`, runID, report.Iteration, finiteOrNull(report.TrainCost), finiteOrNull(report.DevCost),
		finiteOrNull(report.DevRecon), finiteOrNull(report.DevKL), time.Now().UnixMilli())
	return errors.Wrapf(err, "history: recording evaluation of run %s", runID)
}

// Hook returns an evaluation hook for bvae.Model that records the reports of the run.
func (s *Store) Hook(ctx context.Context, runID string) bvae.EvalHook {
	return func(report *bvae.EvalReport) error {
		return s.RecordEvaluation(ctx, runID, report)
	}
}

// Runs returns all runs, most recent first. If expName is not empty, only runs of that experiment.
func (s *Store) Runs(ctx context.Context, expName string) ([]Run, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, exp_name, start_iteration, settings, status, started_at, ended_at
		FROM runs
		WHERE ? = '' OR exp_name = ?
		ORDER BY started_at DESC, rowid DESC
	`, expName, expName)
	if err != nil {
		return nil, errors.Wrap(err, "history: listing runs")
	}
	defer func() { _ = rows.Close() }()
	var runs []Run
	for rows.Next() {
		var (
			run       Run
			startedAt int64
			endedAt   sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &run.ExpName, &run.StartIteration, &run.Settings, &run.Status, &startedAt, &endedAt); err != nil {
			return nil, errors.Wrap(err, "history: reading runs")
		}
		run.StartedAt = time.UnixMilli(startedAt)
		if endedAt.Valid {
			run.EndedAt = time.UnixMilli(endedAt.Int64)
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "history: reading runs")
}

// Evaluations returns the evaluations of a run, ordered by iteration.
func (s *Store) Evaluations(ctx context.Context, runID string) ([]Evaluation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT iteration, train_cost, dev_cost, dev_recon, dev_kl, recorded_at
		FROM evaluations WHERE run_id = ? ORDER BY iteration
	`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "history: listing evaluations of run %s", runID)
	}
	defer func() { _ = rows.Close() }()
	var evals []Evaluation
	for rows.Next() {
		var eval Evaluation
		var trainCost, devCost, devRecon, devKL sql.NullFloat64
		var recordedAt int64
		if err := rows.Scan(&eval.Iteration, &trainCost, &devCost, &devRecon, &devKL, &recordedAt); err != nil {
			return nil, errors.Wrap(err, "history: reading evaluations")
		}
		eval.RunID = runID
		eval.TrainCost, eval.DevCost = nullToNaN(trainCost), nullToNaN(devCost)
		eval.DevRecon, eval.DevKL = nullToNaN(devRecon), nullToNaN(devKL)
		eval.RecordedAt = time.UnixMilli(recordedAt)
		evals = append(evals, eval)
	}
	return evals, errors.Wrap(rows.Err(), "history: reading evaluations")
}
