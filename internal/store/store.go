// Package store keeps suite run history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/copyleftdev/scryrun/internal/scenario"
)

// Store persists reports. It implements suite.History.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serialises
	// writers
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize run history schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			total INTEGER NOT NULL,
			passed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			errored INTEGER NOT NULL,
			report TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS results (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			scenario TEXT NOT NULL,
			outcome TEXT NOT NULL,
			kind TEXT,
			step_index INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			started_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
		CREATE INDEX IF NOT EXISTS idx_results_scenario ON results(scenario, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save stores rep, replacing any earlier report with the same ID.
func (s *Store) Save(ctx context.Context, rep *scenario.Report) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE run_id = ?`, rep.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, started_at, duration_ms, total, passed, failed, errored, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.ID, rep.StartedAt.UTC(), rep.DurationMS,
		rep.Summary.Total, rep.Summary.Passed, rep.Summary.Failed, rep.Summary.Errored,
		string(body))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, res := range rep.Results {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO results (run_id, scenario, outcome, kind, step_index, duration_ms, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rep.ID, res.Scenario, string(res.Outcome), string(res.Kind), res.StepIndex, res.DurationMS, res.StartedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert result %s: %w", res.Scenario, err)
		}
	}
	return tx.Commit()
}

// Load returns the report with id, or nil when there is none.
func (s *Store) Load(ctx context.Context, id string) (*scenario.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rep scenario.Report
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &rep, nil
}

// RunSummary is one row of the run list.
type RunSummary struct {
	ID         string           `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMS int64            `json:"duration_ms"`
	Summary    scenario.Summary `json:"summary"`
}

// Recent lists the latest runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, duration_ms, total, passed, failed, errored
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.DurationMS,
			&r.Summary.Total, &r.Summary.Passed, &r.Summary.Failed, &r.Summary.Errored); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Flakiness is the pass rate of one scenario over its recent runs.
type Flakiness struct {
	Scenario string  `json:"scenario"`
	Runs     int     `json:"runs"`
	Passed   int     `json:"passed"`
	PassRate float64 `json:"pass_rate"`
}

// ScenarioHistory summarises outcomes of scenario since the given time.
func (s *Store) ScenarioHistory(ctx context.Context, name string, since time.Time) (Flakiness, error) {
	f := Flakiness{Scenario: name}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = 'passed' THEN 1 ELSE 0 END), 0)
		FROM results
		WHERE scenario = ? AND started_at >= ?`, name, since.UTC()).Scan(&f.Runs, &f.Passed)
	if err != nil {
		return f, err
	}
	if f.Runs > 0 {
		f.PassRate = float64(f.Passed) / float64(f.Runs)
	}
	return f, nil
}

func (s *Store) Close() error { return s.db.Close() }
