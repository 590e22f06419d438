// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store keeps the history of scenario runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/rendezvous/internal/debugops"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

// timeFormat has a fixed width so that stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one finished run.
type Record struct {
	RunID        string         `json:"run_id"`
	TargetMethod string         `json:"target_method"`
	Outcome      string         `json:"outcome"`
	Attempts     int            `json:"attempts"`
	Status       int            `json:"status"`
	ExitCode     int            `json:"exit_code"`
	Stack        debugops.Stack `json:"stack,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
}

// Duration returns how long the run took.
func (r *Record) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists run records.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. Use Memory for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is empty")
	}

	connStr := path
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
		// WAL mode for concurrent readers while a run is being written.
		connStr += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == Memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// migrations are applied in order; the index of the last applied one is kept
// in user_version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		target_method TEXT NOT NULL,
		outcome TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		stack TEXT,
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,
	`ALTER TABLE runs ADD COLUMN error TEXT;`,
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := s.db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces rec.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	stack, err := json.Marshal(rec.Stack)
	if err != nil {
		return fmt.Errorf("failed to marshal stack: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO runs (
		run_id, target_method, outcome, attempts, status, exit_code,
		stack, error, started_at, ended_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.TargetMethod, rec.Outcome, rec.Attempts, rec.Status, rec.ExitCode,
		string(stack), rec.Error,
		rec.StartedAt.UTC().Format(timeFormat), rec.EndedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	return nil
}

const selectColumns = `SELECT run_id, target_method, outcome, attempts, status, exit_code,
	stack, error, started_at, ended_at FROM runs`

// Get returns the run with the given ID, or *errors.NotFoundError.
func (s *Store) Get(ctx context.Context, runID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE run_id = ?`, runID)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rverrors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// List returns up to limit runs, newest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	query := selectColumns + ` ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Record, error) {
	var (
		rec              Record
		stack, errText   sql.NullString
		started, endedAt string
	)
	if err := row.Scan(&rec.RunID, &rec.TargetMethod, &rec.Outcome, &rec.Attempts,
		&rec.Status, &rec.ExitCode, &stack, &errText, &started, &endedAt); err != nil {
		return nil, err
	}

	if stack.Valid && stack.String != "" && stack.String != "null" {
		if err := json.Unmarshal([]byte(stack.String), &rec.Stack); err != nil {
			return nil, fmt.Errorf("failed to parse stack: %w", err)
		}
	}
	rec.Error = errText.String

	var err error
	if rec.StartedAt, err = time.Parse(timeFormat, started); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if rec.EndedAt, err = time.Parse(timeFormat, endedAt); err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}
	return &rec, nil
}
