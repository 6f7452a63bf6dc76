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

// Package store persists the task tree and the submission registry in a
// SQLite database, enabling crash-recoverable resumption.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tessellab/mosaic/pkg/errors"
	"github.com/tessellab/mosaic/pkg/task"
)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Store is the SQLite-backed task and submission store.
type Store struct {
	db *sql.DB
}

// New opens the database, configures it and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS submissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			experiment_id INTEGER NOT NULL,
			program TEXT NOT NULL,
			user_name TEXT NOT NULL,
			top_task_id INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_experiment
			ON submissions(experiment_id, program)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			exitcode INTEGER,
			time INTEGER NOT NULL DEFAULT 0,
			memory INTEGER NOT NULL DEFAULT 0,
			cpu_time INTEGER NOT NULL DEFAULT 0,
			submission_id INTEGER NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
			parent_id INTEGER REFERENCES tasks(id) ON DELETE CASCADE,
			position INTEGER NOT NULL DEFAULT 0,
			job_id INTEGER NOT NULL DEFAULT 0,
			sub_index INTEGER NOT NULL DEFAULT -1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_submission ON tasks(submission_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Submission is one row of the submission registry.
type Submission struct {
	ID           int64
	ExperimentID int64
	Program      string
	UserName     string
	TopTaskID    *int64
	CreatedAt    time.Time
}

// Register inserts a submission with no top task yet and returns its
// assigned id.
func (s *Store) Register(ctx context.Context, experimentID int64, program, userName string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (experiment_id, program, user_name, created_at)
		 VALUES (?, ?, ?, ?)`,
		experimentID, program, userName, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to register submission: %w", err)
	}
	return res.LastInsertId()
}

// AttachRoot records the root task of a submission, called after the
// first save of the root produced an identity.
func (s *Store) AttachRoot(ctx context.Context, submissionID, rootTaskID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET top_task_id = ? WHERE id = ?`, rootTaskID, submissionID)
	if err != nil {
		return fmt.Errorf("failed to attach root task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "submission", ID: strconv.FormatInt(submissionID, 10)}
	}
	return nil
}

// GetSubmission retrieves a submission by id.
func (s *Store) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, experiment_id, program, user_name, top_task_id, created_at
		 FROM submissions WHERE id = ?`, id)
	return scanSubmission(row)
}

// MostRecentTopTask returns the root task id of the most recent
// submission for the given experiment and program, used by resubmit to
// locate the tree to reuse.
func (s *Store) MostRecentTopTask(ctx context.Context, experimentID int64, program string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, experiment_id, program, user_name, top_task_id, created_at
		 FROM submissions
		 WHERE experiment_id = ? AND program = ?
		 ORDER BY id DESC LIMIT 1`,
		experimentID, program)

	sub, err := scanSubmission(row)
	if err != nil {
		return 0, err
	}
	if sub.TopTaskID == nil {
		return 0, &errors.NotFoundError{
			Resource: "top task",
			ID:       fmt.Sprintf("experiment %d, program %s", experimentID, program),
		}
	}
	return *sub.TopTaskID, nil
}

// DeleteSubmission removes a submission and, through the cascade, every
// task that belongs to it. Normal termination keeps the tree for audit;
// deletion is always explicit.
func (s *Store) DeleteSubmission(ctx context.Context, id int64) error {
	// Children reference their parents; deleting the submission's root
	// rows lets the parent cascade remove every descendant, top-down,
	// before the submission row itself is removed.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE submission_id = ? AND parent_id IS NULL`, id); err != nil {
		return fmt.Errorf("failed to delete submission tasks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete submission: %w", err)
	}
	return nil
}

func scanSubmission(row *sql.Row) (*Submission, error) {
	var sub Submission
	var topTask sql.NullInt64
	var createdAt string
	err := row.Scan(&sub.ID, &sub.ExperimentID, &sub.Program, &sub.UserName, &topTask, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "submission", ID: "?"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	if topTask.Valid {
		sub.TopTaskID = &topTask.Int64
	}
	sub.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &sub, nil
}

// Compile-time assertion that the store satisfies the engine's
// persistence contract.
var _ interface {
	Save(ctx context.Context, n *task.Node) error
	UpdateExecution(ctx context.Context, n *task.Node) error
} = (*Store)(nil)
