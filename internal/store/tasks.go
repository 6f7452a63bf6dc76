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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tessellab/mosaic/pkg/errors"
	"github.com/tessellab/mosaic/pkg/task"
)

// fieldAdapter computes one column value from the in-memory task at
// save time, so that partial updates always write the current state
// rather than a stale snapshot.
type fieldAdapter struct {
	column string
	value  func(n *task.Node) any
}

// executionFields are the accounting columns the engine writes on every
// tick.
var executionFields = []fieldAdapter{
	{"state", func(n *task.Node) any { return string(n.State()) }},
	{"exitcode", func(n *task.Node) any {
		if rc, ok := n.ReturnCode(); ok {
			return rc
		}
		return nil
	}},
	{"time", func(n *task.Node) any { return int64(n.Execution.Walltime / time.Second) }},
	{"memory", func(n *task.Node) any { return n.Execution.MemoryMB }},
	{"cpu_time", func(n *task.Node) any { return int64(n.Execution.CPUTime / time.Second) }},
}

// identityFields are the descriptive columns written by the driver.
var identityFields = []fieldAdapter{
	{"name", func(n *task.Node) any { return n.Name }},
	{"type", func(n *task.Node) any { return string(n.Kind) }},
	{"submission_id", func(n *task.Node) any { return n.SubmissionID }},
	{"job_id", func(n *task.Node) any { return n.JobID }},
	{"sub_index", func(n *task.Node) any { return n.Index }},
}

// Save persists the subtree rooted at n. Tasks without identity are
// inserted and assigned one; existing tasks are updated in place.
// Structural columns (parent id, child ordinal) reflect the in-memory
// tree. Save is idempotent.
func (s *Store) Save(ctx context.Context, n *task.Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback()

	// When saving a subtree, keep its link to the surrounding tree.
	var parentID *int64
	position := 0
	if p := n.Parent(); p != nil {
		if p.ID == 0 {
			return &errors.ConsistencyError{
				TaskID:  n.ID,
				Message: "parent task has no identity; save the parent first",
			}
		}
		parentID = &p.ID
		for i, c := range p.Children() {
			if c == n {
				position = i
				break
			}
		}
	}

	if err := s.saveNode(ctx, tx, n, parentID, position); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save: %w", err)
	}
	return nil
}

func (s *Store) saveNode(ctx context.Context, tx *sql.Tx, n *task.Node, parentID *int64, position int) error {
	fields := make([]fieldAdapter, 0, len(identityFields)+len(executionFields))
	fields = append(fields, identityFields...)
	fields = append(fields, executionFields...)

	columns := make([]string, 0, len(fields)+2)
	values := make([]any, 0, len(fields)+2)
	for _, f := range fields {
		columns = append(columns, f.column)
		values = append(values, f.value(n))
	}
	columns = append(columns, "parent_id", "position")
	var parent any
	if parentID != nil {
		parent = *parentID
	}
	values = append(values, parent, position)

	if n.ID == 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
		query := fmt.Sprintf("INSERT INTO tasks (%s) VALUES (%s)",
			strings.Join(columns, ", "), placeholders)
		res, err := tx.ExecContext(ctx, query, values...)
		if err != nil {
			return saveError(n, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read task id: %w", err)
		}
		n.ID = id
	} else {
		assignments := make([]string, len(columns))
		for i, c := range columns {
			assignments[i] = c + " = ?"
		}
		query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(assignments, ", "))
		res, err := tx.ExecContext(ctx, query, append(values, n.ID)...)
		if err != nil {
			return saveError(n, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			// The task carries an identity the store does not know;
			// reinsert it under that id so saved trees can be copied
			// between stores.
			insert := fmt.Sprintf("INSERT INTO tasks (id, %s) VALUES (?, %s)",
				strings.Join(columns, ", "),
				strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))
			if _, err := tx.ExecContext(ctx, insert, append([]any{n.ID}, values...)...); err != nil {
				return saveError(n, err)
			}
		}
	}

	for i, child := range n.Children() {
		if err := s.saveNode(ctx, tx, child, &n.ID, i); err != nil {
			return err
		}
	}

	if n.Kind.IsCollection() {
		// Reinitialized collections rebuild their children; prune rows
		// the in-memory tree no longer contains so a later load does
		// not resurrect them.
		if err := s.pruneChildren(ctx, tx, n); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) pruneChildren(ctx context.Context, tx *sql.Tx, n *task.Node) error {
	keep := make([]string, 0, n.Len())
	args := []any{n.ID}
	for _, child := range n.Children() {
		keep = append(keep, "?")
		args = append(args, child.ID)
	}

	query := "DELETE FROM tasks WHERE parent_id = ?"
	if len(keep) > 0 {
		query += fmt.Sprintf(" AND id NOT IN (%s)", strings.Join(keep, ", "))
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to prune children of task %d: %w", n.ID, err)
	}
	return nil
}

func saveError(n *task.Node, err error) error {
	if strings.Contains(err.Error(), "FOREIGN KEY") {
		return &errors.ConsistencyError{
			TaskID:  n.ID,
			Message: "parent or submission row is missing; reload the subtree",
			Cause:   err,
		}
	}
	return fmt.Errorf("failed to save task %q: %w", n.Name, err)
}

// UpdateExecution writes only the accounting columns (state, return
// code, timings, memory) of a single task; it never touches the
// descriptive or structural columns. Save is not restricted in the same
// way: it writes the accounting columns as well, taking their values
// from the in-memory node at the time of the call.
func (s *Store) UpdateExecution(ctx context.Context, n *task.Node) error {
	if n.ID == 0 {
		return &errors.ConsistencyError{
			Message: "task has no identity yet; save the tree first",
		}
	}

	assignments := make([]string, len(executionFields))
	values := make([]any, len(executionFields), len(executionFields)+1)
	for i, f := range executionFields {
		assignments[i] = f.column + " = ?"
		values[i] = f.value(n)
	}
	values = append(values, n.ID)

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(assignments, ", "))
	res, err := s.db.ExecContext(ctx, query, values...)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", n.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return &errors.NotFoundError{Resource: "task", ID: strconv.FormatInt(n.ID, 10)}
	}
	return nil
}

const taskColumns = `id, name, type, state, exitcode, time, memory, cpu_time,
	submission_id, job_id, sub_index`

// Load reconstructs the subtree rooted at the given task id. The
// concrete subtype is rebuilt from the persisted tag; executable
// payloads and transition hooks are reattached by the workflow driver
// on restore.
func (s *Store) Load(ctx context.Context, id int64) (*task.Node, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM tasks WHERE id = ?", taskColumns), id)
	n, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "task", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", id, err)
	}

	if err := s.loadChildren(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Store) loadChildren(ctx context.Context, parent *task.Node) error {
	if !parent.Kind.IsCollection() {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM tasks WHERE parent_id = ? ORDER BY position ASC", taskColumns),
		parent.ID)
	if err != nil {
		return fmt.Errorf("failed to load children of task %d: %w", parent.ID, err)
	}
	defer rows.Close()

	var children []*task.Node
	for rows.Next() {
		child, err := scanTask(rows.Scan)
		if err != nil {
			return fmt.Errorf("failed to scan child of task %d: %w", parent.ID, err)
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, child := range children {
		if err := parent.AppendChild(child); err != nil {
			return err
		}
		if err := s.loadChildren(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func scanTask(scan func(...any) error) (*task.Node, error) {
	var (
		n         task.Node
		kind      string
		state     string
		exitcode  sql.NullInt64
		walltime  int64
		cpuTime   int64
	)
	err := scan(&n.ID, &n.Name, &kind, &state, &exitcode, &walltime,
		&n.Execution.MemoryMB, &cpuTime, &n.SubmissionID, &n.JobID, &n.Index)
	if err != nil {
		return nil, err
	}

	n.Kind = task.Kind(kind)
	if !n.Kind.IsValid() {
		return nil, fmt.Errorf("task %d has unknown type tag %q", n.ID, kind)
	}
	n.Execution.State = task.State(state)
	if exitcode.Valid {
		rc := int(exitcode.Int64)
		n.Execution.ExitCode = &rc
	}
	n.Execution.Walltime = time.Duration(walltime) * time.Second
	n.Execution.CPUTime = time.Duration(cpuTime) * time.Second
	return &n, nil
}
