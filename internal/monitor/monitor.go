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

package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/tessellab/mosaic/internal/log"
	"github.com/tessellab/mosaic/pkg/step"
	"github.com/tessellab/mosaic/pkg/task"
)

// stderrTailLines bounds how much of a failed job's stderr the final
// report quotes.
const stderrTailLines = 10

// Engine is the subset of the engine contract the monitor drives.
type Engine interface {
	Progress(ctx context.Context) error
	Kill(n *task.Node) error
}

// Config tunes the monitor loop.
type Config struct {
	// Interval is slept between scheduling ticks. Default: 10s.
	Interval time.Duration

	// Depth truncates the printed status tree; 0 shows only the root.
	Depth int

	// Out receives the rendered snapshots. Default: os.Stdout.
	Out io.Writer

	// WorkflowRoot locates step log directories for the failure report.
	WorkflowRoot string

	// Logger receives monitor log output.
	Logger *slog.Logger
}

// Monitor drives an engine until the root task reaches a terminal
// state, printing a recursive status snapshot after every tick.
type Monitor struct {
	engine  Engine
	root    *task.Node
	cfg     Config
	logger  *slog.Logger
	colored bool
}

// New creates a monitor for the given root task.
func New(engine Engine, root *task.Node, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Depth < 0 {
		cfg.Depth = 0
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	colored := false
	if f, ok := cfg.Out.(*os.File); ok {
		colored = term.IsTerminal(int(f.Fd()))
	}

	return &Monitor{
		engine:  engine,
		root:    root,
		cfg:     cfg,
		logger:  log.WithComponent(logger, "monitor"),
		colored: colored,
	}
}

// Run loops until the root task terminates or the context is
// cancelled. Cancellation kills the tree and drains the engine until
// every leaf reached a terminal state. The returned snapshot is the
// final, untruncated one; the exit code is the root's return code, or
// non-zero after cancellation.
func (m *Monitor) Run(ctx context.Context) (*Snapshot, int, error) {
	started := time.Now()
	breakNext := false

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("processing interrupted; killing jobs")
			m.killAndDrain()
			snap := m.finalReport()
			return snap, exitCodeOf(m.root, true), ctx.Err()
		case <-time.After(m.cfg.Interval):
		}

		m.logger.Info("progress", "elapsed", time.Since(started).Round(time.Second).String())
		if err := m.engine.Progress(ctx); err != nil && ctx.Err() == nil {
			return nil, 1, err
		}

		snap := FromTask(m.root, m.cfg.Depth)
		Render(m.cfg.Out, snap, m.colored)

		if breakNext {
			break
		}
		if m.root.State().IsTerminal() {
			// One more tick to flush late accounting updates.
			breakNext = true
			if err := m.engine.Progress(ctx); err != nil && ctx.Err() == nil {
				return nil, 1, err
			}
		}
	}

	snap := m.finalReport()
	return snap, exitCodeOf(m.root, false), nil
}

// killAndDrain requests cancellation and ticks the engine until the
// root settles.
func (m *Monitor) killAndDrain() {
	ctx := context.Background()
	for {
		if err := m.engine.Kill(m.root); err != nil {
			m.logger.Error("kill failed", log.Error(err))
		}
		if err := m.engine.Progress(ctx); err != nil {
			m.logger.Error("progress failed during drain", log.Error(err))
		}
		if m.root.State().IsTerminal() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// finalReport renders the untruncated snapshot and logs every failed
// leaf with the tail of its stderr log.
func (m *Monitor) finalReport() *Snapshot {
	snap := FromTask(m.root, -1)
	Render(m.cfg.Out, snap, m.colored)

	for _, leaf := range FailedLeaves(m.root) {
		rc, _ := leaf.ReturnCode()
		logger := m.logger.With(log.TaskKey, leaf.Name, "rc", rc)

		lc := ContextOf(leaf)
		if lc.StepName == "" || m.cfg.WorkflowRoot == "" {
			logger.Error("job failed")
			continue
		}
		ws := step.NewWorkspace(m.cfg.WorkflowRoot, lc.StepName)
		tail, err := ws.TailStderr(lc.Phase, lc.JobID, stderrTailLines)
		if err != nil {
			logger.Error("job failed; stderr log unavailable", log.Error(err))
			continue
		}
		logger.Error(fmt.Sprintf("job failed:\n%s", tail))
	}
	return snap
}

// exitCodeOf maps the root's outcome to a process exit code.
func exitCodeOf(root *task.Node, interrupted bool) int {
	if rc, ok := root.ReturnCode(); ok && rc != 0 {
		return rc
	}
	if interrupted || !root.IsTerminated() {
		return 1
	}
	return 0
}
