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

// Package manager owns the submission lifecycle: it registers
// submissions, assembles workflows, hands them to the engine and
// monitors them to completion.
package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tessellab/mosaic/internal/config"
	"github.com/tessellab/mosaic/internal/engine"
	"github.com/tessellab/mosaic/internal/log"
	"github.com/tessellab/mosaic/internal/monitor"
	"github.com/tessellab/mosaic/internal/store"
	"github.com/tessellab/mosaic/pkg/workflow"
)

// Program is the submission program name of the full workflow manager.
// Single-step programs (e.g. a standalone illumination-correction run)
// register their own name.
const Program = "workflow"

// Manager coordinates store, engine and monitor for one program.
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger

	// Metrics, when set, is attached to every engine the manager
	// creates.
	Metrics *engine.Metrics
}

// New creates a manager.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{cfg: cfg, store: st, logger: logger}
}

// Options tune one submit or resubmit invocation.
type Options struct {
	// MonitoringDepth truncates the printed status tree; zero shows
	// only the root, a negative value selects the configured default.
	MonitoringDepth int

	// MonitoringInterval is slept between scheduling ticks.
	MonitoringInterval time.Duration

	// Force submits inactive stages and steps anyway.
	Force bool

	// Out receives rendered status snapshots. Default: os.Stdout.
	Out io.Writer
}

func (o Options) withDefaults(cfg *config.Config) Options {
	if o.MonitoringInterval <= 0 {
		o.MonitoringInterval = time.Duration(cfg.Monitor.IntervalSeconds) * time.Second
	}
	if o.MonitoringDepth < 0 {
		o.MonitoringDepth = cfg.Monitor.Depth
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	return o
}

// Submit creates a workflow from the description, persists it and
// monitors it to completion. The returned exit code is zero iff the
// root terminates with return code zero. An invalid description fails
// before any submission row is created.
func (m *Manager) Submit(ctx context.Context, experimentID int64, desc workflow.Description, opts Options) (*monitor.Snapshot, int, error) {
	opts = opts.withDefaults(m.cfg)
	if opts.Force {
		desc = desc.Activate()
	}
	if err := desc.Validate(); err != nil {
		return nil, 1, err
	}

	logger := log.WithComponent(m.logger, "manager")
	logger.Info("submit workflow", log.ExperimentIDKey, experimentID)

	submissionID, err := m.store.Register(ctx, experimentID, Program, m.cfg.User)
	if err != nil {
		return nil, 1, err
	}

	env := m.environment(experimentID, submissionID)
	if err := os.MkdirAll(env.WorkflowRoot, 0o755); err != nil {
		return nil, 1, err
	}

	wf, err := workflow.New(env, desc)
	if err != nil {
		return nil, 1, err
	}
	if err := m.store.Save(ctx, wf.Node()); err != nil {
		return nil, 1, err
	}
	if err := m.store.AttachRoot(ctx, submissionID, wf.Node().ID); err != nil {
		return nil, 1, err
	}

	return m.run(ctx, wf, 0, opts)
}

// Resubmit reloads the most recent persisted tree for the experiment
// and re-executes it starting at the named stage. Stages before the
// named one keep their identities and return codes.
func (m *Manager) Resubmit(ctx context.Context, experimentID int64, desc workflow.Description, stageName string, opts Options) (*monitor.Snapshot, int, error) {
	opts = opts.withDefaults(m.cfg)
	if err := desc.Validate(); err != nil {
		return nil, 1, err
	}

	logger := log.WithComponent(m.logger, "manager")

	taskID, err := m.store.MostRecentTopTask(ctx, experimentID, Program)
	if err != nil {
		return nil, 1, err
	}
	saved, err := m.store.Load(ctx, taskID)
	if err != nil {
		return nil, 1, err
	}

	env := m.environment(experimentID, saved.SubmissionID)
	wf, err := workflow.Restore(env, desc, saved)
	if err != nil {
		return nil, 1, err
	}

	index, err := wf.StageIndex(stageName)
	if err != nil {
		return nil, 1, err
	}
	logger.Info("resubmit workflow",
		log.ExperimentIDKey, experimentID, log.StageKey, stageName, "position", index)

	if err := wf.UpdateStage(index); err != nil {
		return nil, 1, err
	}
	if err := m.store.Save(ctx, wf.Node()); err != nil {
		return nil, 1, err
	}

	return m.run(ctx, wf, index, opts)
}

// Status returns the recursive status snapshot of the most recent
// submission, the query contract the HTTP status server consumes.
func (m *Manager) Status(ctx context.Context, experimentID int64, depth int) (*monitor.Snapshot, error) {
	taskID, err := m.store.MostRecentTopTask(ctx, experimentID, Program)
	if err != nil {
		return nil, err
	}
	tree, err := m.store.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return monitor.FromTask(tree, depth), nil
}

func (m *Manager) environment(experimentID, submissionID int64) workflow.Environment {
	return workflow.Environment{
		ExperimentID:   experimentID,
		ExperimentName: fmt.Sprintf("experiment_%d", experimentID),
		SubmissionID:   submissionID,
		UserName:       m.cfg.User,
		Program:        Program,
		WorkflowRoot:   m.cfg.WorkflowRoot(experimentID),
		Logger:         m.logger,
		WaitTime:       time.Duration(m.cfg.Transition.WaitSeconds) * time.Second,
		BatchTimeout:   time.Duration(m.cfg.Transition.BatchTimeoutSeconds) * time.Second,
	}
}

// run hands the assembled tree to a fresh engine and monitors it.
func (m *Manager) run(ctx context.Context, wf *workflow.Workflow, startIndex int, opts Options) (*monitor.Snapshot, int, error) {
	root := wf.Node()

	eng := engine.New(engine.Config{
		MaxInFlight:          m.cfg.Engine.MaxInFlight,
		SubmissionsPerSecond: m.cfg.Engine.SubmissionsPerSecond,
		Store:                m.store,
		Metrics:              m.Metrics,
		Logger:               m.logger,
	})
	if err := eng.Add(root); err != nil {
		return nil, 1, err
	}
	if err := eng.Redo(root, startIndex); err != nil {
		return nil, 1, err
	}

	mon := monitor.New(eng, root, monitor.Config{
		Interval:     opts.MonitoringInterval,
		Depth:        opts.MonitoringDepth,
		Out:          opts.Out,
		WorkflowRoot: wf.Environment().WorkflowRoot,
		Logger:       m.logger,
	})
	return mon.Run(ctx)
}
