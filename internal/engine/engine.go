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

// Package engine schedules the task tree onto workers. Progress is a
// single non-blocking scheduling tick: it harvests finished jobs,
// submits eligible ones, drives sequential transitions and aggregates
// collection states bottom-up. All calls are serialized by the adapter.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tessellab/mosaic/internal/log"
	"github.com/tessellab/mosaic/pkg/errors"
	"github.com/tessellab/mosaic/pkg/task"
)

// killExitCode is recorded on leaves stopped by cancellation.
const killExitCode = 130

// Store is the persistence surface the engine needs: accounting
// updates on every tick and structural saves after driver transitions.
type Store interface {
	Save(ctx context.Context, n *task.Node) error
	UpdateExecution(ctx context.Context, n *task.Node) error
}

// Engine is the adapter contract over the execution backend.
type Engine interface {
	// Add places a task tree under engine management. Idempotent.
	Add(n *task.Node) error

	// Progress performs one scheduling tick. Non-blocking.
	Progress(ctx context.Context) error

	// Redo resets the task (and, for collections, children from index
	// onwards) to NEW so the next Progress resubmits them. Index 0
	// redoes everything.
	Redo(n *task.Node, index int) error

	// Kill requests cancellation; the next Progress transitions the
	// task to STOPPED or TERMINATED with a non-zero return code.
	Kill(n *task.Node) error

	// Remove detaches a task tree from engine management.
	Remove(n *task.Node) error
}

// Config tunes the local engine.
type Config struct {
	// MaxInFlight bounds concurrently executing leaf jobs.
	// Default: 2000.
	MaxInFlight int

	// SubmissionsPerSecond rate-limits job starts; zero means
	// unlimited.
	SubmissionsPerSecond float64

	// Store receives accounting and structural updates; nil disables
	// persistence.
	Store Store

	// Metrics receives engine collectors; nil disables metrics.
	Metrics *Metrics

	// Logger receives engine log output.
	Logger *slog.Logger
}

// Local executes leaf jobs in-process on a bounded worker pool. It is
// the reference binding of the adapter contract, the shape a shell
// backend of a cluster engine has; SLURM or PBS bindings implement the
// same interface against a remote scheduler.
type Local struct {
	mu       sync.Mutex
	roots    []*task.Node
	attempts map[*task.Node]*attempt
	workers  *errgroup.Group
	limiter  *rate.Limiter
	store    Store
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	ticks    int64
}

var _ Engine = (*Local)(nil)

// attempt tracks one physical execution of a leaf job. At most one
// attempt exists per leaf at any time.
type attempt struct {
	id      uuid.UUID
	cancel  context.CancelFunc
	started time.Time
	killed  bool
	result  chan error
}

// New creates a local engine.
func New(cfg Config) *Local {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 2000
	}
	limit := rate.Inf
	if cfg.SubmissionsPerSecond > 0 {
		limit = rate.Limit(cfg.SubmissionsPerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	workers := &errgroup.Group{}
	workers.SetLimit(cfg.MaxInFlight)

	return &Local{
		attempts: make(map[*task.Node]*attempt),
		workers:  workers,
		limiter:  rate.NewLimiter(limit, cfg.MaxInFlight),
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   log.WithComponent(logger, "engine"),
		tracer:   otel.Tracer("github.com/tessellab/mosaic/internal/engine"),
	}
}

// Add places a task tree under engine management.
func (e *Local) Add(n *task.Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.roots {
		if r == n {
			return nil
		}
	}
	e.roots = append(e.roots, n)
	e.logger.Debug("task added", log.TaskKey, n.Name, log.TaskIDKey, n.ID)
	return nil
}

// Remove detaches a task tree from engine management. Required before a
// logically identical task is re-added.
func (e *Local) Remove(n *task.Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.roots {
		if r == n {
			e.roots = append(e.roots[:i], e.roots[i+1:]...)
			return nil
		}
	}
	return &errors.NotFoundError{Resource: "task", ID: n.Name}
}

// Redo resets the state of the task (and, for collections, of children
// from index onwards) to NEW so the next Progress resubmits them.
func (e *Local) Redo(n *task.Node, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if index <= 0 || !n.Kind.IsCollection() {
		n.Reset()
		return nil
	}
	if index >= n.Len() {
		return fmt.Errorf("task %q has no child at position %d", n.Name, index)
	}
	for _, c := range n.Children()[index:] {
		c.Reset()
	}
	n.Execution = task.Execution{State: task.StateNew}
	n.SetCursor(index)
	return nil
}

// Kill requests cancellation of the whole tree. Running attempts are
// cancelled; pending leaves are stopped directly. Parents propagate the
// stop on subsequent ticks.
func (e *Local) Kill(n *task.Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Info("kill requested", log.TaskKey, n.Name)
	n.Walk(func(c *task.Node) bool {
		if !c.IsLeaf() {
			return true
		}
		if att, ok := e.attempts[c]; ok {
			att.killed = true
			att.cancel()
			return true
		}
		if c.IsNew() || c.IsSubmitted() {
			c.SetState(task.StateStopped)
			c.SetReturnCode(killExitCode)
			e.persistExecution(context.Background(), c)
		}
		return true
	})
	return nil
}

// Progress performs one scheduling tick.
func (e *Local) Progress(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ticks++
	ctx, span := e.tracer.Start(ctx, "engine.Progress",
		trace.WithAttributes(attribute.Int64("tick", e.ticks)))
	defer span.End()

	if e.metrics != nil {
		e.metrics.Ticks.Inc()
	}

	for _, root := range e.roots {
		e.progressNode(ctx, root)
	}
	return ctx.Err()
}

// progressNode advances one node. Sequential collections only progress
// their current child; parallel collections progress all children and
// derive their state from the aggregate.
func (e *Local) progressNode(ctx context.Context, n *task.Node) {
	if n.State().IsTerminal() {
		return
	}
	if n.IsLeaf() {
		e.progressLeaf(ctx, n)
		return
	}
	if n.Len() == 0 {
		n.SetState(task.StateTerminated)
		n.SetReturnCode(0)
		e.persistExecution(ctx, n)
		return
	}

	if n.Kind.IsSequential() {
		e.progressSequential(ctx, n)
	} else {
		e.progressParallel(ctx, n)
	}
	e.persistExecution(ctx, n)
}

func (e *Local) progressSequential(ctx context.Context, n *task.Node) {
	cur := n.Cursor()
	if cur >= n.Len() {
		state, rc := task.Aggregate(n.Children())
		n.SetState(state)
		if state == task.StateTerminated {
			n.SetReturnCode(rc)
		}
		return
	}

	child := n.Child(cur)
	e.progressNode(ctx, child)

	switch {
	case child.IsStopped():
		if rc, ok := child.ReturnCode(); ok && rc != 0 {
			n.SetReturnCode(rc)
		}
		n.SetState(task.StateStopped)
	case child.IsTerminated():
		e.transition(ctx, n, cur)
	default:
		if !child.IsNew() || !n.IsNew() {
			n.SetState(task.StateRunning)
		}
	}
}

func (e *Local) progressParallel(ctx context.Context, n *task.Node) {
	for _, child := range n.Children() {
		e.progressNode(ctx, child)
	}
	state, rc := task.Aggregate(n.Children())
	if state == task.StateStopped {
		// A stopped child does not end the collection while siblings are
		// still executing: they are harvested on later ticks first.
		for _, child := range n.Children() {
			if !child.State().IsTerminal() {
				state = task.StateRunning
				break
			}
		}
	}
	n.SetState(state)
	if state == task.StateTerminated || (state == task.StateStopped && rc != 0) {
		n.SetReturnCode(rc)
	}
}

// transition consults the collection's driver about what follows the
// terminated child. Driver errors terminate the collection with a
// non-zero return code (abort-on-error).
func (e *Local) transition(ctx context.Context, n *task.Node, done int) {
	var next task.State
	var err error
	if n.Transition != nil {
		next, err = n.Transition.Next(ctx, done)
	} else {
		next = defaultNext(n, done)
	}

	if err != nil {
		e.logger.Error("transition failed", log.TaskKey, n.Name, log.Error(err))
		n.SetState(task.StateTerminated)
		if rc, ok := n.ReturnCode(); !ok || rc == 0 {
			n.SetReturnCode(1)
		}
		e.persistStructure(ctx, n)
		return
	}

	switch next {
	case task.StateRunning:
		n.SetCursor(done + 1)
		n.SetState(task.StateRunning)
		// The driver may have populated dynamically built children;
		// persist them so a crash can be recovered from this point.
		e.persistStructure(ctx, n)
	case task.StateStopped:
		n.SetState(task.StateStopped)
	default:
		n.SetState(task.StateTerminated)
		if _, ok := n.ReturnCode(); !ok {
			rc, _ := n.Child(done).ReturnCode()
			n.SetReturnCode(rc)
		}
	}
}

// defaultNext implements plain abort-on-error in-order advancement for
// collections without a driver hook.
func defaultNext(n *task.Node, done int) task.State {
	rc, _ := n.Child(done).ReturnCode()
	n.SetReturnCode(rc)
	if rc != 0 {
		return task.StateTerminated
	}
	if done+1 < n.Len() {
		return task.StateRunning
	}
	return task.StateTerminated
}

func (e *Local) progressLeaf(ctx context.Context, n *task.Node) {
	switch n.State() {
	case task.StateNew:
		e.submitLeaf(ctx, n)
	case task.StateSubmitted, task.StateRunning:
		att, ok := e.attempts[n]
		if !ok {
			return
		}
		select {
		case err := <-att.result:
			e.finishLeaf(ctx, n, att, err)
		default:
			if n.IsSubmitted() {
				n.SetState(task.StateRunning)
				e.persistExecution(ctx, n)
			}
		}
	}
}

// submitLeaf starts the physical execution of a leaf job, bounded by
// the in-flight limit and the submission rate.
func (e *Local) submitLeaf(ctx context.Context, n *task.Node) {
	if !e.limiter.Allow() {
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	att := &attempt{
		id:      uuid.New(),
		cancel:  cancel,
		started: time.Now(),
		result:  make(chan error, 1),
	}

	payload := n.Payload
	accepted := e.workers.TryGo(func() error {
		var err error
		if payload != nil {
			err = payload(runCtx)
		}
		att.result <- err
		return nil
	})
	if !accepted {
		// Worker pool saturated; stay NEW and retry next tick.
		cancel()
		return
	}

	e.attempts[n] = att
	n.SetState(task.StateSubmitted)
	e.logger.Info("job submitted",
		log.TaskKey, n.Name, log.TaskIDKey, n.ID, "attempt", att.id.String())
	if e.metrics != nil {
		e.metrics.Submissions.Inc()
		e.metrics.JobsInFlight.Inc()
	}
	e.persistExecution(ctx, n)
}

// finishLeaf records the outcome and accounting of a completed attempt.
func (e *Local) finishLeaf(ctx context.Context, n *task.Node, att *attempt, jobErr error) {
	delete(e.attempts, n)
	att.cancel()

	walltime := time.Since(att.started)
	n.Execution.Walltime = walltime
	// The in-process backend cannot separate CPU from wall clock; a
	// cluster binding reports real accounting here.
	n.Execution.CPUTime = walltime

	outcome := "success"
	switch {
	case att.killed:
		n.SetState(task.StateStopped)
		n.SetReturnCode(killExitCode)
		outcome = "killed"
	case jobErr != nil:
		n.SetState(task.StateTerminated)
		n.SetReturnCode(exitCode(jobErr))
		outcome = "failure"
		e.logger.Warn("job failed",
			log.TaskKey, n.Name, log.TaskIDKey, n.ID, log.Error(jobErr))
	default:
		n.SetState(task.StateTerminated)
		n.SetReturnCode(0)
	}

	e.logger.Info("job finished",
		log.TaskKey, n.Name, log.StateKey, string(n.State()),
		log.Duration("walltime", walltime.Milliseconds()))
	if e.metrics != nil {
		e.metrics.JobsInFlight.Dec()
		e.metrics.JobDuration.Observe(walltime.Seconds())
		e.metrics.JobResults.WithLabelValues(outcome).Inc()
	}
	e.persistExecution(ctx, n)
}

// exitCode maps a job error to a return code.
func exitCode(err error) int {
	var exit *task.ExitError
	if errors.As(err, &exit) && exit.Code != 0 {
		return exit.Code
	}
	return 1
}

func (e *Local) persistExecution(ctx context.Context, n *task.Node) {
	if e.store == nil || n.ID == 0 {
		return
	}
	if err := e.store.UpdateExecution(ctx, n); err != nil {
		e.logger.Error("accounting update failed", log.TaskKey, n.Name, log.Error(err))
	}
}

func (e *Local) persistStructure(ctx context.Context, n *task.Node) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, n); err != nil {
		e.logger.Error("structural save failed", log.TaskKey, n.Name, log.Error(err))
	}
}
