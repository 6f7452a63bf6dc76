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

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessellab/mosaic/pkg/task"
)

// progressUntil ticks the engine until the condition holds or the
// deadline expires.
func progressUntil(t *testing.T, e *Local, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, e.Progress(context.Background()))
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func succeed(ctx context.Context) error { return nil }

func failWith(code int) task.RunFunc {
	return func(ctx context.Context) error {
		return &task.ExitError{Code: code}
	}
}

// blockingJob returns a payload that signals when it starts and blocks
// until released or cancelled.
func blockingJob(started chan<- struct{}, release <-chan struct{}) task.RunFunc {
	return func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestLeafLifecycle(t *testing.T) {
	e := New(Config{})
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	job := task.NewJob(task.KindRunJob, "leaf", 1, blockingJob(started, release))
	require.NoError(t, e.Add(job))

	require.NoError(t, e.Progress(context.Background()))
	assert.True(t, job.IsSubmitted())
	<-started

	require.NoError(t, e.Progress(context.Background()))
	assert.True(t, job.IsRunning())

	close(release)
	progressUntil(t, e, job.IsTerminated)

	rc, ok := job.ReturnCode()
	require.True(t, ok)
	assert.Zero(t, rc)
	assert.Greater(t, job.Execution.Walltime, time.Duration(0))
}

func TestLeafFailureExitCode(t *testing.T) {
	e := New(Config{})
	job := task.NewJob(task.KindRunJob, "leaf", 1, failWith(5))
	require.NoError(t, e.Add(job))

	progressUntil(t, e, job.IsTerminated)

	rc, _ := job.ReturnCode()
	assert.Equal(t, 5, rc)
}

func TestSequentialAbortOnError(t *testing.T) {
	e := New(Config{})
	coll := task.NewCollection(task.KindMultiRunJobCollection, "multi", 1)
	first := task.NewJob(task.KindRunJob, "first", 1, failWith(3))
	second := task.NewJob(task.KindRunJob, "second", 1, succeed)
	require.NoError(t, coll.AppendChild(first))
	require.NoError(t, coll.AppendChild(second))
	require.NoError(t, e.Add(coll))

	progressUntil(t, e, coll.IsTerminated)

	rc, _ := coll.ReturnCode()
	assert.Equal(t, 3, rc)
	// The second child never ran.
	assert.True(t, second.IsNew())
}

func TestSequentialRunsInOrder(t *testing.T) {
	e := New(Config{})
	coll := task.NewCollection(task.KindMultiRunJobCollection, "multi", 1)

	var order []string
	mk := func(name string) *task.Node {
		return task.NewJob(task.KindRunJob, name, 1, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	require.NoError(t, coll.AppendChild(mk("a")))
	require.NoError(t, coll.AppendChild(mk("b")))
	require.NoError(t, coll.AppendChild(mk("c")))
	require.NoError(t, e.Add(coll))

	progressUntil(t, e, coll.IsTerminated)

	assert.Equal(t, []string{"a", "b", "c"}, order)
	rc, _ := coll.ReturnCode()
	assert.Zero(t, rc)
}

func TestParallelChildrenOverlap(t *testing.T) {
	e := New(Config{})
	coll := task.NewCollection(task.KindRunJobCollection, "run", 1)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for _, name := range []string{"a", "b"} {
		require.NoError(t, coll.AppendChild(
			task.NewJob(task.KindRunJob, name, 1, blockingJob(started, release))))
	}
	require.NoError(t, e.Add(coll))

	require.NoError(t, e.Progress(context.Background()))
	// Both children entered SUBMITTED before either terminated.
	assert.True(t, coll.Child(0).IsSubmitted())
	assert.True(t, coll.Child(1).IsSubmitted())
	<-started
	<-started

	close(release)
	progressUntil(t, e, coll.IsTerminated)
	rc, _ := coll.ReturnCode()
	assert.Zero(t, rc)
}

func TestParallelFirstFailureWins(t *testing.T) {
	e := New(Config{})
	coll := task.NewCollection(task.KindRunJobCollection, "run", 1)
	require.NoError(t, coll.AppendChild(task.NewJob(task.KindRunJob, "a", 1, failWith(7))))
	require.NoError(t, coll.AppendChild(task.NewJob(task.KindRunJob, "b", 1, succeed)))
	require.NoError(t, e.Add(coll))

	progressUntil(t, e, coll.IsTerminated)

	// The healthy sibling still ran to completion.
	assert.True(t, coll.Child(1).IsTerminated())
	rc, _ := coll.ReturnCode()
	assert.Equal(t, 7, rc)
}

func TestEmptyCollectionTerminatesClean(t *testing.T) {
	e := New(Config{})
	coll := task.NewCollection(task.KindWorkflow, "empty", 1)
	require.NoError(t, e.Add(coll))

	require.NoError(t, e.Progress(context.Background()))

	assert.True(t, coll.IsTerminated())
	rc, _ := coll.ReturnCode()
	assert.Zero(t, rc)
}

func TestMaxInFlightBound(t *testing.T) {
	e := New(Config{MaxInFlight: 1})
	coll := task.NewCollection(task.KindRunJobCollection, "run", 1)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for _, name := range []string{"a", "b"} {
		require.NoError(t, coll.AppendChild(
			task.NewJob(task.KindRunJob, name, 1, blockingJob(started, release))))
	}
	require.NoError(t, e.Add(coll))

	require.NoError(t, e.Progress(context.Background()))
	<-started

	submitted := 0
	for _, c := range coll.Children() {
		if c.IsSubmitted() {
			submitted++
		}
	}
	assert.Equal(t, 1, submitted)

	close(release)
	progressUntil(t, e, coll.IsTerminated)
}

func TestKillStopsTree(t *testing.T) {
	coll := task.NewCollection(task.KindRunJobCollection, "run", 1)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	running := task.NewJob(task.KindRunJob, "running", 1, blockingJob(started, release))
	pending := task.NewJob(task.KindRunJob, "pending", 1, succeed)
	require.NoError(t, coll.AppendChild(running))
	require.NoError(t, coll.AppendChild(pending))

	// Keep the pending job out of the pool so the kill hits both a
	// running and a waiting leaf.
	e2 := New(Config{MaxInFlight: 1})
	require.NoError(t, e2.Add(coll))
	require.NoError(t, e2.Progress(context.Background()))
	<-started

	require.NoError(t, e2.Kill(coll))
	progressUntil(t, e2, func() bool { return coll.State().IsTerminal() })

	assert.True(t, running.IsStopped())
	assert.True(t, pending.IsStopped())
	assert.True(t, coll.IsStopped())
	rc, ok := running.ReturnCode()
	require.True(t, ok)
	assert.NotZero(t, rc)
}

func TestRedoFromIndex(t *testing.T) {
	e := New(Config{})
	coll := task.NewCollection(task.KindMultiRunJobCollection, "multi", 1)

	runs := map[string]int{}
	mk := func(name string) *task.Node {
		return task.NewJob(task.KindRunJob, name, 1, func(ctx context.Context) error {
			runs[name]++
			return nil
		})
	}
	require.NoError(t, coll.AppendChild(mk("a")))
	require.NoError(t, coll.AppendChild(mk("b")))
	require.NoError(t, e.Add(coll))

	progressUntil(t, e, coll.IsTerminated)
	require.Equal(t, map[string]int{"a": 1, "b": 1}, runs)

	// Redo from index 1: only the second child re-executes.
	require.NoError(t, e.Redo(coll, 1))
	assert.True(t, coll.IsNew())
	assert.True(t, coll.Child(1).IsNew())
	assert.True(t, coll.Child(0).IsTerminated())

	progressUntil(t, e, coll.IsTerminated)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, runs)
}

func TestRedoBadIndex(t *testing.T) {
	e := New(Config{})
	coll := task.NewCollection(task.KindMultiRunJobCollection, "multi", 1)
	require.NoError(t, coll.AppendChild(task.NewJob(task.KindRunJob, "a", 1, succeed)))

	require.Error(t, e.Redo(coll, 5))
}

// recordingTransition counts driver callbacks and mirrors the default
// advancement.
type recordingTransition struct {
	calls []int
	node  *task.Node
}

func (r *recordingTransition) Next(ctx context.Context, done int) (task.State, error) {
	r.calls = append(r.calls, done)
	rc, _ := r.node.Child(done).ReturnCode()
	r.node.SetReturnCode(rc)
	if rc != 0 {
		return task.StateTerminated, nil
	}
	if done+1 < r.node.Len() {
		return task.StateRunning, nil
	}
	return task.StateTerminated, nil
}

func TestTransitionHookDrivesSequence(t *testing.T) {
	e := New(Config{})
	coll := task.NewCollection(task.KindStep, "step", 1)
	rec := &recordingTransition{node: coll}
	coll.Transition = rec
	require.NoError(t, coll.AppendChild(task.NewJob(task.KindInitJob, "init", 1, succeed)))
	require.NoError(t, coll.AppendChild(task.NewJob(task.KindCollectJob, "collect", 1, succeed)))
	require.NoError(t, e.Add(coll))

	progressUntil(t, e, coll.IsTerminated)

	assert.Equal(t, []int{0, 1}, rec.calls)
	rc, _ := coll.ReturnCode()
	assert.Zero(t, rc)
}

func TestAddAndRemoveIdempotent(t *testing.T) {
	e := New(Config{})
	job := task.NewJob(task.KindRunJob, "leaf", 1, succeed)

	require.NoError(t, e.Add(job))
	require.NoError(t, e.Add(job))
	require.NoError(t, e.Remove(job))
	require.Error(t, e.Remove(job))
}
