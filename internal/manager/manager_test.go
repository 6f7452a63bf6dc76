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

package manager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellab/mosaic/internal/config"
	"github.com/tessellab/mosaic/internal/store"
	"github.com/tessellab/mosaic/pkg/step"
	"github.com/tessellab/mosaic/pkg/task"
	"github.com/tessellab/mosaic/pkg/workflow"
)

// counters tracks phase executions per step across a test.
var counters = &callCounters{counts: map[string]int{}}

type callCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *callCounters) inc(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
}

func (c *callCounters) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func (c *callCounters) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = map[string]int{}
}

// failSecondJob switches the mg_a step into its failing mode.
var failSecondJob = false

// blockRelease, when non-nil, blocks mg_block run jobs until closed.
var (
	blockMu      sync.Mutex
	blockRelease chan struct{}
	blockStarted chan struct{}
)

// testStep produces count run batches writing one file each; mg_b
// derives its single batch from mg_a's outputs.
type testStep struct {
	name string
}

func (s *testStep) CreateRunBatches(ctx context.Context, ws *step.Workspace, args step.Args) (step.Batches, error) {
	counters.inc(s.name + ":init")

	if s.name == "mg_b" {
		// The downstream step derives its batch from the upstream
		// step's outputs.
		upstream, err := doublestar.FilepathGlob(
			filepath.Join(ws.Root(), "mg_a", "data", "*.txt"))
		if err != nil {
			return step.Batches{}, err
		}
		if len(upstream) == 0 {
			return step.Batches{}, fmt.Errorf("no upstream outputs found")
		}
		return step.Batches{Run: []step.Batch{{
			ID:      1,
			Inputs:  map[string][]string{"upstream": upstream},
			Outputs: map[string][]string{"merged": {filepath.Join(ws.StepDir(), "data", "merged.txt")}},
		}}}, nil
	}

	count := args.Int("count", 2)
	var batches step.Batches
	for id := 1; id <= count; id++ {
		batches.Run = append(batches.Run, step.Batch{
			ID:      id,
			Inputs:  map[string][]string{},
			Outputs: map[string][]string{"data": {filepath.Join(ws.StepDir(), "data", fmt.Sprintf("%d.txt", id))}},
		})
	}
	return batches, nil
}

func (s *testStep) RunJob(ctx context.Context, ws *step.Workspace, batch step.Batch, assumeCleanState bool) error {
	counters.inc(fmt.Sprintf("%s:run:%d", s.name, batch.ID))

	if s.name == "mg_a" && failSecondJob && batch.ID == 2 {
		return &task.ExitError{Code: 5}
	}
	if s.name == "mg_block" {
		blockMu.Lock()
		release, started := blockRelease, blockStarted
		blockMu.Unlock()
		if started != nil {
			started <- struct{}{}
		}
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	var out string
	for _, paths := range batch.Outputs {
		out = paths[0]
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(s.name+"\n"), 0o644)
}

func (s *testStep) CollectJobOutput(ctx context.Context, ws *step.Workspace, batch step.Batch) error {
	counters.inc(s.name + ":collect")
	return nil
}

func (s *testStep) DeletePreviousJobOutput(ctx context.Context, ws *step.Workspace) error {
	return os.RemoveAll(filepath.Join(ws.StepDir(), "data"))
}

func init() {
	submission := step.Submission("00:10:00", 128, 1)
	for _, name := range []string{"mg_a", "mg_b", "mg_block"} {
		name := name
		step.Register(step.Descriptor{
			Name:              name,
			BatchArgs:         step.ArgSpecs{{Name: "count", Type: "int", Default: 2}},
			DefaultSubmission: submission,
			New: func(env step.Environment) step.Interface {
				return &testStep{name: name}
			},
		})
	}
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *config.Config) {
	t.Helper()
	counters.reset()
	failSecondJob = false

	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.User = "testuser"
	cfg.Monitor.IntervalSeconds = 0
	cfg.Transition.BatchTimeoutSeconds = 5

	st, err := store.New(store.Config{Path: cfg.DatabasePath()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(cfg, st, nil), st, cfg
}

func testOptions() Options {
	return Options{
		MonitoringDepth:    3,
		MonitoringInterval: 5 * time.Millisecond,
		Out:                io.Discard,
	}
}

func twoStageDesc() workflow.Description {
	return workflow.Description{
		Type: "canonical",
		Stages: []workflow.StageDescription{
			{Name: "s1", Mode: workflow.ModeSequential, Steps: []workflow.StepDescription{
				{Name: "mg_a", BatchArgs: map[string]any{"count": 2}},
			}},
			{Name: "s2", Mode: workflow.ModeSequential, Steps: []workflow.StepDescription{
				{Name: "mg_b"},
			}},
		},
	}
}

func TestSubmitTwoStagePipelineSucceeds(t *testing.T) {
	mgr, st, _ := newTestManager(t)

	snap, code, err := mgr.Submit(context.Background(), 1, twoStageDesc(), testOptions())
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Zero(t, snap.Failed)

	// Three run jobs in total: two for mg_a, one for mg_b.
	assert.Equal(t, 1, counters.get("mg_a:run:1"))
	assert.Equal(t, 1, counters.get("mg_a:run:2"))
	assert.Equal(t, 1, counters.get("mg_b:run:1"))
	// mg_b's init observed mg_a's outputs (it fails otherwise).
	assert.Equal(t, 1, counters.get("mg_b:init"))

	// The tree was persisted and the submission points at it.
	topTask, err := st.MostRecentTopTask(context.Background(), 1, Program)
	require.NoError(t, err)
	tree, err := st.Load(context.Background(), topTask)
	require.NoError(t, err)
	assert.True(t, tree.IsTerminated())
	rc, ok := tree.ReturnCode()
	require.True(t, ok)
	assert.Zero(t, rc)
}

func TestSubmitAbortsOnError(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	failSecondJob = true

	snap, code, err := mgr.Submit(context.Background(), 1, twoStageDesc(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, 5, code)
	assert.Equal(t, 1, snap.Failed)

	// The downstream stage never started.
	assert.Zero(t, counters.get("mg_b:init"))
}

func TestSubmitInvalidDescriptionCreatesNoSubmission(t *testing.T) {
	mgr, st, _ := newTestManager(t)

	desc := twoStageDesc()
	desc.Stages[0].Mode = "bogus"
	_, code, err := mgr.Submit(context.Background(), 1, desc, testOptions())
	require.Error(t, err)
	assert.NotZero(t, code)

	_, err = st.MostRecentTopTask(context.Background(), 1, Program)
	require.Error(t, err)
}

func TestSubmitInactiveStepSkipped(t *testing.T) {
	mgr, st, _ := newTestManager(t)

	inactive := false
	desc := twoStageDesc()
	desc.Stages[1].Steps[0].Active = &inactive

	_, code, err := mgr.Submit(context.Background(), 1, desc, testOptions())
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Zero(t, counters.get("mg_b:init"))

	// The inactive step was never created nor persisted.
	topTask, err := st.MostRecentTopTask(context.Background(), 1, Program)
	require.NoError(t, err)
	tree, err := st.Load(context.Background(), topTask)
	require.NoError(t, err)
	found := false
	tree.Walk(func(n *task.Node) bool {
		if n.Name == "mg_b" || n.Name == "mg_b_init" {
			found = true
		}
		return true
	})
	assert.False(t, found)
}

func TestSubmitAllInactiveTerminatesClean(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	inactive := false
	desc := twoStageDesc()
	desc.Stages[0].Active = &inactive
	desc.Stages[1].Active = &inactive

	snap, code, err := mgr.Submit(context.Background(), 1, desc, testOptions())
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Zero(t, snap.Total)
}

func TestSubmitForceActivates(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	inactive := false
	desc := twoStageDesc()
	desc.Stages[1].Active = &inactive

	opts := testOptions()
	opts.Force = true
	_, code, err := mgr.Submit(context.Background(), 1, desc, opts)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, 1, counters.get("mg_b:init"))
}

func TestResubmitResumesAtStage(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	ctx := context.Background()

	// First run processes only stage s1, as if the orchestrator died
	// after s1 terminated but before s2 started.
	desc := twoStageDesc()
	inactive := false
	firstDesc := desc.DeepCopy()
	firstDesc.Stages[1].Active = &inactive
	_, code, err := mgr.Submit(ctx, 1, firstDesc, testOptions())
	require.NoError(t, err)
	require.Zero(t, code)
	require.Equal(t, 1, counters.get("mg_a:init"))

	// Remember stage s1's persisted identities and return codes.
	topTask, err := st.MostRecentTopTask(ctx, 1, Program)
	require.NoError(t, err)
	before, err := st.Load(ctx, topTask)
	require.NoError(t, err)
	s1Before := before.Child(0)
	s1ID := s1Before.ID
	s1RC, ok := s1Before.ReturnCode()
	require.True(t, ok)

	// Reopen the tree and resume at stage s2 with the full description.
	snap, code, err := mgr.Resubmit(ctx, 1, desc, "s2", testOptions())
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Zero(t, snap.Failed)

	// Stage s1 was not re-executed: same id, same rc, no new init.
	assert.Equal(t, 1, counters.get("mg_a:init"))
	assert.Equal(t, 1, counters.get("mg_a:run:1"))
	after, err := st.Load(ctx, topTask)
	require.NoError(t, err)
	assert.Equal(t, s1ID, after.Child(0).ID)
	afterRC, ok := after.Child(0).ReturnCode()
	require.True(t, ok)
	assert.Equal(t, s1RC, afterRC)

	// Stage s2 ran to completion.
	assert.Equal(t, 1, counters.get("mg_b:init"))
	assert.Equal(t, 1, counters.get("mg_b:run:1"))
}

func TestResubmitUnknownStage(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, code, err := mgr.Submit(ctx, 1, twoStageDesc(), testOptions())
	require.NoError(t, err)
	require.Zero(t, code)

	_, _, err = mgr.Resubmit(ctx, 1, twoStageDesc(), "no_such_stage", testOptions())
	require.Error(t, err)
}

func TestSubmitCancellation(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	blockMu.Lock()
	blockRelease = make(chan struct{})
	blockStarted = make(chan struct{}, 4)
	blockMu.Unlock()
	t.Cleanup(func() {
		blockMu.Lock()
		blockRelease, blockStarted = nil, nil
		blockMu.Unlock()
	})

	desc := workflow.Description{
		Type: "canonical",
		Stages: []workflow.StageDescription{
			{Name: "s1", Mode: workflow.ModeSequential, Steps: []workflow.StepDescription{
				{Name: "mg_block", BatchArgs: map[string]any{"count": 2}},
			}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Wait until both run jobs are physically executing.
		<-blockStarted
		<-blockStarted
		cancel()
	}()

	_, code, err := mgr.Submit(ctx, 1, desc, testOptions())
	require.ErrorIs(t, err, context.Canceled)
	assert.NotZero(t, code)
}

func TestStatusSnapshot(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, code, err := mgr.Submit(ctx, 1, twoStageDesc(), testOptions())
	require.NoError(t, err)
	require.Zero(t, code)

	snap, err := mgr.Status(ctx, 1, 0)
	require.NoError(t, err)
	assert.Nil(t, snap.Children)
	assert.Equal(t, snap.Total, snap.Done)
	assert.Equal(t, "TERMINATED", snap.State)

	deep, err := mgr.Status(ctx, 1, 2)
	require.NoError(t, err)
	require.NotEmpty(t, deep.Children)
}
