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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessellab/mosaic/pkg/errors"
	"github.com/tessellab/mosaic/pkg/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "tasks.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTree(t *testing.T, submissionID int64) *task.Node {
	t.Helper()
	root := task.NewCollection(task.KindWorkflow, "experiment-1", submissionID)
	stage := task.NewCollection(task.KindSequentialStage, "image_conversion", submissionID)
	stepNode := task.NewCollection(task.KindStep, "convert", submissionID)
	initJob := task.NewJob(task.KindInitJob, "convert_init", submissionID, nil)
	runColl := task.NewCollection(task.KindRunJobCollection, "convert_run", submissionID)

	require.NoError(t, root.AppendChild(stage))
	require.NoError(t, stage.AppendChild(stepNode))
	require.NoError(t, stepNode.AppendChild(initJob))
	require.NoError(t, stepNode.AppendChild(runColl))
	for i := 1; i <= 2; i++ {
		job := task.NewJob(task.KindRunJob, "convert_run", submissionID, nil)
		job.JobID = i
		require.NoError(t, runColl.AppendChild(job))
	}
	return root
}

func TestRegisterAndAttachRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	subID, err := s.Register(ctx, 1, "workflow", "testuser")
	require.NoError(t, err)
	require.NotZero(t, subID)

	sub, err := s.GetSubmission(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.ExperimentID)
	assert.Equal(t, "workflow", sub.Program)
	assert.Nil(t, sub.TopTaskID)

	root := newTestTree(t, subID)
	require.NoError(t, s.Save(ctx, root))
	require.NotZero(t, root.ID)
	require.NoError(t, s.AttachRoot(ctx, subID, root.ID))

	sub, err = s.GetSubmission(ctx, subID)
	require.NoError(t, err)
	require.NotNil(t, sub.TopTaskID)
	assert.Equal(t, root.ID, *sub.TopTaskID)

	// The invariant: the top task belongs to the submission.
	loaded, err := s.Load(ctx, *sub.TopTaskID)
	require.NoError(t, err)
	assert.Equal(t, subID, loaded.SubmissionID)
}

func TestAttachRootUnknownSubmission(t *testing.T) {
	s := newTestStore(t)
	var nf *errors.NotFoundError
	require.ErrorAs(t, s.AttachRoot(context.Background(), 99, 1), &nf)
}

func TestSaveAssignsIdentitiesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	subID, err := s.Register(ctx, 1, "workflow", "testuser")
	require.NoError(t, err)

	root := newTestTree(t, subID)
	require.NoError(t, s.Save(ctx, root))

	var ids []int64
	root.Walk(func(n *task.Node) bool {
		require.NotZero(t, n.ID)
		ids = append(ids, n.ID)
		return true
	})

	// Saving again is idempotent: same identities, same row count.
	require.NoError(t, s.Save(ctx, root))
	i := 0
	root.Walk(func(n *task.Node) bool {
		assert.Equal(t, ids[i], n.ID)
		i++
		return true
	})
}

func TestLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	subID, err := s.Register(ctx, 1, "workflow", "testuser")
	require.NoError(t, err)

	root := newTestTree(t, subID)
	initJob := root.Child(0).Child(0).Child(0)
	initJob.SetState(task.StateTerminated)
	initJob.SetReturnCode(0)
	initJob.Execution.MemoryMB = 750
	initJob.Execution.Walltime = 90 * time.Second
	initJob.Execution.CPUTime = 85 * time.Second
	require.NoError(t, s.Save(ctx, root))

	loaded, err := s.Load(ctx, root.ID)
	require.NoError(t, err)

	// Structure and order survive.
	require.Equal(t, 1, loaded.Len())
	stage := loaded.Child(0)
	assert.Equal(t, task.KindSequentialStage, stage.Kind)
	stepNode := stage.Child(0)
	require.Equal(t, 2, stepNode.Len())
	assert.Equal(t, task.KindInitJob, stepNode.Child(0).Kind)
	assert.Equal(t, task.KindRunJobCollection, stepNode.Child(1).Kind)

	runColl := stepNode.Child(1)
	require.Equal(t, 2, runColl.Len())
	assert.Equal(t, 1, runColl.Child(0).JobID)
	assert.Equal(t, 2, runColl.Child(1).JobID)

	// Execution records survive.
	loadedInit := stepNode.Child(0)
	assert.Equal(t, task.StateTerminated, loadedInit.State())
	rc, ok := loadedInit.ReturnCode()
	require.True(t, ok)
	assert.Zero(t, rc)
	assert.Equal(t, int64(750), loadedInit.Execution.MemoryMB)
	assert.Equal(t, 90*time.Second, loadedInit.Execution.Walltime)
	assert.Equal(t, 85*time.Second, loadedInit.Execution.CPUTime)
}

func TestLoadMissingTask(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), 12345)
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestUpdateExecutionTouchesOnlyAccounting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	subID, err := s.Register(ctx, 1, "workflow", "testuser")
	require.NoError(t, err)
	root := newTestTree(t, subID)
	require.NoError(t, s.Save(ctx, root))

	job := root.Child(0).Child(0).Child(1).Child(0)
	job.SetState(task.StateRunning)
	job.Execution.MemoryMB = 2048
	require.NoError(t, s.UpdateExecution(ctx, job))

	loaded, err := s.Load(ctx, root.ID)
	require.NoError(t, err)
	loadedJob := loaded.Child(0).Child(0).Child(1).Child(0)
	assert.Equal(t, task.StateRunning, loadedJob.State())
	assert.Equal(t, int64(2048), loadedJob.Execution.MemoryMB)
	// Structural fields stay intact.
	assert.Equal(t, 1, loadedJob.JobID)
}

func TestUpdateExecutionWithoutIdentity(t *testing.T) {
	s := newTestStore(t)
	job := task.NewJob(task.KindRunJob, "orphan", 1, nil)

	var consistency *errors.ConsistencyError
	require.ErrorAs(t, s.UpdateExecution(context.Background(), job), &consistency)
}

func TestSaveAgainstMissingSubmission(t *testing.T) {
	s := newTestStore(t)
	root := task.NewCollection(task.KindWorkflow, "experiment-1", 4242)

	var consistency *errors.ConsistencyError
	require.ErrorAs(t, s.Save(context.Background(), root), &consistency)
}

func TestMostRecentTopTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No submissions at all.
	_, err := s.MostRecentTopTask(ctx, 1, "workflow")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)

	first, err := s.Register(ctx, 1, "workflow", "testuser")
	require.NoError(t, err)
	firstRoot := newTestTree(t, first)
	require.NoError(t, s.Save(ctx, firstRoot))
	require.NoError(t, s.AttachRoot(ctx, first, firstRoot.ID))

	second, err := s.Register(ctx, 1, "workflow", "testuser")
	require.NoError(t, err)
	secondRoot := newTestTree(t, second)
	require.NoError(t, s.Save(ctx, secondRoot))
	require.NoError(t, s.AttachRoot(ctx, second, secondRoot.ID))

	// A different program does not shadow the result.
	_, err = s.Register(ctx, 1, "illuminati", "testuser")
	require.NoError(t, err)

	got, err := s.MostRecentTopTask(ctx, 1, "workflow")
	require.NoError(t, err)
	assert.Equal(t, secondRoot.ID, got)
}

func TestSavePrunesReplacedChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	subID, err := s.Register(ctx, 1, "workflow", "testuser")
	require.NoError(t, err)
	root := newTestTree(t, subID)
	require.NoError(t, s.Save(ctx, root))

	// Rebuild the run collection with a single fresh job, as a
	// reinitialized step does.
	runColl := root.Child(0).Child(0).Child(1)
	runColl.RemoveChildren()
	job := task.NewJob(task.KindRunJob, "convert_run", subID, nil)
	job.JobID = 1
	require.NoError(t, runColl.AppendChild(job))
	require.NoError(t, s.Save(ctx, root))

	loaded, err := s.Load(ctx, root.ID)
	require.NoError(t, err)
	loadedRun := loaded.Child(0).Child(0).Child(1)
	require.Equal(t, 1, loadedRun.Len())
	assert.Equal(t, job.ID, loadedRun.Child(0).ID)
}

func TestDeleteSubmissionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	subID, err := s.Register(ctx, 1, "workflow", "testuser")
	require.NoError(t, err)
	root := newTestTree(t, subID)
	require.NoError(t, s.Save(ctx, root))
	require.NoError(t, s.AttachRoot(ctx, subID, root.ID))

	require.NoError(t, s.DeleteSubmission(ctx, subID))

	_, err = s.Load(ctx, root.ID)
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
	_, err = s.GetSubmission(ctx, subID)
	require.ErrorAs(t, err, &nf)
}
