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

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tessellab/mosaic/internal/log"
	"github.com/tessellab/mosaic/pkg/errors"
	"github.com/tessellab/mosaic/pkg/step"
	"github.com/tessellab/mosaic/pkg/task"
)

// Environment carries the per-submission context shared by all drivers.
type Environment struct {
	// ExperimentID identifies the processed experiment.
	ExperimentID int64

	// ExperimentName is the human-readable experiment name, used as the
	// root task's name.
	ExperimentName string

	// SubmissionID links every created task to its submission.
	SubmissionID int64

	// UserName is the submitting user.
	UserName string

	// Program is the submitting program name.
	Program string

	// WorkflowRoot is the directory all step workspaces live under.
	WorkflowRoot string

	// Logger receives driver log output.
	Logger *slog.Logger

	// WaitTime is slept before advancing between steps and stages, to
	// mitigate delayed file visibility on shared file systems.
	WaitTime time.Duration

	// BatchTimeout bounds how long the run-phase build waits for batch
	// files written by the init job to become visible.
	BatchTimeout time.Duration
}

func (e Environment) activation() Activation {
	return Activation{ExperimentID: e.ExperimentID, Program: e.Program, UserName: e.UserName}
}

func (e Environment) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Resource requests of the init and collect phases. Both run the
// lightweight bookkeeping part of a step; the run phase carries the
// user-configured request.
var phaseResources = task.Resources{
	Duration: 12 * time.Hour,
	MemoryMB: 1024,
	Cores:    1,
}

// Ordinals of the phases within a step's child list.
const (
	phaseInit    = 0
	phaseRun     = 1
	phaseCollect = 2
)

// Step drives the sequential composition of a step's phases:
// init, run fan-out and optional collect. The run phase's children are
// built dynamically from the init phase's output.
type Step struct {
	name       string
	node       *task.Node
	desc       StepDescription
	descriptor step.Descriptor
	impl       step.Interface
	ws         *step.Workspace
	env        Environment
	logger     *slog.Logger
}

// newStep builds the driver shell for a step. Phases are only created
// by Initialize, which sequential stages defer until the previous step
// finished.
func newStep(env Environment, desc StepDescription) (*Step, error) {
	descriptor, err := step.Lookup(desc.Name)
	if err != nil {
		return nil, err
	}

	node := task.NewCollection(task.KindStep, desc.Name, env.SubmissionID)
	s := &Step{
		name:       desc.Name,
		node:       node,
		desc:       desc,
		descriptor: descriptor,
		ws:         step.NewWorkspace(env.WorkflowRoot, desc.Name),
		env:        env,
		logger:     env.logger().With(log.StepKey, desc.Name),
	}
	s.impl = descriptor.New(step.Environment{
		ExperimentID: env.ExperimentID,
		WorkflowRoot: env.WorkflowRoot,
		Logger:       s.logger,
	})
	node.Transition = s
	return s, nil
}

// Node returns the step's task.
func (s *Step) Node() *task.Node {
	return s.node
}

// Name returns the step's registry name.
func (s *Step) Name() string {
	return s.name
}

// Initialize builds the step's phases: the init job, an empty
// placeholder for the run phase and, when the step declares one, the
// collect job. Any previously built phases are discarded.
func (s *Step) Initialize() error {
	s.logger.Info("initialize step")
	s.node.RemoveChildren()
	s.node.Execution = task.Execution{State: task.StateNew}

	initJob := task.NewJob(task.KindInitJob, s.name+"_init", s.env.SubmissionID, s.initPayload)
	if err := initJob.SetResources(phaseResources); err != nil {
		return err
	}
	if err := s.node.AppendChild(initJob); err != nil {
		return err
	}

	runPhase := task.NewCollection(task.KindRunJobCollection, s.name+"_run", s.env.SubmissionID)
	if err := s.node.AppendChild(runPhase); err != nil {
		return err
	}

	if s.descriptor.HasCollect {
		collectJob := task.NewJob(task.KindCollectJob, s.name+"_collect", s.env.SubmissionID, s.collectPayload)
		if err := collectJob.SetResources(phaseResources); err != nil {
			return err
		}
		if err := s.node.AppendChild(collectJob); err != nil {
			return err
		}
	}
	return nil
}

// Next progresses the step to its next phase once the phase at the
// given ordinal terminated. The run phase is populated here, after the
// init phase succeeded; its fan-out was unknown before.
func (s *Step) Next(ctx context.Context, done int) (task.State, error) {
	if s.node.Len() == 0 {
		return task.StateTerminated, &errors.TransitionError{
			Task:    s.name,
			Message: "step has no init phase",
		}
	}

	rc, _ := s.node.Child(done).ReturnCode()
	s.node.SetReturnCode(rc)
	if rc != 0 {
		return task.StateTerminated, nil
	}

	if done == phaseInit {
		// The run collection exists as an empty placeholder; it must
		// now be populated with the jobs described by the init output.
		if err := s.populateRunPhase(ctx); err != nil {
			return task.StateTerminated, err
		}
	}

	if done+1 < s.node.Len() {
		s.logger.Info("transition to next phase", "done", done)
		return task.StateRunning, nil
	}
	return task.StateTerminated, nil
}

// populateRunPhase replaces the placeholder run collection with one
// holding a run job per batch file written by the init phase.
func (s *Step) populateRunPhase(ctx context.Context) error {
	if s.node.Len() <= phaseRun {
		return &errors.TransitionError{
			Task:    s.name,
			Message: "run phase set before init phase",
		}
	}

	if s.env.BatchTimeout > 0 {
		if err := s.ws.WaitForRunBatches(ctx, s.env.BatchTimeout); err != nil {
			return err
		}
	}

	batches, err := s.ws.ReadRunBatches()
	if err != nil {
		return err
	}
	if s.descriptor.HasCollect {
		if _, err := s.ws.ReadCollectBatch(); err != nil {
			return errors.Wrap(err, "collect phase requested but no collect batch was written")
		}
	}

	resources, err := mergedResources(s.desc, s.descriptor)
	if err != nil {
		return err
	}
	s.logger.Info("create jobs for run phase",
		"jobs", len(batches), "duration", task.FormatDuration(resources.Duration),
		"memory_mb", resources.MemoryMB, "cores", resources.Cores)

	runPhase := task.NewCollection(task.KindRunJobCollection, s.name+"_run", s.env.SubmissionID)
	for _, b := range batches {
		job := task.NewJob(task.KindRunJob, fmt.Sprintf("%s_run_%06d", s.name, b.ID),
			s.env.SubmissionID, s.runPayload(b.ID))
		job.JobID = b.ID
		if err := job.SetResources(resources); err != nil {
			return err
		}
		if err := runPhase.AppendChild(job); err != nil {
			return err
		}
	}
	return s.node.ReplaceChild(phaseRun, runPhase)
}

// initPayload is the body of the init job: delete previous output,
// derive the batches and write them to disk.
func (s *Step) initPayload(ctx context.Context) error {
	return s.withLogs("init", 0, func(logger *slog.Logger) error {
		logger.Info("delete previous job output")
		if err := s.impl.DeletePreviousJobOutput(ctx, s.ws); err != nil {
			return err
		}
		if err := s.ws.DeleteBatches(); err != nil {
			return err
		}

		args := s.descriptor.BatchArgs.ApplyDefaults(step.Args(s.desc.BatchArgs))
		logger.Info("create run batches")
		batches, err := s.impl.CreateRunBatches(ctx, s.ws, args)
		if err != nil {
			return err
		}
		if len(batches.Run) == 0 {
			return &errors.BatchError{
				Step:    s.name,
				Message: "no batches were created",
			}
		}
		if s.descriptor.HasCollect && batches.Collect == nil {
			return &errors.BatchError{
				Step:    s.name,
				Message: "step declares a collect phase but init produced no collect batch",
			}
		}
		logger.Info("write batch files", "run_jobs", len(batches.Run))
		return s.ws.WriteBatches(batches)
	})
}

// runPayload returns the body of one run job.
func (s *Step) runPayload(jobID int) task.RunFunc {
	return func(ctx context.Context) error {
		return s.withLogs("run", jobID, func(logger *slog.Logger) error {
			batch, err := s.ws.ReadRunBatch(jobID)
			if err != nil {
				return err
			}
			logger.Info("run job", "job_id", jobID)
			return s.impl.RunJob(ctx, s.ws, batch, false)
		})
	}
}

// collectPayload is the body of the collect job.
func (s *Step) collectPayload(ctx context.Context) error {
	return s.withLogs("collect", 0, func(logger *slog.Logger) error {
		batch, err := s.ws.ReadCollectBatch()
		if err != nil {
			return err
		}
		logger.Info("collect job output")
		return s.impl.CollectJobOutput(ctx, s.ws, batch)
	})
}

// withLogs runs a job body with stdout/stderr captured into the step's
// log directory; a failure is echoed into the stderr log so the final
// failure report can quote it.
func (s *Step) withLogs(phase string, jobID int, fn func(*slog.Logger) error) error {
	stdout, stderr, err := s.ws.OpenLog(phase, jobID)
	if err != nil {
		return err
	}
	defer stdout.Close()
	defer stderr.Close()

	logger := slog.New(slog.NewTextHandler(stdout, nil)).With(log.StepKey, s.name)
	if err := fn(logger); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return err
	}
	return nil
}
