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
	"log/slog"
	"time"

	"github.com/tessellab/mosaic/internal/log"
	"github.com/tessellab/mosaic/pkg/errors"
	"github.com/tessellab/mosaic/pkg/task"
)

// Stage groups the steps of one logical milestone. Sequential stages
// initialize each step lazily when its predecessor finished, because a
// step's batches depend on the previous step's outputs; parallel stages
// initialize every step up front.
type Stage struct {
	name   string
	node   *task.Node
	desc   StageDescription
	steps  []*Step
	env    Environment
	logger *slog.Logger
}

// newStage builds a stage and the driver shells of its steps. Step
// phases are created later: by UpdateStep for sequential stages, by
// InitializeAll for parallel ones.
func newStage(env Environment, desc StageDescription) (*Stage, error) {
	kind := task.KindSequentialStage
	if desc.Mode == ModeParallel {
		kind = task.KindParallelStage
	}

	s := &Stage{
		name:   desc.Name,
		node:   task.NewCollection(kind, desc.Name, env.SubmissionID),
		desc:   desc,
		env:    env,
		logger: env.logger().With(log.StageKey, desc.Name),
	}

	for _, sd := range desc.Steps {
		st, err := newStep(env, sd)
		if err != nil {
			return nil, err
		}
		if err := s.node.AppendChild(st.Node()); err != nil {
			return nil, err
		}
		s.steps = append(s.steps, st)
	}

	if kind == task.KindSequentialStage {
		s.node.Transition = s
	}
	return s, nil
}

// Node returns the stage's task.
func (s *Stage) Node() *task.Node {
	return s.node
}

// Name returns the stage's name.
func (s *Stage) Name() string {
	return s.name
}

// Steps returns the stage's step drivers in declaration order.
func (s *Stage) Steps() []*Step {
	return s.steps
}

// IsSequential reports whether the stage processes its steps in order.
func (s *Stage) IsSequential() bool {
	return s.node.Kind == task.KindSequentialStage
}

// UpdateStep (re)initializes the indexed step, creating its phase jobs.
func (s *Stage) UpdateStep(index int) error {
	if index < 0 || index >= len(s.steps) {
		return &errors.TransitionError{
			Task:    s.name,
			Message: "no step at the requested position",
		}
	}
	s.steps[index].desc = s.desc.Steps[index]
	return s.steps[index].Initialize()
}

// InitializeAll creates the phase jobs of every step, used by parallel
// stages where all steps start together.
func (s *Stage) InitializeAll() error {
	for i := range s.steps {
		if err := s.UpdateStep(i); err != nil {
			return err
		}
	}
	return nil
}

// Start prepares the stage for execution: sequential stages initialize
// only their first step, parallel stages initialize all of them.
func (s *Stage) Start() error {
	if len(s.steps) == 0 {
		return nil
	}
	if s.IsSequential() {
		return s.UpdateStep(0)
	}
	return s.InitializeAll()
}

// Next progresses a sequential stage to the step after the one at the
// given ordinal. Any non-zero return code terminates the stage with
// that code; a stopped step terminates it as well.
func (s *Stage) Next(ctx context.Context, done int) (task.State, error) {
	child := s.node.Child(done)
	rc, _ := child.ReturnCode()
	s.node.SetReturnCode(rc)
	if rc != 0 {
		return task.StateTerminated, nil
	}
	if child.IsStopped() {
		return task.StateTerminated, nil
	}

	s.logger.Info("step is done", log.StepKey, s.desc.Steps[done].Name)
	if done+1 >= len(s.steps) {
		return task.StateTerminated, nil
	}

	if s.env.WaitTime > 0 {
		s.logger.Debug("waiting before step transition", "wait", s.env.WaitTime)
		select {
		case <-ctx.Done():
			return task.StateStopped, ctx.Err()
		case <-time.After(s.env.WaitTime):
		}
	}

	s.logger.Info("transition to next step",
		log.StepKey, s.desc.Steps[done+1].Name, "position", done+2, "of", len(s.steps))
	if err := s.UpdateStep(done + 1); err != nil {
		return task.StateTerminated, err
	}
	return task.StateRunning, nil
}
