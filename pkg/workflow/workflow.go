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
	"github.com/tessellab/mosaic/pkg/task"
)

// Workflow is the root driver: the sequential composition of a
// pipeline's stages, dynamically assembled from the user description.
type Workflow struct {
	node   *task.Node
	desc   Description
	stages []*Stage
	env    Environment
	logger *slog.Logger
}

// New assembles a workflow from a description. The description is
// validated, deep-copied and stripped of inactive stages and steps; the
// filtered copy is authoritative for the rest of the submission. All
// stages are built up front, but only the first stage is started before
// the first engine tick (its first step, or every step when the stage is
// parallel); later stages advance lazily through Next.
func New(env Environment, desc Description) (*Workflow, error) {
	w, err := build(env, desc)
	if err != nil {
		return nil, err
	}
	if len(w.stages) > 0 {
		if err := w.UpdateStage(0); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// build assembles the driver tree without initializing any stage. Used
// by New and by Restore, which initializes the resumed stage instead of
// the first one.
func build(env Environment, desc Description) (*Workflow, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	filtered, err := desc.Filter(env.activation())
	if err != nil {
		return nil, err
	}

	name := env.ExperimentName
	if name == "" {
		name = "workflow"
	}
	w := &Workflow{
		node:   task.NewCollection(task.KindWorkflow, name, env.SubmissionID),
		desc:   filtered,
		env:    env,
		logger: env.logger().With("workflow", name),
	}

	for _, sd := range filtered.Stages {
		stage, err := newStage(env, sd)
		if err != nil {
			return nil, err
		}
		if err := w.node.AppendChild(stage.Node()); err != nil {
			return nil, err
		}
		w.stages = append(w.stages, stage)
	}

	w.node.Transition = w
	return w, nil
}

// Node returns the workflow's root task.
func (w *Workflow) Node() *task.Node {
	return w.node
}

// Description returns the filtered description driving this workflow.
func (w *Workflow) Description() Description {
	return w.desc
}

// Environment returns the submission environment the workflow was
// assembled with.
func (w *Workflow) Environment() Environment {
	return w.env
}

// Stages returns the stage drivers in processing order.
func (w *Workflow) Stages() []*Stage {
	return w.stages
}

// StageIndex returns the position of the named stage in the filtered
// description.
func (w *Workflow) StageIndex(name string) (int, error) {
	return w.desc.StageIndex(name)
}

// UpdateStage (re)initializes the indexed stage: its first step for
// sequential stages, every step for parallel ones.
func (w *Workflow) UpdateStage(index int) error {
	stage := w.stages[index]
	w.logger.Info("update stage", log.StageKey, stage.Name(), "position", index)
	return stage.Start()
}

// Next progresses the workflow to the stage after the one at the given
// ordinal. Any non-zero return code terminates the workflow with that
// code (abort-on-error); a stopped stage terminates it as well.
func (w *Workflow) Next(ctx context.Context, done int) (task.State, error) {
	child := w.node.Child(done)
	rc, _ := child.ReturnCode()
	w.node.SetReturnCode(rc)
	if rc != 0 {
		return task.StateTerminated, nil
	}
	if child.IsStopped() {
		return task.StateTerminated, nil
	}

	w.logger.Info("stage is done", log.StageKey, w.desc.Stages[done].Name)
	if done+1 >= len(w.stages) {
		return task.StateTerminated, nil
	}

	if w.env.WaitTime > 0 {
		w.logger.Debug("waiting before stage transition", "wait", w.env.WaitTime)
		select {
		case <-ctx.Done():
			return task.StateStopped, ctx.Err()
		case <-time.After(w.env.WaitTime):
		}
	}

	w.logger.Info("transition to next stage",
		log.StageKey, w.desc.Stages[done+1].Name, "position", done+2, "of", len(w.stages))
	if err := w.UpdateStage(done + 1); err != nil {
		return task.StateTerminated, err
	}
	return task.StateRunning, nil
}
