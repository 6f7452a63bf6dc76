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
	"fmt"

	"github.com/tessellab/mosaic/pkg/task"
)

// Restore rebuilds a workflow driver around a task tree loaded from the
// store, so a previous submission can be resumed. The description is
// filtered like at first submission; persisted identities, states and
// return codes are adopted wherever the saved tree aligns with the
// description by position and name. Stages that are to be re-executed
// are reinitialized afterwards via UpdateStage and reset through the
// engine's redo.
func Restore(env Environment, desc Description, saved *task.Node) (*Workflow, error) {
	if saved == nil || saved.Kind != task.KindWorkflow {
		return nil, fmt.Errorf("saved task tree has no workflow root")
	}

	w, err := build(env, desc)
	if err != nil {
		return nil, err
	}

	adoptExecution(w.node, saved)
	for i, stage := range w.stages {
		if i >= saved.Len() {
			break
		}
		savedStage := saved.Child(i)
		if savedStage.Name != stage.Name() {
			// The description changed since the saved run; states from
			// here on cannot be trusted to align.
			break
		}
		if err := stage.adopt(savedStage); err != nil {
			return nil, err
		}
	}
	w.node.SetCursor(deriveCursor(w.node))
	return w, nil
}

// adopt copies the persisted identity and execution record of a stage
// and its steps onto the freshly built drivers.
func (s *Stage) adopt(saved *task.Node) error {
	adoptExecution(s.node, saved)
	for i, st := range s.steps {
		if i >= saved.Len() {
			break
		}
		savedStep := saved.Child(i)
		if savedStep.Name != st.Name() {
			break
		}
		if err := st.adopt(savedStep); err != nil {
			return err
		}
	}
	if s.IsSequential() {
		s.node.SetCursor(deriveCursor(s.node))
	}
	return nil
}

// adopt rebuilds a step's phases in the shape the saved tree recorded:
// the init job, the run fan-out that init produced, and the collect
// job. Run job payloads are reattached from the batch files still on
// disk.
func (s *Step) adopt(saved *task.Node) error {
	if saved.Len() == 0 {
		// The step was never initialized in the saved run.
		adoptExecution(s.node, saved)
		return nil
	}

	if err := s.Initialize(); err != nil {
		return err
	}
	adoptExecution(s.node, saved)
	adoptExecution(s.node.Child(phaseInit), saved.Child(phaseInit))

	if saved.Len() > phaseRun {
		savedRun := saved.Child(phaseRun)
		if savedRun.Len() > 0 {
			if err := s.rebuildRunPhase(savedRun); err != nil {
				return err
			}
		}
		adoptExecution(s.node.Child(phaseRun), savedRun)
	}
	if s.descriptor.HasCollect && saved.Len() > phaseCollect {
		adoptExecution(s.node.Child(phaseCollect), saved.Child(phaseCollect))
	}

	s.node.SetCursor(deriveCursor(s.node))
	return nil
}

// rebuildRunPhase recreates the run jobs recorded in the saved tree,
// reattaching payloads by job id.
func (s *Step) rebuildRunPhase(savedRun *task.Node) error {
	resources, err := mergedResources(s.desc, s.descriptor)
	if err != nil {
		return err
	}

	runPhase := task.NewCollection(task.KindRunJobCollection, s.name+"_run", s.env.SubmissionID)
	for _, savedJob := range savedRun.Children() {
		job := task.NewJob(task.KindRunJob, savedJob.Name, s.env.SubmissionID,
			s.runPayload(savedJob.JobID))
		job.JobID = savedJob.JobID
		job.Index = savedJob.Index
		if err := job.SetResources(resources); err != nil {
			return err
		}
		adoptExecution(job, savedJob)
		if err := runPhase.AppendChild(job); err != nil {
			return err
		}
	}
	if err := s.node.ReplaceChild(phaseRun, runPhase); err != nil {
		return err
	}
	runPhase.SetCursor(deriveCursor(runPhase))
	return nil
}

func adoptExecution(fresh, saved *task.Node) {
	fresh.ID = saved.ID
	fresh.Execution = saved.Execution
}

// deriveCursor positions a sequential collection at the first child
// that has not terminated successfully. The cursor is not persisted; it
// is recomputed from the children's states on restore.
func deriveCursor(n *task.Node) int {
	for i, c := range n.Children() {
		if !c.Execution.Succeeded() {
			return i
		}
	}
	return n.Len()
}
