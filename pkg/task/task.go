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

// Package task defines the in-memory representation of the hierarchical
// task tree: leaf jobs executed on the cluster and the collections that
// compose them into phases, steps, stages and workflows.
package task

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/tessellab/mosaic/pkg/errors"
)

// State represents the execution state of a task.
// States progress monotonically NEW -> SUBMITTED -> RUNNING and end in
// either STOPPED or TERMINATED.
type State string

const (
	// StateNew marks a task that has not been handed to the engine yet.
	StateNew State = "NEW"
	// StateSubmitted marks a task accepted by the cluster but not running.
	StateSubmitted State = "SUBMITTED"
	// StateRunning marks a task currently executing.
	StateRunning State = "RUNNING"
	// StateStopped marks a task halted by cancellation.
	StateStopped State = "STOPPED"
	// StateTerminated marks a task that finished, successfully or not.
	StateTerminated State = "TERMINATED"
)

// IsValid reports whether the state is one of the defined states.
func (s State) IsValid() bool {
	switch s {
	case StateNew, StateSubmitted, StateRunning, StateStopped, StateTerminated:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateStopped
}

// Kind tags the concrete subtype of a task. The tag is persisted and
// used to reconstruct the tree shape when loading from the store.
type Kind string

const (
	// KindInitJob is the single job of a step's init phase.
	KindInitJob Kind = "InitJob"
	// KindRunJob is one parallel job of a step's run phase.
	KindRunJob Kind = "RunJob"
	// KindCollectJob is the single job of a step's collect phase.
	KindCollectJob Kind = "CollectJob"
	// KindRunJobCollection is a parallel collection of run jobs.
	KindRunJobCollection Kind = "RunJobCollection"
	// KindMultiRunJobCollection sequences several run job collections,
	// used by steps with multiple parallel sub-phases.
	KindMultiRunJobCollection Kind = "MultiRunJobCollection"
	// KindStep is the sequential composition of a step's phases.
	KindStep Kind = "WorkflowStep"
	// KindSequentialStage processes its steps one after another.
	KindSequentialStage Kind = "SequentialStage"
	// KindParallelStage processes all its steps concurrently.
	KindParallelStage Kind = "ParallelStage"
	// KindWorkflow is the root of a submission's task tree.
	KindWorkflow Kind = "Workflow"
)

// IsCollection reports whether tasks of this kind own children.
func (k Kind) IsCollection() bool {
	switch k {
	case KindRunJobCollection, KindMultiRunJobCollection, KindStep,
		KindSequentialStage, KindParallelStage, KindWorkflow:
		return true
	}
	return false
}

// IsSequential reports whether a collection of this kind processes its
// children strictly in order. Parallel collections progress all children
// at once.
func (k Kind) IsSequential() bool {
	switch k {
	case KindMultiRunJobCollection, KindStep, KindSequentialStage, KindWorkflow:
		return true
	}
	return false
}

// IsValid reports whether the kind is one of the defined subtype tags.
func (k Kind) IsValid() bool {
	switch k {
	case KindInitJob, KindRunJob, KindCollectJob, KindRunJobCollection,
		KindMultiRunJobCollection, KindStep, KindSequentialStage,
		KindParallelStage, KindWorkflow:
		return true
	}
	return false
}

// Execution is the mutable execution record of a task: current state,
// return code and resource accounting reported by the engine.
type Execution struct {
	// State is the current lifecycle state.
	State State

	// ExitCode is the return code; nil while the task has not terminated.
	// Zero means success.
	ExitCode *int

	// MemoryMB is the maximum resident memory used, in megabytes.
	MemoryMB int64

	// CPUTime is the consumed CPU time.
	CPUTime time.Duration

	// Walltime is the wall-clock duration of the execution.
	Walltime time.Duration
}

// Succeeded reports whether the task terminated with return code zero.
func (e Execution) Succeeded() bool {
	return e.State == StateTerminated && e.ExitCode != nil && *e.ExitCode == 0
}

// Resources is the immutable resource request attached to a leaf job
// before it is added to the engine.
type Resources struct {
	// Duration is the requested walltime.
	Duration time.Duration

	// MemoryMB is the requested memory in megabytes.
	MemoryMB int

	// Cores is the requested number of CPU cores.
	Cores int
}

// Validate checks the request against the scheduler's constraints.
func (r Resources) Validate() error {
	if r.Cores < 1 {
		return &errors.DescriptionError{
			Field:      "cores",
			Message:    fmt.Sprintf("must be a positive integer, got %d", r.Cores),
			Suggestion: "request at least one core",
		}
	}
	if r.MemoryMB <= 0 {
		return &errors.DescriptionError{
			Field:      "memory",
			Message:    fmt.Sprintf("must be a positive number of megabytes, got %d", r.MemoryMB),
			Suggestion: "request the per-job peak memory in MB",
		}
	}
	if r.Duration <= 0 {
		return &errors.DescriptionError{
			Field:      "duration",
			Message:    "requested walltime must be positive",
			Suggestion: `use the "HH:MM:SS" format, e.g. "02:00:00"`,
		}
	}
	return nil
}

var walltimePattern = regexp.MustCompile(`^(\d{2,}):([0-5]\d):([0-5]\d)$`)

// ParseDuration parses a walltime request in "HH:MM:SS" format.
func ParseDuration(s string) (time.Duration, error) {
	m := walltimePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, &errors.DescriptionError{
			Field:      "duration",
			Message:    fmt.Sprintf("%q is not a valid walltime", s),
			Suggestion: `use the "HH:MM:SS" format, e.g. "02:00:00"`,
		}
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])
	return time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute +
		time.Duration(secs)*time.Second, nil
}

// FormatDuration renders a duration in the "HH:MM:SS" walltime format.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
