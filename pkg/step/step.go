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

package step

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tessellab/mosaic/pkg/errors"
	"github.com/tessellab/mosaic/pkg/task"
)

// Args carries the user-supplied arguments of one step phase, as parsed
// from the workflow description.
type Args map[string]any

// Batches is the output of the init phase: the run fan-out plus the
// optional collect batch.
type Batches struct {
	// Run holds one batch per run job, ids 1..n.
	Run []Batch

	// Collect is the batch for the collect phase; nil when the step has
	// no collect phase.
	Collect *Batch
}

// Environment is the per-submission context handed to step
// implementations.
type Environment struct {
	// ExperimentID identifies the processed experiment.
	ExperimentID int64

	// WorkflowRoot is the directory all batch paths are relative to.
	WorkflowRoot string

	// Logger receives step-level log output.
	Logger *slog.Logger
}

// Interface is the contract between the scheduler and a step
// implementation. The scheduler never inspects step semantics beyond
// this interface; implementations are discovered through the registry.
type Interface interface {
	// CreateRunBatches derives the run fan-out (and the collect batch,
	// for steps that have a collect phase) from the user-supplied batch
	// arguments. Called by the init job after previous output has been
	// deleted.
	CreateRunBatches(ctx context.Context, ws *Workspace, args Args) (Batches, error)

	// RunJob executes one batch to completion on the worker node.
	// Implementations must be idempotent when assumeCleanState is false.
	RunJob(ctx context.Context, ws *Workspace, batch Batch, assumeCleanState bool) error

	// CollectJobOutput aggregates the run phase's results. Only called
	// for steps whose descriptor declares a collect phase.
	CollectJobOutput(ctx context.Context, ws *Workspace, batch Batch) error

	// DeletePreviousJobOutput removes persisted per-job artifacts so
	// re-runs start clean. Called by the init job before new batches
	// are written.
	DeletePreviousJobOutput(ctx context.Context, ws *Workspace) error
}

// SubmissionArgs are the user-facing resource knobs for the run phase
// of a step. Numeric fields are pointers so that an explicit zero in a
// description is rejected instead of silently replaced by the step's
// default.
type SubmissionArgs struct {
	// Duration is the requested walltime in "HH:MM:SS" format.
	Duration string `yaml:"duration" json:"duration"`

	// MemoryMB is the requested memory per job in megabytes.
	MemoryMB *int `yaml:"memory" json:"memory"`

	// Cores is the requested number of cores per job.
	Cores *int `yaml:"cores" json:"cores"`
}

// Submission builds a fully specified SubmissionArgs, used for step
// defaults and tests.
func Submission(duration string, memoryMB, cores int) SubmissionArgs {
	return SubmissionArgs{Duration: duration, MemoryMB: &memoryMB, Cores: &cores}
}

// Resources converts the submission arguments into a validated resource
// request.
func (a SubmissionArgs) Resources() (task.Resources, error) {
	d, err := task.ParseDuration(a.Duration)
	if err != nil {
		return task.Resources{}, err
	}
	r := task.Resources{Duration: d}
	if a.MemoryMB != nil {
		r.MemoryMB = *a.MemoryMB
	}
	if a.Cores != nil {
		r.Cores = *a.Cores
	}
	if err := r.Validate(); err != nil {
		return task.Resources{}, err
	}
	return r, nil
}

// Merge fills unset fields from the given defaults.
func (a SubmissionArgs) Merge(defaults SubmissionArgs) SubmissionArgs {
	if a.Duration == "" {
		a.Duration = defaults.Duration
	}
	if a.MemoryMB == nil {
		a.MemoryMB = defaults.MemoryMB
	}
	if a.Cores == nil {
		a.Cores = defaults.Cores
	}
	return a
}

// ArgSpec declares one argument a step accepts.
type ArgSpec struct {
	// Name is the argument key as it appears in the description.
	Name string

	// Type is one of "string", "int", "float", "bool".
	Type string

	// Required marks arguments without a usable default.
	Required bool

	// Default is applied when the description omits the argument.
	Default any

	// Help is a short description shown in validation errors.
	Help string
}

// ArgSpecs is the declared argument schema of a step phase.
type ArgSpecs []ArgSpec

// Validate checks user-supplied arguments against the schema: every key
// must be declared, required keys must be present, and values must have
// the declared type.
func (specs ArgSpecs) Validate(args Args) error {
	byName := make(map[string]ArgSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}

	for key, value := range args {
		spec, ok := byName[key]
		if !ok {
			return &errors.DescriptionError{
				Field:      key,
				Message:    "unknown argument",
				Suggestion: fmt.Sprintf("declared arguments: %s", specs.names()),
			}
		}
		if !typeMatches(spec.Type, value) {
			return &errors.DescriptionError{
				Field:   key,
				Message: fmt.Sprintf("expected %s, got %T", spec.Type, value),
			}
		}
	}

	for _, spec := range specs {
		if !spec.Required {
			continue
		}
		if _, ok := args[spec.Name]; !ok {
			return &errors.DescriptionError{
				Field:      spec.Name,
				Message:    "required argument missing",
				Suggestion: spec.Help,
			}
		}
	}
	return nil
}

// ApplyDefaults returns a copy of args with declared defaults filled in
// for omitted keys.
func (specs ArgSpecs) ApplyDefaults(args Args) Args {
	out := make(Args, len(args)+len(specs))
	for k, v := range args {
		out[k] = v
	}
	for _, spec := range specs {
		if _, ok := out[spec.Name]; !ok && spec.Default != nil {
			out[spec.Name] = spec.Default
		}
	}
	return out
}

func (specs ArgSpecs) names() string {
	if len(specs) == 0 {
		return "(none)"
	}
	s := ""
	for i, spec := range specs {
		if i > 0 {
			s += ", "
		}
		s += spec.Name
	}
	return s
}

func typeMatches(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "int":
		switch value.(type) {
		case int, int64:
			return true
		case float64:
			// YAML and JSON decoders may deliver whole numbers as floats.
			f := value.(float64)
			return f == float64(int64(f))
		}
		return false
	case "float":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := value.(bool)
		return ok
	}
	return false
}

// Int reads an integer argument, accepting the numeric types YAML and
// JSON decoders produce.
func (a Args) Int(key string, defaultVal int) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultVal
}

// String reads a string argument.
func (a Args) String(key, defaultVal string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return defaultVal
}

// Bool reads a boolean argument.
func (a Args) Bool(key string, defaultVal bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return defaultVal
}

// Descriptor describes a registered step implementation: its name, its
// argument schemas, whether it has a collect phase, and how to
// instantiate it.
type Descriptor struct {
	// Name is the registry key referenced by workflow descriptions.
	Name string

	// Description is a one-line summary for listings.
	Description string

	// HasCollect declares whether the step has a collect phase. The
	// step driver reads this to decide whether to create a collect job.
	HasCollect bool

	// BatchArgs is the schema of the arguments consumed by init.
	BatchArgs ArgSpecs

	// ExtraArgs is the schema of additional, phase-independent knobs.
	ExtraArgs ArgSpecs

	// DefaultSubmission provides resource defaults for the run phase.
	DefaultSubmission SubmissionArgs

	// New instantiates the step for one submission.
	New func(env Environment) Interface
}
