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

// Package workflow assembles user-described pipelines into a task tree
// and drives its phase, step and stage transitions.
package workflow

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"

	"github.com/tessellab/mosaic/pkg/errors"
	"github.com/tessellab/mosaic/pkg/step"
	"github.com/tessellab/mosaic/pkg/task"
)

// Stage processing modes.
const (
	// ModeSequential processes a stage's steps one after another.
	ModeSequential = "sequential"
	// ModeParallel processes all of a stage's steps concurrently.
	ModeParallel = "parallel"
)

// Description is the user-provided specification of a workflow,
// typically loaded from YAML at submission time.
type Description struct {
	// Type names the workflow flavor (e.g. "canonical").
	Type string `yaml:"type"`

	// Stages are processed sequentially in declaration order.
	Stages []StageDescription `yaml:"stages"`
}

// StageDescription describes one stage of a workflow.
type StageDescription struct {
	// Name identifies the stage, e.g. for resubmission.
	Name string `yaml:"name"`

	// Active deactivates the stage when false. Defaults to true.
	Active *bool `yaml:"active"`

	// When optionally deactivates the stage through an expression
	// evaluated against the submission environment.
	When string `yaml:"when,omitempty"`

	// Mode is "sequential" or "parallel".
	Mode string `yaml:"mode"`

	// Steps are the stage's steps in declaration order.
	Steps []StepDescription `yaml:"steps"`
}

// IsActive reports whether the stage participates in the submission.
func (d StageDescription) IsActive() bool {
	return d.Active == nil || *d.Active
}

// StepDescription describes one step of a stage.
type StepDescription struct {
	// Name is the step's registry name.
	Name string `yaml:"name"`

	// Active deactivates the step when false. Defaults to true.
	Active *bool `yaml:"active"`

	// When optionally deactivates the step through an expression
	// evaluated against the submission environment.
	When string `yaml:"when,omitempty"`

	// BatchArgs are the knobs exposed to the step's init phase.
	BatchArgs map[string]any `yaml:"batch_args"`

	// SubmissionArgs carry the resource requests for the run phase.
	SubmissionArgs step.SubmissionArgs `yaml:"submission_args"`

	// ExtraArgs are additional phase-independent knobs.
	ExtraArgs map[string]any `yaml:"extra_args"`
}

// IsActive reports whether the step participates in the submission.
func (d StepDescription) IsActive() bool {
	return d.Active == nil || *d.Active
}

// ParseDescription decodes a workflow description from YAML.
func ParseDescription(data []byte) (Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Description{}, &errors.DescriptionError{
			Message:    fmt.Sprintf("cannot parse YAML: %v", err),
			Suggestion: "check the description file syntax",
		}
	}
	return d, nil
}

// LoadDescription reads and decodes a workflow description file.
func LoadDescription(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, &errors.DescriptionError{
			Message: fmt.Sprintf("cannot read description file %s: %v", path, err),
		}
	}
	return ParseDescription(data)
}

// Validate checks the description against the step registry: stage
// modes, resource requests, argument keys and activation expressions.
// It is called synchronously at submit time, before a submission is
// created.
func (d Description) Validate() error {
	if len(d.Stages) == 0 {
		return &errors.DescriptionError{
			Field:   "stages",
			Message: "no stages defined",
		}
	}

	stageNames := make(map[string]bool, len(d.Stages))
	for i, stage := range d.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		if stage.Name == "" {
			return &errors.DescriptionError{Field: field + ".name", Message: "stage name is required"}
		}
		if stageNames[stage.Name] {
			return &errors.DescriptionError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate stage name %q", stage.Name),
			}
		}
		stageNames[stage.Name] = true

		if stage.Mode != ModeSequential && stage.Mode != ModeParallel {
			return &errors.DescriptionError{
				Field:      field + ".mode",
				Message:    fmt.Sprintf("unknown mode %q", stage.Mode),
				Suggestion: `use "sequential" or "parallel"`,
			}
		}
		if err := validateWhen(stage.When, field+".when"); err != nil {
			return err
		}

		for j, sd := range stage.Steps {
			if err := validateStepDescription(sd, fmt.Sprintf("%s.steps[%d]", field, j)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStepDescription(sd StepDescription, field string) error {
	if sd.Name == "" {
		return &errors.DescriptionError{Field: field + ".name", Message: "step name is required"}
	}

	desc, err := step.Lookup(sd.Name)
	if err != nil {
		return &errors.DescriptionError{
			Field:      field + ".name",
			Message:    fmt.Sprintf("unknown step %q", sd.Name),
			Suggestion: fmt.Sprintf("registered steps: %v", step.Names()),
		}
	}

	if err := desc.BatchArgs.Validate(step.Args(sd.BatchArgs)); err != nil {
		return prefixDescriptionError(err, field+".batch_args")
	}
	if err := desc.ExtraArgs.Validate(step.Args(sd.ExtraArgs)); err != nil {
		return prefixDescriptionError(err, field+".extra_args")
	}

	merged := sd.SubmissionArgs.Merge(desc.DefaultSubmission)
	if _, err := merged.Resources(); err != nil {
		return prefixDescriptionError(err, field+".submission_args")
	}

	return validateWhen(sd.When, field+".when")
}

func validateWhen(code, field string) error {
	if code == "" {
		return nil
	}
	if _, err := expr.Compile(code, expr.AsBool()); err != nil {
		return &errors.DescriptionError{
			Field:      field,
			Message:    fmt.Sprintf("invalid activation expression: %v", err),
			Suggestion: `the expression must evaluate to a boolean, e.g. "experiment == 12"`,
		}
	}
	return nil
}

func prefixDescriptionError(err error, prefix string) error {
	var descErr *errors.DescriptionError
	if errors.As(err, &descErr) {
		scoped := *descErr
		if scoped.Field != "" {
			scoped.Field = prefix + "." + scoped.Field
		} else {
			scoped.Field = prefix
		}
		return &scoped
	}
	return err
}

// Activation is the environment activation expressions are evaluated
// against.
type Activation struct {
	// ExperimentID identifies the processed experiment.
	ExperimentID int64

	// Program is the submitting program name.
	Program string

	// UserName is the submitting user.
	UserName string
}

func (a Activation) env() map[string]any {
	return map[string]any{
		"experiment": a.ExperimentID,
		"program":    a.Program,
		"user":       a.UserName,
	}
}

// Filter returns a deep copy of the description with inactive stages
// and steps removed. The filtered copy is authoritative for the rest of
// the submission. An explicit active=false always wins; otherwise a
// false `when` expression deactivates.
func (d Description) Filter(act Activation) (Description, error) {
	out := Description{Type: d.Type}
	for i, stage := range d.Stages {
		active, err := isActive(stage.IsActive(), stage.When, act,
			fmt.Sprintf("stages[%d].when", i))
		if err != nil {
			return Description{}, err
		}
		if !active {
			continue
		}

		filtered := stage.DeepCopy()
		filtered.Steps = nil
		for j, sd := range stage.Steps {
			stepActive, err := isActive(sd.IsActive(), sd.When, act,
				fmt.Sprintf("stages[%d].steps[%d].when", i, j))
			if err != nil {
				return Description{}, err
			}
			if stepActive {
				filtered.Steps = append(filtered.Steps, sd.DeepCopy())
			}
		}
		out.Stages = append(out.Stages, filtered)
	}
	return out, nil
}

func isActive(active bool, when string, act Activation, field string) (bool, error) {
	if !active {
		return false, nil
	}
	if when == "" {
		return true, nil
	}
	prog, err := expr.Compile(when, expr.AsBool())
	if err != nil {
		return false, &errors.DescriptionError{
			Field:   field,
			Message: fmt.Sprintf("invalid activation expression: %v", err),
		}
	}
	result, err := expr.Run(prog, act.env())
	if err != nil {
		return false, &errors.DescriptionError{
			Field:   field,
			Message: fmt.Sprintf("activation expression failed: %v", err),
		}
	}
	return result.(bool), nil
}

// Activate returns a deep copy with every stage and step forced active,
// used by submit --force.
func (d Description) Activate() Description {
	out := d.DeepCopy()
	active := true
	for i := range out.Stages {
		out.Stages[i].Active = &active
		for j := range out.Stages[i].Steps {
			out.Stages[i].Steps[j].Active = &active
		}
	}
	return out
}

// StageIndex returns the position of the named stage, or an error when
// the description has no such stage.
func (d Description) StageIndex(name string) (int, error) {
	for i, stage := range d.Stages {
		if stage.Name == name {
			return i, nil
		}
	}
	return 0, &errors.DescriptionError{
		Field:   "stage",
		Message: fmt.Sprintf("unknown stage %q", name),
	}
}

// DeepCopy returns a description sharing no mutable state with the
// receiver.
func (d Description) DeepCopy() Description {
	out := Description{Type: d.Type}
	for _, stage := range d.Stages {
		out.Stages = append(out.Stages, stage.DeepCopy())
	}
	return out
}

// DeepCopy returns a stage description sharing no mutable state with
// the receiver.
func (d StageDescription) DeepCopy() StageDescription {
	out := d
	out.Active = copyBool(d.Active)
	out.Steps = nil
	for _, sd := range d.Steps {
		out.Steps = append(out.Steps, sd.DeepCopy())
	}
	return out
}

// DeepCopy returns a step description sharing no mutable state with the
// receiver.
func (d StepDescription) DeepCopy() StepDescription {
	out := d
	out.Active = copyBool(d.Active)
	out.BatchArgs = copyMap(d.BatchArgs)
	out.ExtraArgs = copyMap(d.ExtraArgs)
	out.SubmissionArgs.MemoryMB = copyInt(d.SubmissionArgs.MemoryMB)
	out.SubmissionArgs.Cores = copyInt(d.SubmissionArgs.Cores)
	return out
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergedResources resolves the effective resource request of a step's
// run jobs: description values override the step's registered defaults.
func mergedResources(sd StepDescription, desc step.Descriptor) (task.Resources, error) {
	return sd.SubmissionArgs.Merge(desc.DefaultSubmission).Resources()
}
