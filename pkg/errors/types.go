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

package errors

import "fmt"

// DescriptionError represents an invalid workflow description.
// Use this for unknown step names, bad stage modes, malformed durations
// or unrecognized argument keys. It is raised synchronously at submit
// time, before a submission is created.
type DescriptionError struct {
	// Field identifies the description field that failed validation
	// (e.g. "stages[0].mode", "steps[1].batch_args.threshold").
	Field string

	// Message is the human-readable error description.
	Message string

	// Suggestion provides actionable guidance for fixing the error.
	Suggestion string
}

// Error implements the error interface.
func (e *DescriptionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid workflow description at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid workflow description: %s", e.Message)
}

// TransitionError represents an impossible task-tree transition detected
// by a driver, such as populating the collect phase before the run phase
// or advancing a step without an init phase. It terminates the owning
// task with a non-zero return code.
type TransitionError struct {
	// Task is the name of the task whose transition failed.
	Task string

	// Message describes the violated transition rule.
	Message string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("invalid transition in task %q: %s", e.Task, e.Message)
	}
	return fmt.Sprintf("invalid transition: %s", e.Message)
}

// BatchError represents a missing, unreadable or empty job batch.
// It fails the individual leaf job; sequential parents abort via
// abort-on-error.
type BatchError struct {
	// Step is the name of the workflow step the batch belongs to.
	Step string

	// Path is the batch file involved, if any.
	Path string

	// Message describes what is wrong with the batch.
	Message string

	// Cause is the underlying error (e.g. a file read error).
	Cause error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	msg := fmt.Sprintf("batch error in step %q", e.Step)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BatchError) Unwrap() error {
	return e.Cause
}

// MetadataError represents step-specific preconditions violated by
// upstream metadata (e.g. a bit-depth mismatch discovered while parsing
// microscope image metadata). Treated identically to a leaf failure.
type MetadataError struct {
	// Step is the name of the workflow step that detected the problem.
	Step string

	// Message describes the violated precondition.
	Message string
}

// Error implements the error interface.
func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata error in step %q: %s", e.Step, e.Message)
}

// DataIntegrityError represents inconsistent or corrupt upstream data
// encountered during job execution.
type DataIntegrityError struct {
	// Step is the name of the workflow step that detected the problem.
	Step string

	// Message describes the inconsistency.
	Message string
}

// Error implements the error interface.
func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity error in step %q: %s", e.Step, e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "task", "submission", "step").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConsistencyError represents a persistence-level consistency violation,
// such as saving a task against a missing parent id. The caller must
// reload the affected subtree.
type ConsistencyError struct {
	// TaskID is the id of the task whose save failed.
	TaskID int64

	// Message describes the violated constraint.
	Message string

	// Cause is the underlying database error.
	Cause error
}

// Error implements the error interface.
func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency error for task %d: %s", e.TaskID, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConsistencyError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid
// config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g. "database.path").
	Key string

	// Reason explains what's wrong with the configuration.
	Reason string

	// Cause is the underlying error (e.g. file read error, parse error).
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
