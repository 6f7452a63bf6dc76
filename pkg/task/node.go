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

package task

import (
	"context"
	"fmt"
)

// RunFunc is the payload executed by the engine for a leaf job. The
// payload owns its log capture; the engine only observes the returned
// error. Return an *ExitError to report a specific exit code.
type RunFunc func(ctx context.Context) error

// ExitError reports a job failure with a specific exit code.
type ExitError struct {
	// Code is the non-zero exit code.
	Code int

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Unwrap returns the underlying failure.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// Transitioner decides how a sequential collection progresses once the
// child at the given index has terminated. Implementations populate
// dynamically built children (e.g. the run phase after init) before the
// engine advances. Returning StateRunning advances to the next child;
// returning StateTerminated finishes the collection.
type Transitioner interface {
	Next(ctx context.Context, done int) (State, error)
}

// Node is one task in the tree: either a leaf job with an executable
// payload, or a collection owning an ordered list of children.
// Parent/child links are in-memory only; persistence replaces them with
// id-based back-references.
type Node struct {
	// ID is the stable identity, assigned on first save. Zero means the
	// task has not been persisted yet.
	ID int64

	// Name is the human-readable task name used in logs and snapshots.
	Name string

	// Kind is the concrete subtype tag.
	Kind Kind

	// SubmissionID links the task to its owning submission.
	SubmissionID int64

	// JobID is the 1-based identifier of a run job within its
	// collection; zero for all other kinds.
	JobID int

	// Index distinguishes parallel sub-phases for steps that have
	// several run collections; -1 when unset.
	Index int

	// Execution is the mutable execution record.
	Execution Execution

	// Resources is the resource request for leaf jobs.
	Resources Resources

	// Payload is the executable body of a leaf job; nil for collections.
	Payload RunFunc

	// Transition is consulted by the engine when a sequential
	// collection's current child terminates; nil means plain in-order
	// advancement.
	Transition Transitioner

	children []*Node
	parent   *Node
	cursor   int
}

// NewJob returns a leaf task in state NEW with no identity.
func NewJob(kind Kind, name string, submissionID int64, payload RunFunc) *Node {
	return &Node{
		Name:         name,
		Kind:         kind,
		SubmissionID: submissionID,
		Index:        -1,
		Execution:    Execution{State: StateNew},
		Payload:      payload,
	}
}

// NewCollection returns an empty collection task in state NEW.
func NewCollection(kind Kind, name string, submissionID int64) *Node {
	return &Node{
		Name:         name,
		Kind:         kind,
		SubmissionID: submissionID,
		Index:        -1,
		Execution:    Execution{State: StateNew},
	}
}

// IsLeaf reports whether the node is an executable job.
func (n *Node) IsLeaf() bool {
	return !n.Kind.IsCollection()
}

// Parent returns the owning collection, or nil for the root.
func (n *Node) Parent() *Node {
	return n.parent
}

// Children returns the ordered child list. The returned slice must not
// be mutated; use AppendChild and ReplaceChild.
func (n *Node) Children() []*Node {
	return n.children
}

// Len returns the number of children.
func (n *Node) Len() int {
	return len(n.children)
}

// Child returns the child at the given 0-based ordinal.
func (n *Node) Child(i int) *Node {
	return n.children[i]
}

// AppendChild records a child with the next 0-based ordinal. Order is
// preserved across persistence.
func (n *Node) AppendChild(child *Node) error {
	if !n.Kind.IsCollection() {
		return fmt.Errorf("task %q (%s) cannot own children", n.Name, n.Kind)
	}
	child.parent = n
	n.children = append(n.children, child)
	return nil
}

// ReplaceChild swaps the child at the given ordinal, detaching the old
// child. Used to exchange an empty placeholder run collection for the
// populated one at the init -> run transition.
func (n *Node) ReplaceChild(i int, child *Node) error {
	if i < 0 || i >= len(n.children) {
		return fmt.Errorf("task %q has no child at ordinal %d", n.Name, i)
	}
	old := n.children[i]
	old.parent = nil
	child.parent = n
	child.ID = old.ID
	n.children[i] = child
	return nil
}

// Cursor returns the index of the child a sequential collection is
// currently processing.
func (n *Node) Cursor() int {
	return n.cursor
}

// SetCursor positions a sequential collection at the given child.
func (n *Node) SetCursor(i int) {
	n.cursor = i
}

// State returns the current execution state.
func (n *Node) State() State {
	return n.Execution.State
}

// SetState records a new execution state.
func (n *Node) SetState(s State) {
	n.Execution.State = s
}

// ReturnCode returns the exit code and whether one has been recorded.
func (n *Node) ReturnCode() (int, bool) {
	if n.Execution.ExitCode == nil {
		return 0, false
	}
	return *n.Execution.ExitCode, true
}

// SetReturnCode records the exit code.
func (n *Node) SetReturnCode(rc int) {
	n.Execution.ExitCode = &rc
}

// ClearReturnCode unsets the exit code, used when a task is reset for
// resubmission.
func (n *Node) ClearReturnCode() {
	n.Execution.ExitCode = nil
}

// IsTerminated reports whether the task is in state TERMINATED.
func (n *Node) IsTerminated() bool { return n.Execution.State == StateTerminated }

// IsRunning reports whether the task is in state RUNNING.
func (n *Node) IsRunning() bool { return n.Execution.State == StateRunning }

// IsStopped reports whether the task is in state STOPPED.
func (n *Node) IsStopped() bool { return n.Execution.State == StateStopped }

// IsSubmitted reports whether the task is in state SUBMITTED.
func (n *Node) IsSubmitted() bool { return n.Execution.State == StateSubmitted }

// IsNew reports whether the task is in state NEW.
func (n *Node) IsNew() bool { return n.Execution.State == StateNew }

// SetResources attaches the resource request of a leaf job. Requests
// must be set before the task is added to the engine and must not
// change afterwards.
func (n *Node) SetResources(r Resources) error {
	if err := r.Validate(); err != nil {
		return err
	}
	n.Resources = r
	return nil
}

// Walk visits the subtree in depth-first pre-order. Returning false
// from fn skips the node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.children {
		c.Walk(fn)
	}
}

// Find returns the descendant (or the node itself) with the given
// persistent id, or nil.
func (n *Node) Find(id int64) *Node {
	var found *Node
	n.Walk(func(c *Node) bool {
		if found != nil {
			return false
		}
		if c.ID == id {
			found = c
			return false
		}
		return true
	})
	return found
}

// RemoveChildren detaches every child, returning the collection to its
// freshly built shape. Used when a step is reinitialized for
// resubmission.
func (n *Node) RemoveChildren() {
	for _, c := range n.children {
		c.parent = nil
	}
	n.children = nil
	n.cursor = 0
}

// Reset returns the subtree to state NEW, clearing return codes and
// accounting, so the next engine tick resubmits it.
func (n *Node) Reset() {
	n.Walk(func(c *Node) bool {
		c.Execution = Execution{State: StateNew}
		c.cursor = 0
		return true
	})
}
