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

// Package monitor drives the engine until the task tree reaches a
// terminal state, reporting aggregated progress along the way.
package monitor

import (
	"time"

	"github.com/tessellab/mosaic/pkg/task"
)

// Snapshot is one node of a recursive status tree: the task's own
// execution record plus leaf counts aggregated bottom-up. Depth
// truncation drops the Children of deeper subtrees but keeps their
// counts.
type Snapshot struct {
	// Name is the task name.
	Name string `json:"name"`

	// Type is the task's subtype tag.
	Type string `json:"type"`

	// State is the current lifecycle state.
	State string `json:"state"`

	// ExitCode is the return code, if recorded.
	ExitCode *int `json:"exitcode,omitempty"`

	// MemoryMB is the maximum used memory in megabytes.
	MemoryMB int64 `json:"memory"`

	// CPUTime is the consumed CPU time.
	CPUTime time.Duration `json:"cpu_time"`

	// Walltime is the wall-clock execution time.
	Walltime time.Duration `json:"time"`

	// Done counts terminated leaves in the subtree.
	Done int `json:"done"`

	// Total counts all leaves in the subtree.
	Total int `json:"total"`

	// Failed counts terminated leaves with a non-zero return code.
	Failed int `json:"failed"`

	// Children are the direct children, absent beyond the monitoring
	// depth.
	Children []*Snapshot `json:"children,omitempty"`
}

// Percent returns the completed fraction of the subtree's leaves.
func (s *Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Done) / float64(s.Total) * 100
}

// FromTask builds a status snapshot of the subtree, truncated at the
// given depth. Depth 0 keeps only the root node; a negative depth keeps
// the whole tree.
func FromTask(n *task.Node, depth int) *Snapshot {
	s := &Snapshot{
		Name:     n.Name,
		Type:     string(n.Kind),
		State:    string(n.State()),
		MemoryMB: n.Execution.MemoryMB,
		CPUTime:  n.Execution.CPUTime,
		Walltime: n.Execution.Walltime,
	}
	if rc, ok := n.ReturnCode(); ok {
		code := rc
		s.ExitCode = &code
	}

	if n.IsLeaf() {
		s.Total = 1
		if n.IsTerminated() {
			s.Done = 1
			if rc, ok := n.ReturnCode(); ok && rc != 0 {
				s.Failed = 1
			}
		}
		return s
	}

	for _, child := range n.Children() {
		cs := FromTask(child, depth-1)
		s.Done += cs.Done
		s.Total += cs.Total
		s.Failed += cs.Failed
		if depth != 0 {
			s.Children = append(s.Children, cs)
		}
	}
	return s
}

// FailedLeaves returns every leaf of the tree that terminated with a
// non-zero return code, in tree order.
func FailedLeaves(n *task.Node) []*task.Node {
	var failed []*task.Node
	n.Walk(func(c *task.Node) bool {
		if !c.IsLeaf() {
			return true
		}
		if rc, ok := c.ReturnCode(); ok && rc != 0 && c.IsTerminated() {
			failed = append(failed, c)
		}
		return true
	})
	return failed
}

// LeafContext locates a failed leaf within its step for log lookup.
type LeafContext struct {
	// StepName is the owning step's registry name.
	StepName string

	// Phase is "init", "run" or "collect".
	Phase string

	// JobID is the 1-based run job id; zero for init and collect.
	JobID int
}

// ContextOf derives the leaf's step and phase from its position in the
// tree.
func ContextOf(leaf *task.Node) LeafContext {
	lc := LeafContext{}
	switch leaf.Kind {
	case task.KindInitJob:
		lc.Phase = "init"
	case task.KindCollectJob:
		lc.Phase = "collect"
	case task.KindRunJob:
		lc.Phase = "run"
		lc.JobID = leaf.JobID
	}
	for p := leaf.Parent(); p != nil; p = p.Parent() {
		if p.Kind == task.KindStep {
			lc.StepName = p.Name
			break
		}
	}
	return lc
}
