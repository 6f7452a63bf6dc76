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

// Aggregate derives the state of a collection from its children.
//
// The rules, in order of precedence:
//   - no children: TERMINATED with return code 0 (an empty workflow
//     finishes immediately)
//   - any child STOPPED: STOPPED
//   - any child RUNNING: RUNNING
//   - any child SUBMITTED: SUBMITTED
//   - all children TERMINATED: TERMINATED, return code 0 if every child
//     succeeded, otherwise the first non-zero return code in child order
//   - all children NEW: NEW
//   - a mix of TERMINATED and NEW children: RUNNING (the collection is
//     partway through)
//
// The second return value is the derived exit code: for TERMINATED and
// STOPPED it is the first non-zero return code among the TERMINATED
// children in child order (0 if none); for every other state it is 0.
func Aggregate(children []*Node) (State, int) {
	if len(children) == 0 {
		return StateTerminated, 0
	}

	var (
		anyStopped   bool
		anyRunning   bool
		anySubmitted bool
		allNew       = true
		allDone      = true
		firstFailure int
	)

	for _, c := range children {
		switch c.State() {
		case StateStopped:
			anyStopped = true
		case StateRunning:
			anyRunning = true
		case StateSubmitted:
			anySubmitted = true
		}
		if c.State() != StateNew {
			allNew = false
		}
		if c.State() != StateTerminated {
			allDone = false
		} else if rc, ok := c.ReturnCode(); ok && rc != 0 && firstFailure == 0 {
			firstFailure = rc
		}
	}

	switch {
	case anyStopped:
		return StateStopped, firstFailure
	case anyRunning:
		return StateRunning, 0
	case anySubmitted:
		return StateSubmitted, 0
	case allDone:
		return StateTerminated, firstFailure
	case allNew:
		return StateNew, 0
	default:
		return StateRunning, 0
	}
}
