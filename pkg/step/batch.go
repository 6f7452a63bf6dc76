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

// Package step defines the contract every workflow step implements and
// the on-disk batch and log file layout shared between the init, run
// and collect phases.
package step

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Batch is the description of one job, produced by the init phase and
// consumed by a run or collect job. Inputs and outputs map labels to
// file paths; step-specific fields travel in Extra and survive the JSON
// round trip unchanged.
//
// Paths are stored relative to the workflow root on disk and made
// absolute on read.
type Batch struct {
	// ID is the 1-based job identifier, unique within the phase.
	// Collect batches carry no id.
	ID int

	// Inputs maps labels to the files the job reads.
	Inputs map[string][]string

	// Outputs maps labels to the files the job produces.
	Outputs map[string][]string

	// Extra holds arbitrary step-specific fields.
	Extra map[string]any
}

// MarshalJSON flattens Extra into the top-level object. The id is
// omitted when zero (collect batches).
func (b Batch) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(b.Extra)+3)
	for k, v := range b.Extra {
		obj[k] = v
	}
	if b.ID != 0 {
		obj["id"] = b.ID
	}
	obj["inputs"] = emptyIfNil(b.Inputs)
	obj["outputs"] = emptyIfNil(b.Outputs)
	return json.Marshal(obj)
}

// UnmarshalJSON splits the known fields from the step-specific ones.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	*b = Batch{Inputs: map[string][]string{}, Outputs: map[string][]string{}}
	for k, raw := range obj {
		switch k {
		case "id":
			if err := json.Unmarshal(raw, &b.ID); err != nil {
				return fmt.Errorf("batch field %q: %w", k, err)
			}
		case "inputs":
			if err := json.Unmarshal(raw, &b.Inputs); err != nil {
				return fmt.Errorf("batch field %q: %w", k, err)
			}
		case "outputs":
			if err := json.Unmarshal(raw, &b.Outputs); err != nil {
				return fmt.Errorf("batch field %q: %w", k, err)
			}
		default:
			if b.Extra == nil {
				b.Extra = make(map[string]any)
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("batch field %q: %w", k, err)
			}
			b.Extra[k] = v
		}
	}
	return nil
}

// makeRelative returns a copy of the batch with all input and output
// paths relativized against the workflow root. Paths outside the root
// are rejected.
func (b Batch) makeRelative(root string) (Batch, error) {
	return b.mapPaths(func(p string) (string, error) {
		if !filepath.IsAbs(p) {
			return p, nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q is outside the workflow root %q", p, root)
		}
		return rel, nil
	})
}

// makeAbsolute returns a copy of the batch with all input and output
// paths joined onto the workflow root.
func (b Batch) makeAbsolute(root string) (Batch, error) {
	return b.mapPaths(func(p string) (string, error) {
		if filepath.IsAbs(p) {
			return p, nil
		}
		return filepath.Join(root, p), nil
	})
}

func (b Batch) mapPaths(fn func(string) (string, error)) (Batch, error) {
	out := b
	var err error
	if out.Inputs, err = mapPathValues(b.Inputs, fn); err != nil {
		return Batch{}, err
	}
	if out.Outputs, err = mapPathValues(b.Outputs, fn); err != nil {
		return Batch{}, err
	}
	return out, nil
}

func mapPathValues(m map[string][]string, fn func(string) (string, error)) (map[string][]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string][]string, len(m))
	for label, paths := range m {
		mapped := make([]string, len(paths))
		for i, p := range paths {
			v, err := fn(p)
			if err != nil {
				return nil, fmt.Errorf("label %q: %w", label, err)
			}
			mapped[i] = v
		}
		out[label] = mapped
	}
	return out, nil
}

func emptyIfNil(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}

// AllPaths returns every input and output path of the batch, sorted,
// for reporting and cleanup.
func (b Batch) AllPaths() []string {
	var paths []string
	for _, v := range b.Inputs {
		paths = append(paths, v...)
	}
	for _, v := range b.Outputs {
		paths = append(paths, v...)
	}
	sort.Strings(paths)
	return paths
}
