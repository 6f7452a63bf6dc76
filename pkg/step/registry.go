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
	"fmt"
	"sort"
	"sync"

	"github.com/tessellab/mosaic/pkg/errors"
)

// The registry maps description names to step implementations. It is
// populated at program start via compile-time registration and not
// mutated afterwards.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Descriptor)
)

// Register adds a step descriptor to the registry. It is intended to be
// called from an init function of the implementing package and panics
// on duplicate or invalid registrations.
func Register(desc Descriptor) {
	if desc.Name == "" {
		panic("step: Register called with empty name")
	}
	if desc.New == nil {
		panic(fmt.Sprintf("step: Register(%q) has no constructor", desc.Name))
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[desc.Name]; exists {
		panic(fmt.Sprintf("step: Register(%q) called twice", desc.Name))
	}
	registry[desc.Name] = desc
}

// Lookup returns the descriptor registered under the given name.
func Lookup(name string) (Descriptor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	desc, ok := registry[name]
	if !ok {
		return Descriptor{}, &errors.NotFoundError{Resource: "step", ID: name}
	}
	return desc, nil
}

// Names returns the sorted names of all registered steps.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
