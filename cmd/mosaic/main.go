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

package main

import (
	"fmt"
	"os"

	"github.com/tessellab/mosaic/internal/commands"
	"github.com/tessellab/mosaic/pkg/errors"

	// Register the built-in steps.
	_ "github.com/tessellab/mosaic/pkg/steps/echo"
)

// Version information (injected via ldflags at build time).
var version = "dev"

func main() {
	cmd := commands.NewRootCommand(version)
	if err := cmd.Execute(); err != nil {
		var exitErr interface{ Code() int }
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitErr.Code())
		}
		fmt.Fprintf(os.Stderr, "mosaic: %v\n", err)
		os.Exit(1)
	}
}
