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

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tessellab/mosaic/pkg/workflow"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <description.yaml>",
		Short: "Validate a workflow description without submitting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := workflow.LoadDescription(args[0])
			if err != nil {
				return err
			}
			if err := desc.Validate(); err != nil {
				return err
			}

			stages := len(desc.Stages)
			steps := 0
			for _, stage := range desc.Stages {
				steps += len(stage.Steps)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d stages, %d steps\n", args[0], stages, steps)
			return nil
		},
	}
}
