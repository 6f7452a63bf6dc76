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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tessellab/mosaic/internal/manager"
	"github.com/tessellab/mosaic/pkg/workflow"
)

// exitCodeError carries a process exit code through cobra's error
// return without printing a redundant message.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("workflow failed with return code %d", e.code)
}

// Code returns the process exit code.
func (e *exitCodeError) Code() int { return e.code }

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		experimentID       int64
		descriptionPath    string
		monitoringDepth    int
		monitoringInterval int
		force              bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a workflow and monitor it to completion",
		Long: `Submit expands the workflow description into a task tree, persists
it, hands it to the execution engine and monitors progress until the
workflow terminates. The exit code is zero iff the root task terminates
with return code zero.

An interrupt (Ctrl-C) kills the submitted jobs and waits until every
leaf reached a terminal state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := workflow.LoadDescription(descriptionPath)
			if err != nil {
				return err
			}

			_, st, mgr, _, err := setup(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, code, err := mgr.Submit(ctx, experimentID, desc, manager.Options{
				MonitoringDepth:    monitoringDepth,
				MonitoringInterval: time.Duration(monitoringInterval) * time.Second,
				Force:              force,
			})
			if err != nil && ctx.Err() == nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&experimentID, "experiment", "e", 0, "Experiment id (required)")
	cmd.Flags().StringVarP(&descriptionPath, "description", "d", "", "Workflow description YAML (required)")
	cmd.Flags().IntVar(&monitoringDepth, "monitoring-depth", 2, "Recursion depth for status reporting")
	cmd.Flags().IntVar(&monitoringInterval, "monitoring-interval", 10, "Seconds between monitoring iterations")
	cmd.Flags().BoolVar(&force, "force", false, "Submit inactive stages and steps anyway")
	cmd.MarkFlagRequired("experiment")
	cmd.MarkFlagRequired("description")

	return cmd
}
