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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tessellab/mosaic/internal/manager"
	"github.com/tessellab/mosaic/pkg/workflow"
)

func newResubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		experimentID       int64
		descriptionPath    string
		stage              string
		monitoringDepth    int
		monitoringInterval int
	)

	cmd := &cobra.Command{
		Use:   "resubmit",
		Short: "Resume the previous workflow at a named stage",
		Long: `Resubmit reloads the task tree persisted by the most recent
submission for the experiment and re-executes it starting at the named
stage. Stages before the named one are not re-executed and keep their
identities and return codes.`,
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

			_, code, err := mgr.Resubmit(ctx, experimentID, desc, stage, manager.Options{
				MonitoringDepth:    monitoringDepth,
				MonitoringInterval: time.Duration(monitoringInterval) * time.Second,
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
	cmd.Flags().StringVarP(&stage, "stage", "s", "", "Stage to restart at (required)")
	cmd.Flags().IntVar(&monitoringDepth, "monitoring-depth", 2, "Recursion depth for status reporting")
	cmd.Flags().IntVar(&monitoringInterval, "monitoring-interval", 10, "Seconds between monitoring iterations")
	cmd.MarkFlagRequired("experiment")
	cmd.MarkFlagRequired("description")
	cmd.MarkFlagRequired("stage")

	return cmd
}
