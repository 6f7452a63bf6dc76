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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tessellab/mosaic/internal/monitor"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var (
		experimentID int64
		depth        int
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the most recent submission",
		Long: `Status loads the persisted task tree of the experiment's most
recent submission and prints a recursive status snapshot. This is the
same query the HTTP status server serves to the UI.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, mgr, _, err := setup(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := mgr.Status(cmd.Context(), experimentID, depth)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			monitor.Render(cmd.OutOrStdout(), snap, false)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%.1f%% done (%d/%d jobs, %d failed)\n",
				snap.Percent(), snap.Done, snap.Total, snap.Failed)
			return nil
		},
	}

	cmd.Flags().Int64VarP(&experimentID, "experiment", "e", 0, "Experiment id (required)")
	cmd.Flags().IntVar(&depth, "depth", 2, "Recursion depth; 0 shows only the root")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the snapshot as JSON")
	cmd.MarkFlagRequired("experiment")

	return cmd
}
