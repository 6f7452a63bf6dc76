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

// Package commands implements the mosaic command line interface.
package commands

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tessellab/mosaic/internal/config"
	"github.com/tessellab/mosaic/internal/engine"
	"github.com/tessellab/mosaic/internal/log"
	"github.com/tessellab/mosaic/internal/manager"
	"github.com/tessellab/mosaic/internal/store"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the mosaic CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mosaic",
		Short: "Workflow orchestration for distributed image analysis",
		Long: `Mosaic assembles user-described image-analysis pipelines into a
tree of cluster jobs, submits them, supervises their progress and
persists every task for crash-recoverable resumption.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"Configuration file (env: MOSAIC_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Log level: debug, info, warn, error")

	cmd.AddCommand(
		newSubmitCommand(opts),
		newResubmitCommand(opts),
		newStatusCommand(opts),
		newValidateCommand(),
		newVersionCommand(version),
	)
	return cmd
}

// setup loads configuration and opens the store for commands that need
// them. The returned manager carries engine metrics registered on the
// default registry.
func setup(opts *rootOptions) (*config.Config, *store.Store, *manager.Manager, *slog.Logger, error) {
	logCfg := log.FromEnv()
	if opts.logLevel != "" {
		logCfg.Level = opts.logLevel
	}
	logger := log.New(logCfg)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	st, err := store.New(store.Config{Path: cfg.DatabasePath(), WAL: cfg.Database.WAL})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	mgr := manager.New(cfg, st, logger)
	mgr.Metrics = engine.NewMetrics(prometheus.DefaultRegisterer)
	return cfg, st, mgr, logger, nil
}
