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

// Package config loads the orchestrator configuration from a YAML file
// with environment overrides.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tessellab/mosaic/pkg/errors"
)

// Config is the orchestrator configuration.
type Config struct {
	// DataRoot is the directory experiment data lives under; each
	// experiment gets a workflow directory below it.
	DataRoot string `yaml:"data_root"`

	// User is the submitting user name; defaults to the OS user.
	User string `yaml:"user"`

	// Database configures the task store.
	Database DatabaseConfig `yaml:"database"`

	// Engine tunes the execution engine.
	Engine EngineConfig `yaml:"engine"`

	// Monitor tunes the monitoring loop.
	Monitor MonitorConfig `yaml:"monitor"`

	// Transition tunes step and stage transitions.
	Transition TransitionConfig `yaml:"transition"`
}

// DatabaseConfig configures the SQLite task store.
type DatabaseConfig struct {
	// Path is the database file; defaults to <data_root>/mosaic.db.
	Path string `yaml:"path"`

	// WAL enables write-ahead logging.
	WAL bool `yaml:"wal"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	// MaxInFlight bounds concurrently executing jobs. Default: 2000.
	MaxInFlight int `yaml:"max_in_flight"`

	// SubmissionsPerSecond rate-limits job starts; zero disables the
	// limit.
	SubmissionsPerSecond float64 `yaml:"submissions_per_second"`
}

// MonitorConfig tunes the monitoring loop.
type MonitorConfig struct {
	// IntervalSeconds is slept between scheduling ticks. Default: 10.
	IntervalSeconds int `yaml:"interval_seconds"`

	// Depth truncates the printed status tree. Default: 2.
	Depth int `yaml:"depth"`
}

// TransitionConfig tunes step and stage transitions.
type TransitionConfig struct {
	// WaitSeconds is slept before advancing between steps and stages,
	// to mitigate delayed file visibility on shared file systems.
	WaitSeconds int `yaml:"wait_seconds"`

	// BatchTimeoutSeconds bounds the wait for batch files written by
	// the init job to become visible. Default: 60.
	BatchTimeoutSeconds int `yaml:"batch_timeout_seconds"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	userName := os.Getenv("USER")
	if u, err := user.Current(); err == nil && u.Username != "" {
		userName = u.Username
	}

	return &Config{
		DataRoot: filepath.Join(os.TempDir(), "mosaic"),
		User:     userName,
		Engine: EngineConfig{
			MaxInFlight: 2000,
		},
		Monitor: MonitorConfig{
			IntervalSeconds: 10,
			Depth:           2,
		},
		Transition: TransitionConfig{
			BatchTimeoutSeconds: 60,
		},
	}
}

// Load reads the configuration file at path, applying defaults for
// omitted values. An empty path returns the defaults; the MOSAIC_CONFIG
// environment variable supplies the path when set.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MOSAIC_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "config",
			Reason: fmt.Sprintf("cannot read %s", path),
			Cause:  err,
		}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &errors.ConfigError{
			Key:    "config",
			Reason: fmt.Sprintf("cannot parse %s", path),
			Cause:  err,
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return &errors.ConfigError{Key: "data_root", Reason: "must not be empty"}
	}
	if c.Engine.MaxInFlight < 0 {
		return &errors.ConfigError{Key: "engine.max_in_flight", Reason: "must not be negative"}
	}
	if c.Monitor.IntervalSeconds < 0 {
		return &errors.ConfigError{Key: "monitor.interval_seconds", Reason: "must not be negative"}
	}
	if c.Monitor.Depth < 0 {
		return &errors.ConfigError{Key: "monitor.depth", Reason: "must not be negative"}
	}
	return nil
}

// DatabasePath returns the configured database file, defaulting to a
// file under the data root.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataRoot, "mosaic.db")
}

// WorkflowRoot returns the workflow directory of an experiment.
func (c *Config) WorkflowRoot(experimentID int64) string {
	return filepath.Join(c.DataRoot, fmt.Sprintf("experiment_%d", experimentID), "workflow")
}
