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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessellab/mosaic/pkg/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2000, cfg.Engine.MaxInFlight)
	assert.Equal(t, 10, cfg.Monitor.IntervalSeconds)
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	t.Setenv("MOSAIC_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Engine.MaxInFlight, cfg.Engine.MaxInFlight)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mosaic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_root: /data/mosaic
user: imaging
database:
  path: /data/mosaic/state.db
  wal: true
engine:
  max_in_flight: 500
monitor:
  interval_seconds: 5
  depth: 3
transition:
  wait_seconds: 2
  batch_timeout_seconds: 120
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/mosaic", cfg.DataRoot)
	assert.Equal(t, "imaging", cfg.User)
	assert.Equal(t, "/data/mosaic/state.db", cfg.DatabasePath())
	assert.True(t, cfg.Database.WAL)
	assert.Equal(t, 500, cfg.Engine.MaxInFlight)
	assert.Equal(t, 5, cfg.Monitor.IntervalSeconds)
	assert.Equal(t, 2, cfg.Transition.WaitSeconds)
	assert.Equal(t, 120, cfg.Transition.BatchTimeoutSeconds)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_root: [unclosed"), 0o644))

	_, err := Load(path)
	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  depth: -1\n"), 0o644))

	_, err := Load(path)
	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "monitor.depth", cfgErr.Key)
}

func TestPathsDerivedFromDataRoot(t *testing.T) {
	cfg := Default()
	cfg.DataRoot = "/data/mosaic"
	assert.Equal(t, "/data/mosaic/mosaic.db", cfg.DatabasePath())
	assert.Equal(t, "/data/mosaic/experiment_7/workflow", cfg.WorkflowRoot(7))
}
