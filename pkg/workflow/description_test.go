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

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessellab/mosaic/pkg/errors"
)

const descYAML = `
type: canonical
stages:
  - name: image_conversion
    active: true
    mode: sequential
    steps:
      - name: wf_ok
        active: true
        batch_args:
          count: 2
        submission_args:
          duration: "01:30:00"
          memory: 2048
          cores: 2
  - name: image_analysis
    active: false
    mode: parallel
    steps:
      - name: wf_ok
`

func TestParseDescription(t *testing.T) {
	desc, err := ParseDescription([]byte(descYAML))
	require.NoError(t, err)

	assert.Equal(t, "canonical", desc.Type)
	require.Len(t, desc.Stages, 2)
	assert.Equal(t, "sequential", desc.Stages[0].Mode)
	assert.True(t, desc.Stages[0].IsActive())
	assert.False(t, desc.Stages[1].IsActive())
	assert.Equal(t, "01:30:00", desc.Stages[0].Steps[0].SubmissionArgs.Duration)
	assert.Equal(t, 2, desc.Stages[0].Steps[0].BatchArgs["count"])
}

func TestParseDescriptionBadYAML(t *testing.T) {
	_, err := ParseDescription([]byte("stages: [unclosed"))
	var descErr *errors.DescriptionError
	require.ErrorAs(t, err, &descErr)
}

func TestValidate(t *testing.T) {
	base, err := ParseDescription([]byte(descYAML))
	require.NoError(t, err)
	require.NoError(t, base.Validate())

	tests := []struct {
		name    string
		mutate  func(*Description)
		field   string
	}{
		{
			"no stages",
			func(d *Description) { d.Stages = nil },
			"stages",
		},
		{
			"bad mode",
			func(d *Description) { d.Stages[0].Mode = "pipelined" },
			"stages[0].mode",
		},
		{
			"duplicate stage names",
			func(d *Description) { d.Stages[1].Name = d.Stages[0].Name },
			"stages[1].name",
		},
		{
			"unknown step",
			func(d *Description) { d.Stages[0].Steps[0].Name = "no_such_step" },
			"stages[0].steps[0].name",
		},
		{
			"unknown batch arg",
			func(d *Description) { d.Stages[0].Steps[0].BatchArgs = map[string]any{"cuont": 1} },
			"stages[0].steps[0].batch_args.cuont",
		},
		{
			"malformed duration",
			func(d *Description) { d.Stages[0].Steps[0].SubmissionArgs.Duration = "90 minutes" },
			"stages[0].steps[0].submission_args.duration",
		},
		{
			"zero cores",
			func(d *Description) {
				zero := 0
				d.Stages[0].Steps[0].SubmissionArgs.Cores = &zero
			},
			"stages[0].steps[0].submission_args.cores",
		},
		{
			"bad when expression",
			func(d *Description) { d.Stages[0].When = "experiment ==" },
			"stages[0].when",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := base.DeepCopy()
			tt.mutate(&desc)
			err := desc.Validate()
			var descErr *errors.DescriptionError
			require.ErrorAs(t, err, &descErr)
			assert.Equal(t, tt.field, descErr.Field)
		})
	}
}

func TestFilterRemovesInactive(t *testing.T) {
	desc, err := ParseDescription([]byte(descYAML))
	require.NoError(t, err)

	filtered, err := desc.Filter(Activation{ExperimentID: 1})
	require.NoError(t, err)
	require.Len(t, filtered.Stages, 1)
	assert.Equal(t, "image_conversion", filtered.Stages[0].Name)

	// The original description is untouched.
	assert.Len(t, desc.Stages, 2)
}

func TestFilterInactiveStep(t *testing.T) {
	desc, err := ParseDescription([]byte(descYAML))
	require.NoError(t, err)

	inactive := false
	desc.Stages[0].Steps = append(desc.Stages[0].Steps, StepDescription{
		Name:   "wf_ok",
		Active: &inactive,
	})

	filtered, err := desc.Filter(Activation{})
	require.NoError(t, err)
	assert.Len(t, filtered.Stages[0].Steps, 1)
}

func TestFilterWhenExpression(t *testing.T) {
	desc, err := ParseDescription([]byte(descYAML))
	require.NoError(t, err)
	desc.Stages[0].When = "experiment == 12"

	filtered, err := desc.Filter(Activation{ExperimentID: 12})
	require.NoError(t, err)
	assert.Len(t, filtered.Stages, 1)

	filtered, err = desc.Filter(Activation{ExperimentID: 13})
	require.NoError(t, err)
	assert.Empty(t, filtered.Stages)
}

func TestActivateForcesEverything(t *testing.T) {
	desc, err := ParseDescription([]byte(descYAML))
	require.NoError(t, err)

	forced := desc.Activate()
	filtered, err := forced.Filter(Activation{})
	require.NoError(t, err)
	assert.Len(t, filtered.Stages, 2)
}

func TestDeepCopyIndependence(t *testing.T) {
	desc, err := ParseDescription([]byte(descYAML))
	require.NoError(t, err)

	clone := desc.DeepCopy()
	clone.Stages[0].Steps[0].BatchArgs["count"] = 99
	clone.Stages[0].Name = "renamed"

	assert.Equal(t, 2, desc.Stages[0].Steps[0].BatchArgs["count"])
	assert.Equal(t, "image_conversion", desc.Stages[0].Name)
}

func TestStageIndex(t *testing.T) {
	desc, err := ParseDescription([]byte(descYAML))
	require.NoError(t, err)

	i, err := desc.StageIndex("image_analysis")
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	_, err = desc.StageIndex("upload")
	var descErr *errors.DescriptionError
	require.ErrorAs(t, err, &descErr)
}
