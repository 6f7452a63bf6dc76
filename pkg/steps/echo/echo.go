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

// Package echo provides a minimal reference step. It fans a message out
// into one file per run job and concatenates the files in the collect
// phase. The scientific payload steps of the platform register
// themselves the same way.
package echo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tessellab/mosaic/pkg/step"
)

func init() {
	step.Register(step.Descriptor{
		Name:        "echo",
		Description: "write a message into one output file per run job",
		HasCollect:  true,
		BatchArgs: step.ArgSpecs{
			{Name: "count", Type: "int", Default: 1, Help: "number of run jobs to create"},
			{Name: "message", Type: "string", Default: "ok", Help: "message written by each run job"},
		},
		DefaultSubmission: step.Submission("00:10:00", 128, 1),
		New: func(env step.Environment) step.Interface {
			return &echoStep{env: env}
		},
	})
}

type echoStep struct {
	env step.Environment
}

func (s *echoStep) dataDir(ws *step.Workspace) string {
	return filepath.Join(ws.StepDir(), "data")
}

func (s *echoStep) CreateRunBatches(ctx context.Context, ws *step.Workspace, args step.Args) (step.Batches, error) {
	count := args.Int("count", 1)
	message := args.String("message", "ok")

	var batches step.Batches
	var outputs []string
	for id := 1; id <= count; id++ {
		out := filepath.Join(s.dataDir(ws), fmt.Sprintf("echo_%06d.txt", id))
		outputs = append(outputs, out)
		batches.Run = append(batches.Run, step.Batch{
			ID:      id,
			Inputs:  map[string][]string{},
			Outputs: map[string][]string{"text": {out}},
			Extra:   map[string]any{"message": message},
		})
	}
	batches.Collect = &step.Batch{
		Inputs:  map[string][]string{"text": outputs},
		Outputs: map[string][]string{"summary": {filepath.Join(s.dataDir(ws), "summary.txt")}},
	}
	return batches, nil
}

func (s *echoStep) RunJob(ctx context.Context, ws *step.Workspace, batch step.Batch, assumeCleanState bool) error {
	message, _ := batch.Extra["message"].(string)
	out := batch.Outputs["text"][0]
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("%s %d\n", message, batch.ID)), 0o644)
}

func (s *echoStep) CollectJobOutput(ctx context.Context, ws *step.Workspace, batch step.Batch) error {
	var parts []string
	for _, in := range batch.Inputs["text"] {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		parts = append(parts, strings.TrimRight(string(data), "\n"))
	}
	summary := batch.Outputs["summary"][0]
	if err := os.MkdirAll(filepath.Dir(summary), 0o755); err != nil {
		return err
	}
	return os.WriteFile(summary, []byte(strings.Join(parts, "\n")+"\n"), 0o644)
}

func (s *echoStep) DeletePreviousJobOutput(ctx context.Context, ws *step.Workspace) error {
	if err := os.RemoveAll(s.dataDir(ws)); err != nil {
		return err
	}
	return nil
}
