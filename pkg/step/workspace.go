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

package step

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/tessellab/mosaic/pkg/errors"
)

// logTimestampFormat names log files so that lexicographic order equals
// chronological order.
const logTimestampFormat = "2006-01-02_15-04-05"

// Workspace owns the on-disk layout of one step under the workflow
// root:
//
//	<root>/<step>/batches/<step>_run_NNNNNN.batch.json
//	<root>/<step>/batches/<step>_collect.batch.json
//	<root>/<step>/log/<step>_<phase>[_NNNNNN]_<timestamp>.{out,err}
//
// Batch files are written once by the init job and read-only afterwards.
// Steps never share workspaces.
type Workspace struct {
	root string
	step string
}

// NewWorkspace returns the workspace of the named step under the given
// workflow root. No directories are created until EnsureDirs is called.
func NewWorkspace(root, stepName string) *Workspace {
	return &Workspace{root: root, step: stepName}
}

// Root returns the workflow root directory.
func (w *Workspace) Root() string { return w.root }

// StepName returns the owning step's name.
func (w *Workspace) StepName() string { return w.step }

// StepDir returns the step's private directory.
func (w *Workspace) StepDir() string { return filepath.Join(w.root, w.step) }

// BatchesDir returns the directory batch files are written to.
func (w *Workspace) BatchesDir() string { return filepath.Join(w.StepDir(), "batches") }

// LogDir returns the directory log files are written to.
func (w *Workspace) LogDir() string { return filepath.Join(w.StepDir(), "log") }

// EnsureDirs creates the step, batches and log directories.
func (w *Workspace) EnsureDirs() error {
	for _, dir := range []string{w.BatchesDir(), w.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// RunBatchPath returns the batch file path for the given 1-based run
// job id. The zero-padded id bounds the fan-out at one million jobs.
func (w *Workspace) RunBatchPath(jobID int) string {
	return filepath.Join(w.BatchesDir(), fmt.Sprintf("%s_run_%06d.batch.json", w.step, jobID))
}

// CollectBatchPath returns the path of the step's collect batch file.
func (w *Workspace) CollectBatchPath() string {
	return filepath.Join(w.BatchesDir(), fmt.Sprintf("%s_collect.batch.json", w.step))
}

// WriteBatches persists the init phase's output: one file per run batch
// and, if present, the collect batch. All paths are stored relative to
// the workflow root.
func (w *Workspace) WriteBatches(batches Batches) error {
	if err := w.EnsureDirs(); err != nil {
		return err
	}
	for i, b := range batches.Run {
		if b.ID != i+1 {
			return &errors.BatchError{
				Step:    w.step,
				Message: fmt.Sprintf("run batch at position %d has id %d, want %d", i, b.ID, i+1),
			}
		}
		if err := w.writeBatchFile(w.RunBatchPath(b.ID), b); err != nil {
			return err
		}
	}
	if batches.Collect != nil {
		c := *batches.Collect
		c.ID = 0
		if err := w.writeBatchFile(w.CollectBatchPath(), c); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) writeBatchFile(path string, b Batch) error {
	rel, err := b.makeRelative(w.root)
	if err != nil {
		return &errors.BatchError{Step: w.step, Path: path, Message: "relativizing paths", Cause: err}
	}
	data, err := json.MarshalIndent(rel, "", "  ")
	if err != nil {
		return &errors.BatchError{Step: w.step, Path: path, Message: "encoding batch", Cause: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &errors.BatchError{Step: w.step, Path: path, Message: "writing batch file", Cause: err}
	}
	return nil
}

// ReadRunBatches loads every run batch of the step in job-id order,
// absolutizing paths against the workflow root. It fails when no batch
// files exist.
func (w *Workspace) ReadRunBatches() ([]Batch, error) {
	pattern := filepath.Join(w.BatchesDir(), fmt.Sprintf("%s_run_*.batch.json", w.step))
	files, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, &errors.BatchError{Step: w.step, Message: "globbing batch files", Cause: err}
	}
	if len(files) == 0 {
		return nil, &errors.BatchError{
			Step:    w.step,
			Path:    w.BatchesDir(),
			Message: "no batch files found; initialize the step first",
		}
	}
	sort.Strings(files)

	batches := make([]Batch, 0, len(files))
	for _, f := range files {
		b, err := w.readBatchFile(f)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// ReadRunBatch loads the batch of a single run job.
func (w *Workspace) ReadRunBatch(jobID int) (Batch, error) {
	return w.readBatchFile(w.RunBatchPath(jobID))
}

// ReadCollectBatch loads the collect batch.
func (w *Workspace) ReadCollectBatch() (Batch, error) {
	return w.readBatchFile(w.CollectBatchPath())
}

func (w *Workspace) readBatchFile(path string) (Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, &errors.BatchError{Step: w.step, Path: path, Message: "reading batch file", Cause: err}
	}
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, &errors.BatchError{Step: w.step, Path: path, Message: "decoding batch file", Cause: err}
	}
	abs, err := b.makeAbsolute(w.root)
	if err != nil {
		return Batch{}, &errors.BatchError{Step: w.step, Path: path, Message: "absolutizing paths", Cause: err}
	}
	return abs, nil
}

// DeleteBatches removes all batch files of the step. Called during init
// before new batches are written.
func (w *Workspace) DeleteBatches() error {
	pattern := filepath.Join(w.BatchesDir(), "*.batch.json")
	files, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return &errors.BatchError{Step: w.step, Message: "globbing batch files", Cause: err}
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			return &errors.BatchError{Step: w.step, Path: f, Message: "removing batch file", Cause: err}
		}
	}
	return nil
}

// WaitForRunBatches blocks until at least one run batch file of the
// step is visible or the timeout elapses. Network file systems can
// delay visibility of files written by the init job on another node;
// the watcher avoids a fixed sleep at step transitions.
func (w *Workspace) WaitForRunBatches(ctx context.Context, timeout time.Duration) error {
	check := func() bool {
		files, err := doublestar.FilepathGlob(
			filepath.Join(w.BatchesDir(), fmt.Sprintf("%s_run_*.batch.json", w.step)))
		return err == nil && len(files) > 0
	}
	if check() {
		return nil
	}

	deadline := time.After(timeout)
	events := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(w.BatchesDir()); err == nil {
			go func() {
				for {
					select {
					case _, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case events <- struct{}{}:
						default:
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	}

	// Poll as a fallback: fsnotify cannot observe remote writes on some
	// network file systems.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return &errors.BatchError{
				Step:    w.step,
				Path:    w.BatchesDir(),
				Message: fmt.Sprintf("no run batches appeared within %s", timeout),
			}
		case <-events:
		case <-ticker.C:
		}
		if check() {
			return nil
		}
	}
}

// OpenLog creates timestamped stdout and stderr files for one job
// execution. phase is "init", "run" or "collect"; jobID is only used
// for the run phase.
func (w *Workspace) OpenLog(phase string, jobID int) (stdout, stderr io.WriteCloser, err error) {
	if err := w.EnsureDirs(); err != nil {
		return nil, nil, err
	}
	base := w.logBase(phase, jobID, time.Now())
	outFile, err := os.Create(base + ".out")
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout log: %w", err)
	}
	errFile, err := os.Create(base + ".err")
	if err != nil {
		outFile.Close()
		return nil, nil, fmt.Errorf("creating stderr log: %w", err)
	}
	return outFile, errFile, nil
}

func (w *Workspace) logBase(phase string, jobID int, ts time.Time) string {
	stamp := ts.Format(logTimestampFormat)
	if phase == "run" {
		return filepath.Join(w.LogDir(), fmt.Sprintf("%s_run_%06d_%s", w.step, jobID, stamp))
	}
	return filepath.Join(w.LogDir(), fmt.Sprintf("%s_%s_%s", w.step, phase, stamp))
}

// LatestLog returns the contents of the most recent stdout and stderr
// log of the given phase (and job id, for the run phase). The most
// recent timestamp wins when several attempts left logs behind.
func (w *Workspace) LatestLog(phase string, jobID int) (stdout, stderr string, err error) {
	var pattern string
	if phase == "run" {
		pattern = fmt.Sprintf("%s_run_%06d_*", w.step, jobID)
	} else {
		pattern = fmt.Sprintf("%s_%s_*", w.step, phase)
	}

	outFiles, err := doublestar.FilepathGlob(filepath.Join(w.LogDir(), pattern+".out"))
	if err != nil {
		return "", "", err
	}
	errFiles, err := doublestar.FilepathGlob(filepath.Join(w.LogDir(), pattern+".err"))
	if err != nil {
		return "", "", err
	}
	if len(outFiles) == 0 && len(errFiles) == 0 {
		return "", "", &errors.NotFoundError{
			Resource: "log",
			ID:       fmt.Sprintf("%s/%s", w.step, phase),
		}
	}

	read := func(files []string) (string, error) {
		if len(files) == 0 {
			return "", nil
		}
		sort.Strings(files)
		data, err := os.ReadFile(files[len(files)-1])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	if stdout, err = read(outFiles); err != nil {
		return "", "", err
	}
	if stderr, err = read(errFiles); err != nil {
		return "", "", err
	}
	return stdout, stderr, nil
}

// TailStderr returns the last n lines of the most recent stderr log of
// the given phase, used in the final failure report.
func (w *Workspace) TailStderr(phase string, jobID, n int) (string, error) {
	_, stderr, err := w.LatestLog(phase, jobID)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}
