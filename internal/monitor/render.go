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

package monitor

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tessellab/mosaic/pkg/task"
)

// Status styles using lipgloss.
var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	styleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleInfo   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // blue
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// Render writes the status tree in a human-readable layout. With color
// disabled the same layout is emitted without styling, suitable for log
// files.
func Render(w io.Writer, s *Snapshot, colored bool) {
	fmt.Fprintln(w, header(colored, fmt.Sprintf(
		"%-44s %-11s %9s %5s %9s %8s", "task", "state", "done", "rc", "memory", "time")))
	renderNode(w, s, 0, colored)
}

func renderNode(w io.Writer, s *Snapshot, indent int, colored bool) {
	name := strings.Repeat("  ", indent) + s.Name
	if len(name) > 44 {
		name = name[:41] + "..."
	}

	rc := "-"
	if s.ExitCode != nil {
		rc = fmt.Sprintf("%d", *s.ExitCode)
	}

	fmt.Fprintf(w, "%-44s %s %9s %5s %9s %8s\n",
		name,
		stateLabel(s, colored),
		fmt.Sprintf("%d/%d", s.Done, s.Total),
		rc,
		fmt.Sprintf("%d MB", s.MemoryMB),
		task.FormatDuration(s.Walltime),
	)

	for _, child := range s.Children {
		renderNode(w, child, indent+1, colored)
	}
}

func stateLabel(s *Snapshot, colored bool) string {
	label := fmt.Sprintf("%-11s", s.State)
	if !colored {
		return label
	}
	switch task.State(s.State) {
	case task.StateTerminated:
		if s.Failed > 0 || (s.ExitCode != nil && *s.ExitCode != 0) {
			return styleError.Render(label)
		}
		return styleOK.Render(label)
	case task.StateRunning:
		return styleInfo.Render(label)
	case task.StateStopped:
		return styleWarn.Render(label)
	default:
		return styleMuted.Render(label)
	}
}

func header(colored bool, text string) string {
	if !colored {
		return text
	}
	return styleHeader.Render(text)
}
