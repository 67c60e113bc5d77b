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

package shared

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/tombee/stepgraph/pkg/checkpoint"
	"github.com/tombee/stepgraph/pkg/graph"
)

// Run statuses reported by run and resume.
const (
	StatusCompleted = "completed"
	StatusPaused    = "paused"
)

// RunView is the output of run and resume.
type RunView struct {
	Graph        string                 `json:"graph"`
	ThreadID     string                 `json:"thread_id"`
	CheckpointID string                 `json:"checkpoint_id"`
	Status       string                 `json:"status"`
	Halt         string                 `json:"halt,omitempty"`
	Next         []string               `json:"next"`
	Interrupts   []checkpoint.Interrupt `json:"interrupts,omitempty"`
	Values       graph.State            `json:"values"`
}

// NewRunView builds the view of a finished or paused invocation.
func NewRunView(graphName string, res *graph.Result) RunView {
	v := RunView{
		Graph:        graphName,
		ThreadID:     res.Config.ThreadID,
		CheckpointID: res.Config.CheckpointID,
		Status:       StatusCompleted,
		Halt:         res.Halt,
		Next:         nonNil(res.Next),
		Interrupts:   res.Interrupts,
		Values:       res.Values,
	}
	if res.Interrupted() {
		v.Status = StatusPaused
	}
	return v
}

// SnapshotView is the output of state and history.
type SnapshotView struct {
	ThreadID     string                 `json:"thread_id"`
	Namespace    string                 `json:"checkpoint_ns,omitempty"`
	CheckpointID string                 `json:"checkpoint_id,omitempty"`
	ParentID     string                 `json:"parent_checkpoint_id,omitempty"`
	Step         int                    `json:"step"`
	Source       string                 `json:"source,omitempty"`
	Halt         string                 `json:"halt,omitempty"`
	CreatedAt    *time.Time             `json:"created_at,omitempty"`
	Next         []string               `json:"next"`
	Interrupts   []checkpoint.Interrupt `json:"interrupts,omitempty"`
	Tasks        []TaskView             `json:"tasks,omitempty"`
	Values       graph.State            `json:"values"`
}

// TaskView is a pending task within a snapshot.
type TaskView struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Error      string                 `json:"error,omitempty"`
	Namespace  string                 `json:"checkpoint_ns,omitempty"`
	Interrupts []checkpoint.Interrupt `json:"interrupts,omitempty"`
	State      *SnapshotView          `json:"state,omitempty"`
}

// NewSnapshotView converts a snapshot, including nested subgraph states.
func NewSnapshotView(s *graph.StateSnapshot) SnapshotView {
	v := SnapshotView{
		ThreadID:     s.Config.ThreadID,
		Namespace:    s.Config.Namespace,
		CheckpointID: s.Config.CheckpointID,
		Step:         s.Metadata.Step,
		Source:       s.Metadata.Source,
		Halt:         s.Metadata.Halt,
		Next:         nonNil(s.Next),
		Interrupts:   s.Interrupts,
		Values:       s.Values,
	}
	if s.ParentConfig != nil {
		v.ParentID = s.ParentConfig.CheckpointID
	}
	if !s.CreatedAt.IsZero() {
		created := s.CreatedAt
		v.CreatedAt = &created
	}
	for _, t := range s.Tasks {
		tv := TaskView{
			ID:         t.ID,
			Name:       t.Name,
			Error:      t.Error,
			Interrupts: t.Interrupts,
		}
		if t.Checkpoint != nil {
			tv.Namespace = t.Checkpoint.Namespace
		}
		if t.State != nil {
			inner := NewSnapshotView(t.State)
			tv.State = &inner
		}
		v.Tasks = append(v.Tasks, tv)
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// PrintRun writes the human-readable form of a run.
func PrintRun(w io.Writer, v RunView) {
	if v.Status == StatusPaused {
		fmt.Fprintln(w, RenderPaused(fmt.Sprintf("%s paused (%s) on thread %s", v.Graph, v.Halt, v.ThreadID)))
	} else {
		fmt.Fprintln(w, RenderOK(fmt.Sprintf("%s completed on thread %s", v.Graph, v.ThreadID)))
	}
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("checkpoint:"), v.CheckpointID)
	if len(v.Next) > 0 {
		fmt.Fprintf(w, "  %s %s\n", RenderLabel("next:"), strings.Join(v.Next, ", "))
	}
	printInterrupts(w, "  ", v.Interrupts)
	printValues(w, "  ", v.Values)
	if v.Status == StatusPaused {
		fmt.Fprintln(w)
		fmt.Fprintln(w, RenderLabel(fmt.Sprintf("Resume with: stepgraph resume %s --thread %s", v.Graph, v.ThreadID)))
	}
}

// PrintSnapshot writes the human-readable form of a snapshot, indenting
// nested subgraph states.
func PrintSnapshot(w io.Writer, v SnapshotView, indent string) {
	title := fmt.Sprintf("Thread %s", v.ThreadID)
	if v.Namespace != "" {
		title += " " + v.Namespace
	}
	fmt.Fprintln(w, indent+RenderHeader(title))
	if v.CheckpointID == "" {
		fmt.Fprintln(w, indent+"  "+RenderLabel("no checkpoints"))
		return
	}
	fmt.Fprintf(w, "%s  %s %s (step %d, %s)\n", indent, RenderLabel("checkpoint:"), v.CheckpointID, v.Step, v.Source)
	if v.Halt != "" {
		fmt.Fprintf(w, "%s  %s %s\n", indent, RenderLabel("halt:"), v.Halt)
	}
	if len(v.Next) > 0 {
		fmt.Fprintf(w, "%s  %s %s\n", indent, RenderLabel("next:"), strings.Join(v.Next, ", "))
	}
	printInterrupts(w, indent+"  ", v.Interrupts)
	printValues(w, indent+"  ", v.Values)
	for _, t := range v.Tasks {
		line := fmt.Sprintf("%s  %s %s", indent, RenderLabel("task:"), t.Name)
		if t.Namespace != "" {
			line += " " + RenderLabel("["+t.Namespace+"]")
		}
		if t.Error != "" {
			line += " " + RenderError(t.Error)
		}
		fmt.Fprintln(w, line)
		if t.State != nil {
			PrintSnapshot(w, *t.State, indent+"    ")
		}
	}
}

// PrintHistoryLine writes one checkpoint of a history listing.
func PrintHistoryLine(w io.Writer, v SnapshotView) {
	next := "-"
	if len(v.Next) > 0 {
		next = strings.Join(v.Next, ",")
	}
	halt := v.Halt
	if halt == "" {
		halt = "-"
	}
	fmt.Fprintf(w, "%-36s  %4d  %-6s  %-9s  %s\n", v.CheckpointID, v.Step, v.Source, halt, next)
}

func printInterrupts(w io.Writer, indent string, ints []checkpoint.Interrupt) {
	for _, in := range ints {
		kind := "interrupt"
		if in.Resumable {
			kind = "question"
		}
		line := fmt.Sprintf("%s%s %s", indent, RenderLabel(kind+":"), compact(in.Value))
		if in.Namespace != "" {
			line += " " + RenderLabel("["+in.Namespace+"]")
		}
		fmt.Fprintln(w, line)
		fmt.Fprintf(w, "%s  %s %s\n", indent, RenderLabel("id:"), in.ID)
	}
}

func printValues(w io.Writer, indent string, values graph.State) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(w, "%s%s\n", indent, RenderLabel("values:"))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s  %s: %s\n", indent, k, compact(values[k]))
	}
}
