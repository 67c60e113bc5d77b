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

package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/stepgraph/internal/commands/shared"
	"github.com/tombee/stepgraph/pkg/checkpoint"
	"github.com/tombee/stepgraph/pkg/graph"
)

type invocation struct {
	graph           string
	threadID        string
	input           any
	checkpointID    string
	recursionLimit  int
	interruptBefore []string
	interruptAfter  []string
	stream          bool
}

func execute(cmd *cobra.Command, inv invocation) error {
	if err := shared.ValidateOutputFlags(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := shared.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	g, err := rt.Graph(inv.graph)
	if err != nil {
		return err
	}

	cfg := rt.GraphConfig(inv.threadID)
	cfg.CheckpointID = inv.checkpointID
	cfg.InterruptBefore = inv.interruptBefore
	cfg.InterruptAfter = inv.interruptAfter
	if inv.recursionLimit > 0 {
		cfg.RecursionLimit = inv.recursionLimit
	}

	runCtx, cancel := rt.Context(ctx)
	defer cancel()

	out := cmd.OutOrStdout()
	if inv.stream {
		return runError(inv.graph, streamEvents(runCtx, out, g, inv.input, cfg))
	}

	res, err := g.Run(runCtx, inv.input, cfg)
	if err != nil {
		return runError(inv.graph, err)
	}

	view := shared.NewRunView(inv.graph, res)
	if shared.Structured() {
		return shared.Emit(ctx, out, view)
	}
	if !shared.GetQuiet() || view.Status == shared.StatusPaused {
		shared.PrintRun(out, view)
	}
	return nil
}

// runError keeps the exit code of typed errors and marks everything else as
// an execution failure.
func runError(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, graph.ErrEmptyInput):
		return shared.NewInvalidInputError("thread has no checkpoint to resume; start it with 'stepgraph run'", err)
	case shared.ExitCode(err) != shared.ExitExecutionFailed:
		return err
	default:
		return shared.NewExecutionError(fmt.Sprintf("graph %s failed", name), err)
	}
}

// eventView is one line of --stream output.
type eventView struct {
	Type         graph.EventType        `json:"type"`
	Namespace    string                 `json:"checkpoint_ns,omitempty"`
	Node         string                 `json:"node,omitempty"`
	Step         int                    `json:"step"`
	CheckpointID string                 `json:"checkpoint_id,omitempty"`
	Halt         string                 `json:"halt,omitempty"`
	Interrupts   []checkpoint.Interrupt `json:"interrupts,omitempty"`
	Values       graph.State            `json:"values,omitempty"`
}

// streamEvents prints one line per event: JSON lines in structured mode,
// a short description otherwise.
func streamEvents(ctx context.Context, w io.Writer, g *graph.CompiledGraph, input any, cfg graph.Config) error {
	enc := json.NewEncoder(w)
	for ev, err := range g.Stream(ctx, input, cfg) {
		if err != nil {
			return err
		}
		if shared.Structured() {
			if err := enc.Encode(eventView{
				Type:         ev.Type,
				Namespace:    ev.Namespace,
				Node:         ev.Node,
				Step:         ev.Step,
				CheckpointID: ev.CheckpointID,
				Halt:         ev.Halt,
				Interrupts:   ev.Interrupts,
				Values:       ev.Values,
			}); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(w, describe(ev))
	}
	return nil
}

func describe(ev graph.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %-10s", ev.Step, ev.Type)
	if ev.Namespace != "" {
		fmt.Fprintf(&b, " %s", shared.RenderLabel(ev.Namespace))
	}
	switch ev.Type {
	case graph.EventUpdates:
		raw, _ := json.Marshal(ev.Values)
		fmt.Fprintf(&b, " %s %s", ev.Node, raw)
	case graph.EventCheckpoint:
		fmt.Fprintf(&b, " %s", ev.CheckpointID)
	case graph.EventInterrupt:
		fmt.Fprintf(&b, " %s", ev.Halt)
		for _, in := range ev.Interrupts {
			raw, _ := json.Marshal(in.Value)
			fmt.Fprintf(&b, " %s", raw)
		}
	case graph.EventValues:
		raw, _ := json.Marshal(ev.Values)
		fmt.Fprintf(&b, " %s", raw)
	}
	return b.String()
}
