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

// Package examples holds the graphs built into the stepgraph CLI. Each one
// demonstrates a way a run can pause and be resumed.
package examples

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/stepgraph/pkg/checkpoint"
	sgerrors "github.com/tombee/stepgraph/pkg/errors"
	"github.com/tombee/stepgraph/pkg/graph"
)

// Options carries the runtime wiring shared by every example graph.
type Options struct {
	// Saver stores the root graph's checkpoints. Subgraphs share it.
	Saver checkpoint.Saver

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Retry          *graph.RetryPolicy
}

// compileOptions returns the options for a graph named name. The saver is
// left to the caller so nested graphs inherit their parent's.
func (o Options) compileOptions(name string) []graph.CompileOption {
	opts := []graph.CompileOption{graph.WithName(name)}
	if o.Logger != nil {
		opts = append(opts, graph.WithLogger(o.Logger))
	}
	if o.TracerProvider != nil {
		opts = append(opts, graph.WithTracerProvider(o.TracerProvider))
	}
	if o.MeterProvider != nil {
		opts = append(opts, graph.WithMeterProvider(o.MeterProvider))
	}
	if o.Retry != nil {
		opts = append(opts, graph.WithRetryPolicy(*o.Retry))
	}
	return opts
}

func (o Options) rootOptions(name string, extra ...graph.CompileOption) []graph.CompileOption {
	opts := o.compileOptions(name)
	if o.Saver != nil {
		opts = append(opts, graph.WithCheckpointer(o.Saver))
	}
	return append(opts, extra...)
}

// Example is a named graph the CLI can run.
type Example struct {
	Name        string
	Description string

	// Input is a sample input for the graph.
	Input graph.State

	build func(Options) (*graph.CompiledGraph, error)
}

// Build compiles the example.
func (e Example) Build(opts Options) (*graph.CompiledGraph, error) {
	return e.build(opts)
}

var registry = []Example{
	{
		Name:        "static",
		Description: "Three steps with a breakpoint before step_3",
		Input:       graph.State{"input": "hello world"},
		build:       buildStatic,
	},
	{
		Name:        "dynamic",
		Description: "Halts at step_2 when the input is longer than 5 characters",
		Input:       graph.State{"input": "hello world"},
		build:       buildDynamic,
	},
	{
		Name:        "subgraph",
		Description: "Router that calls a weather subgraph with a breakpoint on its only node",
		Input:       graph.State{"city": "San Francisco"},
		build:       buildSubgraph,
	},
	{
		Name:        "approval",
		Description: "Asks for approval of a plan and waits for the answer",
		Input:       graph.State{"task": "deploy"},
		build:       buildApproval,
	},
}

// List returns the built-in examples in a stable order.
func List() []Example {
	return slices.Clone(registry)
}

// Names returns the example names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for _, e := range registry {
		names = append(names, e.Name)
	}
	return names
}

// Get returns the example called name.
func Get(name string) (Example, error) {
	for _, e := range registry {
		if e.Name == name {
			return e, nil
		}
	}
	return Example{}, &sgerrors.NotFoundError{
		Resource: "graph",
		ID:       name,
	}
}

// Exists checks if an example with the given name exists.
func Exists(name string) bool {
	_, err := Get(name)
	return err == nil
}

func record(name string) graph.NodeFunc {
	return func(_ context.Context, _ graph.State) (graph.State, error) {
		return graph.State{"steps": name}, nil
	}
}

func buildStatic(o Options) (*graph.CompiledGraph, error) {
	return graph.NewStateGraph().
		AddNode("step_1", record("step_1")).
		AddNode("step_2", record("step_2")).
		AddNode("step_3", record("step_3")).
		AddReducer("steps", graph.AppendReducer).
		SetEntryPoint("step_1").
		AddEdge("step_1", "step_2").
		AddEdge("step_2", "step_3").
		SetFinishPoint("step_3").
		Compile(o.rootOptions("static", graph.WithInterruptBefore("step_3"))...)
}

// MaxInputLength is the longest input the dynamic example accepts without
// halting.
const MaxInputLength = 5

// checkLength halts the graph when the input is too long. Resuming without
// changing the input halts again.
func checkLength(_ context.Context, s graph.State) (graph.State, error) {
	input, _ := s["input"].(string)
	if len(input) > MaxInputLength {
		return nil, graph.NewNodeInterrupt(
			fmt.Sprintf("Received input that is longer than %d characters: %s", MaxInputLength, input))
	}
	return graph.State{"steps": "step_2"}, nil
}

func buildDynamic(o Options) (*graph.CompiledGraph, error) {
	return graph.NewStateGraph().
		AddNode("step_1", record("step_1")).
		AddNode("step_2", checkLength).
		AddNode("step_3", record("step_3")).
		AddReducer("steps", graph.AppendReducer).
		SetEntryPoint("step_1").
		AddEdge("step_1", "step_2").
		AddEdge("step_2", "step_3").
		SetFinishPoint("step_3").
		Compile(o.rootOptions("dynamic")...)
}

func weather(_ context.Context, s graph.State) (graph.State, error) {
	city, _ := s["city"].(string)
	if city == "" {
		city = "an unknown city"
	}
	return graph.State{"weather": "It's sunny in " + city}, nil
}

func route(_ context.Context, s graph.State) (graph.State, error) {
	city, _ := s["city"].(string)
	return graph.State{"route": "weather", "city": strings.TrimSpace(city)}, nil
}

func buildSubgraph(o Options) (*graph.CompiledGraph, error) {
	sub, err := graph.NewStateGraph().
		AddNode("weather_node", weather).
		SetEntryPoint("weather_node").
		SetFinishPoint("weather_node").
		Compile(append(o.compileOptions("weather_graph"), graph.WithInterruptBefore("weather_node"))...)
	if err != nil {
		return nil, err
	}

	return graph.NewStateGraph().
		AddNode("router_node", route).
		AddSubgraph("weather_graph", sub).
		SetEntryPoint("router_node").
		AddExprEdge("router_node", `route == "weather"`, "weather_graph", graph.End).
		SetFinishPoint("weather_graph").
		Compile(o.rootOptions("subgraph")...)
}

func propose(_ context.Context, s graph.State) (graph.State, error) {
	task, _ := s["task"].(string)
	return graph.State{"plan": fmt.Sprintf("run %s in staging, then production", task)}, nil
}

// review asks for approval. A resume value of true, "yes" or "y" approves.
func review(ctx context.Context, s graph.State) (graph.State, error) {
	answer, err := graph.Interrupt(ctx, map[string]any{
		"question": "Approve this plan?",
		"plan":     s["plan"],
	})
	if err != nil {
		return nil, err
	}
	return graph.State{"approved": approved(answer)}, nil
}

func approved(answer any) bool {
	switch a := answer.(type) {
	case bool:
		return a
	case string:
		switch strings.ToLower(strings.TrimSpace(a)) {
		case "yes", "y", "true", "approve", "approved":
			return true
		}
	}
	return false
}

func execute(_ context.Context, s graph.State) (graph.State, error) {
	return graph.State{"result": fmt.Sprintf("executed: %v", s["plan"])}, nil
}

func reject(_ context.Context, _ graph.State) (graph.State, error) {
	return graph.State{"result": "plan rejected"}, nil
}

func buildApproval(o Options) (*graph.CompiledGraph, error) {
	return graph.NewStateGraph().
		AddNode("propose", propose).
		AddNode("review", review).
		AddNode("execute", execute).
		AddNode("reject", reject).
		SetEntryPoint("propose").
		AddEdge("propose", "review").
		AddExprEdge("review", "approved == true", "execute", "reject").
		SetFinishPoint("execute").
		SetFinishPoint("reject").
		Compile(o.rootOptions("approval")...)
}
