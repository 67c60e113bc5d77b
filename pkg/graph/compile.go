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

package graph

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/stepgraph/pkg/checkpoint"
	"github.com/tombee/stepgraph/pkg/checkpoint/memory"
	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

// MaxNestingDepth is the deepest a subgraph may be embedded.
const MaxNestingDepth = 5

// DefaultRecursionLimit caps the super-steps of one invocation.
const DefaultRecursionLimit = 25

// CompileOption configures a compiled graph.
type CompileOption func(*CompiledGraph)

// WithCheckpointer sets where the graph stores checkpoints. A root graph
// without one uses a process-local memory saver; a subgraph without one
// uses its parent's.
func WithCheckpointer(s checkpoint.Saver) CompileOption {
	return func(g *CompiledGraph) {
		g.saver = s
	}
}

// WithInterruptBefore pauses the graph before any of nodes runs.
func WithInterruptBefore(nodes ...string) CompileOption {
	return func(g *CompiledGraph) {
		g.before = append(g.before, nodes...)
	}
}

// WithInterruptAfter pauses the graph after any of nodes runs.
func WithInterruptAfter(nodes ...string) CompileOption {
	return func(g *CompiledGraph) {
		g.after = append(g.after, nodes...)
	}
}

// WithRetryPolicy sets the retry policy for nodes that have none of their own.
func WithRetryPolicy(policy RetryPolicy) CompileOption {
	return func(g *CompiledGraph) {
		g.retry = &policy
	}
}

// WithName names the graph in logs, spans and metrics.
func WithName(name string) CompileOption {
	return func(g *CompiledGraph) {
		g.name = name
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) CompileOption {
	return func(g *CompiledGraph) {
		g.logger = logger
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the otel global.
func WithTracerProvider(tp trace.TracerProvider) CompileOption {
	return func(g *CompiledGraph) {
		g.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider. Defaults to the otel global.
func WithMeterProvider(mp metric.MeterProvider) CompileOption {
	return func(g *CompiledGraph) {
		g.meterProvider = mp
	}
}

// CompiledGraph is an immutable, runnable graph. It is safe for concurrent
// use; invocations on the same thread are serialised.
type CompiledGraph struct {
	name     string
	nodes    map[string]*node
	order    []string
	edges    map[string][]string
	branches map[string][]*branch
	reducers map[string]Reducer

	saver    checkpoint.Saver
	ownSaver bool
	before   []string
	after    []string
	retry    *RetryPolicy

	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	metrics        *instruments

	locks sync.Map
}

// Compile validates the definition and returns a runnable graph. The
// definition may be reused after compiling.
func (g *StateGraph) Compile(opts ...CompileOption) (*CompiledGraph, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}

	cg := &CompiledGraph{
		name:     "graph",
		nodes:    maps.Clone(g.nodes),
		order:    slices.Clone(g.order),
		edges:    make(map[string][]string, len(g.edges)),
		branches: make(map[string][]*branch, len(g.branches)),
		reducers: maps.Clone(g.reducers),
	}
	for k, v := range g.edges {
		cg.edges[k] = slices.Clone(v)
	}
	for k, v := range g.branches {
		cg.branches[k] = slices.Clone(v)
	}

	for _, opt := range opts {
		opt(cg)
	}

	for _, n := range append(slices.Clone(cg.before), cg.after...) {
		if n != All && cg.nodes[n] == nil {
			return nil, &sgerrors.ValidationError{
				Field:   "interrupt",
				Message: fmt.Sprintf("breakpoint on unknown node %q", n),
			}
		}
	}
	if levels := cg.depth() - 1; levels > MaxNestingDepth {
		return nil, &sgerrors.ValidationError{
			Field:   "subgraph",
			Message: fmt.Sprintf("subgraphs nested %d deep, maximum is %d", levels, MaxNestingDepth),
		}
	}

	if cg.saver != nil {
		cg.ownSaver = true
	} else {
		cg.saver = memory.New()
	}
	if cg.logger == nil {
		cg.logger = slog.Default()
	}
	if cg.tracerProvider == nil {
		cg.tracerProvider = otel.GetTracerProvider()
	}
	if cg.meterProvider == nil {
		cg.meterProvider = otel.GetMeterProvider()
	}
	cg.tracer = cg.tracerProvider.Tracer(instrumentationName)

	metrics, err := newInstruments(cg.meterProvider)
	if err != nil {
		cg.logger.Warn("failed to create graph metrics, continuing without them", "error", err)
		metrics = noopInstruments()
	}
	cg.metrics = metrics

	return cg, nil
}

// Name returns the graph's name.
func (g *CompiledGraph) Name() string { return g.name }

// Nodes returns the node names in declaration order.
func (g *CompiledGraph) Nodes() []string { return slices.Clone(g.order) }

// Checkpointer returns the saver the graph was compiled with, or nil.
func (g *CompiledGraph) Checkpointer() checkpoint.Saver {
	if !g.ownSaver {
		return nil
	}
	return g.saver
}

// saverFor picks the saver a subgraph run uses.
func (g *CompiledGraph) saverFor(parent checkpoint.Saver) checkpoint.Saver {
	if g.ownSaver {
		return g.saver
	}
	return parent
}

// depth returns how many subgraph levels sit below this graph, counting itself.
func (g *CompiledGraph) depth() int {
	deepest := 0
	for _, n := range g.nodes {
		if n.subgraph != nil {
			deepest = max(deepest, n.subgraph.depth())
		}
	}
	return deepest + 1
}

// threadLock serialises invocations on one thread.
func (g *CompiledGraph) threadLock(threadID string) *sync.Mutex {
	mu, _ := g.locks.LoadOrStore(threadID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func breakpointSet(nodes []string) map[string]bool {
	set := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		set[n] = true
	}
	return set
}

func matches(set map[string]bool, node string) bool {
	return set[All] || set[node]
}
