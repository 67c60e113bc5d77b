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
	"context"
	"fmt"

	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

// Reserved node names marking where a graph begins and ends.
const (
	Start = "__start__"
	End   = "__end__"
)

// All selects every node when passed to WithInterruptBefore or WithInterruptAfter.
const All = "*"

// State is the shared mapping every node reads and updates.
type State map[string]any

// NodeFunc is the body of a node. It receives a private copy of the state
// which it may mutate in place, and may return a partial update that is
// merged over it. Returning an interrupt error pauses the graph.
type NodeFunc func(ctx context.Context, state State) (State, error)

// RouterFunc picks the next node (or a label mapped through a path map) from
// the state produced by the step that just ran.
type RouterFunc func(ctx context.Context, state State) (string, error)

// Reducer combines the current value of a state key with an update.
type Reducer func(current, update any) any

// NodeOption configures a single node.
type NodeOption func(*node)

// WithNodeRetry overrides the graph's retry policy for one node.
func WithNodeRetry(policy RetryPolicy) NodeOption {
	return func(n *node) {
		n.retry = &policy
	}
}

type node struct {
	name     string
	fn       NodeFunc
	subgraph *CompiledGraph
	retry    *RetryPolicy
}

type branch struct {
	router  RouterFunc
	pathMap map[string]string
}

// StateGraph declares nodes and edges. Definition errors are collected and
// reported by Compile.
type StateGraph struct {
	nodes    map[string]*node
	order    []string
	edges    map[string][]string
	branches map[string][]*branch
	reducers map[string]Reducer
	errs     []error
}

// NewStateGraph creates an empty graph definition.
func NewStateGraph() *StateGraph {
	return &StateGraph{
		nodes:    make(map[string]*node),
		edges:    make(map[string][]string),
		branches: make(map[string][]*branch),
		reducers: make(map[string]Reducer),
	}
}

// AddNode registers a function node.
func (g *StateGraph) AddNode(name string, fn NodeFunc, opts ...NodeOption) *StateGraph {
	if fn == nil {
		g.fail("node", "node %q has a nil function", name)
		return g
	}
	n := &node{name: name, fn: fn}
	for _, opt := range opts {
		opt(n)
	}
	g.addNode(n)
	return g
}

// AddSubgraph registers an independently compiled graph as a node. The
// subgraph keeps the breakpoints it was compiled with and checkpoints under
// its own namespace on the caller's thread.
func (g *StateGraph) AddSubgraph(name string, sub *CompiledGraph, opts ...NodeOption) *StateGraph {
	if sub == nil {
		g.fail("node", "subgraph %q is nil", name)
		return g
	}
	n := &node{name: name, subgraph: sub}
	for _, opt := range opts {
		opt(n)
	}
	g.addNode(n)
	return g
}

func (g *StateGraph) addNode(n *node) {
	switch {
	case n.name == "":
		g.fail("node", "node name is required")
	case n.name == Start || n.name == End || n.name == All:
		g.fail("node", "node name %q is reserved", n.name)
	case g.nodes[n.name] != nil:
		g.fail("node", "node %q already exists", n.name)
	default:
		g.nodes[n.name] = n
		g.order = append(g.order, n.name)
	}
}

// AddEdge adds a static edge. Use Start and End for the graph boundaries.
func (g *StateGraph) AddEdge(from, to string) *StateGraph {
	if from == End {
		g.fail("edge", "End cannot have outgoing edges")
		return g
	}
	if to == Start {
		g.fail("edge", "Start cannot be an edge target")
		return g
	}
	for _, existing := range g.edges[from] {
		if existing == to {
			return g
		}
	}
	g.edges[from] = append(g.edges[from], to)
	return g
}

// AddConditionalEdges routes from a node using router. When pathMap is
// non-nil the router's result is looked up in it; otherwise the result must
// be a node name or End.
func (g *StateGraph) AddConditionalEdges(from string, router RouterFunc, pathMap map[string]string) *StateGraph {
	if router == nil {
		g.fail("edge", "conditional edge from %q has a nil router", from)
		return g
	}
	g.branches[from] = append(g.branches[from], &branch{router: router, pathMap: pathMap})
	return g
}

// AddExprEdge routes from a node to ifTrue when the expr-lang expression
// holds for the new state, and to ifFalse otherwise.
func (g *StateGraph) AddExprEdge(from, expression, ifTrue, ifFalse string) *StateGraph {
	if expression == "" {
		g.fail("edge", "expression edge from %q is empty", from)
		return g
	}
	b := &branch{
		router:  exprRouter(expression),
		pathMap: map[string]string{
			"true":  ifTrue,
			"false": ifFalse,
		},
	}
	g.branches[from] = append(g.branches[from], b)
	return g
}

// SetEntryPoint is shorthand for AddEdge(Start, name).
func (g *StateGraph) SetEntryPoint(name string) *StateGraph {
	return g.AddEdge(Start, name)
}

// SetFinishPoint is shorthand for AddEdge(name, End).
func (g *StateGraph) SetFinishPoint(name string) *StateGraph {
	return g.AddEdge(name, End)
}

// AddReducer sets how updates to key are combined with its current value.
// Without a reducer an update replaces the value.
func (g *StateGraph) AddReducer(key string, r Reducer) *StateGraph {
	if r == nil {
		g.fail("reducer", "reducer for %q is nil", key)
		return g
	}
	g.reducers[key] = r
	return g
}

// validate checks edges against declared nodes.
func (g *StateGraph) validate() error {
	if len(g.errs) > 0 {
		return g.errs[0]
	}
	if len(g.nodes) == 0 {
		return &sgerrors.ValidationError{Field: "graph", Message: "graph has no nodes"}
	}
	if len(g.edges[Start]) == 0 && len(g.branches[Start]) == 0 {
		return &sgerrors.ValidationError{
			Field:      "graph",
			Message:    "graph has no entry point",
			Suggestion: "call SetEntryPoint or AddEdge(graph.Start, ...)",
		}
	}

	for from, tos := range g.edges {
		if from != Start && g.nodes[from] == nil {
			return &sgerrors.ValidationError{Field: "edge", Message: fmt.Sprintf("unknown source node %q", from)}
		}
		for _, to := range tos {
			if to != End && g.nodes[to] == nil {
				return &sgerrors.ValidationError{Field: "edge", Message: fmt.Sprintf("unknown target node %q", to)}
			}
		}
	}
	for from, bs := range g.branches {
		if from != Start && g.nodes[from] == nil {
			return &sgerrors.ValidationError{Field: "edge", Message: fmt.Sprintf("unknown source node %q", from)}
		}
		for _, b := range bs {
			for label, to := range b.pathMap {
				if to != End && g.nodes[to] == nil {
					return &sgerrors.ValidationError{
						Field:   "edge",
						Message: fmt.Sprintf("path %q from %q targets unknown node %q", label, from, to),
					}
				}
			}
		}
	}
	return nil
}

func (g *StateGraph) fail(field, format string, args ...any) {
	g.errs = append(g.errs, &sgerrors.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}
