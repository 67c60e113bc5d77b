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

package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sgerrors "github.com/tombee/stepgraph/pkg/errors"
	"github.com/tombee/stepgraph/pkg/graph"
)

func noop(_ context.Context, _ graph.State) (graph.State, error) {
	return nil, nil
}

func TestCompile_Validation(t *testing.T) {
	tests := []struct {
		name  string
		build func() *graph.StateGraph
		opts  []graph.CompileOption
		field string
	}{
		{
			name:  "no nodes",
			build: graph.NewStateGraph,
			field: "graph",
		},
		{
			name: "no entry point",
			build: func() *graph.StateGraph {
				return graph.NewStateGraph().AddNode("a", noop)
			},
			field: "graph",
		},
		{
			name: "duplicate node",
			build: func() *graph.StateGraph {
				return graph.NewStateGraph().AddNode("a", noop).AddNode("a", noop).SetEntryPoint("a")
			},
			field: "node",
		},
		{
			name: "reserved name",
			build: func() *graph.StateGraph {
				return graph.NewStateGraph().AddNode(graph.End, noop)
			},
			field: "node",
		},
		{
			name: "nil function",
			build: func() *graph.StateGraph {
				return graph.NewStateGraph().AddNode("a", nil)
			},
			field: "node",
		},
		{
			name: "edge to unknown node",
			build: func() *graph.StateGraph {
				return graph.NewStateGraph().AddNode("a", noop).SetEntryPoint("a").AddEdge("a", "b")
			},
			field: "edge",
		},
		{
			name: "path map to unknown node",
			build: func() *graph.StateGraph {
				router := func(context.Context, graph.State) (string, error) { return "x", nil }
				return graph.NewStateGraph().AddNode("a", noop).SetEntryPoint("a").
					AddConditionalEdges("a", router, map[string]string{"x": "missing"})
			},
			field: "edge",
		},
		{
			name: "breakpoint on unknown node",
			build: func() *graph.StateGraph {
				return graph.NewStateGraph().AddNode("a", noop).SetEntryPoint("a")
			},
			opts:  []graph.CompileOption{graph.WithInterruptBefore("missing")},
			field: "interrupt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Compile(tt.opts...)
			var ve *sgerrors.ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCompile_NestingDepth(t *testing.T) {
	inner, err := graph.NewStateGraph().AddNode("leaf", noop).SetEntryPoint("leaf").Compile()
	require.NoError(t, err)

	// Wrap the leaf graph MaxNestingDepth times; one more level must fail.
	current := inner
	for i := 0; i < graph.MaxNestingDepth; i++ {
		current, err = graph.NewStateGraph().AddSubgraph("sub", current).SetEntryPoint("sub").Compile()
		require.NoError(t, err, "level %d", i+1)
	}

	_, err = graph.NewStateGraph().AddSubgraph("sub", current).SetEntryPoint("sub").Compile()
	var ve *sgerrors.ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	assert.Equal(t, "subgraph", ve.Field)
}

func TestCompiledGraph_Accessors(t *testing.T) {
	g, err := graph.NewStateGraph().
		AddNode("first", noop).
		AddNode("second", noop).
		SetEntryPoint("first").
		AddEdge("first", "second").
		Compile(graph.WithName("pipeline"))
	require.NoError(t, err)

	assert.Equal(t, "pipeline", g.Name())
	assert.Equal(t, []string{"first", "second"}, g.Nodes())
	assert.Nil(t, g.Checkpointer(), "graph compiled without a checkpointer")
}

func TestConditionalEdges(t *testing.T) {
	router := func(_ context.Context, s graph.State) (string, error) {
		if s["count"].(int) > 1 {
			return "many", nil
		}
		return "one", nil
	}
	set := func(key string) graph.NodeFunc {
		return func(_ context.Context, s graph.State) (graph.State, error) {
			return graph.State{"took": key}, nil
		}
	}

	g, err := graph.NewStateGraph().
		AddNode("count", noop).
		AddNode("single", set("single")).
		AddNode("plural", set("plural")).
		SetEntryPoint("count").
		AddConditionalEdges("count", router, map[string]string{"one": "single", "many": "plural"}).
		SetFinishPoint("single").
		SetFinishPoint("plural").
		Compile()
	require.NoError(t, err)

	out, err := g.Invoke(context.Background(), graph.State{"count": 3}, graph.Config{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "plural", out["took"])

	out, err = g.Invoke(context.Background(), graph.State{"count": 1}, graph.Config{ThreadID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, "single", out["took"])
}

func TestConditionalEdges_UnmappedPath(t *testing.T) {
	router := func(context.Context, graph.State) (string, error) { return "nowhere", nil }
	g, err := graph.NewStateGraph().
		AddNode("a", noop).
		AddNode("b", noop).
		SetEntryPoint("a").
		AddConditionalEdges("a", router, map[string]string{"b": "b"}).
		Compile()
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), graph.State{}, graph.Config{ThreadID: "t"})
	var ve *sgerrors.ValidationError
	assert.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
}

func TestExprEdge(t *testing.T) {
	mark := func(key string) graph.NodeFunc {
		return func(_ context.Context, _ graph.State) (graph.State, error) {
			return graph.State{"route": key}, nil
		}
	}

	g, err := graph.NewStateGraph().
		AddNode("check", noop).
		AddNode("long", mark("long")).
		AddNode("short", mark("short")).
		SetEntryPoint("check").
		AddExprEdge("check", `len(input) > 5`, "long", "short").
		Compile()
	require.NoError(t, err)

	out, err := g.Invoke(context.Background(), graph.State{"input": "hello world"}, graph.Config{ThreadID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "long", out["route"])

	out, err = g.Invoke(context.Background(), graph.State{"input": "hello"}, graph.Config{ThreadID: "b"})
	require.NoError(t, err)
	assert.Equal(t, "short", out["route"])
}

func TestInvoke_RequiresThreadID(t *testing.T) {
	g, err := graph.NewStateGraph().AddNode("a", noop).SetEntryPoint("a").Compile()
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), graph.State{}, graph.Config{})
	var ve *sgerrors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "thread_id", ve.Field)
}

func TestInvoke_UnsupportedInput(t *testing.T) {
	g, err := graph.NewStateGraph().AddNode("a", noop).SetEntryPoint("a").Compile()
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), "hello", graph.Config{ThreadID: "t"})
	var ve *sgerrors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "input", ve.Field)
}

func TestInvoke_EmptyInputOnNewThread(t *testing.T) {
	g, err := graph.NewStateGraph().AddNode("a", noop).SetEntryPoint("a").Compile()
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), nil, graph.Config{ThreadID: "fresh"})
	assert.ErrorIs(t, err, graph.ErrEmptyInput)
}
