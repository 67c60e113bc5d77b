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

package examples

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepgraph/pkg/checkpoint"
	"github.com/tombee/stepgraph/pkg/checkpoint/memory"
	sgerrors "github.com/tombee/stepgraph/pkg/errors"
	"github.com/tombee/stepgraph/pkg/graph"
)

func build(t *testing.T, name string) *graph.CompiledGraph {
	t.Helper()
	ex, err := Get(name)
	require.NoError(t, err)
	g, err := ex.Build(Options{Saver: memory.New()})
	require.NoError(t, err)
	return g
}

func TestList(t *testing.T) {
	assert.Equal(t, []string{"static", "dynamic", "subgraph", "approval"}, Names())
	for _, ex := range List() {
		assert.NotEmpty(t, ex.Description, ex.Name)
		assert.NotEmpty(t, ex.Input, ex.Name)
		_, err := ex.Build(Options{})
		assert.NoError(t, err, ex.Name)
	}
}

func TestGet_Unknown(t *testing.T) {
	_, err := Get("nonexistent")
	assert.True(t, sgerrors.IsNotFound(err))
	assert.False(t, Exists("nonexistent"))
	assert.True(t, Exists("static"))
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	g := build(t, "static")
	cfg := graph.Config{ThreadID: "static-1"}

	res, err := g.Run(ctx, graph.State{"input": "hello world"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.HaltBefore, res.Halt)
	assert.Equal(t, []string{"step_3"}, res.Next)
	assert.Equal(t, []any{"step_1", "step_2"}, res.Values["steps"])

	res, err = g.Run(ctx, nil, cfg)
	require.NoError(t, err)
	assert.False(t, res.Interrupted())
	assert.Equal(t, []any{"step_1", "step_2", "step_3"}, res.Values["steps"])
}

func TestDynamic(t *testing.T) {
	ctx := context.Background()
	g := build(t, "dynamic")

	t.Run("short input completes", func(t *testing.T) {
		res, err := g.Run(ctx, graph.State{"input": "hello"}, graph.Config{ThreadID: "short"})
		require.NoError(t, err)
		assert.False(t, res.Interrupted())
		assert.Empty(t, res.Next)
		assert.Empty(t, res.Interrupts)
	})

	t.Run("long input halts until updated", func(t *testing.T) {
		cfg := graph.Config{ThreadID: "long"}
		res, err := g.Run(ctx, graph.State{"input": "hello world"}, cfg)
		require.NoError(t, err)
		assert.Equal(t, checkpoint.HaltInterrupt, res.Halt)
		assert.Equal(t, []string{"step_2"}, res.Next)
		require.Len(t, res.Interrupts, 1)
		assert.Equal(t, "Received input that is longer than 5 characters: hello world", res.Interrupts[0].Value)

		again, err := g.Run(ctx, nil, cfg)
		require.NoError(t, err)
		assert.Equal(t, res.Next, again.Next)
		require.Len(t, again.Interrupts, 1)
		assert.Equal(t, res.Interrupts[0].Value, again.Interrupts[0].Value)

		_, err = g.UpdateState(ctx, cfg, graph.State{"input": "foo"}, "")
		require.NoError(t, err)
		done, err := g.Run(ctx, nil, cfg)
		require.NoError(t, err)
		assert.False(t, done.Interrupted())
		assert.Equal(t, []any{"step_1", "step_2", "step_3"}, done.Values["steps"])
	})
}

func TestSubgraph(t *testing.T) {
	ctx := context.Background()
	g := build(t, "subgraph")
	cfg := graph.Config{ThreadID: "weather"}

	res, err := g.Run(ctx, graph.State{"city": "San Francisco"}, cfg)
	require.NoError(t, err)
	assert.True(t, res.Interrupted())
	assert.Equal(t, []string{"weather_graph"}, res.Next)

	snap, err := g.GetState(ctx, cfg, graph.WithSubgraphs())
	require.NoError(t, err)
	require.Len(t, snap.Tasks, 1)
	inner := snap.Tasks[0].State
	require.NotNil(t, inner)
	assert.Equal(t, []string{"weather_node"}, inner.Next)

	res, err = g.Run(ctx, nil, cfg)
	require.NoError(t, err)
	assert.False(t, res.Interrupted())
	assert.Equal(t, "It's sunny in San Francisco", res.Values["weather"])
}

func TestApproval(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		answer any
		result string
	}{
		{"yes", "executed: run deploy in staging, then production"},
		{true, "executed: run deploy in staging, then production"},
		{"no", "plan rejected"},
	}

	for _, tt := range tests {
		g := build(t, "approval")
		cfg := graph.Config{ThreadID: "approval"}

		res, err := g.Run(ctx, graph.State{"task": "deploy"}, cfg)
		require.NoError(t, err)
		require.Len(t, res.Interrupts, 1)
		assert.True(t, res.Interrupts[0].Resumable)

		res, err = g.Run(ctx, &graph.Command{Resume: tt.answer}, cfg)
		require.NoError(t, err)
		assert.False(t, res.Interrupted())
		assert.Equal(t, tt.result, res.Values["result"])
	}
}
