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

// Package checkpointtest provides a behavioural test suite that every
// checkpoint.Saver implementation must pass.
package checkpointtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepgraph/pkg/checkpoint"
	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

// Factory returns a fresh, empty saver for one subtest.
type Factory func(t *testing.T) checkpoint.Saver

// Run executes the conformance suite against savers built by newSaver.
func Run(t *testing.T, newSaver Factory) {
	t.Run("PutGetLatest", func(t *testing.T) { testPutGetLatest(t, newSaver(t)) })
	t.Run("GetByID", func(t *testing.T) { testGetByID(t, newSaver(t)) })
	t.Run("MissingThread", func(t *testing.T) { testMissing(t, newSaver(t)) })
	t.Run("NamespacesAreIsolated", func(t *testing.T) { testNamespaces(t, newSaver(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { testList(t, newSaver(t)) })
	t.Run("DeleteThread", func(t *testing.T) { testDeleteThread(t, newSaver(t)) })
	t.Run("RoundTripsInterrupts", func(t *testing.T) { testRoundTrip(t, newSaver(t)) })
	t.Run("RejectsInvalid", func(t *testing.T) { testRejectsInvalid(t, newSaver(t)) })
}

func put(t *testing.T, s checkpoint.Saver, threadID, ns string, values map[string]any) *checkpoint.Checkpoint {
	t.Helper()
	cp := &checkpoint.Checkpoint{
		ID:        checkpoint.NewID(),
		ThreadID:  threadID,
		Namespace: ns,
		Values:    values,
		Metadata:  checkpoint.Metadata{Source: checkpoint.SourceLoop},
	}
	require.NoError(t, s.Put(context.Background(), cp))
	return cp
}

func testPutGetLatest(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	put(t, s, "t1", "", map[string]any{"input": "a"})
	last := put(t, s, "t1", "", map[string]any{"input": "b"})

	got, err := s.Get(ctx, "t1", "", "")
	require.NoError(t, err)
	assert.Equal(t, last.ID, got.ID)
	assert.Equal(t, "b", got.Values["input"])
}

func testGetByID(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	first := put(t, s, "t1", "", map[string]any{"input": "a"})
	put(t, s, "t1", "", map[string]any{"input": "b"})

	got, err := s.Get(ctx, "t1", "", first.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Values["input"])

	_, err = s.Get(ctx, "t1", "", "no-such-id")
	assert.True(t, sgerrors.IsNotFound(err), "expected not found, got %v", err)
}

func testMissing(t *testing.T, s checkpoint.Saver) {
	_, err := s.Get(context.Background(), "nobody", "", "")
	require.Error(t, err)
	assert.True(t, sgerrors.IsNotFound(err), "expected not found, got %v", err)

	list, err := s.List(context.Background(), "nobody", "", checkpoint.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testNamespaces(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	ns := checkpoint.JoinNamespace("", "weather_graph", "task-1")
	put(t, s, "t1", "", map[string]any{"where": "outer"})
	put(t, s, "t1", ns, map[string]any{"where": "inner"})

	outer, err := s.Get(ctx, "t1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "outer", outer.Values["where"])

	inner, err := s.Get(ctx, "t1", ns, "")
	require.NoError(t, err)
	assert.Equal(t, "inner", inner.Values["where"])
	assert.Equal(t, ns, inner.Namespace)
}

func testList(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	var ids []string
	for _, v := range []string{"a", "b", "c", "d"} {
		ids = append(ids, put(t, s, "t1", "", map[string]any{"v": v}).ID)
	}

	all, err := s.List(ctx, "t1", "", checkpoint.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID)
	assert.Equal(t, ids[0], all[3].ID)

	limited, err := s.List(ctx, "t1", "", checkpoint.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[3], limited[0].ID)

	before, err := s.List(ctx, "t1", "", checkpoint.ListOptions{Before: ids[2]})
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, ids[1], before[0].ID)
}

func testDeleteThread(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	put(t, s, "t1", "", map[string]any{"v": 1})
	put(t, s, "t1", "sub:x", map[string]any{"v": 2})
	put(t, s, "t2", "", map[string]any{"v": 3})

	require.NoError(t, s.DeleteThread(ctx, "t1"))

	_, err := s.Get(ctx, "t1", "", "")
	assert.True(t, sgerrors.IsNotFound(err))
	_, err = s.Get(ctx, "t1", "sub:x", "")
	assert.True(t, sgerrors.IsNotFound(err))

	other, err := s.Get(ctx, "t2", "", "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, other.Values["v"])

	require.NoError(t, s.DeleteThread(ctx, "never-existed"))
}

func testRoundTrip(t *testing.T, s checkpoint.Saver) {
	ctx := context.Background()
	cp := &checkpoint.Checkpoint{
		ID:       checkpoint.NewID(),
		ThreadID: "t1",
		ParentID: "parent",
		Values:   map[string]any{"input": "hello world"},
		Next:     []string{"step_2"},
		Tasks: []checkpoint.Task{{
			ID:   "task-1",
			Name: "step_2",
			Interrupts: []checkpoint.Interrupt{{
				ID:    "int-1",
				Value: "Received input that is longer than 5 characters: hello world",
				When:  checkpoint.HaltInterrupt,
			}},
		}},
		PendingWrites: []checkpoint.PendingWrite{{TaskID: "task-0", Node: "a", Values: map[string]any{"x": "y"}}},
		Metadata:      checkpoint.Metadata{Source: checkpoint.SourceLoop, Step: 2, Halt: checkpoint.HaltInterrupt},
	}
	require.NoError(t, s.Put(ctx, cp))

	got, err := s.Get(ctx, "t1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "parent", got.ParentID)
	assert.Equal(t, []string{"step_2"}, got.Next)
	require.Len(t, got.Tasks, 1)
	require.Len(t, got.Tasks[0].Interrupts, 1)
	assert.Equal(t, cp.Tasks[0].Interrupts[0].Value, got.Tasks[0].Interrupts[0].Value)
	assert.Equal(t, checkpoint.HaltInterrupt, got.Metadata.Halt)
	assert.Equal(t, 2, got.Metadata.Step)
	require.Len(t, got.PendingWrites, 1)
	assert.Equal(t, "y", got.PendingWrites[0].Values["x"])
	assert.False(t, got.CreatedAt.IsZero())
}

func testRejectsInvalid(t *testing.T, s checkpoint.Saver) {
	err := s.Put(context.Background(), &checkpoint.Checkpoint{ID: checkpoint.NewID()})
	require.Error(t, err)
	var ve *sgerrors.ValidationError
	assert.ErrorAs(t, err, &ve)
}
