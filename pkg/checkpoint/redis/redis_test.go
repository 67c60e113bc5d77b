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

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepgraph/pkg/checkpoint"
	"github.com/tombee/stepgraph/pkg/checkpoint/checkpointtest"
)

func newTestSaver(t *testing.T, ttl time.Duration) (*Saver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(context.Background(), Config{Addr: mr.Addr(), TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisSaver_Conformance(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T) checkpoint.Saver {
		s, _ := newTestSaver(t, 0)
		return s
	})
}

func TestRedisSaver_KeyLayout(t *testing.T) {
	s, mr := newTestSaver(t, 0)
	ctx := context.Background()

	cp := &checkpoint.Checkpoint{ID: checkpoint.NewID(), ThreadID: "t1", Namespace: "sub:x"}
	require.NoError(t, s.Put(ctx, cp))

	assert.True(t, mr.Exists("stepgraph:cp:t1:sub%3Ax:"+cp.ID))
	assert.True(t, mr.Exists("stepgraph:idx:t1:sub%3Ax"))
	members, err := mr.SMembers("stepgraph:ns:t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub:x"}, members)
}

func TestRedisSaver_SeparatorInComponents(t *testing.T) {
	s, _ := newTestSaver(t, 0)
	ctx := context.Background()

	// Unescaped, both pairs map to the index key "stepgraph:idx:a:b:c".
	first := &checkpoint.Checkpoint{ID: checkpoint.NewID(), ThreadID: "a:b", Namespace: "c"}
	second := &checkpoint.Checkpoint{ID: checkpoint.NewID(), ThreadID: "a", Namespace: "b:c"}
	require.NoError(t, s.Put(ctx, first))
	require.NoError(t, s.Put(ctx, second))

	got, err := s.Get(ctx, "a:b", "c", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = s.Get(ctx, "a", "b:c", "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	list, err := s.List(ctx, "a", "b:c", checkpoint.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	require.NoError(t, s.DeleteThread(ctx, "a"))
	got, err = s.Get(ctx, "a:b", "c", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestRedisSaver_TTL(t *testing.T) {
	s, mr := newTestSaver(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &checkpoint.Checkpoint{ID: checkpoint.NewID(), ThreadID: "t1"}))
	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "t1", "", "")
	require.Error(t, err)
}

func TestRedisSaver_ConnectFailure(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1"})
	require.Error(t, err)
}
