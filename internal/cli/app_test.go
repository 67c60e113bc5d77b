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

package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepgraph/internal/commands/shared"
)

// useStore points the CLI at a fresh SQLite database so state survives
// between commands.
func useStore(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("STEPGRAPH_CHECKPOINT_BACKEND", "sqlite")
	t.Setenv("STEPGRAPH_SQLITE_PATH", filepath.Join(dir, "stepgraph.db"))
	t.Setenv("STEPGRAPH_TRACING_EXPORTER", "none")
	t.Setenv("LOG_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewApp()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func runJSON[T any](t *testing.T, args ...string) T {
	t.Helper()
	out, err := execute(t, append(args, "--json")...)
	require.NoError(t, err, out)
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestRun_DynamicShortInput(t *testing.T) {
	useStore(t)

	v := runJSON[shared.RunView](t, "run", "dynamic", "--thread", "short", "--set", "input=hello")
	assert.Equal(t, shared.StatusCompleted, v.Status)
	assert.Empty(t, v.Next)
	assert.Empty(t, v.Interrupts)
	assert.Equal(t, []any{"step_1", "step_2", "step_3"}, v.Values["steps"])
}

func TestRun_DynamicLongInput(t *testing.T) {
	useStore(t)

	v := runJSON[shared.RunView](t, "run", "dynamic", "--thread", "long", "--set", "input=hello world")
	assert.Equal(t, shared.StatusPaused, v.Status)
	assert.Equal(t, "interrupt", v.Halt)
	assert.Equal(t, []string{"step_2"}, v.Next)
	require.Len(t, v.Interrupts, 1)
	assert.Equal(t, "Received input that is longer than 5 characters: hello world", v.Interrupts[0].Value)

	again := runJSON[shared.RunView](t, "resume", "dynamic", "--thread", "long")
	assert.Equal(t, shared.StatusPaused, again.Status)
	assert.Equal(t, v.Next, again.Next)
	require.Len(t, again.Interrupts, 1)
	assert.Equal(t, v.Interrupts[0].Value, again.Interrupts[0].Value)

	done := runJSON[shared.RunView](t, "resume", "dynamic", "--thread", "long", "--set", "input=foo")
	assert.Equal(t, shared.StatusCompleted, done.Status)
	assert.Equal(t, "foo", done.Values["input"])
}

func TestRun_StaticBreakpointAndHistory(t *testing.T) {
	useStore(t)

	v := runJSON[shared.RunView](t, "run", "static", "--sample", "--thread", "s1")
	assert.Equal(t, "before", v.Halt)
	assert.Equal(t, []string{"step_3"}, v.Next)

	history := runJSON[[]shared.SnapshotView](t, "history", "static", "--thread", "s1")
	require.NotEmpty(t, history)
	assert.Equal(t, v.CheckpointID, history[0].CheckpointID)
	assert.Equal(t, "before", history[0].Halt)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i].CheckpointID, history[i-1].ParentID)
	}

	done := runJSON[shared.RunView](t, "resume", "static", "--thread", "s1")
	assert.Equal(t, shared.StatusCompleted, done.Status)
	assert.Equal(t, []any{"step_1", "step_2", "step_3"}, done.Values["steps"])
}

func TestRun_RuntimeBreakpoint(t *testing.T) {
	useStore(t)

	v := runJSON[shared.RunView](t, "run", "static", "--sample", "--thread", "rb", "--interrupt-after", "step_1")
	assert.Equal(t, "after", v.Halt)
	assert.Equal(t, []string{"step_2"}, v.Next)
}

func TestSubgraph_State(t *testing.T) {
	useStore(t)

	v := runJSON[shared.RunView](t, "run", "subgraph", "--sample", "--thread", "w1")
	assert.Equal(t, shared.StatusPaused, v.Status)
	assert.Equal(t, []string{"weather_graph"}, v.Next)

	snap := runJSON[shared.SnapshotView](t, "state", "subgraph", "--thread", "w1", "--subgraphs")
	require.Len(t, snap.Tasks, 1)
	task := snap.Tasks[0]
	assert.Equal(t, "weather_graph", task.Name)
	assert.True(t, strings.HasPrefix(task.Namespace, "weather_graph:"), task.Namespace)
	require.NotNil(t, task.State)
	assert.Equal(t, []string{"weather_node"}, task.State.Next)
	assert.Equal(t, "before", task.State.Halt)

	inner := runJSON[shared.SnapshotView](t, "state", "subgraph", "--thread", "w1", "--ns", task.Namespace)
	assert.Equal(t, task.Namespace, inner.Namespace)
	assert.Equal(t, []string{"weather_node"}, inner.Next)

	out, err := execute(t, "state", "subgraph", "--thread", "w1", "--jq", ".tasks[0].name")
	require.NoError(t, err)
	assert.Equal(t, "\"weather_graph\"\n", out)

	done := runJSON[shared.RunView](t, "resume", "subgraph", "--thread", "w1")
	assert.Equal(t, shared.StatusCompleted, done.Status)
	assert.Equal(t, "It's sunny in San Francisco", done.Values["weather"])
}

func TestSubgraph_UpdateNamespace(t *testing.T) {
	useStore(t)

	runJSON[shared.RunView](t, "run", "subgraph", "--sample", "--thread", "w2")
	snap := runJSON[shared.SnapshotView](t, "state", "subgraph", "--thread", "w2")
	require.Len(t, snap.Tasks, 1)
	ns := snap.Tasks[0].Namespace

	updated := runJSON[map[string]string](t, "update", "subgraph", "--thread", "w2", "--ns", ns, "--set", "city=Paris")
	assert.Equal(t, ns, updated["checkpoint_ns"])

	inner := runJSON[shared.SnapshotView](t, "state", "subgraph", "--thread", "w2", "--ns", ns)
	assert.Equal(t, "Paris", inner.Values["city"])
	assert.Equal(t, []string{"weather_node"}, inner.Next)

	done := runJSON[shared.RunView](t, "resume", "subgraph", "--thread", "w2")
	assert.Equal(t, shared.StatusCompleted, done.Status)
	assert.Equal(t, "It's sunny in Paris", done.Values["weather"])
}

func TestApproval(t *testing.T) {
	useStore(t)

	v := runJSON[shared.RunView](t, "run", "approval", "--sample", "--thread", "a1")
	require.Len(t, v.Interrupts, 1)
	assert.True(t, v.Interrupts[0].Resumable)

	done := runJSON[shared.RunView](t, "resume", "approval", "--thread", "a1", "--resume", "yes")
	assert.Equal(t, "executed: run deploy in staging, then production", done.Values["result"])
}

func TestApproval_AnswerByID(t *testing.T) {
	useStore(t)

	v := runJSON[shared.RunView](t, "run", "approval", "--sample", "--thread", "a2")
	require.Len(t, v.Interrupts, 1)

	done := runJSON[shared.RunView](t, "resume", "approval", "--thread", "a2", "--answer", v.Interrupts[0].ID+"=no")
	assert.Equal(t, "plan rejected", done.Values["result"])
}

func TestUpdateThreadsAndDelete(t *testing.T) {
	useStore(t)

	runJSON[shared.RunView](t, "run", "static", "--sample", "--thread", "d1")
	runJSON[shared.RunView](t, "run", "dynamic", "--sample", "--thread", "d2")

	updated := runJSON[map[string]string](t, "update", "static", "--thread", "d1", "--set", "note=edited")
	assert.NotEmpty(t, updated["checkpoint_id"])

	snap := runJSON[shared.SnapshotView](t, "state", "static", "--thread", "d1")
	assert.Equal(t, "edited", snap.Values["note"])
	assert.Equal(t, []string{"step_3"}, snap.Next)
	assert.Equal(t, "update", snap.Source)

	threads := runJSON[[]string](t, "threads")
	assert.ElementsMatch(t, []string{"d1", "d2"}, threads)

	_, err := execute(t, "delete", "static", "--thread", "d1")
	require.NoError(t, err)

	empty := runJSON[shared.SnapshotView](t, "state", "static", "--thread", "d1")
	assert.Empty(t, empty.CheckpointID)
	assert.Equal(t, []string{"d2"}, runJSON[[]string](t, "threads"))
}

func TestRun_TextOutput(t *testing.T) {
	useStore(t)

	out, err := execute(t, "run", "dynamic", "--thread", "text", "--set", "input=hello world")
	require.NoError(t, err)
	assert.Contains(t, out, "dynamic paused (interrupt) on thread text")
	assert.Contains(t, out, "Received input that is longer than 5 characters")
	assert.Contains(t, out, "stepgraph resume dynamic --thread text")
}

func TestRun_Stream(t *testing.T) {
	useStore(t)

	out, err := execute(t, "run", "static", "--sample", "--thread", "st", "--stream", "--json")
	require.NoError(t, err)

	var types []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &ev), line)
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, "updates")
	assert.Contains(t, types, "checkpoint")
	assert.Equal(t, "interrupt", types[len(types)-1])
}

func TestGraphs_YAML(t *testing.T) {
	out, err := execute(t, "graphs", "dynamic", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "name: dynamic")
	assert.Contains(t, out, "- step_2")
}

func TestErrors(t *testing.T) {
	useStore(t)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown graph", []string{"run", "nope", "--set", "a=1"}, shared.ExitInvalidInput},
		{"no input", []string{"run", "static"}, shared.ExitInvalidInput},
		{"bad output format", []string{"graphs", "-o", "xml"}, shared.ExitInvalidInput},
		{"bad jq", []string{"graphs", "--jq", ".["}, shared.ExitInvalidInput},
		{"unknown breakpoint", []string{"run", "static", "--sample", "--interrupt-before", "missing"}, shared.ExitInvalidInput},
		{"resume empty thread", []string{"resume", "static", "--thread", "never"}, shared.ExitInvalidInput},
		{"unknown graph listing", []string{"graphs", "nope"}, shared.ExitNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, shared.ExitCode(err), err.Error())
		})
	}
}

func TestConfigFile(t *testing.T) {
	useStore(t)
	t.Setenv("STEPGRAPH_CHECKPOINT_BACKEND", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "checkpoint:\n  backend: file\n  dir: " + filepath.Join(dir, "cps") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	v := runJSON[shared.RunView](t, "run", "static", "--sample", "--thread", "f1", "--config", path)
	assert.Equal(t, shared.StatusPaused, v.Status)

	entries, err := os.ReadDir(filepath.Join(dir, "cps"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestCompletion(t *testing.T) {
	useStore(t)

	out, err := execute(t, "completion", "bash")
	require.NoError(t, err)
	assert.Contains(t, out, "stepgraph")

	out, err = execute(t, "__complete", "run", "")
	require.NoError(t, err)
	assert.Contains(t, out, "static\t")
	assert.Contains(t, out, "approval\t")

	out, err = execute(t, "__complete", "run", "static", "--interrupt-before", "")
	require.NoError(t, err)
	assert.Contains(t, out, "step_3")
}

func TestConfigPath(t *testing.T) {
	useStore(t)

	out, err := execute(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "stepgraph", "config.yaml")+"\n", out)
}
