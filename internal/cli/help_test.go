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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHelp(t *testing.T, args ...string) HelpResponse {
	t.Helper()
	root := NewApp()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"help"}, args...))
	require.NoError(t, root.Execute())

	var resp HelpResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
	return resp
}

func TestHelpCommand_AllCommands(t *testing.T) {
	resp := runHelp(t, "--json")

	names := make(map[string]CommandMetadata)
	for _, c := range resp.Commands {
		names[c.Name] = c
	}
	require.Contains(t, names, "run")
	assert.Equal(t, "execution", names["run"].Group)
	assert.Equal(t, "threads", names["state"].Group)

	var global []string
	for _, f := range resp.GlobalFlags {
		global = append(global, f.Name)
	}
	assert.Contains(t, global, "jq")
	assert.Contains(t, global, "config")
}

func TestHelpCommand_SingleCommand(t *testing.T) {
	resp := runHelp(t, "resume", "--json")

	require.NotNil(t, resp.Command)
	assert.Equal(t, "resume", resp.Command.Name)
	assert.Contains(t, resp.Command.Usage, "resume <graph>")
	assert.NotEmpty(t, resp.Command.Examples)

	flags := make(map[string]FlagMetadata)
	for _, f := range resp.Command.Flags {
		flags[f.Name] = f
	}
	require.Contains(t, flags, "thread")
	assert.True(t, flags["thread"].Required)
	assert.Equal(t, "t", flags["thread"].Shorthand)
	require.Contains(t, flags, "resume")
	assert.False(t, flags["resume"].Required)
	assert.NotContains(t, flags, "json", "global flags are listed separately")
}

func TestHelpCommand_Unknown(t *testing.T) {
	root := NewApp()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"help", "nonexistent", "--json"})
	assert.Error(t, root.Execute())
}

func TestHelpCommand_Text(t *testing.T) {
	root := NewApp()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "stepgraph")
	assert.Contains(t, buf.String(), "resume")
}
