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

/*
Package cli provides the root command for the stepgraph CLI.

This package creates the main Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	stepgraph
	├── run       Start a graph on a thread
	├── resume    Continue a paused thread
	├── graphs    List the built-in graphs
	├── state     Show a thread's current state
	├── history   List a thread's checkpoints
	├── update    Edit a thread's state
	├── delete    Delete a thread
	├── threads   List threads in the checkpoint store
	├── config    Show, init and validate configuration
	├── completion Generate shell completion scripts
	├── version   Show version
	└── help      Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	if err := cli.NewApp().Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

	--verbose, -v    Enable debug logging
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--output, -o     text, json or yaml
	--jq             jq filter applied to structured output
	--config         Path to config file

# Exit Codes

  - 0: Success, including a run that paused
  - 1: Graph execution failed
  - 2: Invalid arguments or graph input
  - 3: Thread, checkpoint or graph not found
  - 4: Invalid configuration
  - 5: Checkpoint store failure
*/
package cli
