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

// Package run implements the run and resume commands.
package run

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/stepgraph/internal/commands/shared"
	"github.com/tombee/stepgraph/internal/examples"
)

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		threadID        string
		input           string
		sets            []string
		sample          bool
		interruptBefore []string
		interruptAfter  []string
		recursionLimit  int
		checkpointID    string
		stream          bool
	)

	cmd := &cobra.Command{
		Use:   "run <graph>",
		Short: "Start a graph on a thread",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run starts one of the built-in graphs with new input.

The run continues until the graph finishes or pauses at a breakpoint or an
interrupt. A paused thread is continued with 'stepgraph resume'.

Input:
  --input '{"input": "hello"}'   YAML or JSON mapping (@file, @- for stdin)
  --set key=value                Set one key (repeatable, applied after --input)
  --sample                       Use the graph's sample input

Breakpoints added here apply to this invocation only:
  --interrupt-before node        Pause before node runs ("*" for every node)
  --interrupt-after node         Pause after node runs`,
		Example: `  stepgraph run dynamic --thread t1 --set input=hello
  stepgraph run static --sample --interrupt-after step_1
  stepgraph run approval --thread review-7 --sample --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := shared.ParseState(input, sets, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if sample {
				ex, err := examples.Get(args[0])
				if err != nil {
					return shared.NewInvalidInputError("unknown graph "+args[0], err)
				}
				for k, v := range ex.Input {
					if _, ok := state[k]; !ok {
						state[k] = v
					}
				}
			}
			if len(state) == 0 {
				return shared.NewInvalidInputError("no input given", nil)
			}
			if threadID == "" {
				threadID = uuid.NewString()
			}

			return execute(cmd, invocation{
				graph:           args[0],
				threadID:        threadID,
				input:           state,
				checkpointID:    checkpointID,
				recursionLimit:  recursionLimit,
				interruptBefore: interruptBefore,
				interruptAfter:  interruptAfter,
				stream:          stream,
			})
		},
	}

	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID (default: a new UUID)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "Input mapping as YAML or JSON (@file or @- for stdin)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Input value in key=value format")
	cmd.Flags().BoolVar(&sample, "sample", false, "Fill missing input from the graph's sample input")
	cmd.Flags().StringSliceVar(&interruptBefore, "interrupt-before", nil, "Pause before these nodes")
	cmd.Flags().StringSliceVar(&interruptAfter, "interrupt-after", nil, "Pause after these nodes")
	cmd.Flags().IntVar(&recursionLimit, "recursion-limit", 0, "Maximum super-steps (default from config)")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Start from this checkpoint, forking the thread")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print events as the graph runs")

	return cmd
}
