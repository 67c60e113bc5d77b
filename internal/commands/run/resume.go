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

package run

import (
	"github.com/spf13/cobra"

	"github.com/tombee/stepgraph/internal/commands/shared"
	"github.com/tombee/stepgraph/pkg/graph"
)

// NewResumeCommand creates the resume command
func NewResumeCommand() *cobra.Command {
	var (
		threadID        string
		resume          string
		answers         []string
		update          string
		sets            []string
		interruptBefore []string
		interruptAfter  []string
		recursionLimit  int
		checkpointID    string
		stream          bool
	)

	cmd := &cobra.Command{
		Use:   "resume <graph>",
		Short: "Continue a paused thread",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Resume continues a thread from its latest checkpoint (or --checkpoint).

Without flags the pending nodes run again. A node that raised an interrupt
that is not a question will raise it again unless the state is changed
first with --update or --set.

Answers to questions asked by a node:
  --resume yes                 Hand the value to every pending question
  --answer <id>=<value>        Answer one question by interrupt ID (repeatable)`,
		Example: `  stepgraph resume static --thread t1
  stepgraph resume dynamic --thread t1 --set input=foo
  stepgraph resume approval --thread review-7 --resume yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resume != "" && len(answers) > 0 {
				return shared.NewInvalidInputError("--resume and --answer cannot be combined", nil)
			}

			var command graph.Command
			if resume != "" {
				v, err := shared.ParseValue(resume, cmd.InOrStdin())
				if err != nil {
					return shared.NewInvalidInputError("invalid --resume value", err)
				}
				command.Resume = v
			}
			if len(answers) > 0 {
				byID, err := shared.ParseState("", answers, cmd.InOrStdin())
				if err != nil {
					return err
				}
				command.Resume = map[string]any(byID)
			}
			if update != "" || len(sets) > 0 {
				values, err := shared.ParseState(update, sets, cmd.InOrStdin())
				if err != nil {
					return err
				}
				command.Update = values
			}

			var input any
			if command.Resume != nil || command.Update != nil {
				input = &command
			}

			return execute(cmd, invocation{
				graph:           args[0],
				threadID:        threadID,
				input:           input,
				checkpointID:    checkpointID,
				recursionLimit:  recursionLimit,
				interruptBefore: interruptBefore,
				interruptAfter:  interruptAfter,
				stream:          stream,
			})
		},
	}

	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID to resume")
	cmd.Flags().StringVar(&resume, "resume", "", "Resume value as YAML or JSON (@file or @- for stdin)")
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "Resume value for one interrupt in id=value format")
	cmd.Flags().StringVar(&update, "update", "", "State update applied before resuming")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "State value in key=value format applied before resuming")
	cmd.Flags().StringSliceVar(&interruptBefore, "interrupt-before", nil, "Pause before these nodes")
	cmd.Flags().StringSliceVar(&interruptAfter, "interrupt-after", nil, "Pause after these nodes")
	cmd.Flags().IntVar(&recursionLimit, "recursion-limit", 0, "Maximum super-steps (default from config)")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Resume from this checkpoint, forking the thread")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print events as the graph runs")
	_ = cmd.MarkFlagRequired("thread")

	return cmd
}
