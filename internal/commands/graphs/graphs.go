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

// Package graphs implements the graphs command.
package graphs

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/stepgraph/internal/commands/shared"
	"github.com/tombee/stepgraph/internal/examples"
	"github.com/tombee/stepgraph/pkg/checkpoint/memory"
	"github.com/tombee/stepgraph/pkg/graph"
)

// GraphInfo describes a built-in graph
type GraphInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Nodes       []string    `json:"nodes"`
	SampleInput graph.State `json:"sample_input"`
}

// NewCommand creates the graphs command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graphs [name]",
		Short: "List the built-in graphs",
		Annotations: map[string]string{
			"group": "execution",
		},
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := shared.ValidateOutputFlags(); err != nil {
				return err
			}

			list := examples.List()
			if len(args) == 1 {
				ex, err := examples.Get(args[0])
				if err != nil {
					return err
				}
				list = []examples.Example{ex}
			}

			infos := make([]GraphInfo, 0, len(list))
			for _, ex := range list {
				g, err := ex.Build(examples.Options{Saver: memory.New()})
				if err != nil {
					return fmt.Errorf("failed to compile %s: %w", ex.Name, err)
				}
				infos = append(infos, GraphInfo{
					Name:        ex.Name,
					Description: ex.Description,
					Nodes:       g.Nodes(),
					SampleInput: ex.Input,
				})
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if shared.Structured() {
				return shared.Emit(ctx, cmd.OutOrStdout(), infos)
			}

			out := cmd.OutOrStdout()
			for _, info := range infos {
				fmt.Fprintf(out, "%s  %s\n", shared.RenderHeader(fmt.Sprintf("%-10s", info.Name)), info.Description)
				fmt.Fprintf(out, "            %s %s\n", shared.RenderLabel("nodes:"), strings.Join(info.Nodes, " → "))
			}
			return nil
		},
	}
	return cmd
}
