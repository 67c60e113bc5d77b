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


package completion

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stepgraph/internal/backend"
	"github.com/tombee/stepgraph/internal/commands/shared"
	"github.com/tombee/stepgraph/internal/examples"
	"github.com/tombee/stepgraph/pkg/graph"
)

// storeTimeout bounds the checkpoint store query behind thread completion.
const storeTimeout = 500 * time.Millisecond

// SafeCompletionWrapper wraps a completion function with panic recovery.
// Returns empty completion list on panic or error.
func SafeCompletionWrapper(fn func() ([]string, cobra.ShellCompDirective)) (results []string, directive cobra.ShellCompDirective) {
	results = []string{}
	directive = cobra.ShellCompDirectiveNoFileComp

	defer func() {
		if r := recover(); r != nil {
			results = []string{}
			directive = cobra.ShellCompDirectiveNoFileComp
		}
	}()

	results, directive = fn()
	if results == nil {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return results, directive
}

// CompleteGraphs completes the <graph> argument with the built-in graphs.
func CompleteGraphs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		var out []string
		for _, ex := range examples.List() {
			out = append(out, ex.Name+"\t"+ex.Description)
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteNodes completes breakpoint flags with the nodes of the graph named
// in the first argument.
func CompleteNodes(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		ex, err := examples.Get(args[0])
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		g, err := ex.Build(examples.Options{})
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return append(g.Nodes(), graph.All+"\tevery node"), cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteThreadIDs completes --thread from the configured checkpoint store,
// when the store can list its threads.
func CompleteThreadIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		rt, err := shared.NewRuntime(ctx)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		defer func() { _ = rt.Close(ctx) }()

		threads, _, err := backend.Threads(ctx, rt.Saver)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return threads, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteOutputFormats completes --output.
func CompleteOutputFormats(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{
		shared.FormatText + "\tHuman-readable output",
		shared.FormatJSON + "\tJSON",
		shared.FormatYAML + "\tYAML",
	}, cobra.ShellCompDirectiveNoFileComp
}

// Register attaches the completion functions to the command tree.
func Register(root *cobra.Command) {
	_ = root.RegisterFlagCompletionFunc("output", CompleteOutputFormats)

	for _, cmd := range root.Commands() {
		if !strings.Contains(cmd.Use, "<graph>") && !strings.Contains(cmd.Use, "[name]") {
			continue
		}
		cmd.ValidArgsFunction = CompleteGraphs
		if cmd.Flags().Lookup("thread") != nil {
			_ = cmd.RegisterFlagCompletionFunc("thread", CompleteThreadIDs)
		}
		for _, name := range []string{"interrupt-before", "interrupt-after", "as-node"} {
			if cmd.Flags().Lookup(name) != nil {
				_ = cmd.RegisterFlagCompletionFunc(name, CompleteNodes)
			}
		}
	}
}
