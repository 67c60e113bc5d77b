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

// Package thread implements the commands that inspect and edit a thread's
// checkpoints: state, history, update, delete and threads.
package thread

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/stepgraph/internal/backend"
	"github.com/tombee/stepgraph/internal/commands/shared"
	"github.com/tombee/stepgraph/pkg/checkpoint"
	"github.com/tombee/stepgraph/pkg/graph"
)

// withGraph opens a runtime, compiles the named graph and calls fn.
func withGraph(cmd *cobra.Command, name string, fn func(ctx context.Context, rt *shared.Runtime, g *graph.CompiledGraph) error) error {
	if err := shared.ValidateOutputFlags(); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := shared.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	g, err := rt.Graph(name)
	if err != nil {
		return err
	}
	return fn(ctx, rt, g)
}

// NewStateCommand creates the state command
func NewStateCommand() *cobra.Command {
	var (
		threadID     string
		namespace    string
		checkpointID string
		subgraphs    bool
	)

	cmd := &cobra.Command{
		Use:   "state <graph>",
		Short: "Show a thread's current state",
		Annotations: map[string]string{
			"group": "threads",
		},
		Long: `State shows the values, pending nodes and interrupts of a thread.

A subgraph that is paused appears as a pending task with its namespace.
Pass --subgraphs to include the subgraph's own state, or --ns with the
task's namespace to show only that subgraph.`,
		Example: `  stepgraph state subgraph --thread t1 --subgraphs
  stepgraph state static --thread t1 --jq .values`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd, args[0], func(ctx context.Context, rt *shared.Runtime, g *graph.CompiledGraph) error {
				cfg := rt.GraphConfig(threadID)
				cfg.Namespace = namespace
				cfg.CheckpointID = checkpointID

				var opts []graph.StateOption
				if subgraphs {
					opts = append(opts, graph.WithSubgraphs())
				}
				snap, err := g.GetState(ctx, cfg, opts...)
				if err != nil {
					return err
				}

				view := shared.NewSnapshotView(snap)
				if shared.Structured() {
					return shared.Emit(ctx, cmd.OutOrStdout(), view)
				}
				shared.PrintSnapshot(cmd.OutOrStdout(), view, "")
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID")
	cmd.Flags().StringVar(&namespace, "ns", "", "Checkpoint namespace of a subgraph task")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Show this checkpoint instead of the latest")
	cmd.Flags().BoolVar(&subgraphs, "subgraphs", false, "Include the state of paused subgraphs")
	_ = cmd.MarkFlagRequired("thread")

	return cmd
}

// NewHistoryCommand creates the history command
func NewHistoryCommand() *cobra.Command {
	var (
		threadID  string
		namespace string
		limit     int
		before    string
	)

	cmd := &cobra.Command{
		Use:   "history <graph>",
		Short: "List a thread's checkpoints, newest first",
		Annotations: map[string]string{
			"group": "threads",
		},
		Long: `History lists every checkpoint of a thread. Any checkpoint ID can be
passed to 'run --checkpoint' or 'resume --checkpoint' to fork the thread
from that point.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd, args[0], func(ctx context.Context, rt *shared.Runtime, g *graph.CompiledGraph) error {
				cfg := rt.GraphConfig(threadID)
				cfg.Namespace = namespace

				snaps, err := g.GetStateHistory(ctx, cfg, checkpoint.ListOptions{Limit: limit, Before: before})
				if err != nil {
					return err
				}

				views := make([]shared.SnapshotView, 0, len(snaps))
				for _, s := range snaps {
					views = append(views, shared.NewSnapshotView(s))
				}
				if shared.Structured() {
					return shared.Emit(ctx, cmd.OutOrStdout(), views)
				}

				out := cmd.OutOrStdout()
				if len(views) == 0 {
					fmt.Fprintf(out, "No checkpoints for thread %s\n", threadID)
					return nil
				}
				fmt.Fprintln(out, shared.RenderHeader(fmt.Sprintf("%-36s  %4s  %-6s  %-9s  %s", "CHECKPOINT", "STEP", "SOURCE", "HALT", "NEXT")))
				for _, v := range views {
					shared.PrintHistoryLine(out, v)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID")
	cmd.Flags().StringVar(&namespace, "ns", "", "Checkpoint namespace of a subgraph task")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum checkpoints to list")
	cmd.Flags().StringVar(&before, "before", "", "Only list checkpoints older than this one")
	_ = cmd.MarkFlagRequired("thread")

	return cmd
}

// NewUpdateCommand creates the update command
func NewUpdateCommand() *cobra.Command {
	var (
		threadID     string
		values       string
		sets         []string
		asNode       string
		checkpointID string
		namespace    string
	)

	cmd := &cobra.Command{
		Use:   "update <graph>",
		Short: "Edit a thread's state without running it",
		Annotations: map[string]string{
			"group": "threads",
		},
		Long: `Update writes a new checkpoint with the given values merged into the
state. Without --as-node the pending nodes are kept, so a paused thread can
be edited and then resumed. With --as-node the update is recorded as that
node's output and the next nodes follow from its edges.

Paused subgraphs receive the values too. Use --ns with a namespace from
'stepgraph state --subgraphs' to edit one subgraph only.`,
		Example: `  stepgraph update dynamic --thread t1 --set input=foo
  stepgraph update static --thread t1 --as-node step_3 --set done=true
  stepgraph update subgraph --thread t1 --ns 'weather_graph:<task-id>' --set city=Paris`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := shared.ParseState(values, sets, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withGraph(cmd, args[0], func(ctx context.Context, rt *shared.Runtime, g *graph.CompiledGraph) error {
				cfg := rt.GraphConfig(threadID)
				cfg.CheckpointID = checkpointID
				cfg.Namespace = namespace

				updated, err := g.UpdateState(ctx, cfg, state, asNode)
				if err != nil {
					return err
				}
				if shared.Structured() {
					return shared.Emit(ctx, cmd.OutOrStdout(), map[string]string{
						"thread_id":     updated.ThreadID,
						"checkpoint_ns": updated.Namespace,
						"checkpoint_id": updated.CheckpointID,
					})
				}
				if !shared.GetQuiet() {
					fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("thread %s updated (checkpoint %s)", updated.ThreadID, updated.CheckpointID)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID")
	cmd.Flags().StringVar(&values, "values", "", "Values mapping as YAML or JSON (@file or @- for stdin)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Value in key=value format")
	cmd.Flags().StringVar(&asNode, "as-node", "", "Record the update as this node's output")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Update this checkpoint, forking the thread")
	cmd.Flags().StringVar(&namespace, "ns", "", "Update the subgraph with this checkpoint namespace")
	_ = cmd.MarkFlagRequired("thread")

	return cmd
}

// NewDeleteCommand creates the delete command
func NewDeleteCommand() *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "delete <graph>",
		Short: "Delete every checkpoint of a thread",
		Annotations: map[string]string{
			"group": "threads",
		},
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd, args[0], func(ctx context.Context, _ *shared.Runtime, g *graph.CompiledGraph) error {
				if err := g.DeleteThread(ctx, threadID); err != nil {
					return err
				}
				if !shared.GetQuiet() && !shared.Structured() {
					fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("deleted thread "+threadID))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID")
	_ = cmd.MarkFlagRequired("thread")

	return cmd
}

// NewThreadsCommand creates the threads command
func NewThreadsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List threads in the checkpoint store",
		Annotations: map[string]string{
			"group": "threads",
		},
		Long: `Threads lists the thread IDs known to the configured checkpoint store.
Not every backend can enumerate its threads.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := shared.ValidateOutputFlags(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			rt, err := shared.NewRuntime(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

			threads, ok, err := backend.Threads(ctx, rt.Saver)
			if err != nil {
				return err
			}
			if !ok {
				return shared.NewInvalidInputError(
					fmt.Sprintf("the %s backend cannot list threads", rt.Config.Checkpoint.Backend), nil)
			}
			if threads == nil {
				threads = []string{}
			}

			if shared.Structured() {
				return shared.Emit(ctx, cmd.OutOrStdout(), threads)
			}
			for _, t := range threads {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	return cmd
}
