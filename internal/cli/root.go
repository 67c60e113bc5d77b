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
	"github.com/spf13/cobra"

	"github.com/tombee/stepgraph/internal/commands/completion"
	configcmd "github.com/tombee/stepgraph/internal/commands/config"
	"github.com/tombee/stepgraph/internal/commands/graphs"
	"github.com/tombee/stepgraph/internal/commands/run"
	"github.com/tombee/stepgraph/internal/commands/shared"
	"github.com/tombee/stepgraph/internal/commands/thread"
	versioncmd "github.com/tombee/stepgraph/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command with the global flags and
// no subcommands.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stepgraph",
		Short: "stepgraph - interruptible graph execution",
		Long: `stepgraph runs step graphs that checkpoint after every super-step and
can pause before or after any node, or from inside a node, and be resumed
later from the stored checkpoint.

Run 'stepgraph graphs' to see the built-in graphs.
Run 'stepgraph run <graph> --sample' to try one.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	flags := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(flags.Verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(flags.Quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(flags.JSON, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVarP(flags.Output, "output", "o", "", "Output format: text, json or yaml")
	cmd.PersistentFlags().StringVar(flags.JQ, "jq", "", "jq filter applied to structured output")
	cmd.PersistentFlags().StringVar(flags.Config, "config", "", "Path to config file (default: ~/.config/stepgraph/config.yaml)")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	return cmd
}

// NewApp creates the root command with every subcommand registered.
func NewApp() *cobra.Command {
	rootCmd := NewRootCommand()

	// Execution
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(run.NewResumeCommand())
	rootCmd.AddCommand(graphs.NewCommand())

	// Threads
	rootCmd.AddCommand(thread.NewStateCommand())
	rootCmd.AddCommand(thread.NewHistoryCommand())
	rootCmd.AddCommand(thread.NewUpdateCommand())
	rootCmd.AddCommand(thread.NewDeleteCommand())
	rootCmd.AddCommand(thread.NewThreadsCommand())

	// Configuration
	rootCmd.AddCommand(configcmd.NewConfigCommand())

	rootCmd.AddCommand(completion.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with structured output
	rootCmd.SetHelpCommand(NewHelpCommand(rootCmd))

	completion.Register(rootCmd)

	return rootCmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
