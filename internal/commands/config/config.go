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


// Package config implements the stepgraph config command.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/stepgraph/internal/commands/shared"
	"github.com/tombee/stepgraph/internal/config"
)

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "config",
		Annotations: map[string]string{
			"group": "configuration",
		},
		Short: "View and manage configuration",
		Long: `View and manage stepgraph configuration.

Subcommands:
  show     - Display the effective configuration
  path     - Show config file location
  init     - Write a default config file
  validate - Check the config file`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigPathCommand())
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(NewValidateCommand())

	// If no subcommand provided, default to 'show'
	cmd.RunE = runConfigShow

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration: the config file, defaults and
environment overrides combined.

Passwords in the postgres connection string and the redis password are masked.`,
		Args: cobra.NoArgs,
		RunE: runConfigShow,
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvePath()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
}

func newConfigInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Example: `  # Create ~/.config/stepgraph/config.yaml
  stepgraph config init

  # Write somewhere else
  stepgraph --config ./stepgraph.yaml config init --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvePath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return shared.NewInvalidInputError(
					fmt.Sprintf("config file already exists at %s (use --force to overwrite)", path), nil)
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			if shared.Structured() {
				return shared.Emit(cmd.Context(), cmd.OutOrStdout(), map[string]string{"path": path})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Wrote "+path))
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func resolvePath() (string, error) {
	if path := shared.GetConfigPath(); path != "" {
		return path, nil
	}
	path, err := config.ConfigPath()
	if err != nil {
		return "", fmt.Errorf("failed to determine config path: %w", err)
	}
	return path, nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if err := shared.ValidateOutputFlags(); err != nil {
		return err
	}
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	masked := maskSensitiveConfig(cfg)

	if shared.Structured() {
		// Round trip through YAML so keys match the config file.
		raw, err := yaml.Marshal(masked)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		var generic map[string]any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("failed to decode config: %w", err)
		}
		return shared.Emit(cmd.Context(), cmd.OutOrStdout(), generic)
	}

	out := cmd.OutOrStdout()
	source := shared.GetConfigPath()
	if source == "" {
		source = "defaults"
		if p, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				source = p
			}
		}
	}
	fmt.Fprintln(out, shared.RenderHeader("Configuration: "+source))
	fmt.Fprintln(out)

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(masked); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// maskSensitiveConfig creates a copy of config with credentials masked.
func maskSensitiveConfig(cfg *config.Config) *config.Config {
	masked := *cfg
	masked.Checkpoint.Postgres.ConnectionString = maskURL(cfg.Checkpoint.Postgres.ConnectionString)
	masked.Checkpoint.Redis.Password = maskSecret(cfg.Checkpoint.Redis.Password)
	return &masked
}

// maskURL hides the password of a connection URL. Strings that are not URLs
// are returned unchanged.
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return s
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

// NewValidateCommand creates the 'config validate' subcommand.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the configuration file after defaults and environment
overrides are applied.

Checks performed:
  - YAML syntax and structure
  - Log level and format
  - The checkpoint backend and its required settings
  - Retry, tracing and execution bounds`,
		Example: `  # Validate configuration
  stepgraph config validate

  # Get validation result as JSON
  stepgraph config validate --json`,
		Args: cobra.NoArgs,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	if err := shared.ValidateOutputFlags(); err != nil {
		return err
	}
	path, err := resolvePath()
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return shared.NewInvalidInputError(
			fmt.Sprintf("no configuration file found at %s\nRun 'stepgraph config init' to create one", path), nil)
	}

	_, loadErr := config.Load(path)
	result := ValidationResult{Valid: loadErr == nil, Path: path}
	if loadErr != nil {
		result.Error = loadErr.Error()
	}

	if shared.Structured() {
		if err := shared.Emit(cmd.Context(), cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if loadErr != nil {
			return &shared.ExitError{Code: shared.ExitConfigError, Message: "configuration is invalid", Cause: loadErr}
		}
		return nil
	}

	if loadErr != nil {
		return loadErr
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Configuration is valid: "+path))
	return err
}
