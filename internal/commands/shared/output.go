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

package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/tombee/stepgraph/internal/jq"
)

// Output formats accepted by --output.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ValidateOutputFlags checks --output and --jq before a command does any work.
func ValidateOutputFlags() error {
	switch outputFlag {
	case "", FormatText, FormatJSON, FormatYAML:
	default:
		return NewInvalidInputError(fmt.Sprintf("unknown output format %q", outputFlag), nil)
	}
	if err := jq.NewExecutor(0, 0).Validate(jqFlag); err != nil {
		return NewInvalidInputError("invalid --jq filter", err)
	}
	return nil
}

// Structured reports whether the command should emit data instead of text.
func Structured() bool {
	return GetOutputFormat() != FormatText
}

// Emit writes v in the selected structured format after applying the --jq
// filter. Field names follow the json tags in both formats.
func Emit(ctx context.Context, w io.Writer, v any) error {
	data, err := jq.NewExecutor(0, 0).Execute(ctx, jqFlag, v)
	if err != nil {
		return NewInvalidInputError("jq filter failed", err)
	}

	if GetOutputFormat() == FormatYAML {
		generic, err := toGeneric(data)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// toGeneric converts v to maps and slices so the YAML encoder sees json
// field names.
func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode output: %w", err)
	}
	return out, nil
}

// compact renders a state value on one line.
func compact(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
