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
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/stepgraph/pkg/graph"
)

// ParseValue decodes a flag value as YAML, which also accepts JSON. A value
// starting with @ is read from the named file, and @- from stdin.
func ParseValue(raw string, stdin io.Reader) (any, error) {
	if rest, ok := strings.CutPrefix(raw, "@"); ok {
		var (
			data []byte
			err  error
		)
		if rest == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(rest)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", raw, err)
		}
		raw = string(data)
	}

	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("failed to parse value: %w", err)
	}
	return v, nil
}

// ParseState builds a state from an optional document (see ParseValue) and
// key=value assignments applied on top of it.
func ParseState(doc string, sets []string, stdin io.Reader) (graph.State, error) {
	state := graph.State{}
	if doc != "" {
		v, err := ParseValue(doc, stdin)
		if err != nil {
			return nil, NewInvalidInputError("invalid input", err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, NewInvalidInputError(fmt.Sprintf("input must be a mapping, got %T", v), nil)
		}
		for k, val := range m {
			state[k] = val
		}
	}

	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return nil, NewInvalidInputError(fmt.Sprintf("invalid assignment %q, expected key=value", s), nil)
		}
		v, err := ParseValue(raw, stdin)
		if err != nil {
			return nil, NewInvalidInputError(fmt.Sprintf("invalid value for %s", key), err)
		}
		if v == nil {
			v = raw
		}
		state[key] = v
	}
	return state, nil
}
