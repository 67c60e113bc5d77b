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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		level     string
		format    Format
		addSource bool
	}{
		{
			name:   "defaults when no env vars",
			level:  "info",
			format: FormatJSON,
		},
		{
			name:    "LOG_LEVEL=DEBUG is case insensitive",
			envVars: map[string]string{"LOG_LEVEL": "DEBUG"},
			level:   "debug",
			format:  FormatJSON,
		},
		{
			name:    "STEPGRAPH_LOG_LEVEL wins over LOG_LEVEL",
			envVars: map[string]string{"LOG_LEVEL": "warn", "STEPGRAPH_LOG_LEVEL": "trace"},
			level:   "trace",
			format:  FormatJSON,
		},
		{
			name:      "STEPGRAPH_DEBUG wins over everything",
			envVars:   map[string]string{"STEPGRAPH_DEBUG": "1", "STEPGRAPH_LOG_LEVEL": "error"},
			level:     "debug",
			format:    FormatJSON,
			addSource: true,
		},
		{
			name:    "text format",
			envVars: map[string]string{"LOG_FORMAT": "TEXT"},
			level:   "info",
			format:  FormatText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"STEPGRAPH_DEBUG", "STEPGRAPH_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			if cfg.Level != tt.level {
				t.Errorf("Level = %q, want %q", cfg.Level, tt.level)
			}
			if cfg.Format != tt.format {
				t.Errorf("Format = %q, want %q", cfg.Format, tt.format)
			}
			if cfg.AddSource != tt.addSource {
				t.Errorf("AddSource = %v, want %v", cfg.AddSource, tt.addSource)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithThreadContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithThreadContext(logger, "t-1", "").Info("root")
	WithThreadContext(logger, "t-1", "inner:abc").Info("child")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var root, child map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &root); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &child); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if root[ThreadIDKey] != "t-1" {
		t.Errorf("expected thread_id on root entry, got %v", root)
	}
	if _, ok := root[NamespaceKey]; ok {
		t.Errorf("root entry should not carry a namespace: %v", root)
	}
	if child[NamespaceKey] != "inner:abc" {
		t.Errorf("expected namespace on child entry, got %v", child)
	}
}

func TestLogStep(t *testing.T) {
	tests := []struct {
		name    string
		rec     *StepRecord
		level   string
		message string
	}{
		{
			name:    "completed step logs at debug",
			rec:     &StepRecord{Step: 1, Nodes: []string{"a"}, CheckpointID: "cp"},
			level:   "DEBUG",
			message: "super-step completed",
		},
		{
			name:    "halt logs at info",
			rec:     &StepRecord{Step: 2, Nodes: []string{"b"}, Halt: "before"},
			level:   "INFO",
			message: "graph paused",
		},
		{
			name:    "failure logs at error",
			rec:     &StepRecord{Step: 3, Nodes: []string{"c"}, Err: errors.New("boom")},
			level:   "ERROR",
			message: "super-step failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			LogStep(New(&Config{Level: "debug", Output: &buf}), tt.rec)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["msg"] != tt.message {
				t.Errorf("msg = %v, want %s", entry["msg"], tt.message)
			}
			if entry[StepKey] != float64(tt.rec.Step) {
				t.Errorf("step = %v, want %d", entry[StepKey], tt.rec.Step)
			}
		})
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer

	Trace(New(&Config{Level: "debug", Output: &buf}), "hidden")
	if buf.Len() != 0 {
		t.Errorf("trace output should be suppressed at debug level")
	}

	Trace(New(&Config{Level: "trace", Output: &buf}), "shown", slog.String(NodeKey, "n"))
	if !strings.Contains(buf.String(), `"node":"n"`) {
		t.Errorf("expected trace entry, got %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should not be enabled at any level")
	}
}
