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

package errors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *sgerrors.ValidationError
		wantMsg string
	}{
		{
			name:    "with field",
			err:     &sgerrors.ValidationError{Field: "edge", Message: "unknown node \"x\""},
			wantMsg: "validation failed on edge: unknown node \"x\"",
		},
		{
			name:    "without field",
			err:     &sgerrors.ValidationError{Message: "graph has no entry point"},
			wantMsg: "validation failed: graph has no entry point",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &sgerrors.NotFoundError{Resource: "thread", ID: "t-1"}
	if got := err.Error(); got != "thread not found: t-1" {
		t.Errorf("NotFoundError.Error() = %q", got)
	}
	if !sgerrors.IsNotFound(fmt.Errorf("load: %w", err)) {
		t.Error("IsNotFound should see through wrapping")
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("yaml: line 3")
	err := &sgerrors.ConfigError{Key: "checkpoint.backend", Reason: "unknown backend", Cause: cause}

	if got := err.Error(); got != "config error at checkpoint.backend: unknown backend" {
		t.Errorf("ConfigError.Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("ConfigError should unwrap to its cause")
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &sgerrors.TimeoutError{Operation: "node step_1", Duration: 2 * time.Second}
	if got := err.Error(); got != "node step_1 operation timed out after 2s" {
		t.Errorf("TimeoutError.Error() = %q", got)
	}
}

func TestStorageError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &sgerrors.StorageError{Backend: "sqlite", Operation: "put", Cause: cause}
	if got := err.Error(); got != "sqlite checkpoint put failed: disk full" {
		t.Errorf("StorageError.Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("StorageError should unwrap to its cause")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), true},
		{"validation", &sgerrors.ValidationError{Message: "bad"}, false},
		{"wrapped not found", fmt.Errorf("x: %w", &sgerrors.NotFoundError{Resource: "node", ID: "a"}), false},
		{"timeout", &sgerrors.TimeoutError{Operation: "op"}, true},
		{"storage", &sgerrors.StorageError{Backend: "redis", Operation: "get"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sgerrors.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if sgerrors.Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	base := errors.New("base")
	err := sgerrors.Wrapf(base, "load thread %s", "t-1")
	if err.Error() != "load thread t-1: base" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	if !sgerrors.Is(err, base) {
		t.Error("Wrapf should preserve the chain")
	}
}
