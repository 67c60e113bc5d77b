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
	"errors"
	"fmt"
	"io"
	"os"

	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

// Exit codes for stepgraph commands
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidInput    = 2
	ExitNotFound        = 3
	ExitConfigError     = 4
	ExitStorageError    = 5
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for graph execution failures
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitExecutionFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewInvalidInputError creates an error for bad arguments or flag values
func NewInvalidInputError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidInput,
		Message: msg,
		Cause:   cause,
	}
}

// ExitCode maps an error to the process exit code. ExitError codes win;
// otherwise the typed errors from pkg/errors are classified.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var (
		validationErr *sgerrors.ValidationError
		configErr     *sgerrors.ConfigError
		storageErr    *sgerrors.StorageError
	)
	switch {
	case errors.As(err, &validationErr):
		return ExitInvalidInput
	case sgerrors.IsNotFound(err):
		return ExitNotFound
	case errors.As(err, &configErr):
		return ExitConfigError
	case errors.As(err, &storageErr):
		return ExitStorageError
	default:
		return ExitExecutionFailed
	}
}

// HandleExitError prints err and exits with its code. It returns without
// exiting when err is nil.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

// PrintError writes err, and the suggestion of a validation error in its
// chain, to w.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())

	var validationErr *sgerrors.ValidationError
	if errors.As(err, &validationErr) && validationErr.Suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", validationErr.Suggestion)
	}
}
