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
	"context"
	"log/slog"
)

// StepRecord describes one finished super-step.
type StepRecord struct {
	// Step is the super-step number recorded in the checkpoint metadata.
	Step int

	// Nodes are the nodes that ran (or were due to run when halted before).
	Nodes []string

	// CheckpointID is the checkpoint written at the end of the step.
	CheckpointID string

	// Halt is the halt reason, empty when the run continues.
	Halt string

	// DurationMs is the wall time of the step in milliseconds.
	DurationMs int64

	// Err is the failure that ended the step, if any.
	Err error
}

// LogStep logs a super-step outcome. Failures log at error level, halts at
// info, ordinary steps at debug.
func LogStep(logger *slog.Logger, rec *StepRecord) {
	attrs := []slog.Attr{
		slog.String(EventKey, "super_step"),
		slog.Int(StepKey, rec.Step),
		slog.Any("nodes", rec.Nodes),
		slog.Int64(DurationKey, rec.DurationMs),
	}
	if rec.CheckpointID != "" {
		attrs = append(attrs, slog.String(CheckpointIDKey, rec.CheckpointID))
	}

	level := slog.LevelDebug
	message := "super-step completed"

	switch {
	case rec.Err != nil:
		attrs = append(attrs, Error(rec.Err))
		level = slog.LevelError
		message = "super-step failed"
	case rec.Halt != "":
		attrs = append(attrs, slog.String("halt", rec.Halt))
		level = slog.LevelInfo
		message = "graph paused"
	}

	logger.LogAttrs(context.Background(), level, message, attrs...)
}
