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

package graph

import (
	"context"
	"strconv"
	"time"

	"github.com/tombee/stepgraph/pkg/checkpoint"
	sgerrors "github.com/tombee/stepgraph/pkg/errors"
	"github.com/tombee/stepgraph/pkg/graph/expression"
)

// Config selects the thread (and optionally the checkpoint) an operation
// works on.
type Config struct {
	// ThreadID names the checkpoint history to use. Required.
	ThreadID string

	// Namespace addresses a subgraph's checkpoints. Only GetState and
	// GetStateHistory accept a non-empty namespace.
	Namespace string

	// CheckpointID starts from a specific checkpoint instead of the latest.
	// Running from an older checkpoint forks the thread's history.
	CheckpointID string

	// RecursionLimit caps the super-steps of one invocation. Zero means
	// DefaultRecursionLimit.
	RecursionLimit int

	// InterruptBefore and InterruptAfter add breakpoints for this invocation
	// on top of those the graph was compiled with.
	InterruptBefore []string
	InterruptAfter  []string
}

func (c Config) validate() error {
	if c.ThreadID == "" {
		return &sgerrors.ValidationError{
			Field:      "thread_id",
			Message:    "thread_id is required",
			Suggestion: "set Config.ThreadID to identify the conversation or job",
		}
	}
	return nil
}

func (c Config) recursionLimit() int {
	if c.RecursionLimit > 0 {
		return c.RecursionLimit
	}
	return DefaultRecursionLimit
}

// Result is the outcome of one invocation.
type Result struct {
	// Values is the state after the last committed super-step.
	Values State

	// Next lists the nodes that will run when the thread is resumed.
	Next []string

	// Halt is why the run stopped early (one of the checkpoint.Halt
	// constants), or empty when the graph ran to completion.
	Halt string

	// Interrupts are the dynamic interrupts pending on the thread, including
	// those raised inside subgraphs.
	Interrupts []checkpoint.Interrupt

	// Config points at the checkpoint the run ended on.
	Config Config
}

// Interrupted reports whether the run paused instead of completing.
func (r *Result) Interrupted() bool {
	return r.Halt != checkpoint.HaltNone
}

// StateSnapshot is a view of a thread at one checkpoint.
type StateSnapshot struct {
	Values     State
	Next       []string
	Tasks      []TaskSnapshot
	Interrupts []checkpoint.Interrupt
	Metadata   checkpoint.Metadata
	CreatedAt  time.Time

	// Config addresses this checkpoint; ParentConfig the one before it.
	Config       Config
	ParentConfig *Config
}

// TaskSnapshot is a task due to run from a snapshot.
type TaskSnapshot struct {
	ID         string
	Name       string
	Interrupts []checkpoint.Interrupt
	Error      string

	// Checkpoint addresses the subgraph's own checkpoints when the task is
	// a subgraph.
	Checkpoint *Config

	// State holds the subgraph's snapshot when requested with WithSubgraphs.
	State *StateSnapshot
}

// StateOption configures GetState.
type StateOption func(*stateOptions)

type stateOptions struct {
	subgraphs bool
}

// WithSubgraphs fills TaskSnapshot.State for subgraph tasks, recursively.
func WithSubgraphs() StateOption {
	return func(o *stateOptions) {
		o.subgraphs = true
	}
}

// EventType classifies stream events.
type EventType string

const (
	// EventValues carries the full state after a super-step.
	EventValues EventType = "values"
	// EventUpdates carries one node's writes.
	EventUpdates EventType = "updates"
	// EventInterrupt reports that the graph halted.
	EventInterrupt EventType = "interrupt"
	// EventCheckpoint reports that a checkpoint was written.
	EventCheckpoint EventType = "checkpoint"
)

// Event is emitted while a graph runs.
type Event struct {
	Type EventType

	// Namespace is empty for the root graph and set for subgraph events.
	Namespace string

	// Node is set for update events.
	Node string

	Step         int
	CheckpointID string
	Values       State
	Halt         string
	Interrupts   []checkpoint.Interrupt
}

// NodeInfo describes the running task to a node.
type NodeInfo struct {
	ThreadID  string
	Namespace string
	Node      string
	TaskID    string
	Step      int
	Attempt   int
}

type nodeInfoKey struct{}

// NodeInfoFrom returns the task a node is running as, if ctx belongs to a
// running node.
func NodeInfoFrom(ctx context.Context) (NodeInfo, bool) {
	info, ok := ctx.Value(nodeInfoKey{}).(NodeInfo)
	return info, ok
}

// evaluator is shared by every expression edge.
var evaluator = expression.New()

func exprRouter(expr string) RouterFunc {
	return func(_ context.Context, state State) (string, error) {
		ok, err := evaluator.Evaluate(expr, state)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(ok), nil
	}
}
