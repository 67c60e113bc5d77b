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

// Package checkpoint defines the persisted snapshot of a graph thread and the
// Saver interface implemented by the storage backends.
//
// # Keys
//
// Checkpoints are keyed by (thread ID, namespace, checkpoint ID). The root
// graph uses the empty namespace; an embedded subgraph checkpoints under
// "node:taskID", nested namespaces are joined with "|". Checkpoint IDs are
// UUIDv7 strings, so lexical order is creation order and the greatest ID in a
// (thread, namespace) pair is its latest checkpoint.
//
// # Backends
//
//   - memory: process-local, for tests and one-shot runs
//   - file: one JSON file per checkpoint under a directory
//   - sqlite: single-node persistent store
//   - postgres: shared store for multiple processes
//   - redis: shared store with key-per-checkpoint and a lexical index
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

// Halt reasons recorded in Metadata.Halt.
const (
	// HaltNone means the super-step finished without pausing.
	HaltNone = ""
	// HaltBefore means the run paused before executing the Next nodes.
	HaltBefore = "before"
	// HaltAfter means the run paused after a breakpoint node executed.
	HaltAfter = "after"
	// HaltInterrupt means a node raised a dynamic interrupt.
	HaltInterrupt = "interrupt"
)

// Checkpoint sources recorded in Metadata.Source.
const (
	SourceInput  = "input"
	SourceLoop   = "loop"
	SourceUpdate = "update"
	SourceFork   = "fork"
)

// Namespace separators.
const (
	NamespaceSeparator = "|"
	NamespaceEnd       = ":"
)

// Interrupt is a pause signal recorded against a task.
type Interrupt struct {
	// ID identifies the interrupt so a resume value can be addressed to it.
	ID string `json:"id"`

	// Value is the payload supplied by the node (or the breakpoint reason).
	Value any `json:"value,omitempty"`

	// Resumable reports whether a resume value is handed back to the node.
	Resumable bool `json:"resumable"`

	// Namespace is the checkpoint namespace of the graph that raised it.
	Namespace string `json:"ns,omitempty"`

	// When is one of HaltBefore, HaltAfter or HaltInterrupt.
	When string `json:"when"`
}

// Task is a node scheduled in the next super-step.
type Task struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Interrupts []Interrupt `json:"interrupts,omitempty"`

	// Resume holds answers to this task's resumable interrupts, in the order
	// the node raised them.
	Resume []any `json:"resume,omitempty"`

	Error string `json:"error,omitempty"`
}

// PendingWrite is the update of a task that completed in a super-step which
// was later interrupted. It is applied on resume instead of re-running the task.
type PendingWrite struct {
	TaskID string         `json:"task_id"`
	Node   string         `json:"node"`
	Values map[string]any `json:"values,omitempty"`
}

// Metadata describes how a checkpoint was produced.
type Metadata struct {
	Source string `json:"source"`
	Step   int    `json:"step"`
	Halt   string `json:"halt,omitempty"`

	// Writes maps node name to the update it produced in this step.
	Writes map[string]map[string]any `json:"writes,omitempty"`
}

// Checkpoint is a snapshot of a thread: its state, the nodes to run next, and
// any interrupts pending against those nodes.
type Checkpoint struct {
	ID            string         `json:"id"`
	ThreadID      string         `json:"thread_id"`
	Namespace     string         `json:"checkpoint_ns"`
	ParentID      string         `json:"parent_id,omitempty"`
	Values        map[string]any `json:"values"`
	Next          []string       `json:"next,omitempty"`
	Tasks         []Task         `json:"tasks,omitempty"`
	PendingWrites []PendingWrite `json:"pending_writes,omitempty"`
	Metadata      Metadata       `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Interrupts returns every interrupt pending on the checkpoint's tasks.
func (c *Checkpoint) Interrupts() []Interrupt {
	var out []Interrupt
	for _, t := range c.Tasks {
		out = append(out, t.Interrupts...)
	}
	return out
}

// ListOptions filters Saver.List.
type ListOptions struct {
	// Limit caps the number of checkpoints returned. Zero means no limit.
	Limit int

	// Before only returns checkpoints older than this checkpoint ID.
	Before string
}

// Saver persists checkpoints. Implementations must be safe for concurrent use.
type Saver interface {
	// Put stores a checkpoint. ThreadID and ID must be set.
	Put(ctx context.Context, cp *Checkpoint) error

	// Get loads a checkpoint. An empty id loads the latest checkpoint of the
	// (thread, namespace) pair. Missing checkpoints yield *errors.NotFoundError.
	Get(ctx context.Context, threadID, ns, id string) (*Checkpoint, error)

	// List returns checkpoints of a (thread, namespace) pair, newest first.
	List(ctx context.Context, threadID, ns string, opts ListOptions) ([]*Checkpoint, error)

	// DeleteThread removes every checkpoint of a thread in every namespace.
	DeleteThread(ctx context.Context, threadID string) error
}

// NewID returns a time-ordered checkpoint ID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Marshal encodes a checkpoint for storage.
func Marshal(cp *Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a stored checkpoint.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.Values == nil {
		cp.Values = make(map[string]any)
	}
	return &cp, nil
}

// Clone returns a deep copy made through the storage encoding, so callers see
// exactly what a persistent backend would return.
func Clone(cp *Checkpoint) (*Checkpoint, error) {
	data, err := Marshal(cp)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// JoinNamespace appends a child segment to a parent namespace.
func JoinNamespace(parent, node, taskID string) string {
	seg := node + NamespaceEnd + taskID
	if parent == "" {
		return seg
	}
	return parent + NamespaceSeparator + seg
}

// NotFound builds the error returned for a missing checkpoint.
func NotFound(threadID, ns, id string) error {
	key := threadID
	if ns != "" {
		key += "/" + ns
	}
	if id != "" {
		key += "/" + id
	}
	return &sgerrors.NotFoundError{Resource: "checkpoint", ID: key}
}

// NamespaceDepth returns how many graphs deep a namespace is. The root is 0.
func NamespaceDepth(ns string) int {
	if ns == "" {
		return 0
	}
	return strings.Count(ns, NamespaceSeparator) + 1
}

// Validate checks the fields every backend relies on.
func Validate(cp *Checkpoint) error {
	if cp == nil {
		return &sgerrors.ValidationError{Field: "checkpoint", Message: "checkpoint is nil"}
	}
	if cp.ThreadID == "" {
		return &sgerrors.ValidationError{Field: "thread_id", Message: "thread_id is required"}
	}
	if cp.ID == "" {
		return &sgerrors.ValidationError{Field: "id", Message: "checkpoint id is required"}
	}
	return nil
}
