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
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/tombee/stepgraph/pkg/checkpoint"
)

// interruptNamespace seeds the deterministic interrupt and task IDs.
var interruptNamespace = uuid.MustParse("6f1c2a7e-4b0d-5c39-9a51-3d8e0f27b6c4")

// NodeInterrupt is returned by a node to pause the graph. The node's writes
// for the step are discarded and the node runs again from the start when the
// thread is resumed, so a node that keeps returning it stays paused until its
// input changes (for example through UpdateState).
type NodeInterrupt struct {
	Value any
}

// NewNodeInterrupt creates an interrupt carrying value, typically a message
// for whoever inspects the paused thread.
func NewNodeInterrupt(value any) *NodeInterrupt {
	return &NodeInterrupt{Value: value}
}

func (e *NodeInterrupt) Error() string {
	return fmt.Sprintf("node interrupt: %v", e.Value)
}

// resumableInterrupt is raised by Interrupt when no resume value is available.
type resumableInterrupt struct {
	interrupt checkpoint.Interrupt
}

func (e *resumableInterrupt) Error() string {
	return fmt.Sprintf("interrupt %s: %v", e.interrupt.ID, e.interrupt.Value)
}

// GraphInterrupt reports that a graph halted. It is returned by a subgraph to
// its parent and carries the interrupts pending inside it.
type GraphInterrupt struct {
	// Halt is the checkpoint halt reason of the graph that stopped.
	Halt string

	// Interrupts are the dynamic interrupts pending in that graph.
	Interrupts []checkpoint.Interrupt
}

func (e *GraphInterrupt) Error() string {
	return fmt.Sprintf("graph halted (%s) with %d pending interrupt(s)", e.Halt, len(e.Interrupts))
}

// IsInterrupt reports whether err pauses the graph rather than failing it.
func IsInterrupt(err error) bool {
	var ni *NodeInterrupt
	var ri *resumableInterrupt
	var gi *GraphInterrupt
	return errors.As(err, &ni) || errors.As(err, &ri) || errors.As(err, &gi)
}

// Command resumes a paused thread.
type Command struct {
	// Resume answers pending resumable interrupts. A map[string]any whose keys
	// are interrupt IDs addresses interrupts individually; any other value is
	// handed to every task that has a resumable interrupt pending.
	Resume any

	// Update is merged into the state before the thread continues.
	Update State
}

// Interrupt pauses the calling node until the thread is resumed with a
// Command. On resume the node runs again from the start and the matching
// Interrupt call returns the resume value instead of pausing. Calls are
// matched by order, so a node may ask several questions in turn.
//
// Interrupt must be called from within a running node; the returned error
// must be returned from the node unchanged.
func Interrupt(ctx context.Context, value any) (any, error) {
	sp := scratchpadFrom(ctx)
	if sp == nil {
		return nil, errors.New("graph.Interrupt called outside of a running node")
	}

	idx := sp.next
	sp.next++
	if idx < len(sp.resume) {
		return sp.resume[idx], nil
	}

	return nil, &resumableInterrupt{interrupt: checkpoint.Interrupt{
		ID:        interruptID(sp.taskID, strconv.Itoa(idx)),
		Value:     value,
		Resumable: true,
		Namespace: sp.ns,
		When:      checkpoint.HaltInterrupt,
	}}
}

// interruptsFromError converts a node failure into the interrupts to record
// against its task. ok is false when err is not an interrupt.
func interruptsFromError(err error, taskID, ns string) (ints []checkpoint.Interrupt, ok bool) {
	var ri *resumableInterrupt
	if errors.As(err, &ri) {
		return []checkpoint.Interrupt{ri.interrupt}, true
	}

	var ni *NodeInterrupt
	if errors.As(err, &ni) {
		return []checkpoint.Interrupt{{
			ID:        interruptID(taskID, "node"),
			Value:     ni.Value,
			Namespace: ns,
			When:      checkpoint.HaltInterrupt,
		}}, true
	}

	var gi *GraphInterrupt
	if errors.As(err, &gi) {
		return gi.Interrupts, true
	}
	return nil, false
}

func interruptID(taskID, suffix string) string {
	return uuid.NewSHA1(interruptNamespace, []byte(taskID+"|"+suffix)).String()
}

type scratchpadKey struct{}

// scratchpad carries per-task resume state through the node's context.
type scratchpad struct {
	taskID string
	ns     string
	resume []any
	next   int
}

func withScratchpad(ctx context.Context, sp *scratchpad) context.Context {
	return context.WithValue(ctx, scratchpadKey{}, sp)
}

func scratchpadFrom(ctx context.Context) *scratchpad {
	sp, _ := ctx.Value(scratchpadKey{}).(*scratchpad)
	return sp
}
