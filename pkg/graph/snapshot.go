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
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/tombee/stepgraph/internal/log"
	"github.com/tombee/stepgraph/pkg/checkpoint"
	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

// GetState returns the thread's state at cfg.CheckpointID, or at its latest
// checkpoint. A thread with no checkpoints yields an empty snapshot. Set
// cfg.Namespace (from TaskSnapshot.Checkpoint) to read a subgraph's state.
func (g *CompiledGraph) GetState(ctx context.Context, cfg Config, opts ...StateOption) (*StateSnapshot, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var o stateOptions
	for _, opt := range opts {
		opt(&o)
	}

	target, saver, err := g.resolveNamespace(cfg.Namespace)
	if err != nil {
		return nil, err
	}

	cp, err := saver.Get(ctx, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil {
		if sgerrors.IsNotFound(err) && cfg.CheckpointID == "" {
			return &StateSnapshot{
				Values: State{},
				Config: Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace},
			}, nil
		}
		return nil, err
	}
	return target.snapshot(ctx, saver, cp, o.subgraphs)
}

// GetStateHistory lists the thread's checkpoints, newest first.
func (g *CompiledGraph) GetStateHistory(ctx context.Context, cfg Config, opts checkpoint.ListOptions) ([]*StateSnapshot, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	target, saver, err := g.resolveNamespace(cfg.Namespace)
	if err != nil {
		return nil, err
	}

	cps, err := saver.List(ctx, cfg.ThreadID, cfg.Namespace, opts)
	if err != nil {
		return nil, err
	}

	out := make([]*StateSnapshot, 0, len(cps))
	for _, cp := range cps {
		s, err := target.snapshot(ctx, saver, cp, false)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// UpdateState writes values to the thread as a new checkpoint, as if asNode
// had produced them. With asNode set the next nodes are recomputed from its
// edges; without it the pending nodes and interrupts are kept, so a paused
// thread can be edited and then resumed. Without asNode the values are also
// written to the paused subgraphs of pending tasks, so they resume with the
// edit. Set cfg.Namespace (from TaskSnapshot.Checkpoint) to edit one
// subgraph only. Updating an older checkpoint (cfg.CheckpointID) forks the
// thread.
func (g *CompiledGraph) UpdateState(ctx context.Context, cfg Config, values State, asNode string) (Config, error) {
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	target, saver, err := g.resolveNamespace(cfg.Namespace)
	if err != nil {
		return Config{}, err
	}
	if asNode != "" && asNode != Start && target.nodes[asNode] == nil {
		return Config{}, &sgerrors.NotFoundError{Resource: "node", ID: asNode}
	}

	mu := g.threadLock(cfg.ThreadID)
	mu.Lock()
	defer mu.Unlock()

	rc := &runContext{
		saver:    saver,
		threadID: cfg.ThreadID,
		ns:       cfg.Namespace,
		before:   breakpointSet(target.before),
		after:    breakpointSet(target.after),
		logger:   g.logger,
	}

	cp, err := saver.Get(ctx, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil {
		// A subgraph without a checkpoint has not started; writing one
		// would make its parent treat it as finished.
		if !sgerrors.IsNotFound(err) || cfg.CheckpointID != "" || cfg.Namespace != "" {
			return Config{}, err
		}
		cp = nil
	}

	st := &loopState{cp: cp, values: State{}, step: -1}
	halt := checkpoint.HaltNone
	if cp != nil {
		st.values = State(cp.Values).Clone()
		st.step = cp.Metadata.Step
		st.next = slices.Clone(cp.Next)
		st.tasks = slices.Clone(cp.Tasks)
		st.pending = slices.Clone(cp.PendingWrites)
		halt = cp.Metadata.Halt
	}
	apply(st.values, values.Clone(), target.reducers)

	var writes map[string]map[string]any
	if asNode != "" {
		next, err := target.successors(ctx, []string{asNode}, st.values)
		if err != nil {
			return Config{}, err
		}
		st.next = next
		st.tasks = nil
		st.pending = nil
		halt = checkpoint.HaltNone
		if target.hitsBefore(rc, next) {
			// The edit stands in for the breakpoint; resuming runs next.
			halt = checkpoint.HaltBefore
		}
		writes = map[string]map[string]any{asNode: values}
	} else if cfg.CheckpointID == "" {
		if err := target.updateSubgraphs(ctx, rc, st.tasks, values); err != nil {
			return Config{}, err
		}
	}
	st.step++

	source := checkpoint.SourceUpdate
	if cfg.CheckpointID != "" {
		source = checkpoint.SourceFork
	}
	if err := target.commit(ctx, rc, st, source, halt, writes); err != nil {
		return Config{}, err
	}

	g.logger.Debug("state updated",
		slog.String(log.ThreadIDKey, cfg.ThreadID),
		slog.String(log.NamespaceKey, cfg.Namespace),
		slog.String(log.CheckpointIDKey, st.cp.ID),
		slog.String("as_node", asNode))

	return Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace, CheckpointID: st.cp.ID}, nil
}

// updateSubgraphs applies values to every paused subgraph among tasks, depth
// first. Subgraphs that have not started or have finished are left alone.
func (g *CompiledGraph) updateSubgraphs(ctx context.Context, rc *runContext, tasks []checkpoint.Task, values State) error {
	for _, t := range tasks {
		n := g.nodes[t.Name]
		if n == nil || n.subgraph == nil {
			continue
		}
		sub := n.subgraph
		child := &runContext{
			saver:    sub.saverFor(rc.saver),
			threadID: rc.threadID,
			ns:       checkpoint.JoinNamespace(rc.ns, t.Name, t.ID),
			before:   breakpointSet(sub.before),
			after:    breakpointSet(sub.after),
			emit:     rc.emit,
			logger:   rc.logger,
		}

		cp, err := child.saver.Get(ctx, rc.threadID, child.ns, "")
		if sgerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if len(cp.Next) == 0 {
			continue
		}

		st := &loopState{
			cp:      cp,
			values:  State(cp.Values).Clone(),
			next:    slices.Clone(cp.Next),
			tasks:   slices.Clone(cp.Tasks),
			pending: slices.Clone(cp.PendingWrites),
			step:    cp.Metadata.Step + 1,
		}
		apply(st.values, values.Clone(), sub.reducers)
		if err := sub.updateSubgraphs(ctx, child, st.tasks, values); err != nil {
			return err
		}
		writes := map[string]map[string]any{"__update__": values}
		if err := sub.commit(ctx, child, st, checkpoint.SourceUpdate, cp.Metadata.Halt, writes); err != nil {
			return err
		}
	}
	return nil
}

// DeleteThread removes every checkpoint of a thread, including those of its
// subgraphs.
func (g *CompiledGraph) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return &sgerrors.ValidationError{Field: "thread_id", Message: "thread_id is required"}
	}
	mu := g.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	for _, s := range g.savers(g.saver) {
		if err := s.DeleteThread(ctx, threadID); err != nil {
			return err
		}
	}
	return nil
}

// savers lists the savers this graph and its subgraphs write to.
func (g *CompiledGraph) savers(parent checkpoint.Saver) []checkpoint.Saver {
	own := g.saverFor(parent)
	out := []checkpoint.Saver{own}
	for _, name := range g.order {
		if sub := g.nodes[name].subgraph; sub != nil && sub.ownSaver {
			out = append(out, sub.savers(own)...)
		}
	}
	return out
}

// resolveNamespace finds the graph and saver that own ns.
func (g *CompiledGraph) resolveNamespace(ns string) (*CompiledGraph, checkpoint.Saver, error) {
	target, saver := g, g.saver
	if ns == "" {
		return target, saver, nil
	}
	for _, seg := range strings.Split(ns, checkpoint.NamespaceSeparator) {
		name, _, ok := strings.Cut(seg, checkpoint.NamespaceEnd)
		if !ok {
			return nil, nil, &sgerrors.ValidationError{
				Field:   "checkpoint_ns",
				Message: fmt.Sprintf("malformed namespace segment %q", seg),
			}
		}
		n := target.nodes[name]
		if n == nil || n.subgraph == nil {
			return nil, nil, &sgerrors.NotFoundError{Resource: "subgraph", ID: name}
		}
		target = n.subgraph
		saver = target.saverFor(saver)
	}
	return target, saver, nil
}

// snapshot converts a checkpoint into a StateSnapshot. With subgraphs set,
// the latest state of every subgraph task is loaded recursively.
func (g *CompiledGraph) snapshot(ctx context.Context, saver checkpoint.Saver, cp *checkpoint.Checkpoint, subgraphs bool) (*StateSnapshot, error) {
	s := &StateSnapshot{
		Values:     State(cp.Values),
		Next:       slices.Clone(cp.Next),
		Interrupts: cp.Interrupts(),
		Metadata:   cp.Metadata,
		CreatedAt:  cp.CreatedAt,
		Config: Config{
			ThreadID:     cp.ThreadID,
			Namespace:    cp.Namespace,
			CheckpointID: cp.ID,
		},
	}
	if cp.ParentID != "" {
		s.ParentConfig = &Config{ThreadID: cp.ThreadID, Namespace: cp.Namespace, CheckpointID: cp.ParentID}
	}

	for _, t := range cp.Tasks {
		ts := TaskSnapshot{
			ID:         t.ID,
			Name:       t.Name,
			Interrupts: t.Interrupts,
			Error:      t.Error,
		}

		if n := g.nodes[t.Name]; n != nil && n.subgraph != nil {
			ns := checkpoint.JoinNamespace(cp.Namespace, t.Name, t.ID)
			ts.Checkpoint = &Config{ThreadID: cp.ThreadID, Namespace: ns}

			if subgraphs {
				subSaver := n.subgraph.saverFor(saver)
				subCP, err := subSaver.Get(ctx, cp.ThreadID, ns, "")
				switch {
				case err == nil:
					ts.State, err = n.subgraph.snapshot(ctx, subSaver, subCP, true)
					if err != nil {
						return nil, err
					}
				case !sgerrors.IsNotFound(err):
					return nil, err
				}
			}
		}
		s.Tasks = append(s.Tasks, ts)
	}
	return s, nil
}
