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
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/stepgraph/internal/log"
	"github.com/tombee/stepgraph/pkg/checkpoint"
	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

var (
	// ErrRecursionLimit is returned when an invocation runs more super-steps
	// than its recursion limit allows.
	ErrRecursionLimit = errors.New("recursion limit reached")

	// ErrEmptyInput is returned when a thread with no checkpoint is invoked
	// without input.
	ErrEmptyInput = errors.New("no input and no checkpoint to resume from")

	// errStreamStopped ends a run whose stream consumer stopped reading.
	errStreamStopped = errors.New("stream stopped")
)

// taskNamespace seeds deterministic task IDs.
var taskNamespace = uuid.MustParse("0b8f4d52-97a3-5e6c-b1d4-7a2c9e5f3018")

// runContext carries one invocation's settings down through subgraphs.
type runContext struct {
	saver        checkpoint.Saver
	threadID     string
	ns           string
	checkpointID string
	limit        int
	before       map[string]bool
	after        map[string]bool
	emit         func(Event) error
	logger       *slog.Logger

	// resume is forwarded to subgraphs that are resumed by this run.
	resume *resumeValue
}

// resumeValue is a Command.Resume resolved against the thread's pending
// interrupts.
type resumeValue struct {
	value any
	byID  map[string]any
}

// resumeSignal is the input a parent hands a subgraph it resumes.
type resumeSignal struct {
	resume *resumeValue
}

// loopState is the in-memory thread state between super-steps.
type loopState struct {
	cp         *checkpoint.Checkpoint
	values     State
	next       []string
	tasks      []checkpoint.Task
	pending    []checkpoint.PendingWrite
	step       int
	skipBefore bool
}

// Invoke runs the graph on a thread and returns the resulting state. Pass a
// State to start a run, nil to continue a paused thread, or a Command to
// continue it with resume values or a state update. A run that pauses is not
// an error; use Run to see why it paused.
func (g *CompiledGraph) Invoke(ctx context.Context, input any, cfg Config) (State, error) {
	res, err := g.Run(ctx, input, cfg)
	if err != nil {
		return nil, err
	}
	return res.Values, nil
}

// Run is Invoke returning the full outcome, including pending interrupts.
func (g *CompiledGraph) Run(ctx context.Context, input any, cfg Config) (*Result, error) {
	return g.invoke(ctx, input, cfg, nil)
}

func (g *CompiledGraph) invoke(ctx context.Context, input any, cfg Config, emit func(Event) error) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Namespace != "" {
		return nil, &sgerrors.ValidationError{
			Field:   "checkpoint_ns",
			Message: "subgraph namespaces cannot be invoked directly",
		}
	}
	for _, n := range append(slices.Clone(cfg.InterruptBefore), cfg.InterruptAfter...) {
		if n != All && g.nodes[n] == nil {
			return nil, &sgerrors.ValidationError{
				Field:   "interrupt",
				Message: fmt.Sprintf("breakpoint on unknown node %q", n),
			}
		}
	}

	mu := g.threadLock(cfg.ThreadID)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := g.tracer.Start(ctx, "stepgraph.invoke", trace.WithAttributes(
		attribute.String("stepgraph.graph", g.name),
		attribute.String("stepgraph.thread_id", cfg.ThreadID),
	))
	defer span.End()

	rc := &runContext{
		saver:        g.saver,
		threadID:     cfg.ThreadID,
		checkpointID: cfg.CheckpointID,
		limit:        cfg.recursionLimit(),
		before:       breakpointSet(append(slices.Clone(g.before), cfg.InterruptBefore...)),
		after:        breakpointSet(append(slices.Clone(g.after), cfg.InterruptAfter...)),
		emit:         emit,
		logger:       log.WithThreadContext(g.logger, cfg.ThreadID, "").With(slog.String(log.GraphKey, g.name)),
	}

	res, err := g.execute(ctx, rc, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if res.Interrupted() {
		span.SetAttributes(attribute.String("stepgraph.halt", res.Halt))
	}
	return res, nil
}

// execute runs the graph under rc until it completes, halts or fails.
func (g *CompiledGraph) execute(ctx context.Context, rc *runContext, input any) (*Result, error) {
	cp, err := rc.saver.Get(ctx, rc.threadID, rc.ns, rc.checkpointID)
	if err != nil {
		if !sgerrors.IsNotFound(err) || rc.checkpointID != "" {
			return nil, err
		}
		cp = nil
	}

	var st *loopState
	switch v := input.(type) {
	case State:
		st, err = g.start(ctx, rc, cp, v)
	case map[string]any:
		st, err = g.start(ctx, rc, cp, State(v))
	case nil:
		st, err = g.resume(ctx, rc, cp, nil)
	case Command:
		st, err = g.resume(ctx, rc, cp, &v)
	case *Command:
		st, err = g.resume(ctx, rc, cp, v)
	case resumeSignal:
		rc.resume = v.resume
		st, err = g.resume(ctx, rc, cp, nil)
	default:
		return nil, &sgerrors.ValidationError{
			Field:   "input",
			Message: fmt.Sprintf("unsupported input type %T", input),
		}
	}
	if err != nil {
		return nil, err
	}

	return g.loop(ctx, rc, st)
}

// start begins a new run from input, on top of the thread's latest values.
func (g *CompiledGraph) start(ctx context.Context, rc *runContext, cp *checkpoint.Checkpoint, input State) (*loopState, error) {
	st := &loopState{cp: cp, values: State{}, step: -1}
	if cp != nil {
		st.values = State(cp.Values).Clone()
		st.step = cp.Metadata.Step
	}
	apply(st.values, input.Clone(), g.reducers)

	next, err := g.successors(ctx, []string{Start}, st.values)
	if err != nil {
		return nil, err
	}
	st.step++
	st.next = next

	halt := checkpoint.HaltNone
	if g.hitsBefore(rc, next) {
		halt = checkpoint.HaltBefore
	}
	writes := map[string]map[string]any{Start: input}
	if err := g.commit(ctx, rc, st, checkpoint.SourceInput, halt, writes); err != nil {
		return nil, err
	}
	return st, nil
}

// resume loads a paused thread and applies cmd.
func (g *CompiledGraph) resume(ctx context.Context, rc *runContext, cp *checkpoint.Checkpoint, cmd *Command) (*loopState, error) {
	if cp == nil {
		return nil, fmt.Errorf("thread %q: %w", rc.threadID, ErrEmptyInput)
	}

	st := &loopState{
		cp:         cp,
		values:     State(cp.Values).Clone(),
		next:       slices.Clone(cp.Next),
		tasks:      slices.Clone(cp.Tasks),
		pending:    slices.Clone(cp.PendingWrites),
		step:       cp.Metadata.Step,
		skipBefore: cp.Metadata.Halt == checkpoint.HaltBefore || cp.Metadata.Halt == checkpoint.HaltInterrupt,
	}
	for _, t := range cp.Tasks {
		if t.Error != "" {
			// The step already passed its breakpoints before it failed.
			st.skipBefore = true
		}
	}

	if cmd != nil && cmd.Resume != nil {
		rc.resume = resolveResume(cmd.Resume, cp.Interrupts())
	}
	if rc.resume != nil {
		g.assignResume(rc, st)
	}
	if rc.checkpointID != "" {
		// Forking: tasks without a pending interrupt get fresh IDs so that
		// subgraphs do not pick up the other branch's checkpoints.
		st.tasks = slices.DeleteFunc(st.tasks, func(t checkpoint.Task) bool {
			return len(t.Interrupts) == 0
		})
	}
	for i := range st.tasks {
		st.tasks[i].Interrupts = nil
		st.tasks[i].Error = ""
	}
	if rc.checkpointID != "" {
		if err := g.commit(ctx, rc, st, checkpoint.SourceFork, cp.Metadata.Halt, nil); err != nil {
			return nil, err
		}
	}

	if cmd != nil && len(cmd.Update) > 0 {
		apply(st.values, cmd.Update.Clone(), g.reducers)
		if rc.checkpointID == "" {
			if err := g.updateSubgraphs(ctx, rc, st.tasks, cmd.Update); err != nil {
				return nil, err
			}
		}
		writes := map[string]map[string]any{"__update__": cmd.Update}
		if err := g.commit(ctx, rc, st, checkpoint.SourceUpdate, cp.Metadata.Halt, writes); err != nil {
			return nil, err
		}
	}

	rc.logger.Debug("resuming thread",
		slog.String(log.CheckpointIDKey, cp.ID),
		slog.String("halt", cp.Metadata.Halt),
		slog.Any("next", st.next))
	return st, nil
}

// resolveResume decides whether a resume value addresses interrupts by ID.
func resolveResume(value any, pending []checkpoint.Interrupt) *resumeValue {
	if m, ok := value.(map[string]any); ok {
		for _, intr := range pending {
			if _, hit := m[intr.ID]; hit {
				return &resumeValue{byID: m}
			}
		}
	}
	return &resumeValue{value: value}
}

// assignResume hands resume values to the tasks whose own interrupts are
// pending. Interrupts raised inside subgraphs are answered when the
// subgraph resumes.
func (g *CompiledGraph) assignResume(rc *runContext, st *loopState) {
	for i := range st.tasks {
		t := &st.tasks[i]
		for _, intr := range t.Interrupts {
			if !intr.Resumable || intr.Namespace != rc.ns {
				continue
			}
			if rc.resume.byID != nil {
				if v, ok := rc.resume.byID[intr.ID]; ok {
					t.Resume = append(t.Resume, v)
				}
				continue
			}
			t.Resume = append(t.Resume, rc.resume.value)
			break
		}
	}
}

// loop runs super-steps until the graph completes or halts.
func (g *CompiledGraph) loop(ctx context.Context, rc *runContext, st *loopState) (*Result, error) {
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(st.next) == 0 {
			return g.result(rc, st, checkpoint.HaltNone), nil
		}

		if !st.skipBefore && g.hitsBefore(rc, st.next) {
			if st.cp == nil || st.cp.Metadata.Halt != checkpoint.HaltBefore {
				if err := g.commit(ctx, rc, st, checkpoint.SourceLoop, checkpoint.HaltBefore, nil); err != nil {
					return nil, err
				}
			}
			return g.halt(ctx, rc, st, checkpoint.HaltBefore)
		}
		st.skipBefore = false

		if steps >= rc.limit {
			return nil, fmt.Errorf("%w: %d super-steps without reaching the end", ErrRecursionLimit, rc.limit)
		}
		steps++

		halt, err := g.superStep(ctx, rc, st)
		if err != nil {
			return nil, err
		}
		if halt != checkpoint.HaltNone {
			return g.halt(ctx, rc, st, halt)
		}
	}
}

// superStep runs the tasks of st.next in order and commits their writes.
// It returns the halt reason when the graph should pause.
func (g *CompiledGraph) superStep(ctx context.Context, rc *runContext, st *loopState) (string, error) {
	stepNo := st.step + 1
	started := time.Now()

	ctx, span := g.tracer.Start(ctx, "stepgraph.step", trace.WithAttributes(
		attribute.Int("stepgraph.step", stepNo),
		attribute.StringSlice("stepgraph.nodes", st.next),
		attribute.String("stepgraph.checkpoint_ns", rc.ns),
	))
	defer span.End()

	parentID := ""
	if st.cp != nil {
		parentID = st.cp.ID
	}
	st.tasks = g.tasksFor(rc, st.next, st.tasks, stepNo, parentID)
	replay := make(map[string]checkpoint.PendingWrite, len(st.pending))
	for _, pw := range st.pending {
		replay[pw.TaskID] = pw
	}

	var writes []checkpoint.PendingWrite
	interrupted := false
	var failure error

	for i := range st.tasks {
		t := &st.tasks[i]
		if pw, ok := replay[t.ID]; ok {
			writes = append(writes, pw)
			g.metrics.recordTask(ctx, g.name, t.Name, statusReplayed)
			continue
		}

		update, err := g.runTask(ctx, rc, st, t, stepNo)
		if err != nil {
			if errors.Is(err, errStreamStopped) {
				return "", err
			}
			if ints, ok := interruptsFromError(err, t.ID, rc.ns); ok {
				t.Interrupts = ints
				interrupted = true
				g.metrics.recordTask(ctx, g.name, t.Name, statusInterrupted)
				continue
			}
			t.Error = err.Error()
			failure = err
			g.metrics.recordTask(ctx, g.name, t.Name, statusError)
			break
		}
		writes = append(writes, checkpoint.PendingWrite{TaskID: t.ID, Node: t.Name, Values: update})
		g.metrics.recordTask(ctx, g.name, t.Name, statusSuccess)
	}

	rec := &log.StepRecord{Step: stepNo, Nodes: st.next}
	defer func() {
		rec.DurationMs = time.Since(started).Milliseconds()
		log.LogStep(rc.logger, rec)
		g.metrics.recordStep(ctx, g.name, time.Since(started))
	}()

	if failure != nil || interrupted {
		// Nothing is committed: values and next stay as they were, and the
		// writes of tasks that did finish are kept for the retry.
		st.pending = writes
		halt := checkpoint.HaltNone
		if failure == nil {
			halt = checkpoint.HaltInterrupt
		}
		if err := g.commit(ctx, rc, st, checkpoint.SourceLoop, halt, nil); err != nil {
			rec.Err = err
			return "", err
		}
		rec.CheckpointID = st.cp.ID
		if failure != nil {
			rec.Err = failure
			span.RecordError(failure)
			span.SetStatus(codes.Error, failure.Error())
			return "", failure
		}
		rec.Halt = halt
		return halt, nil
	}

	ran := make([]string, 0, len(writes))
	meta := make(map[string]map[string]any, len(writes))
	for _, w := range writes {
		apply(st.values, State(w.Values).Clone(), g.reducers)
		ran = append(ran, w.Node)
		meta[w.Node] = w.Values
		if err := g.send(rc, Event{Type: EventUpdates, Namespace: rc.ns, Node: w.Node, Step: stepNo, Values: w.Values}); err != nil {
			return "", err
		}
	}

	next, err := g.successors(ctx, ran, st.values)
	if err != nil {
		rec.Err = err
		return "", err
	}

	halt := checkpoint.HaltNone
	switch {
	case g.hitsAfter(rc, ran):
		halt = checkpoint.HaltAfter
	case g.hitsBefore(rc, next):
		halt = checkpoint.HaltBefore
	}

	st.step = stepNo
	st.next = next
	st.tasks = nil
	st.pending = nil
	if err := g.commit(ctx, rc, st, checkpoint.SourceLoop, halt, meta); err != nil {
		rec.Err = err
		return "", err
	}
	rec.CheckpointID = st.cp.ID
	rec.Halt = halt

	if halt == checkpoint.HaltBefore {
		// Halting before is only reported; the breakpoint is checked again
		// at the top of the loop.
		return checkpoint.HaltNone, nil
	}
	return halt, nil
}

// runTask runs one node, retrying it under its policy.
func (g *CompiledGraph) runTask(ctx context.Context, rc *runContext, st *loopState, t *checkpoint.Task, stepNo int) (State, error) {
	n := g.nodes[t.Name]
	if n == nil {
		return nil, &sgerrors.NotFoundError{Resource: "node", ID: t.Name}
	}

	policy := n.retry
	if policy == nil {
		policy = g.retry
	}
	logger := log.WithTaskContext(rc.logger, n.name, t.ID)

	ctx, span := g.tracer.Start(ctx, "stepgraph.node "+n.name, trace.WithAttributes(
		attribute.String("stepgraph.node", n.name),
		attribute.String("stepgraph.task_id", t.ID),
	))
	defer span.End()

	update, err := runWithRetry(ctx, logger, policy, n.name, t.ID, func(ctx context.Context, attempt int) (update State, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("node %q panicked: %v", n.name, r)
			}
		}()

		ctx = context.WithValue(ctx, nodeInfoKey{}, NodeInfo{
			ThreadID:  rc.threadID,
			Namespace: rc.ns,
			Node:      n.name,
			TaskID:    t.ID,
			Step:      stepNo,
			Attempt:   attempt,
		})

		if n.subgraph != nil {
			return g.runSubgraph(ctx, rc, n, t, st.values)
		}

		local := st.values.Clone()
		ctx = withScratchpad(ctx, &scratchpad{taskID: t.ID, ns: rc.ns, resume: t.Resume})
		out, err := n.fn(ctx, local)
		if err != nil {
			return nil, err
		}
		return writesOf(st.values, local, out), nil
	})

	switch {
	case err == nil:
		log.Trace(logger, "task completed", slog.Any("writes", update))
	case IsInterrupt(err):
		span.AddEvent("interrupt")
		logger.Debug("task interrupted", log.Error(err))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return update, err
}

// runSubgraph runs an embedded graph as the task t. The subgraph resumes
// from its own checkpoint when one exists under the task's namespace.
func (g *CompiledGraph) runSubgraph(ctx context.Context, rc *runContext, n *node, t *checkpoint.Task, values State) (State, error) {
	sub := n.subgraph
	ns := checkpoint.JoinNamespace(rc.ns, n.name, t.ID)
	if depth := checkpoint.NamespaceDepth(ns); depth > MaxNestingDepth {
		return nil, &sgerrors.ValidationError{
			Field:   "subgraph",
			Message: fmt.Sprintf("subgraph %q nested %d deep, maximum is %d", n.name, depth, MaxNestingDepth),
		}
	}

	child := &runContext{
		saver:    sub.saverFor(rc.saver),
		threadID: rc.threadID,
		ns:       ns,
		limit:    rc.limit,
		before:   breakpointSet(sub.before),
		after:    breakpointSet(sub.after),
		emit:     rc.emit,
		logger: log.WithThreadContext(sub.logger, rc.threadID, ns).
			With(slog.String(log.GraphKey, sub.name)),
	}

	input := any(values.Clone())
	existing, err := child.saver.Get(ctx, rc.threadID, ns, "")
	switch {
	case err == nil && len(existing.Next) == 0:
		return writesOf(values, State(existing.Values), nil), nil
	case err == nil:
		input = resumeSignal{resume: rc.resume}
	case !sgerrors.IsNotFound(err):
		return nil, err
	}

	res, err := sub.execute(ctx, child, input)
	if err != nil {
		return nil, err
	}
	if res.Interrupted() {
		return nil, &GraphInterrupt{Halt: res.Halt, Interrupts: res.Interrupts}
	}
	return writesOf(values, res.Values, nil), nil
}

// tasksFor returns one task per node in next, keeping the IDs and resume
// values of known tasks and deriving new IDs from parentID.
func (g *CompiledGraph) tasksFor(rc *runContext, next []string, known []checkpoint.Task, step int, parentID string) []checkpoint.Task {
	byName := make(map[string]checkpoint.Task, len(known))
	for _, t := range known {
		byName[t.Name] = t
	}

	tasks := make([]checkpoint.Task, 0, len(next))
	for _, name := range next {
		if t, ok := byName[name]; ok {
			tasks = append(tasks, t)
			continue
		}
		tasks = append(tasks, checkpoint.Task{
			ID:   taskID(rc.threadID, rc.ns, step, name, parentID),
			Name: name,
		})
	}
	return tasks
}

func taskID(threadID, ns string, step int, node, parentID string) string {
	key := threadID + "|" + ns + "|" + strconv.Itoa(step) + "|" + node + "|" + parentID
	return uuid.NewSHA1(taskNamespace, []byte(key)).String()
}

// successors returns the nodes that follow from, in edge declaration order
// without duplicates. End is dropped.
func (g *CompiledGraph) successors(ctx context.Context, from []string, values State) ([]string, error) {
	var next []string
	seen := make(map[string]bool)
	add := func(n string) {
		if n == End || seen[n] {
			return
		}
		seen[n] = true
		next = append(next, n)
	}

	for _, src := range from {
		for _, to := range g.edges[src] {
			add(to)
		}
		for _, b := range g.branches[src] {
			label, err := b.router(ctx, values.Clone())
			if err != nil {
				return nil, fmt.Errorf("routing from %q: %w", src, err)
			}
			target := label
			if b.pathMap != nil {
				mapped, ok := b.pathMap[label]
				if !ok {
					return nil, &sgerrors.ValidationError{
						Field:   "edge",
						Message: fmt.Sprintf("router from %q returned unmapped path %q", src, label),
					}
				}
				target = mapped
			}
			if target != End && g.nodes[target] == nil {
				return nil, &sgerrors.ValidationError{
					Field:   "edge",
					Message: fmt.Sprintf("router from %q returned unknown node %q", src, target),
				}
			}
			add(target)
		}
	}
	return next, nil
}

func (g *CompiledGraph) hitsBefore(rc *runContext, nodes []string) bool {
	for _, n := range nodes {
		if matches(rc.before, n) {
			return true
		}
	}
	return false
}

func (g *CompiledGraph) hitsAfter(rc *runContext, nodes []string) bool {
	for _, n := range nodes {
		if matches(rc.after, n) {
			return true
		}
	}
	return false
}

// commit writes st as a new checkpoint on top of st.cp.
func (g *CompiledGraph) commit(ctx context.Context, rc *runContext, st *loopState, source, halt string, writes map[string]map[string]any) error {
	parentID := ""
	if st.cp != nil {
		parentID = st.cp.ID
	}

	id := checkpoint.NewID()
	tasks := g.tasksFor(rc, st.next, st.tasks, st.step+1, id)

	cp := &checkpoint.Checkpoint{
		ID:            id,
		ThreadID:      rc.threadID,
		Namespace:     rc.ns,
		ParentID:      parentID,
		Values:        st.values.Clone(),
		Next:          slices.Clone(st.next),
		Tasks:         slices.Clone(tasks),
		PendingWrites: slices.Clone(st.pending),
		Metadata: checkpoint.Metadata{
			Source: source,
			Step:   st.step,
			Halt:   halt,
			Writes: writes,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := rc.saver.Put(ctx, cp); err != nil {
		return err
	}

	st.cp = cp
	st.tasks = tasks

	if err := g.send(rc, Event{Type: EventCheckpoint, Namespace: rc.ns, Step: st.step, CheckpointID: id, Halt: halt}); err != nil {
		return err
	}
	return g.send(rc, Event{Type: EventValues, Namespace: rc.ns, Step: st.step, CheckpointID: id, Values: st.values.Clone()})
}

// halt reports a pause and builds the result.
func (g *CompiledGraph) halt(ctx context.Context, rc *runContext, st *loopState, reason string) (*Result, error) {
	g.metrics.recordHalt(ctx, g.name, reason)
	res := g.result(rc, st, reason)
	err := g.send(rc, Event{
		Type:         EventInterrupt,
		Namespace:    rc.ns,
		Step:         st.step,
		CheckpointID: res.Config.CheckpointID,
		Halt:         reason,
		Interrupts:   res.Interrupts,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (g *CompiledGraph) result(rc *runContext, st *loopState, halt string) *Result {
	res := &Result{
		Values: st.values.Clone(),
		Next:   slices.Clone(st.next),
		Halt:   halt,
		Config: Config{ThreadID: rc.threadID, Namespace: rc.ns},
	}
	if st.cp != nil {
		res.Config.CheckpointID = st.cp.ID
		res.Interrupts = st.cp.Interrupts()
	}
	return res
}

func (g *CompiledGraph) send(rc *runContext, ev Event) error {
	if rc.emit == nil {
		return nil
	}
	return rc.emit(ev)
}
