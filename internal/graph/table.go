// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package graph implements the task table: memoization of invocations
// into tasks, automatic dependency edge recording, precise invalidation
// of dependents, and coalesced execution of task bodies on a bounded
// worker pool.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/xlab/treeprint"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/hashicorp/go-taskgraph/internal/cells"
	"github.com/hashicorp/go-taskgraph/internal/ids"
	"github.com/hashicorp/go-taskgraph/internal/scopes"
	"github.com/hashicorp/go-taskgraph/internal/vals"
)

// Func is the body of a registered computation. Bodies must be pure
// with respect to their arguments and the dependency values they read
// through the context: the engine assumes that re-executing a body with
// equal inputs converges on an equal result.
type Func func(ctx context.Context, args []vals.Value) ([]vals.Value, error)

// edge is the annotation on one dependency edge: the cell version the
// reader observed, and whether what it observed was a cached failure.
// Both decide whether a later publication needs to invalidate the
// reader.
type edge struct {
	observed   uint64
	sawFailure bool
}

// Table is the memoization table and dependency graph. All methods are
// safe for concurrent use.
type Table struct {
	logger hclog.Logger
	reg    *ids.Registry
	scopes *scopes.Tree

	// sem bounds the number of task bodies executing at once. A body
	// blocked inside Read releases its slot for the duration of the
	// wait so that the task it waits on can always make progress.
	sem *semaphore.Weighted

	mu     sync.Mutex
	byKey  map[string]ids.TaskID
	tasks  map[ids.TaskID]*task
	nextID uint64
	impls  map[ids.FunctionID]Func

	// Dependency edges as adjacency maps indexed by task id. deps maps
	// a reader to what it read; dependents is the reverse index that
	// invalidation walks forward. depOrder preserves first-read order
	// per reader for debug output.
	deps       map[ids.TaskID]map[ids.TaskID]edge
	depOrder   map[ids.TaskID][]ids.TaskID
	dependents map[ids.TaskID]map[ids.TaskID]struct{}
}

// NewTable returns an empty table executing at most workers bodies
// concurrently.
func NewTable(reg *ids.Registry, tree *scopes.Tree, workers int, logger hclog.Logger) *Table {
	if workers < 1 {
		workers = 1
	}
	return &Table{
		logger:     logger.Named("graph"),
		reg:        reg,
		scopes:     tree,
		sem:        semaphore.NewWeighted(int64(workers)),
		byKey:      make(map[string]ids.TaskID),
		tasks:      make(map[ids.TaskID]*task),
		impls:      make(map[ids.FunctionID]Func),
		deps:       make(map[ids.TaskID]map[ids.TaskID]edge),
		depOrder:   make(map[ids.TaskID][]ids.TaskID),
		dependents: make(map[ids.TaskID]map[ids.TaskID]struct{}),
	}
}

// Bind attaches an implementation body to a registered function id.
func (tbl *Table) Bind(fn ids.FunctionID, impl Func) error {
	if _, ok := tbl.reg.FunctionDescriptor(fn); !ok {
		return vals.ContractErrorf("cannot bind implementation to unregistered function %s", fn)
	}
	if impl == nil {
		return vals.ContractErrorf("nil implementation for function %s", fn)
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tbl.impls[fn] = impl
	return nil
}

// taskKey derives the canonical memoization key. Structurally equal
// argument lists always produce the same key for the same function,
// regardless of how or where the arguments were constructed.
func taskKey(fn ids.FunctionID, args []vals.Value) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", uint64(fn))
	for _, arg := range args {
		b.WriteByte(0)
		b.WriteString(arg.UniqueKey())
	}
	return b.String()
}

// Invoke resolves (fn, args) to a task, creating it in Pending state
// and scheduling its body if no structurally-equal invocation exists
// yet. Repeat calls with equal arguments return the existing task's id.
func (tbl *Table) Invoke(ctx context.Context, fn ids.FunctionID, args []vals.Value) (ids.TaskID, error) {
	desc, ok := tbl.reg.FunctionDescriptor(fn)
	if !ok {
		return 0, vals.ContractErrorf("invoke of unregistered function %s", fn)
	}

	scope := ScopeFromContext(ctx)
	key := taskKey(fn, args)

	tbl.mu.Lock()
	if _, ok := tbl.impls[fn]; !ok {
		tbl.mu.Unlock()
		return 0, vals.ContractErrorf("function %s has no bound implementation", fn)
	}
	if id, ok := tbl.byKey[key]; ok {
		tbl.mu.Unlock()
		tbl.scopes.Attribute(scope, id)
		return id, nil
	}

	tbl.nextID++
	id := ids.TaskID(tbl.nextID)
	argsCopy := make([]vals.Value, len(args))
	copy(argsCopy, args)
	t := &task{
		id:            id,
		key:           key,
		fn:            fn,
		name:          desc.Name,
		args:          argsCopy,
		transientArgs: vals.HasTransient(args),
		state:         StatePending,
		cell:          cells.NewCell(),
		done:          make(chan struct{}),
	}
	tbl.byKey[key] = id
	tbl.tasks[id] = t
	tbl.mu.Unlock()

	tbl.scopes.Attribute(scope, id)
	tbl.logger.Trace("created task", "task", id, "function", desc.Name)
	go tbl.run(t, scope)
	return id, nil
}

// Read returns a ReadRef on the task's current result, suspending
// while the task is Pending or Running and re-scheduling it first if it
// is Stale. If the task is Failed the cached SharedError is returned
// instead. N concurrent reads of one not-yet-computed task coalesce
// onto a single execution.
//
// When ctx carries a running task, acquiring the result records a
// dependency edge from that task to the target, annotated with the
// cell version it observed; a later publication invalidates exactly
// the readers that observed an older version.
func (tbl *Table) Read(ctx context.Context, id ids.TaskID) (*cells.ReadRef, error) {
	scope := ScopeFromContext(ctx)
	reader, inTask := RunningTaskFromContext(ctx)
	if inTask && reader == id {
		return nil, ErrSelfDependent{id}
	}

	for {
		// Pre-read cancellation checkpoint.
		if tbl.scopes.Cancelled(scope) {
			return nil, vals.CancelError(fmt.Sprintf("read in cancelled %s", scope))
		}
		tbl.scopes.Attribute(scope, id)

		ref, failure, done, t, err := tbl.resolve(id, reader, inTask, scope)
		switch {
		case err != nil:
			return nil, err
		case ref != nil:
			return ref, nil
		case failure != nil:
			return nil, failure
		case done == nil:
			// Lost a race with collection or publication; re-resolve.
			continue
		}

		if err := tbl.await(ctx, done, inTask); err != nil {
			return nil, err
		}

		// Accept the generation we awaited if it is still current;
		// anything else re-resolves from the top.
		if ref, failure, ok := tbl.accept(t, done, reader, inTask); ok {
			if failure != nil {
				return nil, failure
			}
			if ref != nil {
				return ref, nil
			}
		}
	}
}

// resolve inspects the task once and either yields an outcome, or the
// done channel of the generation the caller should await, scheduling a
// fresh execution first when the task is stale or uncacheable.
//
// Acquiring a result and recording its dependency edge happen under
// tbl.mu in one critical section, ordered against the publish-then-
// invalidate sequence in finish: a reader either observes the new
// version, or its edge (annotated with the older version) is visible
// to the invalidation walk. Either way no invalidation is missed.
func (tbl *Table) resolve(id ids.TaskID, reader ids.TaskID, inTask bool, scope ids.TaskScopeID) (*cells.ReadRef, *vals.SharedError, chan struct{}, *task, error) {
	tbl.mu.Lock()
	t, ok := tbl.tasks[id]
	if !ok {
		tbl.mu.Unlock()
		return nil, nil, nil, nil, vals.ContractErrorf("read of unknown task %s", id)
	}

	schedule := false
	t.mu.Lock()
	switch t.state {
	case StateDone:
		if !t.transient {
			ref := t.cell.Acquire()
			if ref != nil && inTask {
				tbl.addEdgeLocked(reader, id, edge{observed: ref.Version()})
			}
			t.mu.Unlock()
			tbl.mu.Unlock()
			if ref == nil {
				// Raced with collection; re-resolve.
				return nil, nil, nil, t, nil
			}
			return ref, nil, nil, t, nil
		}
		// A transient result is never served beyond the readers that
		// awaited its execution: force a fresh run.
		t.state = StatePending
		t.done = make(chan struct{})
		schedule = true

	case StateFailed:
		failure := t.failure
		if inTask {
			tbl.addEdgeLocked(reader, id, edge{observed: t.cell.Version(), sawFailure: true})
		}
		t.mu.Unlock()
		tbl.mu.Unlock()
		return nil, failure, nil, t, nil

	case StateStale:
		t.state = StatePending
		t.done = make(chan struct{})
		schedule = true
	}

	pendingDone := t.done
	t.mu.Unlock()
	tbl.mu.Unlock()

	if schedule {
		go tbl.run(t, scope)
	}
	return nil, nil, pendingDone, t, nil
}

// accept takes the outcome of a completed generation, identified by
// its done channel, unless a newer generation has already replaced it.
func (tbl *Table) accept(t *task, done chan struct{}, reader ids.TaskID, inTask bool) (*cells.ReadRef, *vals.SharedError, bool) {
	tbl.mu.Lock()
	t.mu.Lock()
	defer func() {
		t.mu.Unlock()
		tbl.mu.Unlock()
	}()

	if t.done != done {
		return nil, nil, false
	}
	switch t.state {
	case StateDone:
		ref := t.cell.Acquire()
		if ref == nil {
			return nil, nil, false
		}
		if inTask {
			tbl.addEdgeLocked(reader, t.id, edge{observed: ref.Version()})
		}
		return ref, nil, true
	case StateFailed:
		if inTask {
			tbl.addEdgeLocked(reader, t.id, edge{observed: t.cell.Version(), sawFailure: true})
		}
		return nil, t.failure, true
	default:
		return nil, nil, false
	}
}

// await suspends until the awaited generation completes. A reader that
// is itself a running task gives up its worker slot for the duration so
// the awaited task can always be scheduled.
func (tbl *Table) await(ctx context.Context, done chan struct{}, inTask bool) error {
	if inTask {
		tbl.sem.Release(1)
		defer tbl.sem.Acquire(context.Background(), 1)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes the task body once, if the task is still Pending. The
// state transition to Running is the claim: every concurrent path that
// wants the task executed funnels through here and all but one return
// immediately, so there is never more than one writer per cell.
func (tbl *Table) run(t *task, scope ids.TaskScopeID) {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return
	}
	t.state = StateRunning
	t.staleAgain = false
	done := t.done
	t.mu.Unlock()

	ctx := withRunningTask(context.Background(), t.id)
	ctx = ContextWithScope(ctx, scope)
	ctx, span := tracer.Start(ctx, "taskgraph.execute")
	span.SetAttributes(
		attribute.String("taskgraph.function", t.name),
		attribute.String("taskgraph.task", t.id.String()),
	)
	defer span.End()

	tbl.sem.Acquire(context.Background(), 1)
	defer tbl.sem.Release(1)

	// The previous execution's reads no longer describe this one.
	tbl.resetDepsOf(t.id)

	// Pre-execution cancellation checkpoint.
	if tbl.scopes.Cancelled(scope) {
		tbl.finish(t, done, nil, vals.CancelError(fmt.Sprintf("%s cancelled", scope)))
		return
	}

	tbl.mu.Lock()
	impl := tbl.impls[t.fn]
	tbl.mu.Unlock()

	tbl.logger.Trace("executing task", "task", t.id, "function", t.name)
	values, err := impl(ctx, t.args)

	// Pre-publish cancellation checkpoint: a result computed under a
	// scope that was cancelled mid-flight is discarded.
	if tbl.scopes.Cancelled(scope) {
		tbl.finish(t, done, nil, vals.CancelError(fmt.Sprintf("%s cancelled", scope)))
		return
	}
	if err != nil {
		tbl.logger.Debug("task failed", "task", t.id, "function", t.name, "error", err)
		tbl.finish(t, done, nil, vals.AsSharedError(err))
		return
	}
	tbl.finish(t, done, values, nil)
}

// finish completes an execution generation: publishes the outcome,
// transitions out of Running, wakes waiters, and propagates
// invalidation to the dependents whose recorded observations the new
// outcome supersedes.
func (tbl *Table) finish(t *task, done chan struct{}, values []vals.Value, failure *vals.SharedError) {
	var version uint64
	changed := false
	if failure == nil {
		version, changed = t.cell.Publish(values)
	}

	t.mu.Lock()
	if failure != nil {
		t.state = StateFailed
		t.failure = failure
	} else {
		t.state = StateDone
		t.failure = nil
		t.transient = t.transientArgs || vals.HasTransient(values)
	}
	again := t.staleAgain
	t.staleAgain = false
	t.mu.Unlock()

	close(done)

	if failure != nil {
		// Failures carry no structural identity to short-circuit on:
		// every dependent that read an earlier outcome is invalidated.
		tbl.invalidateDependents(t.id, func(edge) bool { return true })
	} else {
		// Precision guarantee: only dependents that observed an older
		// version, or a failure, are touched. Readers coalesced onto
		// this very execution observed the new version and stay valid.
		tbl.invalidateDependents(t.id, func(e edge) bool {
			return e.sawFailure || (changed && e.observed < version)
		})
	}

	if again {
		// An invalidation arrived while we were running. The result
		// just published stands (first writer wins); the follow-up
		// execution happens lazily on the next read.
		tbl.markStale(t)
	}
}

// Invalidate marks the task and its transitive dependents Stale. This
// is also the entry point for externally-sourced inputs: an I/O
// observer that knows a root task's underlying input changed calls this
// to schedule lazy recomputation of exactly the affected subgraph.
//
// The walk is breadth-first over recorded dependency edges with no
// revisits: tasks that never read the invalidated cell, directly or
// transitively, are never touched.
func (tbl *Table) Invalidate(id ids.TaskID) error {
	tbl.mu.Lock()
	t, ok := tbl.tasks[id]
	tbl.mu.Unlock()
	if !ok {
		return vals.ContractErrorf("invalidate of unknown task %s", id)
	}

	tbl.logger.Debug("invalidating task", "task", id, "function", t.name)
	tbl.markStale(t)
	tbl.walkDependents(id, map[ids.TaskID]struct{}{id: {}})
	return nil
}

// invalidateDependents marks stale the direct dependents of id whose
// edges satisfy the filter, then walks onward unconditionally from each
// one marked.
func (tbl *Table) invalidateDependents(id ids.TaskID, filter func(edge) bool) {
	visited := map[ids.TaskID]struct{}{id: {}}
	for _, de := range tbl.dependentEdgesOf(id) {
		if _, seen := visited[de.id]; seen {
			continue
		}
		visited[de.id] = struct{}{}
		if !filter(de.edge) {
			continue
		}
		tbl.mu.Lock()
		t, ok := tbl.tasks[de.id]
		tbl.mu.Unlock()
		if !ok || !tbl.markStale(t) {
			continue
		}
		tbl.walkDependents(de.id, visited)
	}
}

// walkDependents is the transitive part of an invalidation: a
// breadth-first walk over the reverse edge index with no revisits.
func (tbl *Table) walkDependents(from ids.TaskID, visited map[ids.TaskID]struct{}) {
	queue := []ids.TaskID{from}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, de := range tbl.dependentEdgesOf(next) {
			if _, seen := visited[de.id]; seen {
				continue
			}
			visited[de.id] = struct{}{}
			tbl.mu.Lock()
			t, ok := tbl.tasks[de.id]
			tbl.mu.Unlock()
			if !ok {
				continue
			}
			if tbl.markStale(t) {
				queue = append(queue, de.id)
			}
		}
	}
}

// markStale moves a completed task to Stale and reports whether its
// dependents should be walked. A Running task is flagged for a
// follow-up re-execution instead: its in-flight publish will decide
// whether dependents actually need invalidating. Pending and
// already-Stale tasks have nothing new to propagate.
func (tbl *Table) markStale(t *task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateDone, StateFailed:
		t.state = StateStale
		return true
	case StateRunning:
		t.staleAgain = true
		return false
	default:
		return false
	}
}

// addEdgeLocked records or refreshes the edge from reader to read.
// Callers must hold tbl.mu.
func (tbl *Table) addEdgeLocked(from, to ids.TaskID, e edge) {
	set, ok := tbl.deps[from]
	if !ok {
		set = make(map[ids.TaskID]edge)
		tbl.deps[from] = set
	}
	if _, ok := set[to]; !ok {
		tbl.depOrder[from] = append(tbl.depOrder[from], to)
	}
	set[to] = e

	rev, ok := tbl.dependents[to]
	if !ok {
		rev = make(map[ids.TaskID]struct{})
		tbl.dependents[to] = rev
	}
	rev[from] = struct{}{}
}

func (tbl *Table) resetDepsOf(id ids.TaskID) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for dep := range tbl.deps[id] {
		delete(tbl.dependents[dep], id)
	}
	delete(tbl.deps, id)
	delete(tbl.depOrder, id)
}

type dependentEdge struct {
	id   ids.TaskID
	edge edge
}

// dependentEdgesOf snapshots the reverse edges of id along with each
// dependent's recorded observation, in stable id order.
func (tbl *Table) dependentEdgesOf(id ids.TaskID) []dependentEdge {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	out := make([]dependentEdge, 0, len(tbl.dependents[id]))
	for d := range tbl.dependents[id] {
		out = append(out, dependentEdge{id: d, edge: tbl.deps[d][id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// TaskState reports the current lifecycle state of a task.
func (tbl *Table) TaskState(id ids.TaskID) (State, bool) {
	tbl.mu.Lock()
	t, ok := tbl.tasks[id]
	tbl.mu.Unlock()
	if !ok {
		return 0, false
	}
	return t.currentState(), true
}

// Len returns the number of live tasks in the memoization table.
func (tbl *Table) Len() int {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return len(tbl.tasks)
}

// Collect removes the given tasks from the table, dropping their cell
// storage and dependency edges. Tasks that are currently executing,
// waiting to execute, or whose cells are pinned by an outstanding
// ReadRef are skipped: an outstanding borrow keeps its task alive no
// matter which scopes have exited.
func (tbl *Table) Collect(candidates []ids.TaskID) int {
	collected := 0
	for _, id := range candidates {
		tbl.mu.Lock()
		t, ok := tbl.tasks[id]
		if !ok {
			tbl.mu.Unlock()
			continue
		}

		t.mu.Lock()
		busy := t.state == StatePending || t.state == StateRunning
		pinned := t.cell.Pinned()
		if busy || pinned {
			t.mu.Unlock()
			tbl.mu.Unlock()
			tbl.logger.Trace("skipping collection", "task", id, "busy", busy, "pinned", pinned)
			continue
		}

		delete(tbl.byKey, t.key)
		delete(tbl.tasks, id)
		for dep := range tbl.deps[id] {
			delete(tbl.dependents[dep], id)
		}
		delete(tbl.deps, id)
		delete(tbl.depOrder, id)
		for dependent := range tbl.dependents[id] {
			delete(tbl.deps[dependent], id)
		}
		delete(tbl.dependents, id)

		t.cell.Clear()
		t.mu.Unlock()
		tbl.mu.Unlock()

		tbl.scopes.Forget(id)
		tbl.logger.Trace("collected task", "task", id, "function", t.name)
		collected++
	}
	return collected
}

// Dump renders the live task graph for debug output: every task with
// its state and its dependencies in first-read order.
func (tbl *Table) Dump() string {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	root := treeprint.New()
	ordered := make([]ids.TaskID, 0, len(tbl.tasks))
	for id := range tbl.tasks {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, id := range ordered {
		t := tbl.tasks[id]
		branch := root.AddBranch(fmt.Sprintf("%s %s [%s]", id, t.name, t.currentState()))
		for _, dep := range tbl.depOrder[id] {
			if dt, ok := tbl.tasks[dep]; ok {
				branch.AddNode(fmt.Sprintf("reads %s %s", dep, dt.name))
			}
		}
	}
	return root.String()
}
