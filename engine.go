// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskgraph

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/go-taskgraph/internal/graph"
	"github.com/hashicorp/go-taskgraph/internal/ids"
	"github.com/hashicorp/go-taskgraph/internal/jobs"
	"github.com/hashicorp/go-taskgraph/internal/scopes"
	"github.com/hashicorp/go-taskgraph/internal/vals"
	"github.com/hashicorp/go-taskgraph/internal/watch"
)

type options struct {
	logger  hclog.Logger
	workers int
	backend jobs.Backend
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger; the default discards everything.
func WithLogger(logger hclog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithWorkers bounds how many task bodies execute concurrently. The
// default is the number of CPUs.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithBackend attaches the collaborator that executes deferred jobs.
// Without one, EnqueueJob is a contract violation.
func WithBackend(backend Backend) Option {
	return func(o *options) { o.backend = backend }
}

// Engine is the engine's public face: registration, invocation, reads,
// scoping, invalidation, and the backend job queue, all behind one
// handle with explicit construction and teardown. All methods are safe
// for concurrent use.
type Engine struct {
	id     string
	logger hclog.Logger

	reg   *ids.Registry
	tree  *scopes.Tree
	table *graph.Table
	queue *jobs.Queue

	closed atomic.Bool
}

// New constructs an engine. There are no ambient globals: every engine
// owns its own registries and tables, and independent engines never
// share state.
func New(opts ...Option) (*Engine, error) {
	o := options{
		logger:  hclog.NewNullLogger(),
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("engine", id)

	reg := ids.NewRegistry()
	tree := scopes.NewTree(logger)
	return &Engine{
		id:     id,
		logger: logger,
		reg:    reg,
		tree:   tree,
		table:  graph.NewTable(reg, tree, o.workers, logger),
		queue:  jobs.NewQueue(o.backend, logger),
	}, nil
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return vals.ContractErrorf("engine is closed")
	}
	return nil
}

// RegisterFunction interns the function's identity and binds its
// implementation. Registration is idempotent: registering an equal
// descriptor again returns the id minted the first time.
func (e *Engine) RegisterFunction(desc FunctionDesc, impl Func) (FunctionID, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	fn := e.reg.RegisterFunction(desc)
	if err := e.table.Bind(fn, impl); err != nil {
		return 0, err
	}
	return fn, nil
}

// RegisterValueType interns a value type's identity.
func (e *Engine) RegisterValueType(desc ValueTypeDesc) (ValueTypeID, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.reg.RegisterValueType(desc), nil
}

// RegisterTrait interns a trait's identity.
func (e *Engine) RegisterTrait(desc TraitDesc) (TraitTypeID, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.reg.RegisterTrait(desc), nil
}

// RegisterImpl records that a value type implements a trait.
func (e *Engine) RegisterImpl(vt ValueTypeID, tt TraitTypeID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.reg.RegisterImpl(vt, tt)
}

// Implements queries the capability table.
func (e *Engine) Implements(vt ValueTypeID, tt TraitTypeID) bool {
	return e.reg.Implements(vt, tt)
}

// Invoke memoizes a call: structurally equal argument lists for the
// same function always resolve to the same task, which executes at most
// once per result generation no matter how many callers ask.
func (e *Engine) Invoke(ctx context.Context, fn FunctionID, args ...Value) (TaskID, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.table.Invoke(ctx, fn, args)
}

// Read returns a borrowed handle on the task's result, suspending until
// it is computed. A failed task yields its cached SharedError through
// the same path. Release the returned ref when done with it.
func (e *Engine) Read(ctx context.Context, id TaskID) (*ReadRef, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.table.Read(ctx, id)
}

// Invalidate marks the task and its transitive dependents stale. This
// is the entry point for I/O-observing collaborators that feed external
// inputs into the graph.
func (e *Engine) Invalidate(id TaskID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.table.Invalidate(id)
}

// TaskState reports a task's lifecycle state, mostly for debugging and
// tooling.
func (e *Engine) TaskState(id TaskID) (State, bool) {
	return e.table.TaskState(id)
}

// EnterScope opens a child of the context's current scope (or a new
// root scope) and returns a derived context carrying it. Tasks created
// or read through the returned context are attributed to the new scope.
func (e *Engine) EnterScope(ctx context.Context) (context.Context, TaskScopeID, error) {
	if err := e.checkOpen(); err != nil {
		return ctx, NoScope, err
	}
	parent := graph.ScopeFromContext(ctx)
	id, err := e.tree.Enter(parent)
	if err != nil {
		return ctx, NoScope, err
	}
	return graph.ContextWithScope(ctx, id), id, nil
}

// ExitScope destroys the scope and collects every task that was
// reachable only through it: cell storage is released and the
// memoization entries removed. Tasks still referenced by another live
// scope, or pinned by an outstanding ReadRef, survive.
func (e *Engine) ExitScope(id TaskScopeID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	candidates, err := e.tree.Exit(id)
	if err != nil {
		return err
	}
	collected := e.table.Collect(candidates)
	e.logger.Debug("scope exited", "scope", id, "collected", collected)
	return nil
}

// CancelScope marks the scope and its descendants cancelled. Running
// and pending tasks observe the flag at their next checkpoint and fail
// with a cancellation-kind error; completed tasks are unaffected.
func (e *Engine) CancelScope(id TaskScopeID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.tree.Cancel(id)
}

// EnqueueJob hands a deferred unit of work to the backend collaborator
// and acks immediately. Jobs are opaque to the task graph.
func (e *Engine) EnqueueJob(ctx context.Context, payload Value) (BackendJobID, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.queue.Enqueue(ctx, payload)
}

// AwaitJob blocks until the backend reports the job's outcome. This is
// the only way task execution ever waits on a job.
func (e *Engine) AwaitJob(ctx context.Context, id BackendJobID) (Value, error) {
	if err := e.checkOpen(); err != nil {
		return NilValue, err
	}
	return e.queue.Await(ctx, id)
}

// NewFileWatcher returns a watcher that feeds file changes into this
// engine's Invalidate. Close it before closing the engine.
func (e *Engine) NewFileWatcher() (*Watcher, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return watch.NewWatcher(e, e.logger)
}

// DumpGraph renders the live task graph for debugging.
func (e *Engine) DumpGraph() string {
	return e.table.Dump()
}

// DumpScopes renders the live scope forest for debugging.
func (e *Engine) DumpScopes() string {
	return e.tree.Dump()
}

// Close tears the engine down. All scopes must have exited first;
// closing with live scopes is a contract violation. Close is
// idempotent.
func (e *Engine) Close() error {
	if e.closed.Load() {
		return nil
	}
	if n := e.tree.Len(); n != 0 {
		return vals.ContractErrorf("cannot close engine with %d live scopes", n)
	}
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs *multierror.Error
	if err := e.queue.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	e.logger.Debug("engine closed")
	return errs.ErrorOrNil()
}
