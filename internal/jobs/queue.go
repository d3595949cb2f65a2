// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package jobs implements the backend job queue: deferred,
// non-memoized units of work that run alongside the task graph without
// participating in memoization or invalidation.
//
// The queue hands each job to the backend collaborator and collects
// completions asynchronously over a channel. The core never blocks task
// execution on a job unless a task explicitly awaits its result, and it
// applies no retry policy of its own: a reported failure is surfaced,
// once, to whoever awaits the job.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/go-taskgraph/internal/ids"
	"github.com/hashicorp/go-taskgraph/internal/vals"
)

// Result is one completion report from the backend: the job either
// produced a value or failed.
type Result struct {
	ID    ids.BackendJobID
	Value vals.Value
	Err   error
}

// Backend is the collaborator that actually executes jobs. Execute is
// called once per enqueued job, on its own goroutine; the backend
// reports the outcome by sending exactly one Result for the job on the
// results channel, at whatever later time it completes. Retry policy,
// if any, lives behind this interface.
type Backend interface {
	Execute(ctx context.Context, id ids.BackendJobID, payload vals.Value, results chan<- Result)
}

// BackendFunc adapts a plain function to the Backend interface.
type BackendFunc func(ctx context.Context, id ids.BackendJobID, payload vals.Value, results chan<- Result)

func (f BackendFunc) Execute(ctx context.Context, id ids.BackendJobID, payload vals.Value, results chan<- Result) {
	f(ctx, id, payload, results)
}

type jobState struct {
	done  chan struct{}
	value vals.Value
	err   *vals.SharedError
}

// Queue schedules jobs onto the backend and routes completions back to
// awaiting callers. All methods are safe for concurrent use.
type Queue struct {
	logger  hclog.Logger
	backend Backend

	mu     sync.Mutex
	nextID uint64
	jobs   map[ids.BackendJobID]*jobState
	closed bool

	results chan Result
	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

// NewQueue starts a queue delivering jobs to the given backend. A nil
// backend is allowed; enqueueing on such a queue is a contract
// violation.
func NewQueue(backend Backend, logger hclog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	q := &Queue{
		logger:  logger.Named("jobs"),
		backend: backend,
		jobs:    make(map[ids.BackendJobID]*jobState),
		results: make(chan Result),
		ctx:     ctx,
		cancel:  cancel,
		eg:      eg,
	}
	eg.Go(func() error {
		q.dispatch(ctx)
		return nil
	})
	return q
}

// Enqueue hands a job to the backend and acknowledges immediately with
// the job's identity. Job ids are monotonic and never reused.
func (q *Queue) Enqueue(ctx context.Context, payload vals.Value) (ids.BackendJobID, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, vals.ContractErrorf("enqueue on closed job queue")
	}
	if q.backend == nil {
		q.mu.Unlock()
		return 0, vals.ContractErrorf("no backend configured for job queue")
	}
	q.nextID++
	id := ids.BackendJobID(q.nextID)
	q.jobs[id] = &jobState{done: make(chan struct{})}
	q.mu.Unlock()

	q.logger.Trace("enqueued job", "job", id)
	q.eg.Go(func() error {
		// Jobs run on the queue's lifecycle, not the enqueuer's: the
		// acked job outlives the call that enqueued it.
		q.backend.Execute(q.ctx, id, payload, q.results)
		return nil
	})
	return id, nil
}

// Await blocks until the backend reports the job's outcome, then
// returns it. The outcome stays available for later Await calls; a
// failure surfaces as a backend-kind SharedError shared by all callers.
func (q *Queue) Await(ctx context.Context, id ids.BackendJobID) (vals.Value, error) {
	q.mu.Lock()
	st, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return vals.NilValue, vals.ContractErrorf("await of unknown job %s", id)
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		return vals.NilValue, ctx.Err()
	}
	if st.err != nil {
		return vals.NilValue, st.err
	}
	return st.value, nil
}

// dispatch routes completion reports to their job states.
func (q *Queue) dispatch(ctx context.Context) {
	for {
		select {
		case res := <-q.results:
			q.complete(res)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) complete(res Result) {
	q.mu.Lock()
	st, ok := q.jobs[res.ID]
	q.mu.Unlock()
	if !ok {
		q.logger.Warn("completion for unknown job", "job", res.ID)
		return
	}
	select {
	case <-st.done:
		q.logger.Warn("duplicate completion for job", "job", res.ID)
		return
	default:
	}

	if res.Err != nil {
		st.err = vals.BackendError(res.Err)
		q.logger.Debug("job failed", "job", res.ID, "error", res.Err)
	} else {
		st.value = res.Value
		q.logger.Trace("job completed", "job", res.ID)
	}
	close(st.done)
}

// Close stops the queue. Jobs that never reported completion are
// returned as an aggregated error; their awaiters, if any, stay
// blocked until their contexts expire, so callers should close the
// queue only after the work they care about has settled.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()

	// Keep draining completion reports while the backend goroutines
	// unwind so that none of them blocks forever on the results
	// channel.
	settled := make(chan struct{})
	go func() {
		q.eg.Wait()
		close(settled)
	}()
	for {
		select {
		case res := <-q.results:
			q.complete(res)
		case <-settled:
			var err *multierror.Error
			q.mu.Lock()
			for id, st := range q.jobs {
				select {
				case <-st.done:
				default:
					err = multierror.Append(err, fmt.Errorf("job %s never reported completion", id))
				}
			}
			q.mu.Unlock()
			return err.ErrorOrNil()
		}
	}
}
