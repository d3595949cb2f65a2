// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/go-taskgraph/internal/ids"
	"github.com/hashicorp/go-taskgraph/internal/vals"
)

// echoBackend completes every job with its own payload, after an
// optional delay.
func echoBackend(delay time.Duration) Backend {
	return BackendFunc(func(ctx context.Context, id ids.BackendJobID, payload vals.Value, results chan<- Result) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case results <- Result{ID: id, Value: payload}:
		case <-ctx.Done():
		}
	})
}

func TestQueueEnqueueAwait(t *testing.T) {
	q := NewQueue(echoBackend(5*time.Millisecond), hclog.NewNullLogger())
	defer q.Close()

	ctx := context.Background()
	a, err := q.Enqueue(ctx, vals.String("first"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.Enqueue(ctx, vals.String("second"))
	if err != nil {
		t.Fatal(err)
	}
	if b <= a {
		t.Errorf("job ids not monotonic: %s then %s", a, b)
	}

	got, err := q.Await(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := got.AsString(); s != "second" {
		t.Errorf("wrong payload %q; want \"second\"", s)
	}

	// Awaiting an already-completed job returns the retained outcome.
	got, err = q.Await(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := got.AsString(); s != "first" {
		t.Errorf("wrong payload %q; want \"first\"", s)
	}
}

func TestQueueFailureSurfacesOnce(t *testing.T) {
	boom := errors.New("backend on fire")
	backend := BackendFunc(func(ctx context.Context, id ids.BackendJobID, payload vals.Value, results chan<- Result) {
		results <- Result{ID: id, Err: boom}
	})
	q := NewQueue(backend, hclog.NewNullLogger())
	defer q.Close()

	ctx := context.Background()
	id, err := q.Enqueue(ctx, vals.Int(1))
	if err != nil {
		t.Fatal(err)
	}

	// All awaiters share one cached failure value; the queue never
	// retries on its own.
	var errs [3]error
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.Await(ctx, id)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("awaiter %d got no error", i)
		}
		if errs[i] != errs[0] {
			t.Errorf("awaiter %d observed a different error instance", i)
		}
		shared := vals.AsSharedError(err)
		if got, want := shared.Kind(), vals.ErrKindBackend; got != want {
			t.Errorf("wrong error kind %s; want %s", got, want)
		}
		if !errors.Is(err, boom) {
			t.Errorf("backend error lost its cause: %s", err)
		}
	}
}

func TestQueueContractViolations(t *testing.T) {
	q := NewQueue(nil, hclog.NewNullLogger())
	defer q.Close()

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, vals.Int(1)); err == nil {
		t.Error("enqueue without a backend succeeded")
	}
	if _, err := q.Await(ctx, ids.BackendJobID(42)); err == nil {
		t.Error("await of an unknown job succeeded")
	}
}

func TestQueueAwaitRespectsContext(t *testing.T) {
	// A backend that never reports.
	backend := BackendFunc(func(ctx context.Context, id ids.BackendJobID, payload vals.Value, results chan<- Result) {
		<-ctx.Done()
	})
	q := NewQueue(backend, hclog.NewNullLogger())

	id, err := q.Enqueue(context.Background(), vals.Int(1))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Await(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wrong error %v; want context deadline", err)
	}

	// Closing with the job still outstanding reports it.
	err = q.Close()
	if err == nil {
		t.Fatal("close with an unfinished job reported no error")
	}
	if !strings.Contains(err.Error(), "never reported completion") {
		t.Errorf("wrong close error: %s", err)
	}

	if _, err := q.Enqueue(context.Background(), vals.Int(2)); err == nil {
		t.Error("enqueue after close succeeded")
	}
	if err := q.Close(); err != nil {
		t.Errorf("second close returned %s; want nil", err)
	}
}
