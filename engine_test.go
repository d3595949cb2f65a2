// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskgraph_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-taskgraph"
)

func newTestEngine(t *testing.T, opts ...taskgraph.Option) *taskgraph.Engine {
	t.Helper()
	eng, err := taskgraph.New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestEngineSquareFromTwoScopes(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	var execs atomic.Int64
	square, err := eng.RegisterFunction(
		taskgraph.FunctionDesc{Name: "square", NumOutputs: 1},
		func(ctx context.Context, args []taskgraph.Value) ([]taskgraph.Value, error) {
			execs.Add(1)
			n, _ := args[0].AsInt()
			return []taskgraph.Value{taskgraph.Int(n * n)}, nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx1, scope1, err := eng.EnterScope(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx2, scope2, err := eng.EnterScope(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// The same invocation from two scopes concurrently must collapse
	// onto one task and one execution, with both reads observing 16.
	var taskIDs [2]taskgraph.TaskID
	var results [2]int64
	var wg sync.WaitGroup
	for i, ctx := range []context.Context{ctx1, ctx2} {
		wg.Add(1)
		go func(i int, ctx context.Context) {
			defer wg.Done()
			id, err := eng.Invoke(ctx, square, taskgraph.Int(4))
			if err != nil {
				t.Error(err)
				return
			}
			taskIDs[i] = id
			ref, err := eng.Read(ctx, id)
			if err != nil {
				t.Error(err)
				return
			}
			defer ref.Release()
			results[i], _ = ref.Value(0).AsInt()
		}(i, ctx)
	}
	wg.Wait()

	if taskIDs[0] != taskIDs[1] {
		t.Errorf("two scopes got distinct tasks %s and %s", taskIDs[0], taskIDs[1])
	}
	if got, want := execs.Load(), int64(1); got != want {
		t.Errorf("body executed %d times; want %d", got, want)
	}
	for i, r := range results {
		if r != 16 {
			t.Errorf("scope %d read %d; want 16", i+1, r)
		}
	}

	// Shared by both scopes: exiting one must not collect the task.
	if err := eng.ExitScope(scope1); err != nil {
		t.Fatal(err)
	}
	if _, ok := eng.TaskState(taskIDs[0]); !ok {
		t.Fatal("task collected while a sibling scope still references it")
	}
	if err := eng.ExitScope(scope2); err != nil {
		t.Fatal(err)
	}
	if _, ok := eng.TaskState(taskIDs[0]); ok {
		t.Error("task survived after every referencing scope exited")
	}
}

func TestEngineScopeBoundedCollection(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	fn, err := eng.RegisterFunction(
		taskgraph.FunctionDesc{Name: "scoped"},
		func(ctx context.Context, args []taskgraph.Value) ([]taskgraph.Value, error) {
			return []taskgraph.Value{args[0]}, nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx, scope, err := eng.EnterScope(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	id, err := eng.Invoke(ctx, fn, taskgraph.String("only here"))
	if err != nil {
		t.Fatal(err)
	}
	ref, err := eng.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	// An outstanding ReadRef pins the task across its scope's exit.
	if err := eng.ExitScope(scope); err != nil {
		t.Fatal(err)
	}
	if got, _ := ref.Value(0).AsString(); got != "only here" {
		t.Errorf("pinned ref observed %q after scope exit", got)
	}
	ref.Release()

	// With the borrow returned and no scope referencing it, the next
	// exit cycle has nothing to collect it from; re-invoking from a
	// fresh scope mints a fresh task.
	ctx2, scope2, err := eng.EnterScope(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.ExitScope(scope2)
	id2, err := eng.Invoke(ctx2, fn, taskgraph.String("only here"))
	if err != nil {
		t.Fatal(err)
	}
	if state, ok := eng.TaskState(id2); !ok || state == taskgraph.StateFailed {
		t.Errorf("re-invocation unusable: state %s, known %t", state, ok)
	}
}

func TestEngineInvalidationWithOldReadRef(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	var mu sync.Mutex
	raw := `{"retries": 1}`

	readInput, err := eng.RegisterFunction(
		taskgraph.FunctionDesc{Name: "read_config_file"},
		func(ctx context.Context, args []taskgraph.Value) ([]taskgraph.Value, error) {
			mu.Lock()
			defer mu.Unlock()
			return []taskgraph.Value{taskgraph.String(raw)}, nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	input, err := eng.Invoke(ctx, readInput)
	if err != nil {
		t.Fatal(err)
	}

	parse, err := eng.RegisterFunction(
		taskgraph.FunctionDesc{Name: "parse_config"},
		func(ctx context.Context, args []taskgraph.Value) ([]taskgraph.Value, error) {
			ref, err := eng.Read(ctx, input)
			if err != nil {
				return nil, err
			}
			defer ref.Release()
			s, _ := ref.Value(0).AsString()
			return []taskgraph.Value{taskgraph.String("parsed:" + s)}, nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := eng.Invoke(ctx, parse)
	if err != nil {
		t.Fatal(err)
	}

	oldRef, err := eng.Read(ctx, parsed)
	if err != nil {
		t.Fatal(err)
	}
	defer oldRef.Release()

	mu.Lock()
	raw = `{"retries": 5}`
	mu.Unlock()
	if err := eng.Invalidate(input); err != nil {
		t.Fatal(err)
	}

	newRef, err := eng.Read(ctx, parsed)
	if err != nil {
		t.Fatal(err)
	}
	defer newRef.Release()

	if got, _ := newRef.Value(0).AsString(); got != `parsed:{"retries": 5}` {
		t.Errorf("post-invalidation read observed %q", got)
	}
	// The ref obtained before invalidation still serves the old
	// content, untorn.
	if got, _ := oldRef.Value(0).AsString(); got != `parsed:{"retries": 1}` {
		t.Errorf("pre-invalidation ref observed %q", got)
	}
}

func TestEngineBackendJobs(t *testing.T) {
	backend := taskgraph.BackendFunc(func(ctx context.Context, id taskgraph.BackendJobID, payload taskgraph.Value, results chan<- taskgraph.JobResult) {
		s, _ := payload.AsString()
		results <- taskgraph.JobResult{ID: id, Value: taskgraph.String("uploaded " + s)}
	})
	eng := newTestEngine(t, taskgraph.WithBackend(backend))
	defer eng.Close()

	ctx := context.Background()

	// A task that explicitly awaits a job blocks exactly like a read;
	// tasks that don't await are unaffected by the queue entirely.
	fn, err := eng.RegisterFunction(
		taskgraph.FunctionDesc{Name: "archive"},
		func(ctx context.Context, args []taskgraph.Value) ([]taskgraph.Value, error) {
			job, err := eng.EnqueueJob(ctx, args[0])
			if err != nil {
				return nil, err
			}
			out, err := eng.AwaitJob(ctx, job)
			if err != nil {
				return nil, err
			}
			return []taskgraph.Value{out}, nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	id, err := eng.Invoke(ctx, fn, taskgraph.String("state.bin"))
	if err != nil {
		t.Fatal(err)
	}
	ref, err := eng.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Release()
	if got, _ := ref.Value(0).AsString(); got != "uploaded state.bin" {
		t.Errorf("wrong job result %q", got)
	}
}

func TestEngineFileWatcherFeedsInvalidation(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadFile, err := eng.RegisterFunction(
		taskgraph.FunctionDesc{Name: "load_file"},
		func(ctx context.Context, args []taskgraph.Value) ([]taskgraph.Value, error) {
			p, _ := args[0].AsString()
			buf, err := os.ReadFile(p)
			if err != nil {
				return nil, err
			}
			return []taskgraph.Value{taskgraph.Bytes(buf)}, nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	root, err := eng.Invoke(ctx, loadFile, taskgraph.String(path))
	if err != nil {
		t.Fatal(err)
	}

	w, err := eng.NewFileWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Bind(path, root); err != nil {
		t.Fatal(err)
	}

	ref, err := eng.Read(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := ref.Value(0).AsBytes(); string(got) != "v1" {
		t.Fatalf("wrong initial content %q", got)
	}
	ref.Release()

	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ref, err := eng.Read(ctx, root)
		if err != nil {
			t.Fatal(err)
		}
		got, _ := ref.Value(0).AsBytes()
		ref.Release()
		if string(got) == "v2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("file change never reached the graph; still reading %q", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineCapabilityTable(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	vt, err := eng.RegisterValueType(taskgraph.ValueTypeDesc{Name: "document"})
	if err != nil {
		t.Fatal(err)
	}
	tt, err := eng.RegisterTrait(taskgraph.TraitDesc{Name: "Renderable", Methods: []string{"render"}})
	if err != nil {
		t.Fatal(err)
	}

	if eng.Implements(vt, tt) {
		t.Error("capability reported before registration")
	}
	if err := eng.RegisterImpl(vt, tt); err != nil {
		t.Fatal(err)
	}
	if !eng.Implements(vt, tt) {
		t.Error("capability not reported after registration")
	}
}

func TestEngineCloseContract(t *testing.T) {
	eng := newTestEngine(t)

	_, scope, err := eng.EnterScope(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Teardown is only legal after the last scope exits.
	if err := eng.Close(); err == nil {
		t.Error("close with a live scope succeeded")
	}
	if err := eng.ExitScope(scope); err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("second close returned %s; want nil", err)
	}

	if _, err := eng.RegisterFunction(taskgraph.FunctionDesc{Name: "late"}, nil); err == nil {
		t.Error("registration on a closed engine succeeded")
	}
	if _, err := eng.Invoke(context.Background(), taskgraph.FunctionID(1)); err == nil {
		t.Error("invoke on a closed engine succeeded")
	}
}
