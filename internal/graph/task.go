// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package graph

import (
	"sync"

	"github.com/hashicorp/go-taskgraph/internal/cells"
	"github.com/hashicorp/go-taskgraph/internal/ids"
	"github.com/hashicorp/go-taskgraph/internal/vals"
)

// State is the lifecycle state of a task.
type State int

const (
	// StatePending means the task has been created or re-marked for
	// execution but no worker has claimed it yet.
	StatePending State = iota

	// StateRunning means exactly one worker is executing the body.
	StateRunning

	// StateDone means the latest execution succeeded and published
	// into the task's cell.
	StateDone

	// StateFailed means the latest execution failed; the failure is
	// cached as a SharedError and served to every reader.
	StateFailed

	// StateStale means a dependency published a newer version after
	// this task's latest execution; the task re-executes lazily on its
	// next read.
	StateStale
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateStale:
		return "stale"
	default:
		return "invalid"
	}
}

// task is one memoized invocation. The canonical key, function, and
// arguments are fixed at creation; everything else is guarded by mu.
type task struct {
	id   ids.TaskID
	key  string
	fn   ids.FunctionID
	name string
	args []vals.Value

	// transientArgs is fixed at creation: any transient argument
	// permanently disqualifies this key from caching.
	transientArgs bool

	mu      sync.Mutex
	state   State
	cell    *cells.Cell
	failure *vals.SharedError

	// done is closed when the current execution generation leaves
	// Running; a fresh channel is allocated on every transition back
	// to Pending.
	done chan struct{}

	// transient is true when the latest completed execution consumed
	// or produced a transient value; such a result is served to the
	// readers that awaited the execution but never reused afterwards.
	transient bool

	// staleAgain is set when an invalidation arrives while the task is
	// Running: the in-flight execution completes and publishes
	// (first-writer-wins), then the task immediately re-marks itself
	// Stale so the next read re-executes.
	staleAgain bool
}

func (t *task) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
