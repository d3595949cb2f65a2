// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scopes tracks the hierarchy of execution scopes: which tasks
// each scope refers to, which scopes are cancelled, and which tasks
// become collectible when a scope exits.
//
// The tree itself knows nothing about task execution; it only maintains
// attribution sets over task ids. The engine feeds it attribution
// events and asks it for collectible sets on exit, then drives the
// actual collection through the task table.
package scopes

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/xlab/treeprint"

	"github.com/hashicorp/go-taskgraph/internal/ids"
)

// NoScope is the absent-parent sentinel: a scope entered with NoScope
// as its parent is a root of its own scope tree.
const NoScope = ids.TaskScopeID(0)

type scope struct {
	id        ids.TaskScopeID
	parent    ids.TaskScopeID
	children  map[ids.TaskScopeID]struct{}
	cancelled bool

	// tasks is this scope's attribution set: every task created or
	// read while the scope was current.
	tasks map[ids.TaskID]struct{}
}

// Tree is the forest of live scopes. All methods are safe for
// concurrent use.
type Tree struct {
	logger hclog.Logger

	mu     sync.Mutex
	scopes map[ids.TaskScopeID]*scope
	nextID uint64

	// taskScopes maps each attributed task to the set of live scopes
	// that refer to it; a task whose set drains to empty is reachable
	// from nowhere and becomes collectible.
	taskScopes map[ids.TaskID]map[ids.TaskScopeID]struct{}
}

func NewTree(logger hclog.Logger) *Tree {
	return &Tree{
		logger:     logger.Named("scopes"),
		scopes:     make(map[ids.TaskScopeID]*scope),
		taskScopes: make(map[ids.TaskID]map[ids.TaskScopeID]struct{}),
	}
}

// Enter creates a new scope under the given parent, or a new root scope
// if parent is NoScope. Entering under a dead or unknown parent is a
// contract violation.
//
// A scope entered under a cancelled parent is itself born cancelled:
// cancellation propagates down the tree unconditionally.
func (t *Tree) Enter(parent ids.TaskScopeID) (ids.TaskScopeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var parentScope *scope
	if parent != NoScope {
		var ok bool
		parentScope, ok = t.scopes[parent]
		if !ok {
			return NoScope, fmt.Errorf("unknown or exited parent scope %s", parent)
		}
	}

	t.nextID++
	id := ids.TaskScopeID(t.nextID)
	s := &scope{
		id:       id,
		parent:   parent,
		children: make(map[ids.TaskScopeID]struct{}),
		tasks:    make(map[ids.TaskID]struct{}),
	}
	if parentScope != nil {
		parentScope.children[id] = struct{}{}
		s.cancelled = parentScope.cancelled
	}
	t.scopes[id] = s
	t.logger.Trace("entered scope", "scope", id, "parent", parent)
	return id, nil
}

// Cancel marks the scope and all its live descendants cancelled. Tasks
// already completed are unaffected; running and pending tasks observe
// the flag at their next checkpoint.
func (t *Tree) Cancel(id ids.TaskScopeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.scopes[id]
	if !ok {
		return fmt.Errorf("unknown or exited scope %s", id)
	}
	t.cancelLocked(s)
	return nil
}

func (t *Tree) cancelLocked(s *scope) {
	if s.cancelled {
		return
	}
	s.cancelled = true
	t.logger.Debug("cancelled scope", "scope", s.id)
	for child := range s.children {
		if cs, ok := t.scopes[child]; ok {
			t.cancelLocked(cs)
		}
	}
}

// Cancelled reports whether the scope is marked cancelled. Unknown
// (already exited) scopes report true: work attributed to a scope that
// no longer exists has nothing left to produce results for.
func (t *Tree) Cancelled(id ids.TaskScopeID) bool {
	if id == NoScope {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.scopes[id]
	if !ok {
		return true
	}
	return s.cancelled
}

// Attribute records that the given task was created or read while the
// given scope was current. Attribution to an exited scope is ignored.
func (t *Tree) Attribute(id ids.TaskScopeID, task ids.TaskID) {
	if id == NoScope {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.scopes[id]
	if !ok {
		return
	}
	s.tasks[task] = struct{}{}
	set, ok := t.taskScopes[task]
	if !ok {
		set = make(map[ids.TaskScopeID]struct{})
		t.taskScopes[task] = set
	}
	set[id] = struct{}{}
}

// Exit destroys the scope and returns the tasks that were reachable
// only through it: attributed to this scope and to no other still-live
// scope. The caller decides whether each is actually collectible (a
// task pinned by an outstanding ReadRef from elsewhere is not).
//
// Live child scopes survive an exiting parent and keep their own
// attribution sets alive; they are re-parented to the exiting scope's
// parent.
func (t *Tree) Exit(id ids.TaskScopeID) ([]ids.TaskID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.scopes[id]
	if !ok {
		return nil, fmt.Errorf("unknown or already-exited scope %s", id)
	}
	delete(t.scopes, id)
	if parent, ok := t.scopes[s.parent]; ok {
		delete(parent.children, id)
		for child := range s.children {
			parent.children[child] = struct{}{}
		}
	}
	for child := range s.children {
		if cs, ok := t.scopes[child]; ok {
			cs.parent = s.parent
		}
	}

	var collectible []ids.TaskID
	for task := range s.tasks {
		set := t.taskScopes[task]
		delete(set, id)
		if len(set) == 0 {
			delete(t.taskScopes, task)
			collectible = append(collectible, task)
		}
	}
	sort.Slice(collectible, func(i, j int) bool { return collectible[i] < collectible[j] })

	t.logger.Trace("exited scope", "scope", id, "collectible", len(collectible))
	return collectible, nil
}

// Forget drops all attribution records for a task that the table has
// collected through some other path.
func (t *Tree) Forget(task ids.TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.taskScopes[task] {
		if s, ok := t.scopes[id]; ok {
			delete(s.tasks, task)
		}
	}
	delete(t.taskScopes, task)
}

// Len returns the number of live scopes.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.scopes)
}

// Dump renders the live scope forest for debug output.
func (t *Tree) Dump() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	root := treeprint.New()
	var roots []ids.TaskScopeID
	for id, s := range t.scopes {
		if _, ok := t.scopes[s.parent]; !ok {
			roots = append(roots, id)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	for _, id := range roots {
		t.dumpLocked(root, t.scopes[id])
	}
	return root.String()
}

func (t *Tree) dumpLocked(branch treeprint.Tree, s *scope) {
	label := fmt.Sprintf("%s (%d tasks)", s.id, len(s.tasks))
	if s.cancelled {
		label += " cancelled"
	}
	child := branch.AddBranch(label)
	var children []ids.TaskScopeID
	for id := range s.children {
		children = append(children, id)
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, id := range children {
		if cs, ok := t.scopes[id]; ok {
			t.dumpLocked(child, cs)
		}
	}
}
