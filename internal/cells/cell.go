// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package cells implements the versioned storage slots that hold task
// results, and the borrowed read handles through which all consumers
// observe them.
//
// Each cell is owned by exactly one task. Publication installs a whole
// new version rather than mutating in place, so a reader holding a
// ReadRef always sees one complete, immutable snapshot no matter how
// many publications happen concurrently. A superseded version's content
// is retained for exactly as long as outstanding ReadRefs point at it.
package cells

import (
	"sync"

	"github.com/hashicorp/go-taskgraph/internal/vals"
)

type version struct {
	num    uint64
	values []vals.Value

	// refs counts outstanding ReadRefs on this version; retired is set
	// once a newer version has been published. Content is dropped when
	// a retired version's refcount reaches zero. Both are guarded by
	// the owning cell's mutex.
	refs    int
	retired bool
}

// Cell is one versioned storage slot.
type Cell struct {
	mu      sync.Mutex
	current *version
	nextNum uint64
}

func NewCell() *Cell {
	return &Cell{nextNum: 1}
}

// Publish atomically installs values as the cell's visible version and
// returns the new version number.
//
// If the values are structurally equal to the current version's content
// the cell is left untouched and changed is false: re-executions that
// converge on the same result don't produce a new version, so their
// dependents have nothing to be invalidated over.
//
// Publication never blocks readers and never mutates content an
// existing ReadRef has observed.
func (c *Cell) Publish(values []vals.Value) (num uint64, changed bool) {
	snapshot := make([]vals.Value, len(values))
	copy(snapshot, values)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && vals.ValuesEqual(c.current.values, snapshot) {
		return c.current.num, false
	}

	if prev := c.current; prev != nil {
		prev.retired = true
		if prev.refs == 0 {
			prev.values = nil
		}
	}
	c.current = &version{num: c.nextNum, values: snapshot}
	c.nextNum++
	return c.current.num, true
}

// Acquire returns a ReadRef on the currently-visible version, or nil if
// nothing has been published yet. The returned ref pins its version's
// content until released.
func (c *Cell) Acquire() *ReadRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	c.current.refs++
	return &ReadRef{cell: c, ver: c.current}
}

// Version returns the currently-visible version number, or 0 if nothing
// has been published.
func (c *Cell) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return c.current.num
}

// Pinned reports whether any version of this cell is still pinned by an
// outstanding ReadRef. The scope collector uses this to refuse to
// collect a task whose results someone is still looking at.
func (c *Cell) Pinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.refs > 0
}

// Clear drops the cell's visible content. Called only during task
// collection, after the collector has checked Pinned; refs outstanding
// on older retired versions keep their own snapshots alive regardless.
func (c *Cell) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.retired = true
		if c.current.refs == 0 {
			c.current.values = nil
		}
		c.current = nil
	}
}

func (c *Cell) release(v *version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v.refs--
	if v.refs == 0 && v.retired {
		v.values = nil
	}
}

// ReadRef is a borrowed, shared read handle onto one immutable cell
// version. It never permits mutation; Release returns the borrow and
// must be called when the consumer is done. A ReadRef outliving a newer
// publication keeps its own version's content alive and continues to
// observe it unchanged.
type ReadRef struct {
	cell     *Cell
	ver      *version
	released bool
	mu       sync.Mutex
}

// Values returns the snapshot's values. The returned slice is a copy of
// the slice header; elements are immutable engine values.
func (r *ReadRef) Values() []vals.Value {
	out := make([]vals.Value, len(r.ver.values))
	copy(out, r.ver.values)
	return out
}

// Value returns the i'th value of the snapshot.
func (r *ReadRef) Value(i int) vals.Value {
	return r.ver.values[i]
}

// Len returns the number of values in the snapshot.
func (r *ReadRef) Len() int {
	return len(r.ver.values)
}

// Version returns the version number this ref is pinned to.
func (r *ReadRef) Version() uint64 {
	return r.ver.num
}

// Release returns the borrow. Releasing more than once is a no-op.
func (r *ReadRef) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()
	r.cell.release(r.ver)
}
