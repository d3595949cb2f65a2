// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package ids defines the stable numeric identities used throughout the
// engine and the registry that interns them.
//
// All identities are monotonic integers minted exactly once per process:
// registering the same descriptor twice always returns the id minted on
// the first registration, and no id is ever invalidated or reassigned
// while the process runs. The zero value of each id type is reserved as
// "no such object" and is never allocated.
package ids

import "fmt"

// FunctionID is the interned identity of a registered computation.
type FunctionID uint64

// ValueTypeID is the interned identity of a concrete value type.
type ValueTypeID uint64

// TraitTypeID is the interned identity of a capability interface that
// value types can declare implementations of.
type TraitTypeID uint64

// TaskID identifies one memoized invocation: a (function, canonical
// arguments) pair. TaskIDs are minted by the task table rather than the
// registry, but live here so that the scope and job packages can refer
// to tasks without depending on the graph package.
type TaskID uint64

// TaskScopeID identifies one entry into a hierarchical execution scope.
type TaskScopeID uint64

// BackendJobID identifies a deferred unit of backend work.
type BackendJobID uint64

func (id FunctionID) String() string   { return fmt.Sprintf("fn:%d", uint64(id)) }
func (id ValueTypeID) String() string  { return fmt.Sprintf("vt:%d", uint64(id)) }
func (id TraitTypeID) String() string  { return fmt.Sprintf("trait:%d", uint64(id)) }
func (id TaskID) String() string       { return fmt.Sprintf("task:%d", uint64(id)) }
func (id TaskScopeID) String() string  { return fmt.Sprintf("scope:%d", uint64(id)) }
func (id BackendJobID) String() string { return fmt.Sprintf("job:%d", uint64(id)) }
