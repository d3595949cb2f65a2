// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskgraph

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/hashicorp/go-taskgraph/internal/cells"
	"github.com/hashicorp/go-taskgraph/internal/graph"
	"github.com/hashicorp/go-taskgraph/internal/ids"
	"github.com/hashicorp/go-taskgraph/internal/jobs"
	"github.com/hashicorp/go-taskgraph/internal/scopes"
	"github.com/hashicorp/go-taskgraph/internal/vals"
	"github.com/hashicorp/go-taskgraph/internal/watch"
)

// Identity types. All are monotonic integers minted once per engine;
// the zero value of each means "no such object".
type (
	FunctionID   = ids.FunctionID
	ValueTypeID  = ids.ValueTypeID
	TraitTypeID  = ids.TraitTypeID
	TaskID       = ids.TaskID
	TaskScopeID  = ids.TaskScopeID
	BackendJobID = ids.BackendJobID
)

// Registration descriptors.
type (
	FunctionDesc  = ids.FunctionDesc
	ValueTypeDesc = ids.ValueTypeDesc
	TraitDesc     = ids.TraitDesc
)

// Value is the engine's cacheable value representation; ReadRef is a
// borrowed handle onto one immutable version of a task's result.
type (
	Value   = vals.Value
	ReadRef = cells.ReadRef
)

// SharedError is the cached failure value surfaced through Read, and
// ErrorKind its classification.
type (
	SharedError = vals.SharedError
	ErrorKind   = vals.ErrorKind
)

const (
	ErrKindExecution = vals.ErrKindExecution
	ErrKindCancelled = vals.ErrKindCancelled
	ErrKindBackend   = vals.ErrKindBackend
	ErrKindContract  = vals.ErrKindContract
)

// Func is the body of a registered computation.
type Func = graph.Func

// State is a task's lifecycle state.
type State = graph.State

const (
	StatePending = graph.StatePending
	StateRunning = graph.StateRunning
	StateDone    = graph.StateDone
	StateFailed  = graph.StateFailed
	StateStale   = graph.StateStale
)

// ErrSelfDependent is returned by Read when a task tries to read its
// own result.
type ErrSelfDependent = graph.ErrSelfDependent

// NoScope is the absent-scope sentinel.
const NoScope = scopes.NoScope

// Backend job queue surface.
type (
	Backend     = jobs.Backend
	BackendFunc = jobs.BackendFunc
	JobResult   = jobs.Result
)

// Watcher feeds filesystem changes into the engine's invalidation
// entry point.
type Watcher = watch.Watcher

// NilValue is the zero Value; it is not a valid argument or result.
var NilValue = vals.NilValue

// String wraps a string value.
func String(s string) Value { return vals.String(s) }

// Int wraps an integer value.
func Int(n int64) Value { return vals.Int(n) }

// Bool wraps a boolean value.
func Bool(b bool) Value { return vals.Bool(b) }

// Bytes wraps a copy of the given byte buffer.
func Bytes(b []byte) Value { return vals.Bytes(b) }

// Pattern wraps a glob pattern whose identity is its source text.
func Pattern(src string) Value { return vals.Pattern(src) }

// StringsMap wraps a header/query-style multimap.
func StringsMap(m map[string][]string) Value { return vals.StringsMap(m) }

// Document wraps a JSON-serializable structure as a structured document
// value keyed by its structure.
func Document(doc any) (Value, error) { return vals.Document(doc) }

// FromGo converts a native Go value using gocty type inference.
func FromGo(gv any) (Value, error) { return vals.FromGo(gv) }

// FromCty wraps an existing cty value.
func FromCty(v cty.Value) Value { return vals.FromCty(v) }

// Transient wraps a value with no structural identity; tasks that
// consume or produce one are re-executed on every read.
func Transient(payload any) Value { return vals.Transient(payload) }
