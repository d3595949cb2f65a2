// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package vals defines the value representation that flows through the
// engine: cacheable wrappers around cty values with structural equality
// and a stable canonical key, transient values that opt a task out of
// caching, and the shared error values cached for failed tasks.
package vals

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/bmatcuk/doublestar"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	ctymsgpack "github.com/zclconf/go-cty/cty/msgpack"
)

type valueKind int8

const (
	kindCty valueKind = iota
	kindBytes
	kindPattern
	kindTransient
)

// Value is a single engine value: an argument to or a result of a
// memoized invocation.
//
// With the exception of transient values, a Value is a thin immutable
// wrapper around a cty.Value, and so carries structural equality and a
// stable canonical encoding. Values are compared by structure, never by
// pointer identity, so two independently-constructed equal values are
// interchangeable as cache key components.
type Value struct {
	kind valueKind
	v    cty.Value

	// payload and serial are used only for transient values, which
	// have no structural identity at all: each call to Transient mints
	// a fresh serial.
	payload any
	serial  uint64
}

// NilValue is the zero Value; it is not a valid argument or result.
var NilValue Value

// String wraps a string.
func String(s string) Value {
	return Value{kind: kindCty, v: cty.StringVal(s)}
}

// Int wraps an integer.
func Int(n int64) Value {
	return Value{kind: kindCty, v: cty.NumberIntVal(n)}
}

// Bool wraps a boolean.
func Bool(b bool) Value {
	return Value{kind: kindCty, v: cty.BoolVal(b)}
}

// Bytes wraps a byte buffer. The buffer is copied, so later mutation of
// the argument does not affect the value.
func Bytes(b []byte) Value {
	return Value{kind: kindBytes, v: cty.StringVal(string(b))}
}

// Pattern wraps a glob pattern in doublestar syntax. Two patterns are
// equal exactly when their source texts are equal; match behavior is
// derived from the source and carries no identity of its own.
func Pattern(src string) Value {
	return Value{kind: kindPattern, v: cty.StringVal(src)}
}

// StringsMap wraps a header/query-style multimap. Keys and the order of
// values under each key are significant for equality; key order is not.
func StringsMap(m map[string][]string) Value {
	if len(m) == 0 {
		return Value{kind: kindCty, v: cty.MapValEmpty(cty.List(cty.String))}
	}
	attrs := make(map[string]cty.Value, len(m))
	for k, vs := range m {
		if len(vs) == 0 {
			attrs[k] = cty.ListValEmpty(cty.String)
			continue
		}
		elems := make([]cty.Value, len(vs))
		for i, s := range vs {
			elems[i] = cty.StringVal(s)
		}
		attrs[k] = cty.ListVal(elems)
	}
	return Value{kind: kindCty, v: cty.MapVal(attrs)}
}

// Document wraps an arbitrary JSON-serializable structure as a
// structured document value. The document's identity is its structure:
// two documents built from Go values that serialize identically are
// equal.
func Document(doc any) (Value, error) {
	buf, err := json.Marshal(doc)
	if err != nil {
		return NilValue, fmt.Errorf("cannot serialize document: %w", err)
	}
	ty, err := ctyjson.ImpliedType(buf)
	if err != nil {
		return NilValue, fmt.Errorf("cannot infer document type: %w", err)
	}
	v, err := ctyjson.Unmarshal(buf, ty)
	if err != nil {
		return NilValue, fmt.Errorf("cannot decode document: %w", err)
	}
	return Value{kind: kindCty, v: v}, nil
}

// FromGo converts a native Go value into an engine value using gocty's
// type inference. It supports the same types as gocty.ImpliedType.
func FromGo(gv any) (Value, error) {
	ty, err := gocty.ImpliedType(gv)
	if err != nil {
		return NilValue, err
	}
	v, err := gocty.ToCtyValue(gv, ty)
	if err != nil {
		return NilValue, err
	}
	return Value{kind: kindCty, v: v}, nil
}

// FromCty wraps an existing cty value directly.
func FromCty(v cty.Value) Value {
	return Value{kind: kindCty, v: v}
}

var transientSerial atomic.Uint64

// Transient wraps an arbitrary Go value that has no structural identity
// and cannot be persisted. A task that receives or produces a transient
// value is re-executed on every read rather than cached.
//
// Each call mints a distinct value: two Transient calls with the same
// payload are not equal to each other. Passing the same Value around
// preserves its identity within an invocation.
func Transient(payload any) Value {
	return Value{
		kind:    kindTransient,
		payload: payload,
		serial:  transientSerial.Add(1),
	}
}

// IsTransient reports whether v carries a transient payload.
func (v Value) IsTransient() bool {
	return v.kind == kindTransient
}

// TransientPayload returns the wrapped Go value of a transient value.
func (v Value) TransientPayload() (any, bool) {
	if v.kind != kindTransient {
		return nil, false
	}
	return v.payload, true
}

// Cty returns the underlying cty value. For transient values it returns
// cty.NilVal.
func (v Value) Cty() cty.Value {
	if v.kind == kindTransient {
		return cty.NilVal
	}
	return v.v
}

// AsString returns the wrapped string. The second result is false if
// the value does not wrap a string.
func (v Value) AsString() (string, bool) {
	if v.kind != kindCty || v.v.Type() != cty.String {
		return "", false
	}
	return v.v.AsString(), true
}

// AsInt returns the wrapped integer. The second result is false if the
// value does not wrap a whole number.
func (v Value) AsInt() (int64, bool) {
	if v.kind != kindCty || v.v.Type() != cty.Number {
		return 0, false
	}
	n, acc := v.v.AsBigFloat().Int64()
	if acc != 0 {
		return 0, false
	}
	return n, true
}

// AsBool returns the wrapped boolean. The second result is false if the
// value does not wrap a boolean.
func (v Value) AsBool() (bool, bool) {
	if v.kind != kindCty || v.v.Type() != cty.Bool {
		return false, false
	}
	return v.v.True(), true
}

// AsBytes returns a copy of the wrapped byte buffer. The second result
// is false if the value was not built with Bytes. The copy keeps the
// stored buffer immutable no matter what the caller does with the
// result.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != kindBytes {
		return nil, false
	}
	return []byte(v.v.AsString()), true
}

// PatternSource returns the source text of a pattern value.
func (v Value) PatternSource() (string, bool) {
	if v.kind != kindPattern {
		return "", false
	}
	return v.v.AsString(), true
}

// Match applies a pattern value to a name. It returns false for
// non-pattern values and for malformed patterns.
func (v Value) Match(name string) bool {
	if v.kind != kindPattern {
		return false
	}
	ok, err := doublestar.Match(v.v.AsString(), name)
	if err != nil {
		return false
	}
	return ok
}

// Equal reports structural equality. Transient values are equal only to
// themselves (same serial).
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	if v.kind == kindTransient {
		return v.serial == other.serial
	}
	return v.v.RawEquals(other.v)
}

// ValuesEqual reports element-wise structural equality of two value
// slices, used by the cell store's value-equal short-circuit.
func ValuesEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// HasTransient reports whether any value in the slice is transient.
func HasTransient(values []Value) bool {
	for _, v := range values {
		if v.IsTransient() {
			return true
		}
	}
	return false
}

var kindPrefixes = [...]string{
	kindCty:       "v",
	kindBytes:     "b",
	kindPattern:   "p",
	kindTransient: "t",
}

// UniqueKey returns a stable canonical key for the value, suitable as a
// component of a task's memoization key. Structurally equal values
// always produce identical keys; the kind prefix keeps e.g. a string
// and a byte buffer with the same content from colliding.
//
// Transient values produce a key unique to their serial, so distinct
// transient instances never collapse onto one task.
func (v Value) UniqueKey() string {
	if v.kind == kindTransient {
		return fmt.Sprintf("t|%d", v.serial)
	}
	prefix := kindPrefixes[v.kind]
	buf, err := ctymsgpack.Marshal(v.v, v.v.Type())
	if err != nil {
		// Marshal can fail only for value types the constructors in
		// this package never produce, but a non-canonical fallback is
		// still better than a panic on a library boundary.
		return prefix + "|!" + v.v.GoString()
	}
	return prefix + "|" + string(buf)
}

// GoString implements fmt.GoStringer for debug output.
func (v Value) GoString() string {
	switch v.kind {
	case kindTransient:
		return fmt.Sprintf("vals.Transient(%#v)", v.payload)
	case kindBytes:
		return fmt.Sprintf("vals.Bytes(%q)", v.v.AsString())
	case kindPattern:
		return fmt.Sprintf("vals.Pattern(%q)", v.v.AsString())
	default:
		return fmt.Sprintf("vals.FromCty(%#v)", v.v)
	}
}
