// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ids

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FunctionDesc describes a registered computation. Two descriptors are
// considered the same logical function if their unique keys are equal.
type FunctionDesc struct {
	// Name is the fully-qualified name of the function, unique among
	// all registered functions.
	Name string

	// NumOutputs is the number of values the function publishes into
	// its cell on success. Zero means "unconstrained".
	NumOutputs int
}

func (d FunctionDesc) uniqueKey() string {
	return fmt.Sprintf("%s|%d", d.Name, d.NumOutputs)
}

// ValueTypeDesc describes a concrete value type.
type ValueTypeDesc struct {
	Name string
}

func (d ValueTypeDesc) uniqueKey() string {
	return d.Name
}

// TraitDesc describes a capability interface that value types may
// implement. Method order is not significant for identity.
type TraitDesc struct {
	Name    string
	Methods []string
}

func (d TraitDesc) uniqueKey() string {
	// The method list is part of the identity so that two distinct
	// traits which happen to share a name cannot be conflated, but
	// callers shouldn't need to repeat the methods in a canonical
	// order to hit the intern table.
	methods := make([]string, len(d.Methods))
	copy(methods, d.Methods)
	sort.Strings(methods)
	return d.Name + "|" + strings.Join(methods, ",")
}

type implKey struct {
	vt ValueTypeID
	tt TraitTypeID
}

// Registry interns function, value type, and trait identities.
//
// All methods are safe for concurrent use. Interning is linearized
// under a single mutex, so two goroutines racing to register the same
// descriptor always observe the same id.
type Registry struct {
	mu sync.Mutex

	funcs    []FunctionDesc
	funcKeys map[string]FunctionID

	valueTypes    []ValueTypeDesc
	valueTypeKeys map[string]ValueTypeID

	traits    []TraitDesc
	traitKeys map[string]TraitTypeID

	// impls is the capability table: populated at registration time
	// and queried by id pair, never by runtime type inspection.
	impls map[implKey]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		funcKeys:      make(map[string]FunctionID),
		valueTypeKeys: make(map[string]ValueTypeID),
		traitKeys:     make(map[string]TraitTypeID),
		impls:         make(map[implKey]struct{}),
	}
}

// RegisterFunction interns the given descriptor, returning the id minted
// on its first registration. Ids start at 1 and grow strictly
// monotonically with each distinct descriptor.
func (r *Registry) RegisterFunction(desc FunctionDesc) FunctionID {
	key := desc.uniqueKey()
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.funcKeys[key]; ok {
		return id
	}
	r.funcs = append(r.funcs, desc)
	id := FunctionID(len(r.funcs))
	r.funcKeys[key] = id
	return id
}

// RegisterValueType interns the given descriptor. See RegisterFunction
// for the interning contract.
func (r *Registry) RegisterValueType(desc ValueTypeDesc) ValueTypeID {
	key := desc.uniqueKey()
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.valueTypeKeys[key]; ok {
		return id
	}
	r.valueTypes = append(r.valueTypes, desc)
	id := ValueTypeID(len(r.valueTypes))
	r.valueTypeKeys[key] = id
	return id
}

// RegisterTrait interns the given descriptor. See RegisterFunction for
// the interning contract.
func (r *Registry) RegisterTrait(desc TraitDesc) TraitTypeID {
	key := desc.uniqueKey()
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.traitKeys[key]; ok {
		return id
	}
	r.traits = append(r.traits, desc)
	id := TraitTypeID(len(r.traits))
	r.traitKeys[key] = id
	return id
}

// FunctionDescriptor returns the descriptor interned for the given id.
// The second result is false only for ids that were never returned by
// RegisterFunction; lookups for registered ids never fail.
func (r *Registry) FunctionDescriptor(id FunctionID) (FunctionDesc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 || int(id) > len(r.funcs) {
		return FunctionDesc{}, false
	}
	return r.funcs[id-1], true
}

// ValueTypeDescriptor returns the descriptor interned for the given id.
func (r *Registry) ValueTypeDescriptor(id ValueTypeID) (ValueTypeDesc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 || int(id) > len(r.valueTypes) {
		return ValueTypeDesc{}, false
	}
	return r.valueTypes[id-1], true
}

// TraitDescriptor returns the descriptor interned for the given id.
func (r *Registry) TraitDescriptor(id TraitTypeID) (TraitDesc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 || int(id) > len(r.traits) {
		return TraitDesc{}, false
	}
	return r.traits[id-1], true
}

// RegisterImpl records in the capability table that the given value
// type implements the given trait. Both ids must have been previously
// returned by this registry.
func (r *Registry) RegisterImpl(vt ValueTypeID, tt TraitTypeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vt == 0 || int(vt) > len(r.valueTypes) {
		return fmt.Errorf("unknown value type %s", vt)
	}
	if tt == 0 || int(tt) > len(r.traits) {
		return fmt.Errorf("unknown trait %s", tt)
	}
	r.impls[implKey{vt, tt}] = struct{}{}
	return nil
}

// Implements reports whether the capability table records an
// implementation of trait tt by value type vt.
func (r *Registry) Implements(vt ValueTypeID, tt TraitTypeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.impls[implKey{vt, tt}]
	return ok
}
