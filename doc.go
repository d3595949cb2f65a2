// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package taskgraph is an in-process incremental computation engine:
// a concurrent, versioned, dependency-tracking memoization cache for
// registered pure functions.
//
// Callers register functions and invoke them with structurally-keyed
// argument values; each distinct invocation becomes a task whose result
// is cached in a versioned cell. Reads of other tasks' results from
// inside a task body are recorded as dependency edges, so when an input
// changes -- via recomputation or the external Invalidate entry point --
// exactly the dependent tasks are marked stale and lazily recomputed,
// never the whole graph. Hierarchical scopes bound groups of tasks for
// cooperative cancellation and reachability-based collection, and a
// decoupled job queue runs deferred backend work alongside the graph.
//
// The basic shape:
//
//	eng, err := taskgraph.New()
//	fn, err := eng.RegisterFunction(taskgraph.FunctionDesc{Name: "square"},
//		func(ctx context.Context, args []taskgraph.Value) ([]taskgraph.Value, error) {
//			n, _ := args[0].AsInt()
//			return []taskgraph.Value{taskgraph.Int(n * n)}, nil
//		})
//	ctx, scope, err := eng.EnterScope(context.Background())
//	id, err := eng.Invoke(ctx, fn, taskgraph.Int(4))
//	ref, err := eng.Read(ctx, id)   // 16; suspends until computed
//	defer ref.Release()
//	err = eng.ExitScope(scope)      // collects tasks only this scope used
package taskgraph
