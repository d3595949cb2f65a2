// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package graph

import (
	"context"

	"github.com/hashicorp/go-taskgraph/internal/ids"
	"github.com/hashicorp/go-taskgraph/internal/scopes"
)

type ctxKey int

const (
	ctxKeyRunningTask ctxKey = iota
	ctxKeyScope
)

// withRunningTask returns a context carrying the identity of the task
// whose body is executing. Reads made with this context record a
// dependency edge from that task to whatever it reads.
func withRunningTask(ctx context.Context, id ids.TaskID) context.Context {
	return context.WithValue(ctx, ctxKeyRunningTask, id)
}

// RunningTaskFromContext returns the identity of the task executing on
// this context, if any.
func RunningTaskFromContext(ctx context.Context) (ids.TaskID, bool) {
	id, ok := ctx.Value(ctxKeyRunningTask).(ids.TaskID)
	return id, ok
}

// ContextWithScope returns a context carrying the current scope. Tasks
// created or read with this context are attributed to that scope, and
// executions scheduled from it check that scope's cancellation flag at
// their checkpoints.
func ContextWithScope(ctx context.Context, id ids.TaskScopeID) context.Context {
	return context.WithValue(ctx, ctxKeyScope, id)
}

// ScopeFromContext returns the current scope, or scopes.NoScope if the
// context carries none.
func ScopeFromContext(ctx context.Context) ids.TaskScopeID {
	if id, ok := ctx.Value(ctxKeyScope).(ids.TaskScopeID); ok {
		return id
	}
	return scopes.NoScope
}
