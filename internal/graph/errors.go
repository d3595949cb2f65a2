// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package graph

import "github.com/hashicorp/go-taskgraph/internal/ids"

// ErrSelfDependent is the error type returned by a read if the
// requesting task is depending on itself for its own progress, by
// trying to read the cell that it is itself responsible for publishing.
//
// The built-in error message is generic but callers can type-assert to
// this type to obtain the offending task id.
type ErrSelfDependent []ids.TaskID

func (err ErrSelfDependent) Error() string {
	return "task is self-dependent"
}
