// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vals

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a SharedError. The engine never conflates the
// kinds: cancellation is distinct from a failing body, and contract
// violations are distinct from both.
type ErrorKind int

const (
	// ErrKindExecution means a task body returned an error. The error
	// is cached and surfaced to every reader; it is never retried
	// automatically.
	ErrKindExecution ErrorKind = iota

	// ErrKindCancelled means a task observed its scope cancelled at a
	// checkpoint and stopped cooperatively.
	ErrKindCancelled

	// ErrKindBackend means a backend job reported failure. The core
	// applies no retry policy of its own.
	ErrKindBackend

	// ErrKindContract means the caller violated the API contract:
	// an unknown id, a read without a task, a scope operation on a
	// dead scope. Contract violations are fatal only to the offending
	// call and never corrupt unrelated state.
	ErrKindContract
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindExecution:
		return "execution"
	case ErrKindCancelled:
		return "cancelled"
	case ErrKindBackend:
		return "backend"
	case ErrKindContract:
		return "contract"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// SharedError is an immutable failure value cached in place of a
// successful result. A single SharedError instance is shared by every
// concurrent reader of a failed task, so all readers observe identical
// error content without re-running the failing body.
type SharedError struct {
	kind  ErrorKind
	msg   string
	cause error
}

// ExecError wraps a task body's failure.
func ExecError(cause error) *SharedError {
	return &SharedError{kind: ErrKindExecution, cause: cause}
}

// CancelError reports cooperative cancellation.
func CancelError(msg string) *SharedError {
	return &SharedError{kind: ErrKindCancelled, msg: msg}
}

// BackendError wraps a failure reported by the backend collaborator.
func BackendError(cause error) *SharedError {
	return &SharedError{kind: ErrKindBackend, cause: cause}
}

// ContractErrorf reports a violation of the engine's API contract.
func ContractErrorf(format string, args ...any) *SharedError {
	return &SharedError{kind: ErrKindContract, msg: fmt.Sprintf(format, args...)}
}

// AsSharedError returns err as a *SharedError, wrapping it as an
// execution failure if it isn't one already.
func AsSharedError(err error) *SharedError {
	var shared *SharedError
	if errors.As(err, &shared) {
		return shared
	}
	return ExecError(err)
}

// Kind returns the error's classification.
func (e *SharedError) Kind() ErrorKind {
	return e.kind
}

func (e *SharedError) Error() string {
	switch {
	case e.msg != "" && e.cause != nil:
		return fmt.Sprintf("%s: %s: %s", e.kind, e.msg, e.cause)
	case e.msg != "":
		return fmt.Sprintf("%s: %s", e.kind, e.msg)
	case e.cause != nil:
		return fmt.Sprintf("%s: %s", e.kind, e.cause)
	default:
		return e.kind.String()
	}
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *SharedError) Unwrap() error {
	return e.cause
}
