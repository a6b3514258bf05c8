// Package faults defines the error taxonomy shared by the engine, the
// supervisor, the stores and the control surface. Every kind carries its
// own handling rule: transient network failures belong to the resilience
// monitor, tool failures are absorbed by the stage that saw them, corrupt
// checkpoints force a restart from stage zero, and store write failures
// are fatal to the scan that hit them.
package faults

import (
	"errors"
	"fmt"
)

// Kind tags an error with its handling class. The string values appear in
// API error responses and in scan error messages, so they are stable.
type Kind string

const (
	TransientNetwork  Kind = "transient_network"
	ToolSpawnFailed   Kind = "tool_spawn_failed"
	ToolExitNonZero   Kind = "tool_exit_nonzero"
	ToolTimeout       Kind = "tool_timeout"
	CheckpointCorrupt Kind = "checkpoint_corrupt"
	StageException    Kind = "stage_exception"
	StopRequested     Kind = "stop_requested"
	StoreWriteFailure Kind = "store_write_failure"
)

// Error is a classified error. Op names the operation that failed in
// "package.Func" or "tool/name" form.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation. A nil err is allowed: some
// outcomes (stop requested) are conditions rather than failures.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted message instead of a wrapped error.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf walks the error chain and returns the kind of the outermost
// classified error, or "" when the chain carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
