// Package cerr defines the error kinds shared across the store, blob,
// artifact, sandbox, run, and rpc layers (spec §7). Every kind carries the
// originating component name so that surfaced errors never lose
// specificity as they propagate up through wrapping layers.
package cerr

import (
	"errors"
	"fmt"

	"github.com/crucible-build/crucible/id"
)

// Kind enumerates the error categories spec.md §7 distinguishes.
type Kind string

const (
	NotFound         Kind = "not_found"
	InvalidInput     Kind = "invalid_input"
	MissingChildren  Kind = "missing_children"
	ChecksumMismatch Kind = "checksum_mismatch"
	IO               Kind = "io"
	Sandbox          Kind = "sandbox"
	ProcessExit      Kind = "process_exit"
	Canceled         Kind = "canceled"
	EvaluatorError   Kind = "evaluator_error"
)

// Error is the concrete error type carried through every layer.
type Error struct {
	Kind      Kind
	Component string
	Missing   []id.ID // populated only for MissingChildren
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Component, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &cerr.Error{Kind: cerr.NotFound}) style checks
// by comparing kinds rather than pointer identity.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, component string, err error) *Error {
	return &Error{Kind: kind, Component: component, Err: err}
}

// NotFoundf builds a NotFound error.
func NotFoundf(component, format string, args ...any) *Error {
	return New(NotFound, component, fmt.Errorf(format, args...))
}

// Invalidf builds an InvalidInput error.
func Invalidf(component, format string, args ...any) *Error {
	return New(InvalidInput, component, fmt.Errorf(format, args...))
}

// Missing builds a MissingChildren error carrying the missing identifiers.
func Missing(component string, missing []id.ID) *Error {
	return &Error{
		Kind:      MissingChildren,
		Component: component,
		Missing:   missing,
		Err:       fmt.Errorf("missing %d referenced object(s)", len(missing)),
	}
}

// IOf builds an Io error wrapping the underlying cause.
func IOf(component string, cause error) *Error {
	return New(IO, component, cause)
}

// SandboxStep builds a Sandbox error identifying the failing setup step.
func SandboxStep(component, step string, cause error) *Error {
	return New(Sandbox, component, fmt.Errorf("%s: %w", step, cause))
}

// Checksumf builds a ChecksumMismatch error reporting the checksum a task
// required against the one its result actually produced.
func Checksumf(component, want, got string) *Error {
	return New(ChecksumMismatch, component, fmt.Errorf("checksum mismatch: want %s, got %s", want, got))
}

// Kindof extracts the Kind of err if it is (or wraps) a *Error.
func Kindof(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
