// Package run implements the run scheduler (spec.md §4.7): a persistent
// run table with fingerprint-based deduplication, a FIFO-per-system work
// queue, and append-only children/log/outcome streams with broadcast and
// replay semantics for live consumers.
package run

import (
	"fmt"

	"github.com/crucible-build/crucible/id"
)

// Status is a run's lifecycle state (spec.md "Lifecycles": Created →
// Queued → Running → {Succeeded, Failed, Canceled}).
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// RetryPolicy selects which terminal states justify re-running a
// fingerprint, supplementing spec.md's "if retry policy allows" with the
// original implementation's four-way enum rather than a bare bool.
type RetryPolicy string

const (
	RetryNever    RetryPolicy = "never"  // never re-run; always reuse an existing terminal run
	RetryOnFailed RetryPolicy = "failed" // re-run only if the existing run Failed
	RetryOnAll    RetryPolicy = "all"    // re-run regardless of how the existing run terminated
	RetryOnNone   RetryPolicy = "none"   // alias of RetryNever, kept distinct for wire compatibility
)

func ParseRetryPolicy(s string) (RetryPolicy, error) {
	switch RetryPolicy(s) {
	case RetryNever, RetryOnFailed, RetryOnAll, RetryOnNone:
		return RetryPolicy(s), nil
	default:
		return "", fmt.Errorf("run: unknown retry policy %q", s)
	}
}

func (p RetryPolicy) allowsRetry(status Status) bool {
	switch p {
	case RetryOnAll:
		return status.Terminal()
	case RetryOnFailed:
		return status == StatusFailed
	default:
		return false
	}
}

// Outcome is the terminal result of a run.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCanceled  OutcomeKind = "canceled"
)

type Outcome struct {
	Kind    OutcomeKind
	ValueID id.ID  // populated for Succeeded
	Error   string // populated for Failed
}

// Run is a snapshot of one row of the run table.
type Run struct {
	ID          id.ID
	Fingerprint id.ID
	TargetID    id.ID
	Host        string
	Status      Status
	ParentRun   id.ID // zero if root
	Depth       int
	RetryPolicy RetryPolicy
	CreatedAt   int64 // unix seconds
}

// Item is what a worker receives from dequeue: enough to start execution
// without a further round trip.
type Item struct {
	RunID    id.ID
	TargetID id.ID
	Host     string
}
