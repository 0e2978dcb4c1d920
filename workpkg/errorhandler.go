package workpkg

import "github.com/psep-io/psep/source"

// ErrorHandlerDecision is the outcome of a processor-level ErrorHandler
// policy applied to a handler failure.
type ErrorHandlerDecision int

const (
	// Propagate (the default) causes the failing batch to abort the
	// Work Package, per the RollbackConfiguration outcome.
	Propagate ErrorHandlerDecision = iota
	// Skip treats the failing event as explicitly filtered: the batch
	// advances past it without invoking Handle again, and the Work
	// Package does not abort.
	Skip
	// Retry leaves the failing event (and everything scheduled after it
	// in the same batch) queued at the front of the Work Package, then
	// waits an exponentially-backed-off interval before the next batch
	// re-attempts Handle on it. The Work Package does not abort and its
	// Tracking Token does not advance past the event until it succeeds,
	// is later Skipped, or is Propagated.
	Retry
)

// ErrorHandler decides, for a given handler failure, whether the Work
// Package should abort (Propagate), treat the event as filtered (Skip),
// or re-attempt it after a backoff (Retry).
type ErrorHandler func(evt source.TrackedEvent, err error) ErrorHandlerDecision

// PropagateErrorHandler is the default ErrorHandler: every handler
// failure aborts the Work Package.
func PropagateErrorHandler(source.TrackedEvent, error) ErrorHandlerDecision {
	return Propagate
}

// RollbackConfiguration decides, for an aborting handler failure, whether
// the enclosing batch transaction should be rolled back entirely (true)
// or committed up to (but not including) the failing event (false).
type RollbackConfiguration func(err error) bool

// RollbackOnAnyError is the default RollbackConfiguration (spec.md
// default: any throwable).
func RollbackOnAnyError(error) bool { return true }
