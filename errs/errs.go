// Package errs defines the processor's error taxonomy as sentinel errors,
// shared by every package so callers can compare with errors.Cause
// regardless of which layer produced the error.
package errs

import "github.com/pkg/errors"

var (
	// ErrConfiguration is returned at Processor construction time when
	// builder options fail validation.
	ErrConfiguration = errors.New("psep: configuration error")
	// ErrClaimLost is returned when a segment's claim could not be
	// extended or a CAS write lost a race; the owning Work Package
	// aborts and the segment is released locally.
	ErrClaimLost = errors.New("psep: claim lost")
	// ErrStoreUnavailable indicates a transient Token Store failure; the
	// Coordinator enters Paused-Error with exponential backoff.
	ErrStoreUnavailable = errors.New("psep: token store unavailable")
	// ErrStreamUnavailable indicates a transient upstream source
	// failure; the stream is closed and reopened on recovery.
	ErrStreamUnavailable = errors.New("psep: message source unavailable")
	// ErrHandlerFailure wraps an error returned by an Invoker's Handle
	// call, routed through RollbackConfiguration and ErrorHandler.
	ErrHandlerFailure = errors.New("psep: handler failure")
	// ErrUnsupportedOperation is returned for split/merge/reset
	// operations the Token Store or Invoker does not support.
	ErrUnsupportedOperation = errors.New("psep: unsupported operation")
	// ErrIllegalState is returned for operations invalid in the
	// Processor's current lifecycle state (e.g. start() while
	// ShuttingDown, resetTokens() while Running).
	ErrIllegalState = errors.New("psep: illegal state")
)
