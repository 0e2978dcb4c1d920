// Package handler specifies the Event Handler Invoker consumed by a Work
// Package: the user-supplied logic that filters and applies events within
// a segment.
package handler

import (
	"context"

	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/source"
)

// Invoker filters and applies events to user state, scoped per segment.
type Invoker interface {
	// CanHandleType is a coarse filter, independent of any particular
	// segment: if it returns false for every payload type a Coordinator
	// currently knows about, the event may be skipped entirely via
	// source.BlockingStream.SkipMessagesWithPayloadTypeOf.
	CanHandleType(payloadType string) bool
	// CanHandle is a fine filter for a specific segment. Events for
	// which it returns false are treated as explicitly filtered out:
	// they still advance the segment's Tracking Token, but Handle is not
	// called.
	CanHandle(evt source.TrackedEvent, seg segment.Segment) bool
	// Handle applies evt within seg. It may return an error, in which
	// case the enclosing batch's RollbackConfiguration and ErrorHandler
	// decide the outcome.
	Handle(ctx context.Context, evt source.TrackedEvent, seg segment.Segment) error

	// SupportsReset reports whether PerformReset may be meaningfully
	// invoked.
	SupportsReset() bool
	// PerformReset is invoked from the façade's resetTokens flow, only
	// while the processor is stopped. context carries invoker-defined
	// reset parameters and may be nil.
	PerformReset(ctx context.Context, resetContext interface{}) error
}

// Func adapts a plain handling function into an Invoker that handles
// every payload type and every segment, with no reset support. It is the
// handler-package analogue of http.HandlerFunc, for simple processors
// that don't need per-segment routing.
type Func func(ctx context.Context, evt source.TrackedEvent, seg segment.Segment) error

var _ Invoker = Func(nil)

func (f Func) CanHandleType(string) bool { return true }

func (f Func) CanHandle(source.TrackedEvent, segment.Segment) bool { return true }

func (f Func) Handle(ctx context.Context, evt source.TrackedEvent, seg segment.Segment) error {
	return f(ctx, evt, seg)
}

func (f Func) SupportsReset() bool { return false }

func (f Func) PerformReset(context.Context, interface{}) error { return nil }
