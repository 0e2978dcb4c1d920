// Package source specifies the Streamable Message Source consumed by the
// Coordinator: a position-seekable, blocking cursor over an append-only,
// totally-ordered upstream event stream.
package source

import (
	"context"
	"time"

	"github.com/psep-io/psep/token"
)

// TrackedEvent is a single event read from the upstream stream, carrying
// enough metadata for the Coordinator to route it to segments and for a
// Work Package to advance its Tracking Token past it.
type TrackedEvent struct {
	// Token is the stream position just past this event: a stream opened
	// at Token resumes with the following event, so a Tracking Token that
	// covers it has consumed this event and every event before it.
	Token token.Token
	// RoutingHash determines which segment(s) this event belongs to, via
	// segment.Segment.Matches.
	RoutingHash uint32
	// PayloadType names the event's payload type, used by
	// handler.Invoker.CanHandleType for coarse filtering.
	PayloadType string
	// Payload is the user-defined event body.
	Payload interface{}
}

// Source opens a position-ordered, blocking cursor over the upstream
// event stream.
type Source interface {
	// OpenStream returns a BlockingStream positioned at from. A zero
	// (unbounded) Token means "from the beginning of the stream".
	OpenStream(ctx context.Context, from token.Token) (BlockingStream, error)

	// CreateTailToken returns a Token positioned at the current end of
	// the stream. Returns ErrUnsupported if the source cannot report a
	// tail position.
	CreateTailToken(ctx context.Context) (token.Token, error)
	// CreateHeadToken returns a Token positioned at the beginning of the
	// stream.
	CreateHeadToken(ctx context.Context) (token.Token, error)
	// CreateTokenAt returns a Token positioned at the first event at or
	// after the given instant. Returns ErrUnsupported if the source
	// cannot resolve positions by time.
	CreateTokenAt(ctx context.Context, at time.Time) (token.Token, error)
	// CreateTokenSince returns a Token positioned at the first event at
	// or after (now - d).
	CreateTokenSince(ctx context.Context, d time.Duration) (token.Token, error)
}

// BlockingStream is a position-ordered cursor over TrackedEvents.
type BlockingStream interface {
	// Peek returns the next available event without consuming it, or
	// ok == false if none is currently available.
	Peek() (evt TrackedEvent, ok bool)
	// HasNextAvailable blocks up to timeout for an event to become
	// available, returning true as soon as one is (or already was).
	HasNextAvailable(ctx context.Context, timeout time.Duration) bool
	// NextAvailable blocks until an event is available and returns it,
	// consuming it from the stream.
	NextAvailable(ctx context.Context) (TrackedEvent, error)
	// SkipMessagesWithPayloadTypeOf hints that the source need not
	// deliver further events of evt's payload type, since no claimed
	// segment's handler can process it. This is advisory only: sources
	// that cannot act on the hint may ignore it.
	SkipMessagesWithPayloadTypeOf(evt TrackedEvent)
	// SetOnAvailableCallback registers fn to be invoked (synchronously,
	// from the publishing thread/goroutine; it must not block or do
	// meaningful work) when a new event becomes available. It returns
	// true iff the source supports push notification; callers must fall
	// back to polling via HasNextAvailable when it returns false.
	SetOnAvailableCallback(fn func()) bool
	// Close releases resources held by the stream. Close does not block
	// on in-flight blocking calls completing.
	Close() error
}
