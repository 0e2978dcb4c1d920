// Package gazette adapts a Gazette journal into a source.Source, reading
// frames via the broker client.Reader and decoding them with a
// message.Framing.
package gazette

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/message"

	"github.com/psep-io/psep/source"
	"github.com/psep-io/psep/token"
)

// RoutingKeyFunc extracts a routing hash from a decoded payload, used to
// assign the event to a segment.
type RoutingKeyFunc func(payload interface{}) uint32

// NewPayloadFunc constructs a fresh, empty value for a single event's
// payload to be unmarshaled into.
type NewPayloadFunc func() interface{}

// Source adapts a single Gazette journal into a source.Source. Each
// OpenStream call opens its own client.Reader positioned at the
// requested offset; PSEP only ever has one stream open per Coordinator,
// so no pooling is attempted.
type Source struct {
	Client     pb.RoutedJournalClient
	Journal    pb.Journal
	Framing    message.Framing
	NewPayload NewPayloadFunc
	RoutingKey RoutingKeyFunc
}

// New returns a Source reading Journal via client, decoding frames with
// JSONFraming unless overridden.
func New(c pb.RoutedJournalClient, journal pb.Journal, newPayload NewPayloadFunc, routingKey RoutingKeyFunc) *Source {
	return &Source{
		Client:     c,
		Journal:    journal,
		Framing:    message.JSONFraming,
		NewPayload: newPayload,
		RoutingKey: routingKey,
	}
}

func (s *Source) OpenStream(ctx context.Context, from token.Token) (source.BlockingStream, error) {
	var offset int64
	if pos, ok := from.Position(); ok {
		offset = pos
	}

	var req = pb.ReadRequest{Journal: s.Journal, Offset: offset, Block: true}
	var reader = client.NewReader(ctx, s.Client, req)
	var st = &stream{
		src:    s,
		reader: reader,
		buf:    bufio.NewReader(reader),
		events: make(chan source.TrackedEvent, 1),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go st.pump()
	return st, nil
}

func (s *Source) CreateTailToken(context.Context) (token.Token, error) {
	// The write-head offset is only available by opening a non-blocking
	// read at offset -1 and observing the first response's Offset field;
	// callers needing a precise tail position should supply their own
	// WithInitialToken option instead.
	return token.Token{}, source.ErrUnsupported
}

func (s *Source) CreateHeadToken(context.Context) (token.Token, error) {
	return token.At(0), nil
}

func (s *Source) CreateTokenAt(context.Context, time.Time) (token.Token, error) {
	return token.Token{}, source.ErrUnsupported
}

func (s *Source) CreateTokenSince(context.Context, time.Duration) (token.Token, error) {
	return token.Token{}, source.ErrUnsupported
}

// stream pumps decoded frames from the underlying blocking gRPC read
// into a small buffered channel, so Peek/HasNextAvailable can be
// implemented non-blockingly atop a fundamentally blocking reader.
type stream struct {
	src    *Source
	reader *client.Reader
	buf    *bufio.Reader

	events chan source.TrackedEvent
	errs   chan error
	done   chan struct{}

	current  *source.TrackedEvent
	callback func()
}

func (s *stream) pump() {
	for {
		var line, err = s.src.Framing.Unpack(s.buf)
		if err != nil {
			select {
			case s.errs <- err:
			case <-s.done:
			}
			return
		}

		var payload = s.src.NewPayload()
		if err := s.src.Framing.Unmarshal(line, asMessage(payload)); err != nil {
			select {
			case s.errs <- err:
			case <-s.done:
			}
			return
		}

		var evt = source.TrackedEvent{
			Token:       token.At(s.reader.AdjustedOffset(s.buf)),
			RoutingHash: s.src.RoutingKey(payload),
			PayloadType: fmt.Sprintf("%T", payload),
			Payload:     payload,
		}
		select {
		case s.events <- evt:
			if s.callback != nil {
				s.callback()
			}
		case <-s.done:
			return
		}
	}
}

// asMessage returns payload itself if it implements message.Message, and
// otherwise wraps it in a nopMessage whose GetUUID, SetUUID and
// NewAcknowledgement methods do nothing.
func asMessage(payload interface{}) message.Message {
	if m, ok := payload.(message.Message); ok {
		return m
	}
	return nopMessage{payload}
}

type nopMessage struct{ v interface{} }

func (nopMessage) GetUUID() message.UUID           { return message.UUID{} }
func (nopMessage) SetUUID(message.UUID)            {}
func (nopMessage) NewAcknowledgement(pb.Journal) message.Message { return nopMessage{} }

func (s *stream) Peek() (source.TrackedEvent, bool) {
	if s.current != nil {
		return *s.current, true
	}
	select {
	case evt := <-s.events:
		s.current = &evt
		return evt, true
	default:
		return source.TrackedEvent{}, false
	}
}

func (s *stream) HasNextAvailable(ctx context.Context, timeout time.Duration) bool {
	if _, ok := s.Peek(); ok {
		return true
	}
	var timer = time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case evt := <-s.events:
		s.current = &evt
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *stream) NextAvailable(ctx context.Context) (source.TrackedEvent, error) {
	for {
		if evt, ok := s.Peek(); ok {
			s.current = nil
			return evt, nil
		}
		select {
		case evt := <-s.events:
			s.current = nil
			return evt, nil
		case err := <-s.errs:
			return source.TrackedEvent{}, err
		case <-ctx.Done():
			return source.TrackedEvent{}, ctx.Err()
		}
	}
}

func (s *stream) SkipMessagesWithPayloadTypeOf(source.TrackedEvent) {
	// Advisory only; this adapter has no server-side filtering hook.
}

func (s *stream) SetOnAvailableCallback(fn func()) bool {
	s.callback = fn
	return true
}

func (s *stream) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}
