package memsource

import (
	"context"
	"time"

	"github.com/psep-io/psep/source"
)

// stream is a source.BlockingStream reading sequentially from a Source,
// starting at a fixed position.
type stream struct {
	src     *Source
	next    int64
	closed  bool
}

func (s *stream) Peek() (source.TrackedEvent, bool) {
	if s.closed {
		return source.TrackedEvent{}, false
	}
	return s.src.eventAt(s.next)
}

func (s *stream) HasNextAvailable(ctx context.Context, timeout time.Duration) bool {
	if _, ok := s.Peek(); ok {
		return true
	}
	if s.src.pushable {
		// Push-capable sources still honor a bounded poll, since
		// HasNextAvailable may be called before a callback is
		// registered (or by a poll-only caller choosing not to use
		// push at all).
	}

	var deadline = time.NewTimer(timeout)
	defer deadline.Stop()
	var tick = time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			_, ok := s.Peek()
			return ok
		case <-tick.C:
			if _, ok := s.Peek(); ok {
				return true
			}
		}
	}
}

func (s *stream) NextAvailable(ctx context.Context) (source.TrackedEvent, error) {
	for {
		if evt, ok := s.Peek(); ok {
			s.next++
			return evt, nil
		}
		if !s.HasNextAvailable(ctx, 50*time.Millisecond) {
			if err := ctx.Err(); err != nil {
				return source.TrackedEvent{}, err
			}
		}
	}
}

func (s *stream) SkipMessagesWithPayloadTypeOf(evt source.TrackedEvent) {
	s.src.markSkipped(evt.PayloadType)
}

func (s *stream) SetOnAvailableCallback(fn func()) bool {
	if !s.src.pushable {
		return false
	}
	s.src.addCallback(fn)
	return true
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}
