// Package memsource provides an in-memory, push-capable source.Source used
// by the processor's own tests and runnable examples. It supports the
// full negotiated push/poll capability described by source.BlockingStream:
// a Source built with New() invokes registered callbacks synchronously
// from Publish, matching the "fast signal only" contract; a Source built
// with NewPollOnly() reports push notification as unsupported, forcing
// consumers onto the HasNextAvailable polling path.
package memsource

import (
	"context"
	"sync"
	"time"

	"github.com/psep-io/psep/source"
	"github.com/psep-io/psep/token"
)

// Source is an in-memory, totally-ordered event log.
type Source struct {
	mu        sync.Mutex
	events    []source.TrackedEvent
	pushable  bool
	skipped   map[string]bool
	callbacks []func()
}

// New returns a push-capable Source.
func New() *Source {
	return &Source{pushable: true, skipped: make(map[string]bool)}
}

// NewPollOnly returns a Source that reports push notification as
// unsupported, forcing consumers onto the HasNextAvailable polling path.
func NewPollOnly() *Source {
	return &Source{pushable: false, skipped: make(map[string]bool)}
}

// Publish appends an event to the log and, if the Source is push-capable,
// synchronously fires every registered availability callback after
// releasing its lock. The event's Token is At(n), n being the number of
// events in the log including this one: a stream opened at that Token
// resumes with the next event published.
func (s *Source) Publish(routingHash uint32, payloadType string, payload interface{}) {
	s.mu.Lock()
	var pos = int64(len(s.events))
	var skip = s.skipped[payloadType]
	if !skip {
		s.events = append(s.events, source.TrackedEvent{
			Token:       token.At(pos + 1),
			RoutingHash: routingHash,
			PayloadType: payloadType,
			Payload:     payload,
		})
	}
	var cbs = append([]func(){}, s.callbacks...)
	s.mu.Unlock()

	if s.pushable {
		for _, cb := range cbs {
			cb()
		}
	}
}

func (s *Source) addCallback(fn func()) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

func (s *Source) markSkipped(payloadType string) {
	s.mu.Lock()
	s.skipped[payloadType] = true
	s.mu.Unlock()
}

func (s *Source) eventAt(pos int64) (source.TrackedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 || pos >= int64(len(s.events)) {
		return source.TrackedEvent{}, false
	}
	return s.events[pos], true
}

func (s *Source) OpenStream(_ context.Context, from token.Token) (source.BlockingStream, error) {
	var start int64
	if pos, ok := from.Position(); ok {
		start = pos
	}
	return &stream{src: s, next: start}, nil
}

func (s *Source) CreateTailToken(_ context.Context) (token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token.At(int64(len(s.events))), nil
}

func (s *Source) CreateHeadToken(_ context.Context) (token.Token, error) {
	return token.At(0), nil
}

func (s *Source) CreateTokenAt(_ context.Context, _ time.Time) (token.Token, error) {
	return token.Token{}, source.ErrUnsupported
}

func (s *Source) CreateTokenSince(_ context.Context, _ time.Duration) (token.Token, error) {
	return token.Token{}, source.ErrUnsupported
}
