// Package inmem provides an in-memory tokenstore.Store, used as the
// reference implementation and as the backing store for the processor's
// own test suites and runnable examples.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/token"
	"github.com/psep-io/psep/tokenstore"
)

// row is the logical persisted state of a single segment claim.
type row struct {
	seg         segment.Segment
	tok         token.Token
	owner       string
	lastUpdated time.Time
}

func (r row) valid(now time.Time, claimTimeout time.Duration) bool {
	return r.owner != "" && now.Sub(r.lastUpdated) < claimTimeout
}

// Store is a mutex-guarded, in-memory tokenstore.Store. It always requires
// explicit segment initialization (RequiresExplicitSegmentInitialization
// returns true), exercising the same split/merge code paths a durable
// store would.
type Store struct {
	Clock        clockwork.Clock
	ClaimTimeout time.Duration
	Identifier   string

	mu        sync.Mutex
	processor map[string]map[segment.ID]*row
}

// New returns an empty Store with the given claim timeout, using the real
// wall clock; tests may replace the Clock field afterwards.
func New(claimTimeout time.Duration) *Store {
	return &Store{
		Clock:        clockwork.NewRealClock(),
		ClaimTimeout: claimTimeout,
		processor:    make(map[string]map[segment.ID]*row),
	}
}

var _ tokenstore.Store = (*Store)(nil)

func (s *Store) InitializeTokenSegments(_ context.Context, processor string, count int, initial token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processor[processor]; ok {
		return errors.Wrapf(tokenstore.ErrUnableToInitialize, "processor %q", processor)
	}
	var segs, err = segment.Initial(count)
	if err != nil {
		return errors.Wrap(err, "computing initial segments")
	}
	var rows = make(map[segment.ID]*row, count)
	for _, seg := range segs {
		rows[seg.ID] = &row{seg: seg, tok: initial}
	}
	s.processor[processor] = rows
	return nil
}

func (s *Store) FetchSegments(_ context.Context, processor string) ([]segment.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows = s.processor[processor]
	var out = make([]segment.Segment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FetchToken(_ context.Context, processor string, segmentID segment.ID, owner string) (token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r, ok = s.processor[processor][segmentID]
	if !ok {
		return token.Token{}, errors.Wrapf(tokenstore.ErrSegmentNotFound, "processor %q segment %d", processor, segmentID)
	}
	var now = s.Clock.Now()
	if r.valid(now, s.ClaimTimeout) && r.owner != owner {
		return token.Token{}, errors.Wrapf(tokenstore.ErrUnableToClaim, "processor %q segment %d held by %q", processor, segmentID, r.owner)
	}
	r.owner = owner
	r.lastUpdated = now
	return r.tok, nil
}

func (s *Store) ExtendClaim(_ context.Context, processor string, segmentID segment.ID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r, ok = s.processor[processor][segmentID]
	if !ok {
		return errors.Wrapf(tokenstore.ErrSegmentNotFound, "processor %q segment %d", processor, segmentID)
	}
	if r.owner != owner {
		return errors.Wrapf(tokenstore.ErrUnableToClaim, "processor %q segment %d no longer held by %q", processor, segmentID, owner)
	}
	r.lastUpdated = s.Clock.Now()
	return nil
}

func (s *Store) StoreToken(_ context.Context, processor string, segmentID segment.ID, owner string, tok token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r, ok = s.processor[processor][segmentID]
	if !ok {
		return errors.Wrapf(tokenstore.ErrSegmentNotFound, "processor %q segment %d", processor, segmentID)
	}
	if r.owner != owner {
		return errors.Wrapf(tokenstore.ErrUnableToClaim, "processor %q segment %d no longer held by %q", processor, segmentID, owner)
	}
	r.tok = tok
	r.lastUpdated = s.Clock.Now()
	return nil
}

func (s *Store) ReleaseClaim(_ context.Context, processor string, segmentID segment.ID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r, ok = s.processor[processor][segmentID]
	if !ok || r.owner != owner {
		return nil // Best-effort: nothing to release.
	}
	r.owner = ""
	return nil
}

func (s *Store) InitializeSegment(_ context.Context, processor string, seg segment.Segment, initial token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows = s.processor[processor]
	if rows == nil {
		rows = make(map[segment.ID]*row)
		s.processor[processor] = rows
	}
	if _, ok := rows[seg.ID]; ok {
		return errors.Wrapf(tokenstore.ErrUnableToInitialize, "processor %q segment %d", processor, seg.ID)
	}
	rows[seg.ID] = &row{seg: seg, tok: initial}
	return nil
}

func (s *Store) DeleteSegment(_ context.Context, processor string, segmentID segment.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.processor[processor], segmentID)
	return nil
}

func (s *Store) RequiresExplicitSegmentInitialization() bool { return true }

func (s *Store) RetrieveStorageIdentifier() string { return s.Identifier }
