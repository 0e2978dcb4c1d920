// Package tokenstore specifies the durable, per-segment claim and progress
// store consumed by the processor. A Store provides mutual exclusion of
// segments across a distributed fleet via compare-and-set claims, and
// persists each segment's Tracking Token.
package tokenstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/token"
)

// Sentinel errors returned by Store operations. Callers should compare
// with errors.Cause, since implementations may wrap these with
// call-site context.
var (
	// ErrUnableToClaim is returned when a segment could not be claimed
	// because another valid claim already exists.
	ErrUnableToClaim = errors.New("tokenstore: unable to claim segment")
	// ErrUnableToInitialize is returned by InitializeTokenSegments when
	// segments already exist for the processor.
	ErrUnableToInitialize = errors.New("tokenstore: segments already initialized for processor")
	// ErrStoreUnavailable indicates a transient failure of the backing
	// store (e.g. a network partition); callers should retry with backoff.
	ErrStoreUnavailable = errors.New("tokenstore: store unavailable")
	// ErrSegmentNotFound is returned by operations addressing a segment
	// that does not exist in the store.
	ErrSegmentNotFound = errors.New("tokenstore: segment not found")
)

// Store is the durable, CAS-guarded claim and token store consumed by the
// processor. All operations are atomic with respect to concurrent callers,
// whether in-process or distributed across a fleet sharing the same Store.
type Store interface {
	// InitializeTokenSegments creates `count` segment rows for processor,
	// each seeded with initial. It is idempotent at the whole-store level:
	// it fails with ErrUnableToInitialize if any segment already exists
	// for processor.
	InitializeTokenSegments(ctx context.Context, processor string, count int, initial token.Token) error

	// FetchSegments returns the sorted set of segments currently known to
	// the store for processor.
	FetchSegments(ctx context.Context, processor string) ([]segment.Segment, error)

	// FetchToken returns the persisted token for (processor, segmentID),
	// and atomically claims that segment for owner. It fails with
	// ErrUnableToClaim if another valid claim already exists.
	FetchToken(ctx context.Context, processor string, segmentID segment.ID, owner string) (token.Token, error)

	// ExtendClaim refreshes the claim's lastUpdated time. It fails if
	// owner no longer holds the claim.
	ExtendClaim(ctx context.Context, processor string, segmentID segment.ID, owner string) error

	// StoreToken persists tok for (processor, segmentID) as a
	// compare-and-set on ownership. It fails if owner does not hold the
	// claim.
	StoreToken(ctx context.Context, processor string, segmentID segment.ID, owner string, tok token.Token) error

	// ReleaseClaim best-effort releases owner's claim on segmentID. It
	// must never block other operations and should not fail the caller
	// even if the claim had already expired or moved to another owner.
	ReleaseClaim(ctx context.Context, processor string, segmentID segment.ID, owner string) error

	// InitializeSegment creates a single new segment row, used by
	// split/merge. It fails with ErrUnableToInitialize if the segment
	// already exists.
	InitializeSegment(ctx context.Context, processor string, seg segment.Segment, initial token.Token) error

	// DeleteSegment removes a segment row entirely, used by merge to
	// retire the collapsed sibling. It is a no-op if the segment has
	// already been removed.
	DeleteSegment(ctx context.Context, processor string, segmentID segment.ID) error

	// RequiresExplicitSegmentInitialization reports whether this Store
	// requires InitializeSegment/DeleteSegment calls around split/merge
	// (true for stores backing multiple discrete rows per segment), as
	// opposed to stores that derive segment existence implicitly.
	RequiresExplicitSegmentInitialization() bool

	// RetrieveStorageIdentifier returns a stable identifier for this
	// store instance, usable to key in-process caches across processors
	// sharing the same physical store. It may return "" if the store has
	// no such identity.
	RetrieveStorageIdentifier() string
}
