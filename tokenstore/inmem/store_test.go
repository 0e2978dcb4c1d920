package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/token"
	"github.com/psep-io/psep/tokenstore"
	"github.com/psep-io/psep/tokenstore/inmem"
)

func TestInitializeIsIdempotentAtStoreLevel(t *testing.T) {
	var ctx = context.Background()
	var s = inmem.New(time.Minute)

	require.NoError(t, s.InitializeTokenSegments(ctx, "proc", 4, token.Unbounded()))
	var err = s.InitializeTokenSegments(ctx, "proc", 4, token.Unbounded())
	assert.ErrorIs(t, errors.Cause(err), tokenstore.ErrUnableToInitialize)
}

func TestFetchTokenClaimsExclusively(t *testing.T) {
	var ctx = context.Background()
	var s = inmem.New(time.Minute)
	require.NoError(t, s.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))

	var segs, err = s.FetchSegments(ctx, "proc")
	require.NoError(t, err)
	require.Len(t, segs, 1)

	var _, err1 = s.FetchToken(ctx, "proc", segs[0].ID, "owner-a")
	require.NoError(t, err1)

	var _, err2 = s.FetchToken(ctx, "proc", segs[0].ID, "owner-b")
	assert.ErrorIs(t, errors.Cause(err2), tokenstore.ErrUnableToClaim)
}

func TestClaimExpiresAfterTimeout(t *testing.T) {
	var ctx = context.Background()
	var clock = clockwork.NewFakeClock()
	var s = inmem.New(10 * time.Millisecond)
	s.Clock = clock
	require.NoError(t, s.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))

	var segs, _ = s.FetchSegments(ctx, "proc")
	_, err := s.FetchToken(ctx, "proc", segs[0].ID, "owner-a")
	require.NoError(t, err)

	clock.Advance(time.Second)

	_, err = s.FetchToken(ctx, "proc", segs[0].ID, "owner-b")
	assert.NoError(t, err, "expired claim should be reclaimable by another owner")
}

func TestExtendClaimRequiresOwnership(t *testing.T) {
	var ctx = context.Background()
	var s = inmem.New(time.Minute)
	require.NoError(t, s.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))
	var segs, _ = s.FetchSegments(ctx, "proc")

	_, _ = s.FetchToken(ctx, "proc", segs[0].ID, "owner-a")

	assert.NoError(t, s.ExtendClaim(ctx, "proc", segs[0].ID, "owner-a"))
	assert.Error(t, s.ExtendClaim(ctx, "proc", segs[0].ID, "owner-b"))
}

func TestStoreTokenRequiresOwnership(t *testing.T) {
	var ctx = context.Background()
	var s = inmem.New(time.Minute)
	require.NoError(t, s.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))
	var segs, _ = s.FetchSegments(ctx, "proc")

	_, _ = s.FetchToken(ctx, "proc", segs[0].ID, "owner-a")

	assert.NoError(t, s.StoreToken(ctx, "proc", segs[0].ID, "owner-a", token.At(10)))
	assert.Error(t, s.StoreToken(ctx, "proc", segs[0].ID, "owner-b", token.At(20)))

	var tok, err = s.FetchToken(ctx, "proc", segs[0].ID, "owner-a")
	require.NoError(t, err)
	var pos, _ = tok.Position()
	assert.EqualValues(t, 10, pos)
}

func TestReleaseClaimAllowsReclaim(t *testing.T) {
	var ctx = context.Background()
	var s = inmem.New(time.Minute)
	require.NoError(t, s.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))
	var segs, _ = s.FetchSegments(ctx, "proc")

	_, _ = s.FetchToken(ctx, "proc", segs[0].ID, "owner-a")
	require.NoError(t, s.ReleaseClaim(ctx, "proc", segs[0].ID, "owner-a"))

	_, err := s.FetchToken(ctx, "proc", segs[0].ID, "owner-b")
	assert.NoError(t, err)
}

func TestSplitAndMergeSegmentRows(t *testing.T) {
	var ctx = context.Background()
	var s = inmem.New(time.Minute)
	require.NoError(t, s.InitializeTokenSegments(ctx, "proc", 1, token.At(5)))

	var segs, _ = s.FetchSegments(ctx, "proc")
	var lo, hi = segs[0].Split()

	require.NoError(t, s.DeleteSegment(ctx, "proc", segs[0].ID))
	require.NoError(t, s.InitializeSegment(ctx, "proc", lo, token.At(5)))
	require.NoError(t, s.InitializeSegment(ctx, "proc", hi, token.At(5)))

	segs, _ = s.FetchSegments(ctx, "proc")
	assert.Len(t, segs, 2)

	merged, err := segment.Merge(lo, hi)
	require.NoError(t, err)

	require.NoError(t, s.DeleteSegment(ctx, "proc", lo.ID))
	require.NoError(t, s.DeleteSegment(ctx, "proc", hi.ID))
	require.NoError(t, s.InitializeSegment(ctx, "proc", merged, token.At(5)))

	segs, _ = s.FetchSegments(ctx, "proc")
	require.Len(t, segs, 1)
	assert.Equal(t, merged, segs[0])
}

func TestRequiresExplicitSegmentInitialization(t *testing.T) {
	assert.True(t, inmem.New(time.Minute).RequiresExplicitSegmentInitialization())
}
