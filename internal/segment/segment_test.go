package segment_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psep-io/psep/internal/segment"
)

func TestInitialPartitionsFullSpace(t *testing.T) {
	for _, count := range []int{1, 2, 3, 5, 8, 13, 16} {
		var segs, err = segment.Initial(count)
		require.NoError(t, err)
		assert.Len(t, segs, count)
		assert.True(t, segment.Covers(segs), "count=%d segs=%v", count, segs)
	}
}

func TestSplitProducesMergeableSiblings(t *testing.T) {
	var base = segment.Segment{ID: 0, Mask: 0}
	var lo, hi = base.Split()

	assert.True(t, lo.CanMergeWith(hi))
	assert.True(t, hi.CanMergeWith(lo))

	var merged, err = segment.Merge(lo, hi)
	require.NoError(t, err)
	assert.Equal(t, base, merged)
}

func TestSplitThenSplitAgainStaysPartitioned(t *testing.T) {
	var segs, err = segment.Initial(1)
	require.NoError(t, err)

	var lo, hi = segs[0].Split()
	assert.True(t, segment.Covers([]segment.Segment{lo, hi}))

	var lolo, lohi = lo.Split()
	assert.True(t, segment.Covers([]segment.Segment{lolo, lohi, hi}))
}

func TestUnrelatedSegmentsCannotMerge(t *testing.T) {
	var segs, err = segment.Initial(4)
	require.NoError(t, err)

	assert.False(t, segs[0].CanMergeWith(segs[3]))

	var _, mergeErr = segment.Merge(segs[0], segs[3])
	assert.Error(t, mergeErr)
}

func TestMatchesIsExhaustiveAndExclusive(t *testing.T) {
	var segs, err = segment.Initial(8)
	require.NoError(t, err)

	for h := uint32(0); h < 64; h++ {
		var matched = 0
		for _, s := range segs {
			if s.Matches(h) {
				matched++
			}
		}
		assert.Equal(t, 1, matched, "hash %d matched %d segments", h, matched)
	}
}
