// Package segment implements the hash-space partitioning arithmetic shared
// by the Coordinator and Token Store: segment identity, the mask defining
// the subtree of the hash space a segment owns, and the split/merge
// operations that keep the set of live segments a partition of the whole
// space.
package segment

import (
	"fmt"
	"math/bits"
	"sort"
)

// ID identifies a segment within a processor's hash space.
type ID uint32

// Mask selects the low-order bits of a routing key that determine segment
// membership. A Mask of 0 matches every key (the whole space); each
// additional set bit halves the subtree a segment owns.
type Mask uint32

// Segment is a partition of the hash space: all routing keys whose low
// Mask bits equal ID's low Mask bits belong to this segment.
type Segment struct {
	ID   ID
	Mask Mask
}

// Matches reports whether a routing key's hash falls within s's subtree.
func (s Segment) Matches(hash uint32) bool {
	return hash&uint32(s.Mask) == uint32(s.ID)&uint32(s.Mask)
}

// Split returns the two sibling segments produced by extending s's Mask by
// one bit. The low sibling retains s's ID; the high sibling's ID has the
// newly significant bit set.
func (s Segment) Split() (lo, hi Segment) {
	var newMask = (s.Mask << 1) | 1
	lo = Segment{ID: s.ID, Mask: newMask}
	hi = Segment{ID: s.ID | ID(s.Mask+1), Mask: newMask}
	return
}

// CanMergeWith reports whether s and sibling are the two halves produced
// by some prior Split, and so may be collapsed back together.
func (s Segment) CanMergeWith(sibling Segment) bool {
	if s.Mask != sibling.Mask || s.Mask == 0 {
		return false
	}
	var topBit = ID(s.Mask - (s.Mask >> 1))
	return s.ID^sibling.ID == topBit
}

// Merge collapses s and its sibling into the single segment they were
// split from. It returns an error if the two segments are not mergeable.
func Merge(s, sibling Segment) (Segment, error) {
	if !s.CanMergeWith(sibling) {
		return Segment{}, fmt.Errorf("segment %s is not a sibling of %s", s, sibling)
	}
	var lowID = s.ID
	if sibling.ID < lowID {
		lowID = sibling.ID
	}
	return Segment{ID: lowID, Mask: s.Mask >> 1}, nil
}

func (s Segment) String() string {
	return fmt.Sprintf("Segment(id=%d, mask=%#x)", s.ID, s.Mask)
}

// Initial returns `count` segments that partition the full hash space,
// by repeatedly splitting the segment currently covering the largest
// subtree (the one with the fewest Mask bits) until the target count is
// reached. count must be positive.
func Initial(count int) ([]Segment, error) {
	if count <= 0 {
		return nil, fmt.Errorf("segment count must be positive, got %d", count)
	}
	var segs = []Segment{{ID: 0, Mask: 0}}
	for len(segs) < count {
		var widest = 0
		for i, s := range segs {
			if bits.OnesCount32(uint32(s.Mask)) < bits.OnesCount32(uint32(segs[widest].Mask)) {
				widest = i
			}
		}
		var lo, hi = segs[widest].Split()
		segs = append(segs[:widest], append([]Segment{lo, hi}, segs[widest+1:]...)...)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].ID < segs[j].ID })
	return segs, nil
}

// Covers reports whether the union of segs forms a full partition of the
// hash space with no gaps or overlaps, by exhaustively checking every
// representable hash value reachable by the widest Mask in use. This is
// intended for small, test-scale segment sets (property tests, scenario
// assertions); it is not used on any hot path.
func Covers(segs []Segment) bool {
	if len(segs) == 0 {
		return false
	}
	var widest Mask
	for _, s := range segs {
		if s.Mask > widest {
			widest = s.Mask
		}
	}
	var space = int(widest) + 1
	var owner = make([]int, space)
	for i := range owner {
		owner[i] = -1
	}
	for si, s := range segs {
		for h := 0; h < space; h++ {
			if s.Matches(uint32(h)) {
				if owner[h] != -1 {
					return false // overlap
				}
				owner[h] = si
			}
		}
	}
	for _, o := range owner {
		if o == -1 {
			return false // gap
		}
	}
	return true
}
