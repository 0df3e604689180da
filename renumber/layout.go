// Package renumber builds the index translations the redistribution stages
// run on: contiguous per-rank layouts of a global index space, pick/place
// plans that say which local item goes to which global slot, the old-to-new
// map built from per-rank ownership lists, and the block scatter that
// executes a plan.
package renumber

import "sort"

// Layout describes a global index space split into contiguous per-rank
// ranges: rank r owns [Offsets[r], Offsets[r+1]).
type Layout struct {
	Offsets []int
}

// NewLayout builds the layout in which rank r owns counts[r] indices.
func NewLayout(counts []int) Layout {
	off := make([]int, len(counts)+1)
	for r, n := range counts {
		off[r+1] = off[r] + n
	}
	return Layout{Offsets: off}
}

// Size returns the number of ranks.
func (l Layout) Size() int { return len(l.Offsets) - 1 }

// Start returns the first index owned by rank r.
func (l Layout) Start(r int) int { return l.Offsets[r] }

// Count returns the number of indices owned by rank r.
func (l Layout) Count(r int) int { return l.Offsets[r+1] - l.Offsets[r] }

// Total returns the size of the index space.
func (l Layout) Total() int { return l.Offsets[len(l.Offsets)-1] }

// Owner returns the rank owning index id, or -1 when id is out of range.
// Ranks owning nothing are skipped.
func (l Layout) Owner(id int) int {
	if id < 0 || id >= l.Total() {
		return -1
	}
	// first r with Offsets[r+1] > id
	return sort.Search(l.Size(), func(r int) bool { return l.Offsets[r+1] > id })
}

// Counts returns the per-rank counts.
func (l Layout) Counts() []int {
	out := make([]int, l.Size())
	for r := range out {
		out[r] = l.Count(r)
	}
	return out
}
