package renumber

import (
	"context"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
)

// Plan moves one rank's local items into a new global numbering. For every
// destination rank d, the item at local position Pick[d][k] lands in global
// slot Place[d][k], which d owns under Layout.
type Plan struct {
	Layout Layout
	Pick   [][]int // [dest] local positions to send
	Place  [][]int // [dest] global slots they fill
}

// NewPlan returns an empty plan into layout.
func NewPlan(layout Layout) *Plan {
	return &Plan{
		Layout: layout,
		Pick:   make([][]int, layout.Size()),
		Place:  make([][]int, layout.Size()),
	}
}

// Add routes local item i to global slot slot.
func (p *Plan) Add(i, slot int) error {
	d := p.Layout.Owner(slot)
	if d < 0 {
		return fault.Errorf(fault.KindPlanMismatch, "plan", "slot %d outside [0,%d)", slot, p.Layout.Total())
	}
	p.Pick[d] = append(p.Pick[d], i)
	p.Place[d] = append(p.Place[d], slot)
	return nil
}

// Sends returns the number of items routed to dest.
func (p *Plan) Sends(dest int) int { return len(p.Pick[dest]) }

// Verify checks that every pick index is a valid local position, that pick and
// place lists correspond, that every place is owned by its destination, and
// that every one of the nLocal items is sent exactly once.
func (p *Plan) Verify(nLocal int) error {
	used := make([]bool, nLocal)
	total := 0
	for d := range p.Pick {
		if len(p.Pick[d]) != len(p.Place[d]) {
			return fault.Errorf(fault.KindPlanMismatch, "verify plan", "length mismatch to rank %d: pick %d, place %d",
				d, len(p.Pick[d]), len(p.Place[d]))
		}
		lo, hi := p.Layout.Start(d), p.Layout.Start(d)+p.Layout.Count(d)
		for k, i := range p.Pick[d] {
			if i < 0 || i >= nLocal {
				return fault.Errorf(fault.KindPlanMismatch, "verify plan", "invalid pick index %d (max %d)", i, nLocal-1)
			}
			if used[i] {
				return fault.Errorf(fault.KindPlanMismatch, "verify plan", "local item %d picked twice", i)
			}
			used[i] = true
			if s := p.Place[d][k]; s < lo || s >= hi {
				return fault.Errorf(fault.KindPlanMismatch, "verify plan", "slot %d sent to rank %d which owns [%d,%d)", s, d, lo, hi)
			}
		}
		total += len(p.Pick[d])
	}
	if total != nLocal {
		return fault.Errorf(fault.KindPlanMismatch, "verify plan", "conservation error: %d picks for %d local items", total, nLocal)
	}
	return nil
}

// FromDestinations numbers items by destination rank. Collective: every rank
// passes dest[i], the rank local item i must move to. The new numbering is a
// counting sort of all items by destination, ties broken by source rank and
// then by local order, so rank d receives a contiguous block of new ids
// starting at the total count destined for ranks below d.
func FromDestinations(ctx context.Context, c comm.Communicator, dest []int) (*Plan, error) {
	size, me := c.Size(), c.Rank()
	hist := make([]int, size)
	for i, d := range dest {
		if d < 0 || d >= size {
			return nil, fault.Errorf(fault.KindPlanMismatch, "numbering", "item %d destined for rank %d outside [0,%d)", i, d, size)
		}
		hist[d]++
	}
	all, err := comm.AllGatherInts(ctx, c, comm.TagElementCounts, hist)
	if err != nil {
		return nil, err
	}
	counts := make([]int, size)
	for s, h := range all {
		if len(h) != size {
			return nil, fault.Errorf(fault.KindProtocol, "numbering", "rank %d sent a %d-entry histogram", s, len(h))
		}
		for d, n := range h {
			counts[d] += n
		}
	}
	layout := NewLayout(counts)

	next := make([]int, size)
	for d := range next {
		next[d] = layout.Start(d)
		for s := 0; s < me; s++ {
			next[d] += all[s][d]
		}
	}
	plan := NewPlan(layout)
	for i, d := range dest {
		plan.Pick[d] = append(plan.Pick[d], i)
		plan.Place[d] = append(plan.Place[d], next[d])
		next[d]++
	}
	return plan, nil
}
