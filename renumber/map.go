package renumber

import (
	"context"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
)

// Map translates old global ids to new ones. It is replicated on every rank.
type Map struct {
	Layout Layout // new numbering: rank r owns a contiguous block
	newID  []int
}

// FromOwnedLists builds the map from every rank's list of owned old ids.
// Collective. New ids are contiguous per rank in rank order, and within a
// rank follow the order of its list. Every id in [0,n) must be owned exactly
// once.
func FromOwnedLists(ctx context.Context, c comm.Communicator, owned []int, n int, limit int64) (*Map, error) {
	if err := fault.CheckAlloc("renumbering map", n, 8, limit); err != nil {
		return nil, err
	}
	all, err := comm.AllGatherInts(ctx, c, comm.TagOwnedLists, owned)
	if err != nil {
		return nil, err
	}
	counts := make([]int, len(all))
	for r, list := range all {
		counts[r] = len(list)
	}
	m := &Map{Layout: NewLayout(counts), newID: make([]int, n)}
	if m.Layout.Total() != n {
		return nil, fault.Errorf(fault.KindPlanMismatch, "renumbering map", "ranks own %d ids, expected %d", m.Layout.Total(), n)
	}
	for i := range m.newID {
		m.newID[i] = -1
	}
	for r, list := range all {
		for k, old := range list {
			if old < 0 || old >= n {
				return nil, fault.Errorf(fault.KindPlanMismatch, "renumbering map", "rank %d owns id %d outside [0,%d)", r, old, n)
			}
			if m.newID[old] >= 0 {
				return nil, fault.Errorf(fault.KindPlanMismatch, "renumbering map", "id %d owned twice (rank %d and rank %d)",
					old, m.Layout.Owner(m.newID[old]), r)
			}
			m.newID[old] = m.Layout.Start(r) + k
		}
	}
	return m, nil
}

// Len returns the size of the id space.
func (m *Map) Len() int { return len(m.newID) }

// New returns the new id of old, or -1 if old is out of range.
func (m *Map) New(old int) int {
	if old < 0 || old >= len(m.newID) {
		return -1
	}
	return m.newID[old]
}

// Apply rewrites ids in place from the old numbering to the new one.
func (m *Map) Apply(ids []int) error {
	for i, old := range ids {
		n := m.New(old)
		if n < 0 {
			return fault.Errorf(fault.KindPlanMismatch, "renumber", "reference %d outside [0,%d)", old, len(m.newID))
		}
		ids[i] = n
	}
	return nil
}

// PlanFor routes the count items held locally under old ids
// [start, start+count) to the ranks owning their new ids.
func (m *Map) PlanFor(start, count int) (*Plan, error) {
	plan := NewPlan(m.Layout)
	for i := 0; i < count; i++ {
		n := m.New(start + i)
		if n < 0 {
			return nil, fault.Errorf(fault.KindPlanMismatch, "renumber", "local id %d outside [0,%d)", start+i, len(m.newID))
		}
		if err := plan.Add(i, n); err != nil {
			return nil, err
		}
	}
	return plan, nil
}
