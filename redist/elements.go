// Package redist physically moves the mesh between ranks: elements to the
// ranks the partitioner chose, then vertices to the ranks the ring protocol
// chose, renumbering both along the way.
package redist

import (
	"context"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
	"github.com/notargets/meshdist/mesh"
	"github.com/notargets/meshdist/partitions"
	"github.com/notargets/meshdist/renumber"
)

// MoveElements sends every local element to its assigned rank under a new
// global numbering that is contiguous per destination. Collective. On return
// m holds exactly the elements assigned to this rank, numbered from
// m.ElementStart, with their vertex references unchanged.
func MoveElements(ctx context.Context, c comm.Communicator, m *mesh.LocalMesh, a *partitions.Assignment) (renumber.Layout, error) {
	me := c.Rank()
	if len(a.EToP) != m.LocalElements() {
		return renumber.Layout{}, fault.Errorf(fault.KindPlanMismatch, "move elements",
			"assignment has %d entries for %d elements", len(a.EToP), m.LocalElements())
	}
	if len(a.PartCounts) != c.Size() {
		return renumber.Layout{}, fault.Errorf(fault.KindPlanMismatch, "move elements",
			"%d parts for %d ranks", len(a.PartCounts), c.Size())
	}
	plan, err := renumber.FromDestinations(ctx, c, a.EToP)
	if err != nil {
		return renumber.Layout{}, err
	}
	if err := plan.Verify(m.LocalElements()); err != nil {
		return renumber.Layout{}, err
	}
	if got, want := plan.Layout.Count(me), a.PartCounts[me]; got != want {
		return renumber.Layout{}, fault.Errorf(fault.KindPlanMismatch, "move elements",
			"numbering gives rank %d %d elements, partitioner assigned %d", me, got, want)
	}
	moved, err := renumber.Scatter(ctx, c, plan, comm.TagElementMove, m.Elements, mesh.ElementVerts)
	if err != nil {
		return renumber.Layout{}, err
	}
	m.Elements = moved
	m.ElementStart = plan.Layout.Start(me)
	return plan.Layout, nil
}
