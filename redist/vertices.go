package redist

import (
	"context"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
	"github.com/notargets/meshdist/mesh"
	"github.com/notargets/meshdist/renumber"
)

// PartitionVertices decides which rank owns each vertex with a ring protocol:
// a claim mask starts empty on rank 0 and is passed by value from rank r to
// rank r+1. Each non-final rank walks its element references in order and
// claims unclaimed vertices until it holds n_vert/size of them; the final rank
// claims everything left, in ascending order. Collective, and strictly
// sequential across ranks.
//
// The result lists the owned vertex ids (current numbering) in claim order.
// The final rank can end up with far more than n_vert/size vertices.
func PartitionVertices(ctx context.Context, c comm.Communicator, m *mesh.LocalMesh) ([]int, error) {
	size, me := c.Size(), c.Rank()
	n := m.NumVertices
	if uint64(n) > math.MaxUint32+1 {
		return nil, fault.Errorf(fault.KindAllocation, "partition vertices", "%d vertices exceed the claim mask domain", n)
	}

	mask := roaring.New()
	if me > 0 {
		b, err := c.Recv(ctx, me-1, comm.TagClaimMask)
		if err != nil {
			return nil, err
		}
		if err := mask.UnmarshalBinary(b); err != nil {
			return nil, fault.Wrap(fault.KindProtocol, "claim mask", err)
		}
		if mask.GetCardinality() > 0 && uint64(mask.Maximum()) >= uint64(n) {
			return nil, fault.Errorf(fault.KindProtocol, "claim mask", "mask marks vertex %d of %d", mask.Maximum(), n)
		}
	}

	var owned []int
	if me < size-1 {
		capacity := n / size
		owned = make([]int, 0, capacity)
		for _, v := range m.Elements {
			if len(owned) >= capacity {
				break
			}
			if mask.CheckedAdd(uint32(v)) {
				owned = append(owned, v)
			}
		}
		b, err := mask.ToBytes()
		if err != nil {
			return nil, fault.Wrap(fault.KindProtocol, "claim mask", err)
		}
		if err := c.Send(ctx, me+1, comm.TagClaimMask, b); err != nil {
			return nil, err
		}
	} else {
		rest := roaring.Flip(mask, 0, uint64(n))
		owned = make([]int, 0, rest.GetCardinality())
		it := rest.Iterator()
		for it.HasNext() {
			owned = append(owned, int(it.Next()))
		}
	}
	return owned, nil
}

// MoveVertices renumbers vertices so that every rank owns a contiguous block
// of new ids (in rank order, each block in claim order), rewrites the local
// element references, and moves the coordinates to their new owners.
// Collective. m must still hold its vertices under the ingestion layout, that
// is local vertex i is old id m.VertexStart+i.
func MoveVertices(ctx context.Context, c comm.Communicator, m *mesh.LocalMesh, owned []int, limit int64) (*renumber.Map, error) {
	vm, err := renumber.FromOwnedLists(ctx, c, owned, m.NumVertices, limit)
	if err != nil {
		return nil, err
	}
	if err := vm.Apply(m.Elements); err != nil {
		return nil, err
	}
	plan, err := vm.PlanFor(m.VertexStart, m.LocalVertices())
	if err != nil {
		return nil, err
	}
	if err := plan.Verify(m.LocalVertices()); err != nil {
		return nil, err
	}
	moved, err := renumber.Scatter(ctx, c, plan, comm.TagVertexMove, m.Vertices, mesh.VertexDim)
	if err != nil {
		return nil, err
	}
	m.Vertices = moved
	m.VertexStart = vm.Layout.Start(c.Rank())
	return vm, nil
}
