package partitions

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
	"github.com/notargets/meshdist/mesh"
)

const graphRoot = 0

// GraphPartitioner gathers the element graph on rank 0, orders the elements
// breadth-first (one sweep per connected component, started from the lowest
// unvisited id) and cuts the order into nParts runs whose sizes differ by at
// most one. Neighbors land in the same run, which keeps the edge cut low.
//
// Within one breadth-first layer the visiting order is not deterministic; the
// assignment is computed once on rank 0, so every rank still sees the same one.
type GraphPartitioner struct {
	// MaxAllocBytes bounds the gathered graph on rank 0 (0 disables).
	MaxAllocBytes int64
}

func (p *GraphPartitioner) Partition(ctx context.Context, c comm.Communicator, g *mesh.CSR, nLocal, nGlobal, nParts int) ([]int, error) {
	if g.NumRows() != nLocal {
		return nil, fault.Errorf(fault.KindPartition, "graph partition", "graph has %d rows for %d elements", g.NumRows(), nLocal)
	}
	payload := comm.AppendInts(nil, []int{g.RowStart})
	payload = comm.AppendInts(payload, g.RowOffsets)
	payload = comm.AppendInts(payload, g.Neighbors)
	parts, err := comm.Gather(ctx, c, graphRoot, comm.TagPartition, payload)
	if err != nil {
		return nil, err
	}

	var scatter [][]byte
	if c.Rank() == graphRoot {
		scatter, err = p.assign(parts, nGlobal, nParts)
		if err != nil {
			// Release the other ranks before failing.
			for r := range parts {
				if r != graphRoot {
					_ = c.Send(ctx, r, comm.TagPartition, nil)
				}
			}
			return nil, err
		}
	}
	b, err := comm.Scatter(ctx, c, graphRoot, comm.TagPartition, scatter)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fault.Errorf(fault.KindPartition, "graph partition", "rank %d failed to partition the graph", graphRoot)
	}
	eToP, err := comm.DecodeInts(b)
	if err != nil {
		return nil, err
	}
	if len(eToP) != nLocal {
		return nil, fault.Errorf(fault.KindPlanMismatch, "graph partition", "received %d assignments for %d elements", len(eToP), nLocal)
	}
	return eToP, nil
}

type graphSlice struct {
	start int
	rows  mesh.CSR
}

// assign runs on rank 0 and returns each rank's encoded assignment.
func (p *GraphPartitioner) assign(parts [][]byte, nGlobal, nParts int) ([][]byte, error) {
	if err := fault.CheckAlloc("graph partition", nGlobal, 8, p.MaxAllocBytes); err != nil {
		return nil, err
	}
	slices := make([]graphSlice, len(parts))
	for r, b := range parts {
		head, rest, err := comm.ReadInts(b)
		if err != nil {
			return nil, err
		}
		if len(head) != 1 {
			return nil, fault.Errorf(fault.KindProtocol, "graph partition", "bad graph header from rank %d", r)
		}
		s := graphSlice{start: head[0]}
		if s.rows.RowOffsets, rest, err = comm.ReadInts(rest); err != nil {
			return nil, err
		}
		if s.rows.Neighbors, _, err = comm.ReadInts(rest); err != nil {
			return nil, err
		}
		if err := s.rows.Validate(nGlobal); err != nil {
			return nil, fmt.Errorf("graph from rank %d: %w", r, err)
		}
		if s.start < 0 || s.start+s.rows.NumRows() > nGlobal {
			return nil, fault.Errorf(fault.KindPartition, "graph partition", "rank %d rows [%d,%d) outside [0,%d)",
				r, s.start, s.start+s.rows.NumRows(), nGlobal)
		}
		slices[r] = s
	}

	eg := simple.NewUndirectedGraph()
	for id := 0; id < nGlobal; id++ {
		eg.AddNode(simple.Node(id))
	}
	for _, s := range slices {
		for i := 0; i < s.rows.NumRows(); i++ {
			from := s.start + i
			for _, to := range s.rows.Row(i) {
				if to != from {
					eg.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
				}
			}
		}
	}

	order := BreadthFirstOrder(eg, nGlobal)
	eToP := make([]int, nGlobal)
	for k, id := range order {
		eToP[id] = mesh.ChunkOwner(nGlobal, nParts, k)
	}

	out := make([][]byte, len(slices))
	for r, s := range slices {
		out[r] = comm.EncodeInts(eToP[s.start : s.start+s.rows.NumRows()])
	}
	return out, nil
}

// BreadthFirstOrder returns the ids [0,n) of g in breadth-first order, one
// traversal per connected component, each started from the lowest id not yet
// reached.
func BreadthFirstOrder(g traverse.Graph, n int) []int64 {
	order := make([]int64, 0, n)
	seen := make([]bool, n)
	bf := traverse.BreadthFirst{
		Visit: func(v graph.Node) {
			order = append(order, v.ID())
			seen[v.ID()] = true
		},
	}
	for id := 0; id < n; id++ {
		if !seen[id] {
			bf.Walk(g, simple.Node(id), nil)
		}
	}
	return order
}
