package partitions

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
	"github.com/notargets/meshdist/mesh"
)

// Assignment is the validated output of a partitioner.
type Assignment struct {
	EToP       []int // destination part of each local element
	PartCounts []int // global number of elements per part
}

// Apply runs p on the mesh's adjacency graph and validates the result
// collectively: every rank learns whether any rank produced an invalid
// assignment and the global element count of every part, so every rank
// reaches the same verdict. A part left without elements is a
// fault.KindPartition error. The graph is released afterwards.
func Apply(ctx context.Context, c comm.Communicator, p Partitioner, m *mesh.LocalMesh, nParts int, log *slog.Logger) (*Assignment, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if m.Graph == nil {
		return nil, fault.Errorf(fault.KindPartition, "partition", "adjacency graph already released")
	}
	if nParts < 1 {
		return nil, fault.Errorf(fault.KindPartition, "partition", "requested %d parts", nParts)
	}
	eToP, err := p.Partition(ctx, c, m.Graph, m.LocalElements(), m.NumElements, nParts)
	if err != nil {
		return nil, fault.Wrap(fault.KindPartition, "partition", err)
	}

	// status, then the local histogram
	check := make([]int, 1+nParts)
	if verr := validateAssignment(eToP, m.LocalElements(), nParts); verr != nil {
		log.Error("invalid local assignment", "err", verr)
		check[0] = 1
	} else {
		for _, d := range eToP {
			check[1+d]++
		}
	}
	all, err := comm.AllGatherInts(ctx, c, comm.TagPartitionCheck, check)
	if err != nil {
		return nil, err
	}

	counts := make([]int, nParts)
	for r, h := range all {
		if len(h) != 1+nParts {
			return nil, fault.Errorf(fault.KindProtocol, "partition", "rank %d sent a %d-entry check", r, len(h))
		}
		if h[0] != 0 {
			return nil, fault.Errorf(fault.KindPartition, "partition", "rank %d produced an invalid assignment", r)
		}
		for d, n := range h[1:] {
			counts[d] += n
		}
	}
	nonEmpty := 0
	for _, n := range counts {
		if n > 0 {
			nonEmpty++
		}
	}
	if nonEmpty != nParts {
		return nil, fault.Errorf(fault.KindPartition, "partition", "requested %d parts, %d non-empty", nParts, nonEmpty)
	}

	m.ReleaseGraph()
	return &Assignment{EToP: eToP, PartCounts: counts}, nil
}

func validateAssignment(eToP []int, nLocal, nParts int) error {
	if len(eToP) != nLocal {
		return fmt.Errorf("assignment has %d entries for %d elements", len(eToP), nLocal)
	}
	for i, d := range eToP {
		if d < 0 || d >= nParts {
			return fmt.Errorf("element %d assigned to part %d outside [0,%d)", i, d, nParts)
		}
	}
	return nil
}

// PartitionStats summarizes the load balance of per-part counts
type PartitionStats struct {
	NumPartitions int
	MinElements   int
	MaxElements   int
	AvgElements   float64
	StdDev        float64
	Imbalance     float64 // MaxElements / AvgElements
}

// PartitionStatistics computes load balance metrics
func PartitionStatistics(counts []int) PartitionStats {
	stats := PartitionStats{NumPartitions: len(counts)}
	if len(counts) == 0 {
		return stats
	}
	x := make([]float64, len(counts))
	for i, n := range counts {
		x[i] = float64(n)
	}
	stats.MinElements = int(floats.Min(x))
	stats.MaxElements = int(floats.Max(x))
	if len(x) > 1 {
		stats.AvgElements, stats.StdDev = stat.MeanStdDev(x, nil)
	} else {
		stats.AvgElements = x[0]
	}
	if stats.AvgElements > 0 {
		stats.Imbalance = float64(stats.MaxElements) / stats.AvgElements
	}
	return stats
}

// LogValue lets the stats be logged as a group.
func (s PartitionStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("parts", s.NumPartitions),
		slog.Int("min", s.MinElements),
		slog.Int("max", s.MaxElements),
		slog.Float64("avg", s.AvgElements),
		slog.Float64("stddev", s.StdDev),
		slog.Float64("imbalance", s.Imbalance),
	)
}
