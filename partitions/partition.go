// Package partitions assigns every element of a distributed mesh to a part
// (a destination rank). Partitioners are collective: every rank calls them with
// its own slice of the adjacency graph and gets back the assignment of its
// local elements.
package partitions

import (
	"context"
	"fmt"
	"strings"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
	"github.com/notargets/meshdist/mesh"
)

// PartitionStrategy defines how elements are grouped
type PartitionStrategy int

const (
	CurrentPartition PartitionStrategy = iota // Keep every element where ingestion put it
	BlockPartition                            // Consecutive global ids
	RoundRobin                                // Distribute cyclically

	// Graph-based strategies
	GraphPartition // Breadth-first ordering of the element graph
)

var strategyNames = map[PartitionStrategy]string{
	CurrentPartition: "current",
	BlockPartition:   "block",
	RoundRobin:       "roundrobin",
	GraphPartition:   "graph",
}

func (s PartitionStrategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a configuration name to a strategy. The empty name
// selects CurrentPartition.
func ParseStrategy(name string) (PartitionStrategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return CurrentPartition, nil
	}
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fault.Errorf(fault.KindConfig, "partitioner", "unknown strategy %q", name)
}

// Partitioner computes the destination part of each local element.
//
// graph holds this rank's rows of the adjacency graph (row i is global element
// graph.RowStart+i); nLocal is the number of local elements and nGlobal the
// total. The result has nLocal entries in [0, nParts).
type Partitioner interface {
	Partition(ctx context.Context, c comm.Communicator, graph *mesh.CSR, nLocal, nGlobal, nParts int) ([]int, error)
}

// New returns the built-in partitioner for s.
func New(s PartitionStrategy) (Partitioner, error) {
	switch s {
	case CurrentPartition:
		return currentPartitioner{}, nil
	case BlockPartition:
		return blockPartitioner{}, nil
	case RoundRobin:
		return roundRobinPartitioner{}, nil
	case GraphPartition:
		return &GraphPartitioner{}, nil
	}
	return nil, fault.Errorf(fault.KindConfig, "partitioner", "no partitioner for %s", s)
}

type currentPartitioner struct{}

func (currentPartitioner) Partition(_ context.Context, c comm.Communicator, _ *mesh.CSR, nLocal, _, nParts int) ([]int, error) {
	if c.Rank() >= nParts {
		return nil, fault.Errorf(fault.KindPartition, "current partition", "rank %d has no part among %d", c.Rank(), nParts)
	}
	eToP := make([]int, nLocal)
	for i := range eToP {
		eToP[i] = c.Rank()
	}
	return eToP, nil
}

// blockPartitioner splits the global id range into nParts contiguous blocks
// whose sizes differ by at most one.
type blockPartitioner struct{}

func (blockPartitioner) Partition(_ context.Context, _ comm.Communicator, graph *mesh.CSR, nLocal, nGlobal, nParts int) ([]int, error) {
	eToP := make([]int, nLocal)
	for i := range eToP {
		eToP[i] = mesh.ChunkOwner(nGlobal, nParts, graph.RowStart+i)
	}
	return eToP, nil
}

type roundRobinPartitioner struct{}

func (roundRobinPartitioner) Partition(_ context.Context, _ comm.Communicator, graph *mesh.CSR, nLocal, _, nParts int) ([]int, error) {
	eToP := make([]int, nLocal)
	for i := range eToP {
		eToP[i] = (graph.RowStart + i) % nParts
	}
	return eToP, nil
}
