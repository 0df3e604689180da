package partitions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
	"github.com/notargets/meshdist/mesh"
)

func gridSource(t *testing.T, nx, ny int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grid")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, mesh.WriteGrid(f, nx, ny))
	require.NoError(t, f.Close())
	return path
}

func TestParseStrategy(t *testing.T) {
	for s, name := range strategyNames {
		got, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, s, got)
		assert.Equal(t, name, s.String())
	}
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, CurrentPartition, s)
	_, err = ParseStrategy("metis")
	assert.True(t, fault.Is(err, fault.KindConfig))
}

func TestStrategies(t *testing.T) {
	path := gridSource(t, 4, 3) // 24 elements
	for _, strategy := range []PartitionStrategy{CurrentPartition, BlockPartition, RoundRobin, GraphPartition} {
		for _, size := range []int{1, 2, 3, 5} {
			t.Run(fmt.Sprintf("%s/size=%d", strategy, size), func(t *testing.T) {
				p, err := New(strategy)
				require.NoError(t, err)
				results := make([]*Assignment, size)
				err = comm.RunLocal(context.Background(), size, func(ctx context.Context, c comm.Communicator) error {
					m, err := mesh.Ingest(ctx, c, mesh.IngestOptions{Location: path})
					if err != nil {
						return err
					}
					a, err := Apply(ctx, c, p, m, size, nil)
					if err != nil {
						return err
					}
					if m.Graph != nil {
						return fmt.Errorf("graph not released")
					}
					if len(a.EToP) != m.LocalElements() {
						return fmt.Errorf("assignment has %d entries for %d elements", len(a.EToP), m.LocalElements())
					}
					results[c.Rank()] = a
					return nil
				})
				require.NoError(t, err)

				total := 0
				for _, n := range results[0].PartCounts {
					assert.Positive(t, n)
					total += n
				}
				assert.Equal(t, 24, total)
				for _, a := range results[1:] {
					assert.Equal(t, results[0].PartCounts, a.PartCounts, "every rank sees the same histogram")
				}
				stats := PartitionStatistics(results[0].PartCounts)
				assert.LessOrEqual(t, stats.MaxElements-stats.MinElements, 1, "built-in strategies balance exactly")
			})
		}
	}
}

func TestApplyRejectsEmptyPart(t *testing.T) {
	// 2 elements over 3 ranks leaves the last rank without elements.
	path := gridSource(t, 1, 1)
	const size = 3
	var mu sync.Mutex
	errs := make([]error, size)
	err := comm.RunLocal(context.Background(), size, func(ctx context.Context, c comm.Communicator) error {
		m, err := mesh.Ingest(ctx, c, mesh.IngestOptions{Location: path})
		if err != nil {
			return err
		}
		_, err = Apply(ctx, c, currentPartitioner{}, m, size, nil)
		mu.Lock()
		errs[c.Rank()] = err
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	for r, err := range errs {
		require.Error(t, err, "rank %d", r)
		assert.True(t, fault.Is(err, fault.KindPartition))
		assert.Contains(t, err.Error(), "requested 3 parts, 2 non-empty")
	}
}

type badPartitioner struct{ badRank int }

func (b badPartitioner) Partition(_ context.Context, c comm.Communicator, _ *mesh.CSR, nLocal, _, nParts int) ([]int, error) {
	eToP := make([]int, nLocal)
	if c.Rank() == b.badRank && nLocal > 0 {
		eToP[0] = nParts
	}
	return eToP, nil
}

func TestApplyAgreesOnInvalidAssignment(t *testing.T) {
	path := gridSource(t, 2, 2)
	const size = 2
	var mu sync.Mutex
	errs := make([]error, size)
	err := comm.RunLocal(context.Background(), size, func(ctx context.Context, c comm.Communicator) error {
		m, err := mesh.Ingest(ctx, c, mesh.IngestOptions{Location: path})
		if err != nil {
			return err
		}
		_, err = Apply(ctx, c, badPartitioner{badRank: 1}, m, size, nil)
		mu.Lock()
		errs[c.Rank()] = err
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.KindPartition))
		assert.Contains(t, err.Error(), "rank 1")
	}
}

func TestApplyNeedsGraph(t *testing.T) {
	m := &mesh.LocalMesh{Size: 1}
	_, err := Apply(context.Background(), comm.NewLocalWorld(1, 0)[0], currentPartitioner{}, m, 1, nil)
	assert.True(t, fault.Is(err, fault.KindPartition))
}

func TestBreadthFirstOrder(t *testing.T) {
	g := simple.NewUndirectedGraph()
	for id := 0; id < 5; id++ {
		g.AddNode(simple.Node(id))
	}
	// 0-2-4 chain, 1-3 pair
	g.SetEdge(simple.Edge{F: simple.Node(0), T: simple.Node(2)})
	g.SetEdge(simple.Edge{F: simple.Node(2), T: simple.Node(4)})
	g.SetEdge(simple.Edge{F: simple.Node(1), T: simple.Node(3)})

	assert.Equal(t, []int64{0, 2, 4, 1, 3}, BreadthFirstOrder(g, 5))
}

func TestGraphPartitionKeepsComponentsTogether(t *testing.T) {
	// A 4x1 strip: ordering from element 0 walks the strip, so each half is
	// a connected run of elements.
	path := gridSource(t, 4, 1)
	results := make([][]int, 2)
	err := comm.RunLocal(context.Background(), 2, func(ctx context.Context, c comm.Communicator) error {
		m, err := mesh.Ingest(ctx, c, mesh.IngestOptions{Location: path})
		if err != nil {
			return err
		}
		a, err := Apply(ctx, c, &GraphPartitioner{}, m, 2, nil)
		if err != nil {
			return err
		}
		results[c.Rank()] = a.EToP
		return nil
	})
	require.NoError(t, err)
	all := append(append([]int{}, results[0]...), results[1]...)
	require.Len(t, all, 8)
	assert.Equal(t, 0, all[0], "the traversal starts at element 0")
	counts := map[int]int{}
	for _, d := range all {
		counts[d]++
	}
	assert.Equal(t, map[int]int{0: 4, 1: 4}, counts)
}

func TestPartitionStatistics(t *testing.T) {
	s := PartitionStatistics([]int{2, 4, 6})
	assert.Equal(t, 3, s.NumPartitions)
	assert.Equal(t, 2, s.MinElements)
	assert.Equal(t, 6, s.MaxElements)
	assert.InDelta(t, 4.0, s.AvgElements, 1e-12)
	assert.InDelta(t, 2.0, s.StdDev, 1e-12)
	assert.InDelta(t, 1.5, s.Imbalance, 1e-12)

	s = PartitionStatistics([]int{5})
	assert.Equal(t, 5, s.MaxElements)
	assert.InDelta(t, 1.0, s.Imbalance, 1e-12)
	assert.Zero(t, PartitionStatistics(nil).NumPartitions)
}
