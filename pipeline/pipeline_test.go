package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
	"github.com/notargets/meshdist/mesh"
	"github.com/notargets/meshdist/partitions"
)

func writeSource(t *testing.T, g *mesh.Global) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usgdata")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = g.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return path
}

func runLocal(t *testing.T, size int, opts Options) ([]*Result, error) {
	t.Helper()
	results := make([]*Result, size)
	err := comm.RunLocal(context.Background(), size, func(ctx context.Context, c comm.Communicator) error {
		res, err := Run(ctx, c, opts)
		results[c.Rank()] = res
		return err
	})
	return results, err
}

// gatherCoords concatenates the owned coordinates of every rank, which is the
// global coordinate array under the final vertex numbering.
func gatherCoords(results []*Result) []float64 {
	var out []float64
	for _, res := range results {
		out = append(out, res.Mesh.Vertices...)
	}
	return out
}

// checkGeometry verifies every final element has the same corner coordinates,
// as a set, as some element of the source mesh.
func checkGeometry(t *testing.T, g *mesh.Global, results []*Result) {
	t.Helper()
	key := func(coords []float64, refs []int) string {
		pts := make([]string, 0, 3)
		for _, v := range refs {
			pts = append(pts, fmt.Sprintf("%g,%g", coords[2*v], coords[2*v+1]))
		}
		return fmt.Sprint(pts)
	}
	want := make(map[string]int)
	for j := 0; j < g.NumElements(); j++ {
		want[key(g.Vertices, g.Elements[3*j:3*j+3])]++
	}
	coords := gatherCoords(results)
	require.Len(t, coords, len(g.Vertices))
	for _, res := range results {
		m := res.Mesh
		for j := 0; j < m.LocalElements(); j++ {
			k := key(coords, m.Element(j))
			require.Positive(t, want[k], "element %d %v has no source counterpart", m.ElementStart+j, k)
			want[k]--
		}
	}
}

func TestTwoTriangles(t *testing.T) {
	g, err := mesh.NewGlobal("two triangles", []float64{0, 0, 1, 0, 1, 1, 0, 1}, []int{0, 1, 2, 0, 2, 3})
	require.NoError(t, err)
	results, err := runLocal(t, 2, Options{Ingest: mesh.IngestOptions{Location: writeSource(t, g)}})
	require.NoError(t, err)

	names := make([]string, 0, 5)
	for _, ev := range results[0].Events {
		names = append(names, ev.Stage)
	}
	assert.Equal(t, []string{StageRead, StagePartitionElements, StageMoveElements, StagePartitionVertices, StageMoveVertices}, names)

	assert.Equal(t, []int{0, 1, 2}, results[0].Mesh.Elements)
	assert.Equal(t, []int{0, 2, 3}, results[1].Mesh.Elements)
	assert.Equal(t, []float64{0, 0, 1, 0}, results[0].Mesh.Vertices)
	assert.Equal(t, []float64{1, 1, 0, 1}, results[1].Mesh.Vertices)
	assert.Equal(t, 2, results[1].Mesh.VertexStart)
	assert.Equal(t, 1, results[1].Mesh.ElementStart)
	assert.Nil(t, results[0].Mesh.Graph, "graph released after partitioning")
	checkGeometry(t, g, results)
}

func TestSingleRank(t *testing.T) {
	g, err := mesh.Grid(4, 3)
	require.NoError(t, err)
	results, err := runLocal(t, 1, Options{
		Ingest:   mesh.IngestOptions{Location: writeSource(t, g)},
		Strategy: partitions.GraphPartition,
	})
	require.NoError(t, err)
	m := results[0].Mesh
	assert.Equal(t, g.NumElements(), m.LocalElements())
	assert.Equal(t, g.NumVertices(), m.LocalVertices())
	assert.Equal(t, g.Vertices, m.Vertices)
	assert.Equal(t, 1.0, results[0].Elements.Imbalance)
	checkGeometry(t, g, results)
}

func TestStrategiesAndSizes(t *testing.T) {
	g, err := mesh.Grid(6, 5)
	require.NoError(t, err)
	path := writeSource(t, g)
	for _, s := range []partitions.PartitionStrategy{
		partitions.CurrentPartition, partitions.BlockPartition, partitions.RoundRobin, partitions.GraphPartition,
	} {
		for _, size := range []int{2, 3, 5, 8} {
			t.Run(fmt.Sprintf("%s/size=%d", s, size), func(t *testing.T) {
				results, err := runLocal(t, size, Options{Ingest: mesh.IngestOptions{Location: path}, Strategy: s})
				require.NoError(t, err)
				elems, verts := 0, 0
				for r, res := range results {
					require.NoError(t, res.Mesh.CheckElementRefs())
					assert.Equal(t, elems, res.Mesh.ElementStart, "rank %d", r)
					assert.Equal(t, verts, res.Mesh.VertexStart, "rank %d", r)
					assert.Positive(t, res.Mesh.LocalElements(), "rank %d has no elements", r)
					elems += res.Mesh.LocalElements()
					verts += res.Mesh.LocalVertices()
				}
				assert.Equal(t, g.NumElements(), elems)
				assert.Equal(t, g.NumVertices(), verts)
				assert.Equal(t, results[0].Elements, results[size-1].Elements, "statistics agree across ranks")
				checkGeometry(t, g, results)
			})
		}
	}
}

func TestFinalRankTakesRemainder(t *testing.T) {
	g, err := mesh.Grid(2, 1) // 6 vertices, 4 elements
	require.NoError(t, err)
	results, err := runLocal(t, 4, Options{Ingest: mesh.IngestOptions{Location: writeSource(t, g)}})
	require.NoError(t, err)
	for r := 0; r < 3; r++ {
		assert.Equal(t, 1, results[r].Mesh.LocalVertices(), "rank %d holds n/size", r)
	}
	assert.Equal(t, 3, results[3].Mesh.LocalVertices())
	assert.Equal(t, 3, results[0].Vertices.MaxElements)
	assert.Equal(t, 1, results[0].Vertices.MinElements)
	checkGeometry(t, g, results)
}

func TestEmptyPartIsFatalEverywhere(t *testing.T) {
	g, err := mesh.Grid(2, 1) // 4 elements over 5 ranks
	require.NoError(t, err)
	results, err := runLocal(t, 5, Options{Ingest: mesh.IngestOptions{Location: writeSource(t, g)}})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindPartition), "got %v", err)
	for _, res := range results {
		assert.Nil(t, res)
	}
}

func TestMissingSource(t *testing.T) {
	_, err := runLocal(t, 3, Options{Ingest: mesh.IngestOptions{Location: filepath.Join(t.TempDir(), "nope")}})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindIO), "got %v", err)
}

func TestVerboseDiagnosticsInRankOrder(t *testing.T) {
	g, err := mesh.Grid(3, 2)
	require.NoError(t, err)
	var buf bytes.Buffer
	// one handler for all ranks; slog serializes its writes
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	const size = 3
	_, err = runLocal(t, size, Options{
		Ingest:  mesh.IngestOptions{Location: writeSource(t, g)},
		Verbose: true,
		Logger:  log,
	})
	require.NoError(t, err)

	from := make(map[string][]int)
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec struct {
			Msg   string `json:"msg"`
			Stage string `json:"stage"`
			From  int    `json:"from"`
			Table string `json:"table"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		if rec.Msg == "diagnostics" {
			from[rec.Stage] = append(from[rec.Stage], rec.From)
			assert.NotEmpty(t, rec.Table)
		}
	}
	for _, stage := range []string{StagePartitionElements, StageMoveElements, StagePartitionVertices, StageMoveVertices} {
		assert.Equal(t, []int{0, 1, 2}, from[stage], stage)
	}
}

func TestOverTCP(t *testing.T) {
	g, err := mesh.Grid(4, 4)
	require.NoError(t, err)
	path := writeSource(t, g)
	const size = 3

	listeners := make([]net.Listener, size)
	addrs := make([]string, size)
	for r := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[r] = ln
		addrs[r] = ln.Addr().String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	results := make([]*Result, size)
	errs := make(chan error, size)
	for r := 0; r < size; r++ {
		go func() {
			c, err := comm.DialWorld(ctx, r, addrs, comm.NetworkOptions{
				Compression: comm.CompressionZstd,
				DialTimeout: 5 * time.Second,
				Listener:    listeners[r],
			})
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			results[r], err = Run(ctx, c, Options{
				Ingest:   mesh.IngestOptions{Location: path},
				Strategy: partitions.GraphPartition,
			})
			errs <- err
		}()
	}
	for range size {
		require.NoError(t, <-errs)
	}
	checkGeometry(t, g, results)
}
