// Package pipeline runs the full read, partition and redistribute sequence on
// one communicator.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
	"github.com/notargets/meshdist/mesh"
	"github.com/notargets/meshdist/partitions"
	"github.com/notargets/meshdist/redist"
	"github.com/notargets/meshdist/renumber"
)

// Stage names, in execution order.
const (
	StageRead              = "Read Data"
	StagePartitionElements = "Partition elements"
	StageMoveElements      = "Move elements"
	StagePartitionVertices = "Partition vertices"
	StageMoveVertices      = "Move vertices"
)

// Options configures Run. Every rank must pass equivalent options.
type Options struct {
	Ingest   mesh.IngestOptions
	Strategy partitions.PartitionStrategy
	// Partitioner overrides Strategy when set.
	Partitioner partitions.Partitioner
	// Verbose gathers per-rank tables to rank 0 after each stage and logs
	// them in rank order. Collective, so all ranks must agree.
	Verbose bool
	Logger  *slog.Logger
}

// Event records how long one stage took on this rank.
type Event struct {
	Stage   string
	Elapsed time.Duration
}

// Result is what one rank holds after a successful run.
type Result struct {
	Mesh     *mesh.LocalMesh
	Events   []Event
	Elements partitions.PartitionStats
	Vertices partitions.PartitionStats

	ElementLayout renumber.Layout
	VertexMap     *renumber.Map
}

type run struct {
	c    comm.Communicator
	opts Options
	log  *slog.Logger
	res  *Result
}

// Run executes ingestion, element partitioning, element migration, vertex
// partitioning and vertex migration. It is collective; an error on any rank
// leaves the others blocked or failing, so callers terminate the whole world
// on error (comm.RunLocal does this).
func Run(ctx context.Context, c comm.Communicator, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if opts.Ingest.Logger == nil {
		opts.Ingest.Logger = log
	}
	p := opts.Partitioner
	if p == nil {
		var err error
		if p, err = partitions.New(opts.Strategy); err != nil {
			return nil, err
		}
		if g, ok := p.(*partitions.GraphPartitioner); ok {
			g.MaxAllocBytes = opts.Ingest.MaxAllocBytes
		}
	}
	r := &run{c: c, opts: opts, log: log, res: &Result{}}
	if err := r.execute(ctx, p); err != nil {
		if r.res.Mesh != nil {
			r.res.Mesh.Destroy()
		}
		return nil, err
	}
	return r.res, nil
}

func (r *run) execute(ctx context.Context, p partitions.Partitioner) error {
	var (
		m     *mesh.LocalMesh
		a     *partitions.Assignment
		owned []int
	)
	err := r.stage(StageRead, func() (err error) {
		m, err = mesh.Ingest(ctx, r.c, r.opts.Ingest)
		r.res.Mesh = m
		return err
	})
	if err != nil {
		return err
	}
	r.log.Debug("ingested", "mesh", m.String())

	err = r.stage(StagePartitionElements, func() (err error) {
		a, err = partitions.Apply(ctx, r.c, p, m, r.c.Size(), r.log)
		return err
	})
	if err != nil {
		return err
	}
	r.res.Elements = partitions.PartitionStatistics(a.PartCounts)
	if err := r.diagnose(ctx, StagePartitionElements, assignmentTable(m, a)); err != nil {
		return err
	}

	err = r.stage(StageMoveElements, func() (err error) {
		r.res.ElementLayout, err = redist.MoveElements(ctx, r.c, m, a)
		return err
	})
	if err != nil {
		return err
	}
	if err := r.diagnose(ctx, StageMoveElements, elementTable(m)); err != nil {
		return err
	}

	err = r.stage(StagePartitionVertices, func() (err error) {
		owned, err = redist.PartitionVertices(ctx, r.c, m)
		return err
	})
	if err != nil {
		return err
	}
	if err := r.diagnose(ctx, StagePartitionVertices, ownedTable(owned)); err != nil {
		return err
	}

	err = r.stage(StageMoveVertices, func() (err error) {
		r.res.VertexMap, err = redist.MoveVertices(ctx, r.c, m, owned, r.opts.Ingest.MaxAllocBytes)
		return err
	})
	if err != nil {
		return err
	}
	r.res.Vertices = partitions.PartitionStatistics(r.res.VertexMap.Layout.Counts())
	if err := r.diagnose(ctx, StageMoveVertices, elementTable(m)+vertexTable(m)); err != nil {
		return err
	}

	r.log.Info("element partition", "stats", r.res.Elements)
	// the ring protocol leaves the remainder on the final rank
	r.log.Info("vertex partition", "stats", r.res.Vertices,
		"final_rank_vertices", r.res.VertexMap.Layout.Count(r.c.Size()-1))
	return nil
}

func (r *run) stage(name string, fn func() error) error {
	start := time.Now()
	if err := fn(); err != nil {
		r.log.Error("stage failed", "stage", name, "kind", fault.KindOf(err).String(), "err", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	ev := Event{Stage: name, Elapsed: time.Since(start)}
	r.res.Events = append(r.res.Events, ev)
	r.log.Info("stage done", "stage", name, "elapsed", ev.Elapsed)
	return nil
}

// diagnose gathers every rank's table on rank 0, which logs them in rank
// order.
func (r *run) diagnose(ctx context.Context, stage, table string) error {
	if !r.opts.Verbose {
		return nil
	}
	all, err := comm.Gather(ctx, r.c, 0, comm.TagDiagnostics, []byte(table))
	if err != nil {
		return err
	}
	for src, t := range all {
		r.log.Info("diagnostics", "stage", stage, "from", src, "table", string(t))
	}
	return nil
}

func assignmentTable(m *mesh.LocalMesh, a *partitions.Assignment) string {
	var b strings.Builder
	b.WriteString("element -> part\n")
	for j, d := range a.EToP {
		fmt.Fprintf(&b, "%d %d\n", m.ElementStart+j, d)
	}
	return b.String()
}

func elementTable(m *mesh.LocalMesh) string {
	var b strings.Builder
	b.WriteString("element vertices\n")
	for j := 0; j < m.LocalElements(); j++ {
		e := m.Element(j)
		fmt.Fprintf(&b, "%d %d %d %d\n", m.ElementStart+j, e[0], e[1], e[2])
	}
	return b.String()
}

func ownedTable(owned []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "owned vertices (%d)\n", len(owned))
	for _, v := range owned {
		fmt.Fprintf(&b, "%d\n", v)
	}
	return b.String()
}

func vertexTable(m *mesh.LocalMesh) string {
	var b strings.Builder
	b.WriteString("vertex x y\n")
	for i := 0; i < m.LocalVertices(); i++ {
		x := m.Vertex(i)
		fmt.Fprintf(&b, "%d %g %g\n", m.VertexStart+i, x[0], x[1])
	}
	return b.String()
}
