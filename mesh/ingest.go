package mesh

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
)

// Coordinator is the rank that reads the mesh source.
const Coordinator = 0

// DefaultFanout bounds the chunk sends the coordinator keeps in flight.
const DefaultFanout = 4

// IngestOptions configures Ingest. Only the coordinator reads Location and S3.
type IngestOptions struct {
	Location      string
	S3            S3Options
	MaxAllocBytes int64
	Fanout        int
	Logger        *slog.Logger

	// Open replaces OpenSource, mainly for tests.
	Open func(ctx context.Context, location string, s3 S3Options) (io.ReadCloser, error)
}

// Every ingestion message from the coordinator starts with a status byte. An
// error frame carries the coordinator's error text and replaces whatever the
// receiver was waiting for; the stage ends with an empty ok frame (commit).
const (
	frameOK    byte = 0
	frameError byte = 1
)

func newFrame(capHint int) []byte {
	return append(make([]byte, 0, 1+capHint), frameOK)
}

func errorFrame(err error) []byte {
	return append([]byte{frameError}, err.Error()...)
}

func openFrame(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fault.Errorf(fault.KindProtocol, "ingest", "empty frame from coordinator")
	}
	switch b[0] {
	case frameOK:
		return b[1:], nil
	case frameError:
		return nil, fault.Errorf(fault.KindIO, "ingest", "coordinator: %s", b[1:])
	}
	return nil, fault.Errorf(fault.KindProtocol, "ingest", "unknown frame status %d", b[0])
}

// Ingest is collective. The coordinator opens the source and hands every rank
// its contiguous chunk of vertices, elements and adjacency rows; every rank
// returns its naive share. Any coordinator failure reaches every rank as a
// fault.KindIO error.
func Ingest(ctx context.Context, c comm.Communicator, opts IngestOptions) (*LocalMesh, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	if opts.Open == nil {
		opts.Open = OpenSource
	}
	m := &LocalMesh{Rank: c.Rank(), Size: c.Size()}
	if c.Rank() == Coordinator {
		if err := coordinate(ctx, c, opts, m); err != nil {
			abort(ctx, c, opts.Logger, err)
			return nil, err
		}
		return m, nil
	}
	if err := receive(ctx, c, opts, m); err != nil {
		return nil, err
	}
	return m, nil
}

// abort sends one error frame to every other rank. Send failures are only
// logged: a rank that cannot be reached is already failing.
func abort(ctx context.Context, c comm.Communicator, log *slog.Logger, cause error) {
	frame := errorFrame(cause)
	for r := 0; r < c.Size(); r++ {
		if r == c.Rank() {
			continue
		}
		if err := c.Send(ctx, r, comm.TagIngest, frame); err != nil {
			log.Debug("abort frame not delivered", "peer", r, "err", err)
		}
	}
}

// fanout sends chunk frames concurrently while the coordinator keeps reading.
// wait must be called before any other traffic on TagIngest so that frames
// reach each rank in section order.
type fanout struct {
	ctx context.Context
	c   comm.Communicator
	g   *errgroup.Group
}

func newFanout(ctx context.Context, c comm.Communicator, limit int) *fanout {
	g := &errgroup.Group{}
	g.SetLimit(limit)
	return &fanout{ctx: ctx, c: c, g: g}
}

func (f *fanout) send(dest int, frame []byte) {
	f.g.Go(func() error {
		if err := f.c.Send(f.ctx, dest, comm.TagIngest, frame); err != nil {
			return fmt.Errorf("send chunk to rank %d: %w", dest, err)
		}
		return nil
	})
}

func (f *fanout) wait() error { return f.g.Wait() }

// fail waits for in-flight sends and returns cause, which takes precedence
// over any send error.
func (f *fanout) fail(cause error) error {
	f.g.Wait()
	return cause
}

func coordinate(ctx context.Context, c comm.Communicator, opts IngestOptions, m *LocalMesh) error {
	log := opts.Logger
	size := c.Size()

	rc, err := opts.Open(ctx, opts.Location, opts.S3)
	if err != nil {
		return fault.Wrap(fault.KindIO, "open mesh", err)
	}
	defer rc.Close()
	rd := NewReader(rc, opts.Location)

	title, err := rd.Title()
	if err != nil {
		return err
	}
	log.Info("mesh source", "location", opts.Location, "title", title)

	// vertices
	nVert, err := rd.Count("Vertices")
	if err != nil {
		return err
	}
	if err := fault.CheckAlloc("vertex chunk", VertexDim*ChunkSize(nVert, size, 0), 8, opts.MaxAllocBytes); err != nil {
		return err
	}
	if _, err := comm.Bcast(ctx, c, Coordinator, comm.TagIngest, comm.AppendInts(newFrame(16), []int{nVert})); err != nil {
		return err
	}
	m.NumVertices = nVert
	f := newFanout(ctx, c, opts.Fanout)
	for r := 0; r < size; r++ {
		buf := make([]float64, VertexDim*ChunkSize(nVert, size, r))
		if err := rd.ReadVertices(buf); err != nil {
			return f.fail(err)
		}
		log.Debug("vertex chunk", "rank", r, "count", len(buf)/VertexDim)
		if r == Coordinator {
			m.Vertices = buf
			continue
		}
		f.send(r, comm.AppendFloat64s(newFrame(8+8*len(buf)), buf))
	}
	if err := f.wait(); err != nil {
		return err
	}
	m.VertexStart = ChunkStart(nVert, size, c.Rank())

	// elements
	nEle, err := rd.Count("Elements")
	if err != nil {
		return err
	}
	if err := fault.CheckAlloc("element chunk", ElementVerts*ChunkSize(nEle, size, 0), 8, opts.MaxAllocBytes); err != nil {
		return err
	}
	if _, err := comm.Bcast(ctx, c, Coordinator, comm.TagIngest, comm.AppendInts(newFrame(16), []int{nEle})); err != nil {
		return err
	}
	m.NumElements = nEle
	f = newFanout(ctx, c, opts.Fanout)
	for r := 0; r < size; r++ {
		buf := make([]int, ElementVerts*ChunkSize(nEle, size, r))
		if err := rd.ReadElements(buf, nVert); err != nil {
			return f.fail(err)
		}
		log.Debug("element chunk", "rank", r, "count", len(buf)/ElementVerts)
		if r == Coordinator {
			m.Elements = buf
			continue
		}
		f.send(r, comm.AppendInts(newFrame(8+8*len(buf)), buf))
	}
	if err := f.wait(); err != nil {
		return err
	}
	m.ElementStart = ChunkStart(nEle, size, c.Rank())

	// adjacency
	if nEle > 0 {
		if err := rd.SkipLine(); err != nil {
			return err
		}
	}
	f = newFanout(ctx, c, opts.Fanout)
	for r := 0; r < size; r++ {
		rows := ChunkSize(nEle, size, r)
		g := &CSR{RowStart: ChunkStart(nEle, size, r), RowOffsets: make([]int, 0, rows+1)}
		if err := rd.ReadNeighbors(g, rows, nEle); err != nil {
			return f.fail(err)
		}
		log.Debug("adjacency chunk", "rank", r, "rows", rows, "edges", len(g.Neighbors))
		if r == Coordinator {
			m.Graph = g
			continue
		}
		frame := newFrame(16 + 8*(len(g.RowOffsets)+len(g.Neighbors)))
		frame = comm.AppendInts(frame, g.RowOffsets)
		frame = comm.AppendInts(frame, g.Neighbors)
		f.send(r, frame)
	}
	if err := f.wait(); err != nil {
		return err
	}

	if _, err := comm.Bcast(ctx, c, Coordinator, comm.TagIngest, newFrame(0)); err != nil {
		return err
	}
	log.Info("mesh distributed", "vertices", nVert, "elements", nEle, "ranks", size)
	return nil
}

func recvFrame(ctx context.Context, c comm.Communicator) ([]byte, error) {
	b, err := c.Recv(ctx, Coordinator, comm.TagIngest)
	if err != nil {
		return nil, err
	}
	return openFrame(b)
}

func recvCount(ctx context.Context, c comm.Communicator, what string) (int, error) {
	b, err := recvFrame(ctx, c)
	if err != nil {
		return 0, err
	}
	v, err := comm.DecodeInts(b)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 || v[0] < 0 {
		return 0, fault.Errorf(fault.KindProtocol, "ingest", "bad %s count frame %v", what, v)
	}
	return v[0], nil
}

func receive(ctx context.Context, c comm.Communicator, opts IngestOptions, m *LocalMesh) error {
	size, me := c.Size(), c.Rank()

	nVert, err := recvCount(ctx, c, "vertex")
	if err != nil {
		return err
	}
	want := ChunkSize(nVert, size, me)
	if err := fault.CheckAlloc("vertex chunk", VertexDim*want, 8, opts.MaxAllocBytes); err != nil {
		return err
	}
	b, err := recvFrame(ctx, c)
	if err != nil {
		return err
	}
	if m.Vertices, err = comm.DecodeFloat64s(b); err != nil {
		return err
	}
	if len(m.Vertices) != VertexDim*want {
		return fault.Errorf(fault.KindPlanMismatch, "ingest vertices", "received %d vertices, expected %d", len(m.Vertices)/VertexDim, want)
	}
	m.NumVertices = nVert
	m.VertexStart = ChunkStart(nVert, size, me)

	nEle, err := recvCount(ctx, c, "element")
	if err != nil {
		return err
	}
	want = ChunkSize(nEle, size, me)
	if err := fault.CheckAlloc("element chunk", ElementVerts*want, 8, opts.MaxAllocBytes); err != nil {
		return err
	}
	if b, err = recvFrame(ctx, c); err != nil {
		return err
	}
	if m.Elements, err = comm.DecodeInts(b); err != nil {
		return err
	}
	if len(m.Elements) != ElementVerts*want {
		return fault.Errorf(fault.KindPlanMismatch, "ingest elements", "received %d elements, expected %d", len(m.Elements)/ElementVerts, want)
	}
	m.NumElements = nEle
	m.ElementStart = ChunkStart(nEle, size, me)

	if b, err = recvFrame(ctx, c); err != nil {
		return err
	}
	g := &CSR{RowStart: m.ElementStart}
	var rest []byte
	if g.RowOffsets, rest, err = comm.ReadInts(b); err != nil {
		return err
	}
	if g.Neighbors, rest, err = comm.ReadInts(rest); err != nil {
		return err
	}
	if len(rest) != 0 {
		return fault.Errorf(fault.KindProtocol, "ingest adjacency", "%d trailing bytes", len(rest))
	}
	if g.NumRows() != want {
		return fault.Errorf(fault.KindPlanMismatch, "ingest adjacency", "received %d rows, expected %d", g.NumRows(), want)
	}
	if err := g.Validate(nEle); err != nil {
		return err
	}
	m.Graph = g

	if _, err := recvFrame(ctx, c); err != nil {
		return err
	}
	return nil
}

