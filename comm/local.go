package comm

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/notargets/meshdist/fault"
)

// DefaultLinkDepth is the number of undelivered messages a link between two
// in-process ranks can hold before Send blocks.
const DefaultLinkDepth = 16

// Local is one rank of an in-process world. Ranks are connected by a buffered
// channel per ordered (src, dst) pair.
type Local struct {
	rank    int
	size    int
	links   [][]chan message // [src][dst]
	inboxes []*inbox         // [src], reading links[src][rank]
}

// NewLocalWorld connects size in-process ranks. depth <= 0 selects
// DefaultLinkDepth.
func NewLocalWorld(size, depth int) []*Local {
	if depth <= 0 {
		depth = DefaultLinkDepth
	}
	links := make([][]chan message, size)
	for src := range links {
		links[src] = make([]chan message, size)
		for dst := range links[src] {
			links[src][dst] = make(chan message, depth)
		}
	}
	world := make([]*Local, size)
	for r := range world {
		l := &Local{rank: r, size: size, links: links, inboxes: make([]*inbox, size)}
		for src := range l.inboxes {
			l.inboxes[src] = &inbox{ch: links[src][r]}
		}
		world[r] = l
	}
	return world
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.size }

func (l *Local) Send(ctx context.Context, dest, tag int, payload []byte) error {
	if err := checkPeer("send", dest, l.size); err != nil {
		return err
	}
	m := message{tag: tag, payload: bytes.Clone(payload)}
	select {
	case l.links[l.rank][dest] <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if err := checkPeer("recv", src, l.size); err != nil {
		return nil, err
	}
	return l.inboxes[src].recv(ctx, tag)
}

// Close is a no-op: the links are garbage collected with the world.
func (l *Local) Close() error { return nil }

// RankFunc is the SPMD body executed once per rank.
type RankFunc func(ctx context.Context, c Communicator) error

// RunLocal runs fn on every rank of a fresh in-process world of the given
// size. The first rank to fail cancels the shared context, which unblocks
// every other rank; its error is the one returned.
func RunLocal(ctx context.Context, size int, fn RankFunc) error {
	return RunLocalDepth(ctx, size, DefaultLinkDepth, fn)
}

// RunLocalDepth is RunLocal with an explicit link depth.
func RunLocalDepth(ctx context.Context, size, depth int, fn RankFunc) error {
	if size < 1 {
		return fault.Errorf(fault.KindConfig, "run local", "world size %d, need at least 1", size)
	}
	world := NewLocalWorld(size, depth)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range world {
		g.Go(func() error {
			defer c.Close()
			if err := fn(gctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.Rank(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
