package comm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/notargets/meshdist/fault"
)

// The collectives are linear: the root (or every rank) talks to each peer in
// rank order. Every rank of the world must make the same collective call with
// the same tag, or the world deadlocks.

// Bcast returns root's payload on every rank.
func Bcast(ctx context.Context, c Communicator, root, tag int, payload []byte) ([]byte, error) {
	if err := checkPeer("bcast", root, c.Size()); err != nil {
		return nil, err
	}
	if c.Rank() != root {
		return c.Recv(ctx, root, tag)
	}
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		if err := c.Send(ctx, r, tag, payload); err != nil {
			return nil, fmt.Errorf("bcast to rank %d: %w", r, err)
		}
	}
	return payload, nil
}

// Gather collects every rank's payload on root, indexed by rank. Non-root
// ranks get nil.
func Gather(ctx context.Context, c Communicator, root, tag int, payload []byte) ([][]byte, error) {
	if err := checkPeer("gather", root, c.Size()); err != nil {
		return nil, err
	}
	if c.Rank() != root {
		return nil, c.Send(ctx, root, tag, payload)
	}
	out := make([][]byte, c.Size())
	for r := range out {
		if r == root {
			out[r] = bytes.Clone(payload)
			continue
		}
		b, err := c.Recv(ctx, r, tag)
		if err != nil {
			return nil, fmt.Errorf("gather from rank %d: %w", r, err)
		}
		out[r] = b
	}
	return out, nil
}

// Scatter hands parts[r] from root to rank r. Only root's parts are read.
func Scatter(ctx context.Context, c Communicator, root, tag int, parts [][]byte) ([]byte, error) {
	if err := checkPeer("scatter", root, c.Size()); err != nil {
		return nil, err
	}
	if c.Rank() != root {
		return c.Recv(ctx, root, tag)
	}
	if len(parts) != c.Size() {
		return nil, fault.Errorf(fault.KindPlanMismatch, "scatter", "%d parts for %d ranks", len(parts), c.Size())
	}
	for r, p := range parts {
		if r == root {
			continue
		}
		if err := c.Send(ctx, r, tag, p); err != nil {
			return nil, fmt.Errorf("scatter to rank %d: %w", r, err)
		}
	}
	return bytes.Clone(parts[root]), nil
}

// AllGather returns every rank's payload on every rank, indexed by rank.
func AllGather(ctx context.Context, c Communicator, tag int, payload []byte) ([][]byte, error) {
	send := make([][]byte, c.Size())
	for r := range send {
		send[r] = payload
	}
	return AllToAll(ctx, c, tag, send)
}

// AllToAll is the personalized exchange: send[r] goes to rank r and the result
// holds, at index r, what rank r sent here. The self part never touches the
// transport.
func AllToAll(ctx context.Context, c Communicator, tag int, send [][]byte) ([][]byte, error) {
	size, me := c.Size(), c.Rank()
	if len(send) != size {
		return nil, fault.Errorf(fault.KindPlanMismatch, "all-to-all", "%d send parts for %d ranks", len(send), size)
	}
	for i := 1; i < size; i++ {
		dest := (me + i) % size
		if err := c.Send(ctx, dest, tag, send[dest]); err != nil {
			return nil, fmt.Errorf("all-to-all send to rank %d: %w", dest, err)
		}
	}
	recv := make([][]byte, size)
	recv[me] = bytes.Clone(send[me])
	for i := 1; i < size; i++ {
		src := (me - i + size) % size
		b, err := c.Recv(ctx, src, tag)
		if err != nil {
			return nil, fmt.Errorf("all-to-all recv from rank %d: %w", src, err)
		}
		recv[src] = b
	}
	return recv, nil
}

// AllGatherInts is AllGather for int slices.
func AllGatherInts(ctx context.Context, c Communicator, tag int, v []int) ([][]int, error) {
	parts, err := AllGather(ctx, c, tag, EncodeInts(v))
	if err != nil {
		return nil, err
	}
	out := make([][]int, len(parts))
	for r, p := range parts {
		if out[r], err = DecodeInts(p); err != nil {
			return nil, fmt.Errorf("rank %d: %w", r, err)
		}
	}
	return out, nil
}
