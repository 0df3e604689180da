// Package comm is the message substrate the pipeline runs on: a fixed set of
// ranks exchanging tagged byte payloads with blocking point-to-point calls, and
// the collectives built on top of them.
//
// A Communicator belongs to one rank and is driven by one goroutine, the way a
// single MPI process drives its communicator. Send may additionally be called
// from helper goroutines (fan-out); Recv may not.
package comm

import (
	"context"
	"errors"

	"github.com/notargets/meshdist/fault"
)

// Message tags, one per pipeline exchange so that stages never consume each
// other's traffic.
const (
	TagIngest = iota + 1
	TagPartition
	TagPartitionCheck
	TagElementCounts
	TagElementMove
	TagClaimMask
	TagOwnedLists
	TagVertexMove
	TagDiagnostics
)

// Communicator is one rank's endpoint into the world.
type Communicator interface {
	Rank() int
	Size() int
	// Send delivers payload to dest under tag. The payload is copied or fully
	// written before Send returns, so the caller may reuse it.
	Send(ctx context.Context, dest, tag int, payload []byte) error
	// Recv blocks until a message with tag arrives from src. Messages from src
	// carrying other tags are held back for later Recv calls, in arrival order.
	Recv(ctx context.Context, src, tag int) ([]byte, error)
	Close() error
}

var errClosed = errors.New("communicator closed")

type message struct {
	tag     int
	payload []byte
	err     error
}

// inbox holds the traffic from one source rank. Only the owning rank's
// goroutine calls recv.
type inbox struct {
	ch      chan message
	pending []message
	err     error
}

func newInbox(depth int) *inbox {
	return &inbox{ch: make(chan message, depth)}
}

func (in *inbox) recv(ctx context.Context, tag int) ([]byte, error) {
	for i, m := range in.pending {
		if m.tag == tag {
			in.pending = append(in.pending[:i], in.pending[i+1:]...)
			return m.payload, nil
		}
	}
	if in.err != nil {
		return nil, in.err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-in.ch:
			if !ok {
				in.err = fault.Wrap(fault.KindProtocol, "recv", errClosed)
				return nil, in.err
			}
			if m.err != nil {
				in.err = m.err
				return nil, m.err
			}
			if m.tag == tag {
				return m.payload, nil
			}
			in.pending = append(in.pending, m)
		}
	}
}

func checkPeer(op string, peer, size int) error {
	if peer < 0 || peer >= size {
		return fault.Errorf(fault.KindProtocol, op, "rank %d outside world of size %d", peer, size)
	}
	return nil
}
