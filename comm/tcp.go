package comm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/notargets/meshdist/fault"
)

const (
	helloMagic      = "MDST"
	helloSize       = 12
	frameHeaderSize = 13
	maxFrameBytes   = 1 << 30
	dialRetry       = 100 * time.Millisecond

	DefaultDialTimeout = 30 * time.Second
)

// NetworkOptions configures a TCP world.
type NetworkOptions struct {
	Compression Compression
	// DialTimeout bounds how long the world waits for every peer to connect.
	DialTimeout time.Duration
	// Listener replaces the listener normally opened on addrs[rank].
	Listener   net.Listener
	Logger     *slog.Logger
	InboxDepth int
}

type tcpPeer struct {
	mu   sync.Mutex // serializes frames on conn
	conn net.Conn
}

// TCP is one rank of a world whose ranks are connected pairwise over TCP.
// Lower ranks accept, higher ranks dial.
type TCP struct {
	rank    int
	size    int
	opts    NetworkOptions
	log     *slog.Logger
	peers   []*tcpPeer
	inboxes []*inbox

	done      chan struct{}
	closeOnce sync.Once
	readers   sync.WaitGroup
}

// DialWorld joins rank to the world described by addrs (one listen address per
// rank) and returns once a connection to every other rank is established.
func DialWorld(ctx context.Context, rank int, addrs []string, opts NetworkOptions) (*TCP, error) {
	size := len(addrs)
	if err := checkPeer("dial world", rank, size); err != nil {
		return nil, fault.Wrap(fault.KindConfig, "dial world", err)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.InboxDepth <= 0 {
		opts.InboxDepth = DefaultLinkDepth
	}
	t := &TCP{
		rank:    rank,
		size:    size,
		opts:    opts,
		log:     opts.Logger,
		peers:   make([]*tcpPeer, size),
		inboxes: make([]*inbox, size),
		done:    make(chan struct{}),
	}
	if t.log == nil {
		t.log = slog.New(slog.DiscardHandler)
	}
	for r := range t.inboxes {
		t.inboxes[r] = newInbox(opts.InboxDepth)
	}
	if size == 1 {
		return t, nil
	}

	cctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := t.connect(cctx, addrs); err != nil {
		t.closeConns()
		return nil, fault.Wrap(fault.KindProtocol, "dial world", err)
	}
	for r, p := range t.peers {
		if p == nil {
			continue
		}
		t.readers.Add(1)
		go t.readLoop(r, p.conn)
	}
	t.log.Debug("tcp world connected", "rank", rank, "size", size, "compression", opts.Compression.String())
	return t, nil
}

func (t *TCP) connect(ctx context.Context, addrs []string) error {
	ln := t.opts.Listener
	higher := t.size - 1 - t.rank
	if ln == nil && higher > 0 {
		var lc net.ListenConfig
		var err error
		if ln, err = lc.Listen(ctx, "tcp", addrs[t.rank]); err != nil {
			return fmt.Errorf("listen %s: %w", addrs[t.rank], err)
		}
	}
	if ln != nil {
		defer ln.Close()
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if higher > 0 {
		stop := context.AfterFunc(gctx, func() { ln.Close() })
		defer stop()
		g.Go(func() error {
			for accepted := 0; accepted < higher; {
				conn, err := ln.Accept()
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return fmt.Errorf("accept: %w", ctxErr)
					}
					return fmt.Errorf("accept: %w", err)
				}
				peer, err := t.readHello(conn)
				if err != nil {
					conn.Close()
					return err
				}
				mu.Lock()
				dup := t.peers[peer] != nil
				if !dup {
					t.peers[peer] = &tcpPeer{conn: conn}
				}
				mu.Unlock()
				if dup {
					conn.Close()
					return fmt.Errorf("rank %d connected twice", peer)
				}
				t.log.Debug("accepted peer", "rank", t.rank, "peer", peer)
				accepted++
			}
			return nil
		})
	}
	for peer := 0; peer < t.rank; peer++ {
		g.Go(func() error {
			conn, err := dialRetrying(gctx, addrs[peer])
			if err != nil {
				return fmt.Errorf("dial rank %d at %s: %w", peer, addrs[peer], err)
			}
			if err := t.writeHello(conn); err != nil {
				conn.Close()
				return fmt.Errorf("hello to rank %d: %w", peer, err)
			}
			mu.Lock()
			t.peers[peer] = &tcpPeer{conn: conn}
			mu.Unlock()
			t.log.Debug("dialed peer", "rank", t.rank, "peer", peer, "addr", addrs[peer])
			return nil
		})
	}
	return g.Wait()
}

// dialRetrying dials addr until it answers, at most once per dialRetry, since
// the peer may not be listening yet.
func dialRetrying(ctx context.Context, addr string) (net.Conn, error) {
	var (
		d       net.Dialer
		lim     = rate.NewLimiter(rate.Every(dialRetry), 1)
		lastErr error
	)
	for {
		if err := lim.Wait(ctx); err != nil {
			if lastErr == nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
}

func (t *TCP) writeHello(conn net.Conn) error {
	var b [helloSize]byte
	copy(b[:4], helloMagic)
	binary.LittleEndian.PutUint32(b[4:], uint32(t.rank))
	binary.LittleEndian.PutUint32(b[8:], uint32(t.size))
	_, err := conn.Write(b[:])
	return err
}

func (t *TCP) readHello(conn net.Conn) (int, error) {
	var b [helloSize]byte
	conn.SetReadDeadline(time.Now().Add(t.opts.DialTimeout))
	defer conn.SetReadDeadline(time.Time{})
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return 0, fmt.Errorf("read hello: %w", err)
	}
	if !bytes.Equal(b[:4], []byte(helloMagic)) {
		return 0, fmt.Errorf("bad hello magic %q", b[:4])
	}
	peer := int(binary.LittleEndian.Uint32(b[4:]))
	size := int(binary.LittleEndian.Uint32(b[8:]))
	if size != t.size {
		return 0, fmt.Errorf("peer %d reports world size %d, want %d", peer, size, t.size)
	}
	if peer <= t.rank || peer >= t.size {
		return 0, fmt.Errorf("unexpected hello from rank %d", peer)
	}
	return peer, nil
}

func (t *TCP) Rank() int { return t.rank }
func (t *TCP) Size() int { return t.size }

func (t *TCP) Send(ctx context.Context, dest, tag int, payload []byte) error {
	if err := checkPeer("send", dest, t.size); err != nil {
		return err
	}
	select {
	case <-t.done:
		return fault.Wrap(fault.KindProtocol, "send", errClosed)
	default:
	}
	if dest == t.rank {
		select {
		case t.inboxes[dest].ch <- message{tag: tag, payload: bytes.Clone(payload)}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	body, codec, err := compressPayload(t.opts.Compression, payload)
	if err != nil {
		return fault.Wrap(fault.KindProtocol, "compress", err)
	}
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(tag))
	hdr[4] = byte(codec)
	binary.LittleEndian.PutUint32(hdr[5:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[9:], uint32(len(body)))

	p := t.peers[dest]
	p.mu.Lock()
	defer p.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { p.conn.SetWriteDeadline(time.Unix(1, 0)) })
	defer stop()
	bufs := net.Buffers{hdr[:], body}
	if _, err := bufs.WriteTo(p.conn); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fault.Wrap(fault.KindProtocol, fmt.Sprintf("send to rank %d", dest), err)
	}
	return nil
}

func (t *TCP) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if err := checkPeer("recv", src, t.size); err != nil {
		return nil, err
	}
	return t.inboxes[src].recv(ctx, tag)
}

// readLoop is the only sender on inboxes[src].ch and closes it on exit, so a
// lost peer wakes any pending Recv.
func (t *TCP) readLoop(src int, conn net.Conn) {
	defer t.readers.Done()
	in := t.inboxes[src]
	defer close(in.ch)
	for {
		m, err := t.readFrame(conn)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			m = message{err: fault.Wrap(fault.KindProtocol, fmt.Sprintf("recv from rank %d", src), err)}
			if errors.Is(err, io.EOF) {
				m.err = fault.Errorf(fault.KindProtocol, fmt.Sprintf("recv from rank %d", src), "peer closed the connection")
			}
		}
		select {
		case in.ch <- m:
		case <-t.done:
			return
		}
		if m.err != nil {
			return
		}
	}
}

func (t *TCP) readFrame(conn net.Conn) (message, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return message{}, err
	}
	tag := int(binary.LittleEndian.Uint32(hdr[0:]))
	codec := Compression(hdr[4])
	rawLen := binary.LittleEndian.Uint32(hdr[5:])
	wireLen := binary.LittleEndian.Uint32(hdr[9:])
	if rawLen > maxFrameBytes || wireLen > maxFrameBytes {
		return message{}, fmt.Errorf("frame of %d/%d bytes exceeds %d", wireLen, rawLen, maxFrameBytes)
	}
	body := make([]byte, wireLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return message{}, err
	}
	payload, err := decompressPayload(codec, body, int(rawLen))
	if err != nil {
		return message{}, err
	}
	return message{tag: tag, payload: payload}, nil
}

func (t *TCP) closeConns() {
	for _, p := range t.peers {
		if p != nil {
			p.conn.Close()
		}
	}
}

// Close tears down every peer connection and waits for the readers to exit.
func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeConns()
		t.readers.Wait()
	})
	return nil
}
