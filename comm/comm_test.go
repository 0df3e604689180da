package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/meshdist/fault"
)

func TestEncodeRoundTrip(t *testing.T) {
	b := AppendInts(nil, []int{3, -1, 1 << 40})
	b = AppendFloat64s(b, []float64{0.5, -2})
	ints, rest, err := ReadInts(b)
	require.NoError(t, err)
	floats, rest, err := ReadFloat64s(rest)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, []int{3, -1, 1 << 40}, ints)
	assert.Equal(t, []float64{0.5, -2}, floats)
}

func TestDecodeRejectsCorruptPayloads(t *testing.T) {
	_, err := DecodeInts([]byte{1, 2, 3})
	assert.True(t, fault.Is(err, fault.KindProtocol))

	b := EncodeInts([]int{1, 2})
	_, err = DecodeInts(b[:len(b)-1])
	assert.True(t, fault.Is(err, fault.KindProtocol))

	_, err = DecodeInts(append(b, 0))
	assert.True(t, fault.Is(err, fault.KindProtocol))
}

func TestCompressionCodecs(t *testing.T) {
	data := []byte(strings.Repeat("mesh vertex 0.25 0.75\n", 200))
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			wire, used, err := compressPayload(c, data)
			require.NoError(t, err)
			assert.Equal(t, c, used)
			if c != CompressionNone {
				assert.Less(t, len(wire), len(data))
			}
			out, err := decompressPayload(used, wire, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}

	small := []byte("tiny")
	wire, used, err := compressPayload(CompressionZstd, small)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, used)
	assert.Equal(t, small, wire)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)
	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)
	_, err = ParseCompression("gzip")
	assert.True(t, fault.Is(err, fault.KindConfig))
}

func TestRecvMatchesTags(t *testing.T) {
	world := NewLocalWorld(2, 0)
	ctx := context.Background()
	require.NoError(t, world[0].Send(ctx, 1, TagIngest, []byte("first")))
	require.NoError(t, world[0].Send(ctx, 1, TagPartition, []byte("second")))
	require.NoError(t, world[0].Send(ctx, 1, TagIngest, []byte("third")))

	b, err := world[1].Recv(ctx, 0, TagPartition)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))
	b, err = world[1].Recv(ctx, 0, TagIngest)
	require.NoError(t, err)
	assert.Equal(t, "first", string(b))
	b, err = world[1].Recv(ctx, 0, TagIngest)
	require.NoError(t, err)
	assert.Equal(t, "third", string(b))
}

func TestSendCopiesPayload(t *testing.T) {
	world := NewLocalWorld(2, 0)
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, world[0].Send(ctx, 1, TagIngest, buf))
	buf[0] = 'x'
	b, err := world[1].Recv(ctx, 0, TagIngest)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
}

func TestRecvHonoursContext(t *testing.T) {
	world := NewLocalWorld(2, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := world[1].Recv(ctx, 0, TagIngest)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckPeer(t *testing.T) {
	world := NewLocalWorld(2, 0)
	err := world[0].Send(context.Background(), 2, TagIngest, nil)
	assert.True(t, fault.Is(err, fault.KindProtocol))
}

// collectiveBody exercises every collective and reports what it saw.
func collectiveBody(ctx context.Context, c Communicator) error {
	size, me := c.Size(), c.Rank()
	root := size - 1

	b, err := Bcast(ctx, c, root, TagIngest, []byte("hello"))
	if err != nil {
		return err
	}
	if string(b) != "hello" {
		return fmt.Errorf("bcast got %q", b)
	}

	parts, err := Gather(ctx, c, root, TagPartition, EncodeInts([]int{me}))
	if err != nil {
		return err
	}
	var scatter [][]byte
	if me == root {
		for r, p := range parts {
			v, err := DecodeInts(p)
			if err != nil {
				return err
			}
			if len(v) != 1 || v[0] != r {
				return fmt.Errorf("gather slot %d holds %v", r, v)
			}
			scatter = append(scatter, EncodeInts([]int{10 * r}))
		}
	} else if parts != nil {
		return errors.New("non-root gather returned data")
	}

	b, err = Scatter(ctx, c, root, TagPartitionCheck, scatter)
	if err != nil {
		return err
	}
	v, err := DecodeInts(b)
	if err != nil {
		return err
	}
	if v[0] != 10*me {
		return fmt.Errorf("scatter gave %v", v)
	}

	all, err := AllGatherInts(ctx, c, TagElementCounts, []int{me, me * me})
	if err != nil {
		return err
	}
	for r, got := range all {
		if got[0] != r || got[1] != r*r {
			return fmt.Errorf("all-gather slot %d holds %v", r, got)
		}
	}

	send := make([][]byte, size)
	for d := range send {
		send[d] = EncodeInts([]int{me*100 + d})
	}
	recv, err := AllToAll(ctx, c, TagElementMove, send)
	if err != nil {
		return err
	}
	for s, p := range recv {
		got, err := DecodeInts(p)
		if err != nil {
			return err
		}
		if got[0] != s*100+me {
			return fmt.Errorf("all-to-all from %d got %v", s, got)
		}
	}
	return nil
}

func TestLocalCollectives(t *testing.T) {
	for _, size := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			require.NoError(t, RunLocal(context.Background(), size, collectiveBody))
		})
	}
}

func TestRunLocalCancelsOnFailure(t *testing.T) {
	boom := fault.Errorf(fault.KindIO, "read", "boom")
	err := RunLocal(context.Background(), 3, func(ctx context.Context, c Communicator) error {
		if c.Rank() == 1 {
			return boom
		}
		_, err := c.Recv(ctx, 1, TagIngest)
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "rank 1")
}

func TestRunLocalRejectsEmptyWorld(t *testing.T) {
	err := RunLocal(context.Background(), 0, collectiveBody)
	assert.True(t, fault.Is(err, fault.KindConfig))
}

func loopbackWorld(t *testing.T, size int, compression Compression) []*TCP {
	t.Helper()
	listeners := make([]net.Listener, size)
	addrs := make([]string, size)
	for r := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[r] = ln
		addrs[r] = ln.Addr().String()
	}
	world := make([]*TCP, size)
	errs := make(chan error, size)
	for r := range world {
		go func() {
			c, err := DialWorld(context.Background(), r, addrs, NetworkOptions{
				Compression: compression,
				DialTimeout: 5 * time.Second,
				Listener:    listeners[r],
			})
			world[r] = c
			errs <- err
		}()
	}
	for range world {
		require.NoError(t, <-errs)
	}
	t.Cleanup(func() {
		for _, c := range world {
			c.Close()
		}
	})
	return world
}

func runWorld(world []*TCP, fn RankFunc) error {
	errs := make(chan error, len(world))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, c := range world {
		go func() { errs <- fn(ctx, c) }()
	}
	var first error
	for range world {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func TestTCPCollectives(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			world := loopbackWorld(t, 3, c)
			require.NoError(t, runWorld(world, collectiveBody))
		})
	}
}

func TestTCPLargeCompressedFrame(t *testing.T) {
	world := loopbackWorld(t, 2, CompressionLZ4)
	data := make([]int, 50000)
	for i := range data {
		data[i] = i % 97
	}
	err := runWorld(world, func(ctx context.Context, c Communicator) error {
		if c.Rank() == 0 {
			return c.Send(ctx, 1, TagVertexMove, EncodeInts(data))
		}
		b, err := c.Recv(ctx, 0, TagVertexMove)
		if err != nil {
			return err
		}
		got, err := DecodeInts(b)
		if err != nil {
			return err
		}
		if len(got) != len(data) || got[len(got)-1] != data[len(data)-1] {
			return errors.New("frame corrupted")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestTCPLostPeerSurfacesAsError(t *testing.T) {
	world := loopbackWorld(t, 2, CompressionNone)
	require.NoError(t, world[1].Close())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := world[0].Recv(ctx, 1, TagIngest)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindProtocol))
}
