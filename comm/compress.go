package comm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/notargets/meshdist/fault"
)

// Compression selects the codec applied to network frames.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

// Payloads below this size are always sent raw.
const minCompressSize = 256

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "off":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return CompressionNone, fault.Errorf(fault.KindConfig, "compression", "unknown codec %q", name)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// compressPayload returns the bytes to put on the wire and the codec actually
// used. Incompressible or small payloads fall back to CompressionNone.
func compressPayload(c Compression, data []byte) ([]byte, Compression, error) {
	if c == CompressionNone || len(data) < minCompressSize {
		return data, CompressionNone, nil
	}
	var out []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, CompressionNone, err
		}
		out = buf[:n]
	case CompressionZstd:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, CompressionNone, err
		}
		out = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return data, CompressionNone, nil
	}
	if len(out) == 0 || len(out) >= len(data) {
		return data, CompressionNone, nil
	}
	return out, c, nil
}

func decompressPayload(c Compression, data []byte, rawLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != rawLen {
			return nil, fault.Errorf(fault.KindProtocol, "decompress", "raw frame is %d bytes, header says %d", len(data), rawLen)
		}
		return data, nil
	case CompressionLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fault.Wrap(fault.KindProtocol, "decompress lz4", err)
		}
		if n != rawLen {
			return nil, fault.Errorf(fault.KindProtocol, "decompress lz4", "got %d bytes, want %d", n, rawLen)
		}
		return out, nil
	case CompressionZstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fault.Wrap(fault.KindProtocol, "decompress zstd", err)
		}
		if len(out) != rawLen {
			return nil, fault.Errorf(fault.KindProtocol, "decompress zstd", "got %d bytes, want %d", len(out), rawLen)
		}
		return out, nil
	}
	return nil, fault.Errorf(fault.KindProtocol, "decompress", "unknown codec %d", uint8(c))
}
