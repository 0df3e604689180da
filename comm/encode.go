package comm

import (
	"encoding/binary"
	"math"

	"github.com/notargets/meshdist/fault"
)

// Scalar slices travel as a uint64 length followed by fixed-width little-endian
// values; ints are widened to 64 bits.

// AppendInts appends the encoding of v to dst.
func AppendInts(dst []byte, v []int) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(v)))
	for _, x := range v {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(int64(x)))
	}
	return dst
}

// AppendFloat64s appends the encoding of v to dst.
func AppendFloat64s(dst []byte, v []float64) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(v)))
	for _, x := range v {
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(x))
	}
	return dst
}

// ReadInts decodes one int slice from the front of b and returns the rest.
func ReadInts(b []byte) ([]int, []byte, error) {
	n, body, err := readLength(b)
	if err != nil {
		return nil, nil, err
	}
	v := make([]int, n)
	for i := range v {
		v[i] = int(int64(binary.LittleEndian.Uint64(body[8*i:])))
	}
	return v, body[8*n:], nil
}

// ReadFloat64s decodes one float64 slice from the front of b and returns the rest.
func ReadFloat64s(b []byte) ([]float64, []byte, error) {
	n, body, err := readLength(b)
	if err != nil {
		return nil, nil, err
	}
	v := make([]float64, n)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[8*i:]))
	}
	return v, body[8*n:], nil
}

// EncodeInts encodes v as a standalone payload.
func EncodeInts(v []int) []byte {
	return AppendInts(make([]byte, 0, 8+8*len(v)), v)
}

// DecodeInts decodes a payload produced by EncodeInts.
func DecodeInts(b []byte) ([]int, error) {
	v, rest, err := ReadInts(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fault.Errorf(fault.KindProtocol, "decode ints", "%d trailing bytes", len(rest))
	}
	return v, nil
}

// EncodeFloat64s encodes v as a standalone payload.
func EncodeFloat64s(v []float64) []byte {
	return AppendFloat64s(make([]byte, 0, 8+8*len(v)), v)
}

// DecodeFloat64s decodes a payload produced by EncodeFloat64s.
func DecodeFloat64s(b []byte) ([]float64, error) {
	v, rest, err := ReadFloat64s(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fault.Errorf(fault.KindProtocol, "decode floats", "%d trailing bytes", len(rest))
	}
	return v, nil
}

func readLength(b []byte) (int, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fault.Errorf(fault.KindProtocol, "decode", "truncated length prefix (%d bytes)", len(b))
	}
	n := binary.LittleEndian.Uint64(b)
	body := b[8:]
	if n > uint64(len(body)/8) {
		return 0, nil, fault.Errorf(fault.KindProtocol, "decode", "length %d exceeds %d available bytes", n, len(body))
	}
	return int(n), body, nil
}
