package bufferpool

import (
	"encoding/binary"
	"math"
)

// EncodeFloat32 packs vals into the native little-endian byte layout
// CreateBuffer expects for a Float32 buffer.
func EncodeFloat32(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// EncodeFloat64 packs vals into the native little-endian byte layout
// CreateBuffer expects for a Float64 buffer.
func EncodeFloat64(vals []float64) []byte {
	out := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

// EncodeUint32 packs vals into the native little-endian byte layout
// CreateBuffer expects for a Uint32 buffer.
func EncodeUint32(vals []uint32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// EncodeUint64 packs vals into the native little-endian byte layout
// CreateBuffer expects for a Uint64 buffer.
func EncodeUint64(vals []uint64) []byte {
	out := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], v)
	}
	return out
}
