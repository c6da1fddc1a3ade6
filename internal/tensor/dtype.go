package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is the precision a buffer travels at between ranks.
type DType uint8

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case BFloat16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the encoded width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float16, BFloat16:
		return 2
	default:
		return 4
	}
}

// ParseDType accepts the names printed by String plus a few common aliases.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "fp32", "float32":
		return Float32, nil
	case "f16", "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	default:
		return 0, errors.Errorf("unknown dtype %q (expected f32, f16, or bf16)", s)
	}
}

func (d DType) round(v float32) float32 {
	switch d {
	case Float16:
		return float16.Fromfloat32(v).Float32()
	case BFloat16:
		return bf16ToF32(bf16FromF32Bits(math.Float32bits(v)))
	default:
		return v
	}
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func bf16FromF32Bits(u uint32) uint16 {
	if u&0x7FFFFFFF > 0x7F800000 {
		// keep NaN quiet instead of rounding into Inf
		return uint16(u>>16) | 0x40
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

// Encode appends the little-endian encoding of data at precision d to dst.
func (d DType) Encode(dst []byte, data []float32) []byte {
	n := len(dst)
	dst = append(dst, make([]byte, len(data)*d.Size())...)
	out := dst[n:]
	switch d {
	case Float16:
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
		}
	case BFloat16:
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[2*i:], bf16FromF32Bits(math.Float32bits(v)))
		}
	default:
		for i, v := range data {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
	}
	return dst
}

// Decode fills dst from a payload produced by Encode.
func (d DType) Decode(dst []float32, payload []byte) error {
	if len(payload) != len(dst)*d.Size() {
		return errors.Errorf("%s payload is %d bytes, want %d", d, len(payload), len(dst)*d.Size())
	}
	switch d {
	case Float16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(payload[2*i:])).Float32()
		}
	case BFloat16:
		for i := range dst {
			dst[i] = bf16ToF32(binary.LittleEndian.Uint16(payload[2*i:]))
		}
	default:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
		}
	}
	return nil
}
