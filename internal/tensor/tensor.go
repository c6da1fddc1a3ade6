package tensor

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Shape describes an activation tensor in (batch, seq, heads, dim) order.
type Shape struct {
	Batch, Seq, Heads, Dim int
}

// Len returns the number of elements described by the shape.
func (s Shape) Len() int {
	return s.Batch * s.Seq * s.Heads * s.Dim
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.Batch, s.Seq, s.Heads, s.Dim)
}

func (s Shape) valid() bool {
	return s.Batch >= 0 && s.Seq >= 0 && s.Heads >= 0 && s.Dim >= 0
}

// Tensor is a dense row-major float32 tensor laid out as (batch, seq, heads, dim).
//
// DType is the precision the buffer is carried at when it leaves the rank.
// Data always holds float32 values; Round snaps them to the DType grid.
type Tensor struct {
	Shape
	DType DType
	Data  []float32
}

// New allocates a zeroed tensor.
func New(shape Shape, dtype DType) *Tensor {
	if !shape.valid() {
		panic("negative dimension for tensor")
	}
	return &Tensor{
		Shape: shape,
		DType: dtype,
		Data:  make([]float32, shape.Len()),
	}
}

// FromData wraps existing data. The slice is not copied.
func FromData(shape Shape, dtype DType, data []float32) (*Tensor, error) {
	if !shape.valid() {
		return nil, errors.Errorf("invalid shape %s", shape)
	}
	if len(data) != shape.Len() {
		return nil, errors.Errorf("data length %d does not match shape %s", len(data), shape)
	}
	return &Tensor{Shape: shape, DType: dtype, Data: data}, nil
}

// Random fills a new tensor with uniform values in [-1, 1) and rounds them to dtype.
func Random(rng *rand.Rand, shape Shape, dtype DType) *Tensor {
	t := New(shape, dtype)
	for i := range t.Data {
		t.Data[i] = rng.Float32()*2 - 1
	}
	t.Round()
	return t
}

// Index returns the flat offset of element (b, s, h, d).
func (t *Tensor) Index(b, s, h, d int) int {
	return ((b*t.Seq+s)*t.Heads+h)*t.Dim + d
}

// At returns element (b, s, h, d).
func (t *Tensor) At(b, s, h, d int) float32 {
	return t.Data[t.Index(b, s, h, d)]
}

// Row returns the dim-length vector at (b, s, h). The slice aliases Data.
func (t *Tensor) Row(b, s, h int) []float32 {
	off := t.Index(b, s, h, 0)
	return t.Data[off : off+t.Dim]
}

// SameLayout reports whether o has the same shape and buffer precision.
func (t *Tensor) SameLayout(o *Tensor) bool {
	if t == nil || o == nil {
		return false
	}
	return t.Shape == o.Shape && t.DType == o.DType
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: t.Shape, DType: t.DType, Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// Zero clears the tensor in place.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// Round snaps every element to the precision of DType.
func (t *Tensor) Round() {
	switch t.DType {
	case Float16, BFloat16:
		for i, v := range t.Data {
			t.Data[i] = t.DType.round(v)
		}
	}
}

// SeqSlice copies rows [lo, hi) of the sequence axis into a new tensor.
func (t *Tensor) SeqSlice(lo, hi int) *Tensor {
	if lo < 0 || hi > t.Seq || lo > hi {
		panic(fmt.Sprintf("seq slice [%d, %d) out of range for %s", lo, hi, t.Shape))
	}
	shape := t.Shape
	shape.Seq = hi - lo
	out := New(shape, t.DType)
	rowLen := t.Heads * t.Dim
	for b := 0; b < t.Batch; b++ {
		src := t.Data[(b*t.Seq+lo)*rowLen : (b*t.Seq+hi)*rowLen]
		copy(out.Data[b*shape.Seq*rowLen:], src)
	}
	return out
}

// SetSeq copies src into rows [lo, lo+src.Seq).
func (t *Tensor) SetSeq(lo int, src *Tensor) {
	t.seqOp(lo, src, func(dst, s []float32) { copy(dst, s) })
}

// AddSeq accumulates src into rows [lo, lo+src.Seq).
func (t *Tensor) AddSeq(lo int, src *Tensor) {
	t.seqOp(lo, src, func(dst, s []float32) {
		for i, v := range s {
			dst[i] += v
		}
	})
}

// Add accumulates src into t. Both must have the same shape.
func (t *Tensor) Add(src *Tensor) {
	if src.Shape != t.Shape {
		panic(fmt.Sprintf("add: shape %s does not match %s", src.Shape, t.Shape))
	}
	for i, v := range src.Data {
		t.Data[i] += v
	}
}

func (t *Tensor) seqOp(lo int, src *Tensor, fn func(dst, src []float32)) {
	if src.Batch != t.Batch || src.Heads != t.Heads || src.Dim != t.Dim || lo < 0 || lo+src.Seq > t.Seq {
		panic(fmt.Sprintf("seq op: %s at row %d does not fit %s", src.Shape, lo, t.Shape))
	}
	rowLen := t.Heads * t.Dim
	n := src.Seq * rowLen
	for b := 0; b < t.Batch; b++ {
		dst := t.Data[(b*t.Seq+lo)*rowLen : (b*t.Seq+lo)*rowLen+n]
		fn(dst, src.Data[b*n:(b+1)*n])
	}
}

// ConcatSeq joins tensors along the sequence axis.
func ConcatSeq(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		return nil
	}
	shape := parts[0].Shape
	shape.Seq = 0
	for _, p := range parts {
		shape.Seq += p.Seq
	}
	out := New(shape, parts[0].DType)
	lo := 0
	for _, p := range parts {
		out.SetSeq(lo, p)
		lo += p.Seq
	}
	return out
}

// Checksum hashes the raw float bits. Used to prove a buffer was left untouched.
func (t *Tensor) Checksum() uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, v := range t.Data {
		u := math.Float32bits(v)
		buf[0], buf[1], buf[2], buf[3] = byte(u), byte(u>>8), byte(u>>16), byte(u>>24)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// MaxAbsDiff returns max |a-b| over all elements.
func MaxAbsDiff(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var m float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if d > m || math.IsNaN(d) {
			m = d
		}
	}
	return m
}
