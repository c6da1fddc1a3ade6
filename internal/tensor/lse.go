package tensor

import "fmt"

// LSE holds per-row log-sum-exp statistics in the kernel convention
// (batch, heads, seq). Rows that saw no key hold -Inf.
type LSE struct {
	Batch, Heads, Seq int
	Data              []float32
}

// NewLSE allocates a zeroed LSE tensor.
func NewLSE(batch, heads, seq int) *LSE {
	return &LSE{Batch: batch, Heads: heads, Seq: seq, Data: make([]float32, batch*heads*seq)}
}

// Index returns the flat offset of (b, h, s).
func (l *LSE) Index(b, h, s int) int {
	return (b*l.Heads+h)*l.Seq + s
}

// At returns the statistic for (b, h, s).
func (l *LSE) At(b, h, s int) float32 {
	return l.Data[l.Index(b, h, s)]
}

// Clone returns a deep copy.
func (l *LSE) Clone() *LSE {
	out := NewLSE(l.Batch, l.Heads, l.Seq)
	copy(out.Data, l.Data)
	return out
}

// SeqSlice copies positions [lo, hi) into a new LSE.
func (l *LSE) SeqSlice(lo, hi int) *LSE {
	if lo < 0 || hi > l.Seq || lo > hi {
		panic(fmt.Sprintf("lse slice [%d, %d) out of range for seq %d", lo, hi, l.Seq))
	}
	out := NewLSE(l.Batch, l.Heads, hi-lo)
	for b := 0; b < l.Batch; b++ {
		for h := 0; h < l.Heads; h++ {
			copy(out.Data[out.Index(b, h, 0):out.Index(b, h, 0)+out.Seq], l.Data[l.Index(b, h, lo):l.Index(b, h, hi-1)+1])
		}
	}
	return out
}

// SetSeq copies src into positions [lo, lo+src.Seq).
func (l *LSE) SetSeq(lo int, src *LSE) {
	if src.Batch != l.Batch || src.Heads != l.Heads || lo < 0 || lo+src.Seq > l.Seq {
		panic(fmt.Sprintf("lse set: seq %d at %d does not fit seq %d", src.Seq, lo, l.Seq))
	}
	for b := 0; b < l.Batch; b++ {
		for h := 0; h < l.Heads; h++ {
			copy(l.Data[l.Index(b, h, lo):], src.Data[src.Index(b, h, 0):src.Index(b, h, 0)+src.Seq])
		}
	}
}

// ConcatLSE joins LSE tensors along the sequence axis.
func ConcatLSE(parts ...*LSE) *LSE {
	if len(parts) == 0 {
		return nil
	}
	seq := 0
	for _, p := range parts {
		seq += p.Seq
	}
	out := NewLSE(parts[0].Batch, parts[0].Heads, seq)
	lo := 0
	for _, p := range parts {
		out.SetSeq(lo, p)
		lo += p.Seq
	}
	return out
}
