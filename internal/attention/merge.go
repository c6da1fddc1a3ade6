package attention

import (
	"math"

	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/tensor"
)

// Accumulator folds partial attention results into one running (out, lse)
// pair with the online-softmax rule. The zero value is empty; the first full
// merge becomes the accumulator.
//
// The running lse is kept in float64 in (batch, seq, heads) order, which is
// the order rows are visited in; Finalize converts it to the kernel layout.
type Accumulator struct {
	out *tensor.Tensor
	lse []float64
}

// Initialized reports whether anything has been merged yet.
func (a *Accumulator) Initialized() bool { return a.out != nil }

// Merge folds a block covering every row of the accumulator.
func (a *Accumulator) Merge(out *tensor.Tensor, lse *tensor.LSE) error {
	if a.out == nil {
		if err := checkBlock(out, lse); err != nil {
			return err
		}
		a.out = out.Clone()
		a.lse = make([]float64, out.Batch*out.Seq*out.Heads)
		for b := 0; b < out.Batch; b++ {
			for s := 0; s < out.Seq; s++ {
				for h := 0; h < out.Heads; h++ {
					a.lse[(b*out.Seq+s)*out.Heads+h] = float64(lse.At(b, h, s))
				}
			}
		}
		return nil
	}
	if out.Seq != a.out.Seq {
		return errors.Wrapf(ErrPrecondition, "full merge of %d rows into %d", out.Seq, a.out.Seq)
	}
	return a.MergeAt(0, out, lse)
}

// MergeAt folds a block into rows [from, from+out.Seq). Other rows are left
// unchanged. Merging into an empty accumulator is an error.
func (a *Accumulator) MergeAt(from int, out *tensor.Tensor, lse *tensor.LSE) error {
	if a.out == nil {
		return ErrUninitialized
	}
	if err := checkBlock(out, lse); err != nil {
		return err
	}
	acc := a.out
	if out.Batch != acc.Batch || out.Heads != acc.Heads || out.Dim != acc.Dim || from < 0 || from+out.Seq > acc.Seq {
		return errors.Wrapf(ErrPrecondition, "block %s at row %d does not fit accumulator %s", out.Shape, from, acc.Shape)
	}

	for b := 0; b < out.Batch; b++ {
		for s := 0; s < out.Seq; s++ {
			for h := 0; h < out.Heads; h++ {
				lb := float64(lse.At(b, h, s))
				if math.IsInf(lb, -1) {
					continue
				}
				slot := (b*acc.Seq+from+s)*acc.Heads + h
				la := a.lse[slot]
				dst, src := acc.Row(b, from+s, h), out.Row(b, s, h)
				if math.IsInf(la, -1) {
					copy(dst, src)
					a.lse[slot] = lb
					continue
				}
				m := max(la, lb)
				merged := m + math.Log(math.Exp(la-m)+math.Exp(lb-m))
				wa, wb := math.Exp(la-merged), math.Exp(lb-merged)
				for d := range dst {
					dst[d] = float32(wa*float64(dst[d]) + wb*float64(src[d]))
				}
				a.lse[slot] = merged
			}
		}
	}
	return nil
}

// Finalize returns the merged output and its lse in (batch, heads, seq).
func (a *Accumulator) Finalize() (*tensor.Tensor, *tensor.LSE, error) {
	if a.out == nil {
		return nil, nil, ErrUninitialized
	}
	o := a.out
	lse := tensor.NewLSE(o.Batch, o.Heads, o.Seq)
	for b := 0; b < o.Batch; b++ {
		for s := 0; s < o.Seq; s++ {
			for h := 0; h < o.Heads; h++ {
				lse.Data[lse.Index(b, h, s)] = float32(a.lse[(b*o.Seq+s)*o.Heads+h])
			}
		}
	}
	return o, lse, nil
}

func checkBlock(out *tensor.Tensor, lse *tensor.LSE) error {
	if out == nil || lse == nil {
		return errors.Wrap(ErrPrecondition, "nil block")
	}
	if lse.Batch != out.Batch || lse.Heads != out.Heads || lse.Seq != out.Seq {
		return errors.Wrapf(ErrPrecondition, "lse (%d, %d, %d) does not describe block %s", lse.Batch, lse.Heads, lse.Seq, out.Shape)
	}
	return nil
}
