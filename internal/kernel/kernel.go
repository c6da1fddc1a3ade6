// Package kernel computes exact attention on a single block of queries and
// keys, returning the log-sum-exp statistics needed to merge blocks later.
package kernel

import (
	"math"

	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/tensor"
)

// ErrShape is returned when block operands do not line up.
var ErrShape = errors.New("kernel: incompatible shapes")

// Kernel is the block attention primitive. Causal masks are aligned to the
// bottom-right corner: query i may see key j when j <= i + (Sk - Sq).
type Kernel interface {
	Forward(q, k, v *tensor.Tensor, causal bool) (*tensor.Tensor, *tensor.LSE, error)
	Backward(dout, q, k, v, out *tensor.Tensor, lse *tensor.LSE, causal bool) (dq, dk, dv *tensor.Tensor, err error)
}

// CPU is a reference Kernel in plain Go. Scale 0 means 1/sqrt(dim).
type CPU struct {
	Scale float32
	pool  *Pool
}

// NewCPU returns a CPU kernel splitting work over workers goroutines
// (0 picks GOMAXPROCS).
func NewCPU(scale float32, workers int) *CPU {
	if workers <= 0 {
		workers = WorkersFor(0)
	}
	return &CPU{Scale: scale, pool: NewPool(workers)}
}

// Close releases the worker pool.
func (c *CPU) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

func (c *CPU) scale(dim int) float64 {
	if c.Scale != 0 {
		return float64(c.Scale)
	}
	return 1 / math.Sqrt(float64(dim))
}

func checkQKV(q, k, v *tensor.Tensor) error {
	switch {
	case q == nil || k == nil || v == nil:
		return errors.Wrap(ErrShape, "nil operand")
	case k.Shape != v.Shape:
		return errors.Wrapf(ErrShape, "k %s and v %s differ", k.Shape, v.Shape)
	case q.Batch != k.Batch || q.Dim != k.Dim:
		return errors.Wrapf(ErrShape, "q %s against k %s", q.Shape, k.Shape)
	case k.Heads == 0 || q.Heads%k.Heads != 0:
		return errors.Wrapf(ErrShape, "%d query heads not a multiple of %d kv heads", q.Heads, k.Heads)
	}
	return nil
}

// visible returns how many keys query row i may attend to.
func visible(i, sq, sk int, causal bool) int {
	if !causal {
		return sk
	}
	return max(min(sk, i+sk-sq+1), 0)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func (c *CPU) Forward(q, k, v *tensor.Tensor, causal bool) (*tensor.Tensor, *tensor.LSE, error) {
	if err := checkQKV(q, k, v); err != nil {
		return nil, nil, err
	}
	out := tensor.New(q.Shape, q.DType)
	lse := tensor.NewLSE(q.Batch, q.Heads, q.Seq)
	scale := c.scale(q.Dim)
	group := q.Heads / k.Heads

	c.pool.Run(q.Batch*q.Heads, func(lo, hi int) {
		scores := make([]float64, k.Seq)
		acc := make([]float64, q.Dim)
		for idx := lo; idx < hi; idx++ {
			b, h := idx/q.Heads, idx%q.Heads
			kvh := h / group
			for i := 0; i < q.Seq; i++ {
				n := visible(i, q.Seq, k.Seq, causal)
				if n == 0 {
					lse.Data[lse.Index(b, h, i)] = float32(math.Inf(-1))
					continue
				}
				qi := q.Row(b, i, h)
				m := math.Inf(-1)
				for j := 0; j < n; j++ {
					scores[j] = scale * dot(qi, k.Row(b, j, kvh))
					m = max(m, scores[j])
				}
				clear(acc)
				var sum float64
				for j := 0; j < n; j++ {
					p := math.Exp(scores[j] - m)
					sum += p
					for d, x := range v.Row(b, j, kvh) {
						acc[d] += p * float64(x)
					}
				}
				row := out.Row(b, i, h)
				for d := range row {
					row[d] = float32(acc[d] / sum)
				}
				lse.Data[lse.Index(b, h, i)] = float32(m + math.Log(sum))
			}
		}
	})
	return out, lse, nil
}

func (c *CPU) Backward(dout, q, k, v, out *tensor.Tensor, lse *tensor.LSE, causal bool) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	if err := checkQKV(q, k, v); err != nil {
		return nil, nil, nil, err
	}
	if dout == nil || out == nil || dout.Shape != q.Shape || out.Shape != q.Shape {
		return nil, nil, nil, errors.Wrapf(ErrShape, "dout/out must match q %s", q.Shape)
	}
	if lse == nil || lse.Batch != q.Batch || lse.Heads != q.Heads || lse.Seq != q.Seq {
		return nil, nil, nil, errors.Wrapf(ErrShape, "lse does not match q %s", q.Shape)
	}

	dq := tensor.New(q.Shape, tensor.Float32)
	dk := tensor.New(k.Shape, tensor.Float32)
	dv := tensor.New(v.Shape, tensor.Float32)
	scale := c.scale(q.Dim)
	group := q.Heads / k.Heads

	// split by kv head so dk/dv rows have a single writer
	c.pool.Run(q.Batch*k.Heads, func(lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			b, kvh := idx/k.Heads, idx%k.Heads
			for h := kvh * group; h < (kvh+1)*group; h++ {
				for i := 0; i < q.Seq; i++ {
					l := float64(lse.At(b, h, i))
					if math.IsInf(l, -1) {
						continue
					}
					n := visible(i, q.Seq, k.Seq, causal)
					qi, doi := q.Row(b, i, h), dout.Row(b, i, h)
					delta := dot(doi, out.Row(b, i, h))
					dqi := dq.Row(b, i, h)
					for j := 0; j < n; j++ {
						kj, vj := k.Row(b, j, kvh), v.Row(b, j, kvh)
						p := math.Exp(scale*dot(qi, kj) - l)
						ds := p * (dot(doi, vj) - delta) * scale
						dkj, dvj := dk.Row(b, j, kvh), dv.Row(b, j, kvh)
						for d := range dqi {
							dvj[d] += float32(p * float64(doi[d]))
							dqi[d] += float32(ds * float64(kj[d]))
							dkj[d] += float32(ds * float64(qi[d]))
						}
					}
				}
			}
		}
	})
	return dq, dk, dv, nil
}
