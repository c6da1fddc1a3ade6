package attention

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/burst/internal/kernel"
	"github.com/samcharles93/burst/internal/tensor"
)

func emptyBlock(shape tensor.Shape) (*tensor.Tensor, *tensor.LSE) {
	lse := tensor.NewLSE(shape.Batch, shape.Heads, shape.Seq)
	for i := range lse.Data {
		lse.Data[i] = float32(math.Inf(-1))
	}
	return tensor.New(shape, tensor.Float32), lse
}

func assertClose(t *testing.T, got, want []float32, tol float64, what string) {
	t.Helper()
	require.Equal(t, len(want), len(got), what)
	for i := range want {
		if d := math.Abs(float64(got[i]) - float64(want[i])); d > tol || math.IsNaN(d) {
			t.Fatalf("%s[%d]=%v want %v (diff %g)", what, i, got[i], want[i], d)
		}
	}
}

// Key blocks merged in any order reproduce full attention over the whole key
// range.
func TestMergeOrderIndependentNonCausal(t *testing.T) {
	kern := &kernel.CPU{}
	rng := rand.New(rand.NewSource(11))
	shape := tensor.Shape{Batch: 2, Seq: 7, Heads: 2, Dim: 4}
	q := tensor.Random(rng, shape, tensor.Float32)
	k := tensor.Random(rng, shape, tensor.Float32)
	v := tensor.Random(rng, shape, tensor.Float32)
	wantOut, wantLSE, err := kern.Forward(q, k, v, false)
	require.NoError(t, err)

	for trial := 0; trial < 10; trial++ {
		// random cut points give a random partition of the keys
		cuts := []int{0}
		for c := 1; c < shape.Seq; c++ {
			if rng.Intn(2) == 0 {
				cuts = append(cuts, c)
			}
		}
		cuts = append(cuts, shape.Seq)
		order := rng.Perm(len(cuts) - 1)

		var acc Accumulator
		for _, i := range order {
			lo, hi := cuts[i], cuts[i+1]
			out, lse, err := kern.Forward(q, k.SeqSlice(lo, hi), v.SeqSlice(lo, hi), false)
			require.NoError(t, err)
			require.NoError(t, acc.Merge(out, lse))
		}
		gotOut, gotLSE, err := acc.Finalize()
		require.NoError(t, err)
		assertClose(t, gotOut.Data, wantOut.Data, 1e-3, "out")
		assertClose(t, gotLSE.Data, wantLSE.Data, 1e-3, "lse")
	}
}

// A causal problem cut into row slices: early rows only see the early keys,
// late rows see early keys fully and late keys causally.
func TestMergeAtReproducesCausalAttention(t *testing.T) {
	kern := &kernel.CPU{}
	rng := rand.New(rand.NewSource(12))
	shape := tensor.Shape{Batch: 1, Seq: 6, Heads: 3, Dim: 2}
	q := tensor.Random(rng, shape, tensor.Float32)
	k := tensor.Random(rng, shape, tensor.Float32)
	v := tensor.Random(rng, shape, tensor.Float32)
	wantOut, wantLSE, err := kern.Forward(q, k, v, true)
	require.NoError(t, err)

	const a = 2
	type part struct {
		from int
		out  *tensor.Tensor
		lse  *tensor.LSE
	}
	mk := func(from int, q, k, v *tensor.Tensor, causal bool) part {
		out, lse, err := kern.Forward(q, k, v, causal)
		require.NoError(t, err)
		return part{from, out, lse}
	}
	parts := []part{
		mk(0, q.SeqSlice(0, a), k.SeqSlice(0, a), v.SeqSlice(0, a), true),
		mk(a, q.SeqSlice(a, 6), k.SeqSlice(0, a), v.SeqSlice(0, a), false),
		mk(a, q.SeqSlice(a, 6), k.SeqSlice(a, 6), v.SeqSlice(a, 6), true),
	}

	for _, order := range [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {1, 2, 0}} {
		var acc Accumulator
		require.NoError(t, acc.Merge(emptyBlock(shape)))
		for _, i := range order {
			require.NoError(t, acc.MergeAt(parts[i].from, parts[i].out, parts[i].lse))
		}
		gotOut, gotLSE, err := acc.Finalize()
		require.NoError(t, err)
		assertClose(t, gotOut.Data, wantOut.Data, 1e-3, "out")
		assertClose(t, gotLSE.Data, wantLSE.Data, 1e-3, "lse")
	}
}

func TestMergeAtLeavesOtherRowsAlone(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	shape := tensor.Shape{Batch: 1, Seq: 4, Heads: 1, Dim: 3}
	base := tensor.Random(rng, shape, tensor.Float32)
	baseLSE := tensor.NewLSE(1, 1, 4)

	var acc Accumulator
	require.NoError(t, acc.Merge(base, baseLSE))
	blk := tensor.Random(rng, tensor.Shape{Batch: 1, Seq: 2, Heads: 1, Dim: 3}, tensor.Float32)
	require.NoError(t, acc.MergeAt(2, blk, tensor.NewLSE(1, 1, 2)))

	out, lse, err := acc.Finalize()
	require.NoError(t, err)
	assertClose(t, out.SeqSlice(0, 2).Data, base.SeqSlice(0, 2).Data, 0, "untouched rows")
	// equal lse on both sides: plain average, lse grows by log 2
	for d := 0; d < 3; d++ {
		want := (base.At(0, 2, 0, d) + blk.At(0, 0, 0, d)) / 2
		require.InDelta(t, want, out.At(0, 2, 0, d), 1e-6)
	}
	require.InDelta(t, math.Ln2, lse.At(0, 0, 3), 1e-6)
	require.InDelta(t, 0, lse.At(0, 0, 0), 0)
}

func TestMergeEdgeCases(t *testing.T) {
	shape := tensor.Shape{Batch: 1, Seq: 2, Heads: 1, Dim: 1}
	out, lse := emptyBlock(shape)

	var acc Accumulator
	require.ErrorIs(t, acc.MergeAt(0, out, lse), ErrUninitialized)
	_, _, err := acc.Finalize()
	require.ErrorIs(t, err, ErrUninitialized)

	require.NoError(t, acc.Merge(out, lse))
	require.NoError(t, acc.Merge(emptyBlock(shape)))
	got, gotLSE, err := acc.Finalize()
	require.NoError(t, err)
	require.Equal(t, []float32{0, 0}, got.Data)
	require.True(t, math.IsInf(float64(gotLSE.Data[0]), -1), "two empty blocks stay empty")

	tooLong, tooLongLSE := emptyBlock(tensor.Shape{Batch: 1, Seq: 2, Heads: 1, Dim: 1})
	require.ErrorIs(t, acc.MergeAt(1, tooLong, tooLongLSE), ErrPrecondition)
	require.ErrorIs(t, acc.Merge(out, tensor.NewLSE(1, 1, 1)), ErrPrecondition)
}

func TestOptionsValidate(t *testing.T) {
	kern := &kernel.CPU{}
	require.NoError(t, Options{Causal: true, Kernel: kern}.Validate())
	require.ErrorIs(t, Options{Kernel: kern}.Validate(), ErrUnsupported)
	require.ErrorIs(t, Options{Causal: true, DropoutP: 0.1, Kernel: kern}.Validate(), ErrUnsupported)
	require.ErrorIs(t, Options{Causal: true}.Validate(), ErrUnsupported)
}
