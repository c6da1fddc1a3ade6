package cluster

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/tensor"
	"github.com/samcharles93/burst/internal/topology"
)

// ErrLayout is returned when a global sequence cannot be split evenly.
var ErrLayout = errors.New("cluster: sequence does not split into zigzag chunks")

// Split cuts a global (batch, seq, heads, dim) tensor into world zigzag shards.
func Split(global *tensor.Tensor, world int) ([]*tensor.Tensor, error) {
	l := topology.Layout{WorldSize: world}
	if world <= 0 || global.Seq%l.NumChunks() != 0 {
		return nil, errors.Wrapf(ErrLayout, "seq %d over %d chunks", global.Seq, l.NumChunks())
	}
	c := global.Seq / l.NumChunks()
	shards := make([]*tensor.Tensor, world)
	for r := range shards {
		first, second := l.Chunks(r)
		shards[r] = tensor.ConcatSeq(
			global.SeqSlice(first*c, (first+1)*c),
			global.SeqSlice(second*c, (second+1)*c),
		)
	}
	return shards, nil
}

// Gather reassembles shards produced by Split (or computed on them).
func Gather(shards []*tensor.Tensor) *tensor.Tensor {
	l := topology.Layout{WorldSize: len(shards)}
	parts := make([]*tensor.Tensor, l.NumChunks())
	for r, s := range shards {
		half := s.Seq / 2
		first, second := l.Chunks(r)
		parts[first] = s.SeqSlice(0, half)
		parts[second] = s.SeqSlice(half, s.Seq)
	}
	return tensor.ConcatSeq(parts...)
}

// GatherLSE is Gather for per-shard LSE statistics.
func GatherLSE(shards []*tensor.LSE) *tensor.LSE {
	l := topology.Layout{WorldSize: len(shards)}
	parts := make([]*tensor.LSE, l.NumChunks())
	for r, s := range shards {
		half := s.Seq / 2
		first, second := l.Chunks(r)
		parts[first] = s.SeqSlice(0, half)
		parts[second] = s.SeqSlice(half, s.Seq)
	}
	return tensor.ConcatLSE(parts...)
}
