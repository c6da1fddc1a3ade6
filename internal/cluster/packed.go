package cluster

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/tensor"
)

// AttentionKVPacked is Attention with K and V packed along the head axis: kv
// has 2*Hkv heads and the first Hkv of them are K. The result also carries
// DKV, packed the same way, when dout is given.
func AttentionKVPacked(ctx context.Context, cfg Config, q, kv, dout *tensor.Tensor) (*Result, error) {
	parts, err := unpackHeads(kv, 2)
	if err != nil {
		return nil, err
	}
	res, err := Attention(ctx, cfg, q, parts[0], parts[1], dout)
	if err != nil {
		return nil, err
	}
	if res.DK != nil {
		res.DKV = packHeads(res.DK, res.DV)
	}
	return res, nil
}

// AttentionQKVPacked takes Q, K and V packed along the head axis with equal
// head counts. DQKV is packed the same way.
func AttentionQKVPacked(ctx context.Context, cfg Config, qkv, dout *tensor.Tensor) (*Result, error) {
	parts, err := unpackHeads(qkv, 3)
	if err != nil {
		return nil, err
	}
	res, err := Attention(ctx, cfg, parts[0], parts[1], parts[2], dout)
	if err != nil {
		return nil, err
	}
	if res.DQ != nil {
		res.DQKV = packHeads(res.DQ, res.DK, res.DV)
	}
	return res, nil
}

func unpackHeads(packed *tensor.Tensor, n int) ([]*tensor.Tensor, error) {
	if packed == nil {
		return nil, errors.Wrap(ErrLayout, "nil packed tensor")
	}
	if packed.Heads == 0 || packed.Heads%n != 0 {
		return nil, errors.Wrapf(ErrLayout, "%d heads do not unpack into %d tensors", packed.Heads, n)
	}
	shape := packed.Shape
	shape.Heads /= n
	width := shape.Heads * shape.Dim
	parts := make([]*tensor.Tensor, n)
	for i := range parts {
		parts[i] = tensor.New(shape, packed.DType)
	}
	rows := packed.Batch * packed.Seq
	for row := 0; row < rows; row++ {
		src := packed.Data[row*n*width : (row+1)*n*width]
		for i, p := range parts {
			copy(p.Data[row*width:(row+1)*width], src[i*width:(i+1)*width])
		}
	}
	return parts, nil
}

func packHeads(parts ...*tensor.Tensor) *tensor.Tensor {
	shape := parts[0].Shape
	shape.Heads *= len(parts)
	out := tensor.New(shape, parts[0].DType)
	width := parts[0].Heads * parts[0].Dim
	rows := shape.Batch * shape.Seq
	for row := 0; row < rows; row++ {
		dst := out.Data[row*len(parts)*width : (row+1)*len(parts)*width]
		for i, p := range parts {
			copy(dst[i*width:(i+1)*width], p.Data[row*width:(row+1)*width])
		}
	}
	return out
}
