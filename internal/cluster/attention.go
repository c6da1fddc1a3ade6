package cluster

import (
	"context"
	"sync"

	"github.com/samcharles93/burst/internal/ring"
	"github.com/samcharles93/burst/internal/tensor"
)

// Result holds gathered global outputs of one distributed attention call.
// Gradient fields are nil when no dout was given.
type Result struct {
	Out        *tensor.Tensor
	LSE        *tensor.LSE
	DQ, DK, DV *tensor.Tensor
	// DKV and DQKV are set by the packed entry points.
	DKV, DQKV *tensor.Tensor
	Stats     ring.Stats
}

// Attention splits global q, k, v (and dout, if non-nil) into zigzag shards,
// runs the distributed forward (and backward) pass on every rank and gathers
// the results back into global order.
func Attention(ctx context.Context, cfg Config, q, k, v, dout *tensor.Tensor) (*Result, error) {
	world := cfg.WorldSize
	qs, err := Split(q, world)
	if err != nil {
		return nil, err
	}
	ks, err := Split(k, world)
	if err != nil {
		return nil, err
	}
	vs, err := Split(v, world)
	if err != nil {
		return nil, err
	}
	var douts []*tensor.Tensor
	if dout != nil {
		if douts, err = Split(dout, world); err != nil {
			return nil, err
		}
	}

	outs := make([]*tensor.Tensor, world)
	lses := make([]*tensor.LSE, world)
	dqs := make([]*tensor.Tensor, world)
	dks := make([]*tensor.Tensor, world)
	dvs := make([]*tensor.Tensor, world)
	var (
		mu    sync.Mutex
		stats ring.Stats
	)

	err = Launch(ctx, cfg, func(ctx context.Context, r *Rank) error {
		id := r.Topology.Rank
		fwd, err := r.Scheduler.Forward(ctx, r.Groups, qs[id], ks[id], vs[id])
		if err != nil {
			return err
		}
		outs[id], lses[id] = fwd.Out, fwd.LSE
		if douts != nil {
			grads, err := r.Scheduler.Backward(ctx, fwd, douts[id])
			if err != nil {
				return err
			}
			dqs[id], dks[id], dvs[id] = grads.DQ, grads.DK, grads.DV
		}

		s := r.Stats()
		mu.Lock()
		stats.Exchanges += s.Exchanges
		stats.BytesSent += s.BytesSent
		stats.BytesReceived += s.BytesReceived
		stats.Reallocs += s.Reallocs
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Out: Gather(outs), LSE: GatherLSE(lses), Stats: stats}
	if douts != nil {
		res.DQ, res.DK, res.DV = Gather(dqs), Gather(dks), Gather(dvs)
	}
	return res, nil
}
