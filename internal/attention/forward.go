package attention

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/tensor"
)

// ForwardResult is everything Backward needs from a forward call.
type ForwardResult struct {
	Q, K, V *tensor.Tensor
	Out     *tensor.Tensor
	LSE     *tensor.LSE
	Groups  CommGroups
}

// Forward computes causal attention of the local query shard against every
// rank's K/V shard. q, k and v are zigzag shards: two chunks of equal length
// concatenated on the sequence axis. They are read but never written.
func (s *Scheduler) Forward(ctx context.Context, g CommGroups, q, k, v *tensor.Tensor) (*ForwardResult, error) {
	if err := checkShards(q, k, v); err != nil {
		return nil, err
	}
	if err := g.validate(s.topo); err != nil {
		return nil, err
	}

	p := forwardPass{s: s, g: g, q: q, half: q.Seq / 2}
	p.q1 = q.SeqSlice(p.half, q.Seq)

	localK, localV := k, v
	windows := s.topo.Windows()
	for j := 0; j < windows; j++ {
		if j > 0 {
			if err := g.InterWindow.Wait(ctx); err != nil {
				return nil, errors.Wrapf(err, "forward window %d: inter kv", j)
			}
			localK, localV = p.interK.swap(), p.interV.swap()
		}
		if j+1 != windows {
			p.interK.exchange(g.InterWindow, localK)
			p.interV.exchange(g.InterWindow, localV)
			g.InterWindow.Commit()
		}
		s.emit(Event{Kind: WindowStart, Phase: Forward, Window: j, Source: s.topo.SourceRank(j, 0)})
		if err := p.window(ctx, j, localK, localV); err != nil {
			return nil, err
		}
	}

	out, lse, err := p.acc.Finalize()
	if err != nil {
		return nil, err
	}
	s.log.Debug("forward done", "windows", windows, "steps", s.topo.IntraSize)
	return &ForwardResult{Q: q, K: k, V: v, Out: out, LSE: lse, Groups: g}, nil
}

type forwardPass struct {
	s    *Scheduler
	g    CommGroups
	q    *tensor.Tensor
	q1   *tensor.Tensor
	half int
	acc  Accumulator

	interK, interV pingPong
	fineK, fineV   pingPong
}

// window walks the fine ring once, starting from the K/V shard held at the
// window boundary.
func (p *forwardPass) window(ctx context.Context, j int, k, v *tensor.Tensor) error {
	intra := p.g.IntraWindow
	n := p.s.topo.IntraSize
	for step := 0; step < n; step++ {
		last := step+1 == n
		if !last {
			p.fineK.exchange(intra, k)
			p.fineV.exchange(intra, v)
			intra.Commit()
		}

		b := p.s.plan(j, step)
		p.s.emitBlock(Forward, j, step, b)
		if err := p.compute(b, k, v); err != nil {
			return errors.Wrapf(err, "forward window %d step %d", j, step)
		}

		if !last {
			if err := intra.Wait(ctx); err != nil {
				return errors.Wrapf(err, "forward window %d step %d: intra kv", j, step)
			}
			k, v = p.fineK.swap(), p.fineV.swap()
		}
	}
	return nil
}

func (p *forwardPass) compute(b block, k, v *tensor.Tensor) error {
	kern := p.s.opts.Kernel
	switch {
	case b.causal:
		out, lse, err := kern.Forward(p.q, k, v, true)
		if err != nil {
			return err
		}
		return p.acc.Merge(out, lse)
	case b.key == First:
		out, lse, err := kern.Forward(p.q, k.SeqSlice(0, p.half), v.SeqSlice(0, p.half), false)
		if err != nil {
			return err
		}
		return p.acc.Merge(out, lse)
	default:
		out, lse, err := kern.Forward(p.q1, k, v, false)
		if err != nil {
			return err
		}
		return p.acc.MergeAt(p.half, out, lse)
	}
}
