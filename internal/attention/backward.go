package attention

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/tensor"
)

// Gradients are the local shard's gradients.
type Gradients struct {
	DQ, DK, DV *tensor.Tensor
}

// Backward computes gradients for the shards of fwd given dout, the gradient
// of the local output shard. dK and dV travel with the K/V shard they belong
// to, so each rank ends up holding the complete gradient of its own K/V.
func (s *Scheduler) Backward(ctx context.Context, fwd *ForwardResult, dout *tensor.Tensor) (*Gradients, error) {
	if fwd == nil || fwd.Out == nil || fwd.LSE == nil {
		return nil, errors.Wrap(ErrPrecondition, "backward without a forward result")
	}
	if dout == nil || dout.Shape != fwd.Out.Shape {
		return nil, errors.Wrapf(ErrPrecondition, "dout does not match output %s", fwd.Out.Shape)
	}
	if l := fwd.LSE; l.Batch != fwd.Out.Batch || l.Heads != fwd.Out.Heads || l.Seq != fwd.Out.Seq {
		return nil, errors.Wrapf(ErrPrecondition, "lse (%d, %d, %d) does not match output %s", l.Batch, l.Heads, l.Seq, fwd.Out.Shape)
	}
	if err := checkShards(fwd.Q, fwd.K, fwd.V); err != nil {
		return nil, err
	}
	g := fwd.Groups
	if err := g.validate(s.topo); err != nil {
		return nil, err
	}

	half := fwd.Q.Seq / 2
	p := backwardPass{
		s:     s,
		g:     g,
		fwd:   fwd,
		dout:  dout,
		half:  half,
		q1:    fwd.Q.SeqSlice(half, fwd.Q.Seq),
		dout1: dout.SeqSlice(half, dout.Seq),
		out1:  fwd.Out.SeqSlice(half, fwd.Out.Seq),
		lse1:  fwd.LSE.SeqSlice(half, fwd.LSE.Seq),
		dq:    tensor.New(fwd.Q.Shape, tensor.Float32),
	}

	localK, localV := fwd.K, fwd.V
	windows := s.topo.Windows()
	for j := 0; j < windows; j++ {
		if j > 0 {
			if err := g.InterWindow.Wait(ctx); err != nil {
				return nil, errors.Wrapf(err, "backward window %d: inter kv", j)
			}
			localK, localV = p.interK.swap(), p.interV.swap()
		}
		if j+1 != windows {
			p.interK.exchange(g.InterWindow, localK)
			p.interV.exchange(g.InterWindow, localV)
			g.InterWindow.Commit()
		}
		s.emit(Event{Kind: WindowStart, Phase: Backward, Window: j, Source: s.topo.SourceRank(j, 0)})

		dk, dv, err := p.window(ctx, j, localK, localV)
		if err != nil {
			return nil, err
		}
		// the window total for this window's shard moves on to the next node
		p.interDK.exchange(g.GradInterWindow, dk)
		p.interDV.exchange(g.GradInterWindow, dv)
		g.GradInterWindow.Commit()
	}

	if err := g.GradInterWindow.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "backward: final inter dkv")
	}
	dk, dv := p.interDK.swap(), p.interDV.swap()
	s.log.Debug("backward done", "windows", windows, "steps", s.topo.IntraSize)
	return &Gradients{DQ: p.dq, DK: dk, DV: dv}, nil
}

type backwardPass struct {
	s    *Scheduler
	g    CommGroups
	fwd  *ForwardResult
	dout *tensor.Tensor
	half int

	q1, dout1, out1 *tensor.Tensor
	lse1            *tensor.LSE
	dq              *tensor.Tensor

	interK, interV   pingPong
	fineK, fineV     pingPong
	interDK, interDV pingPong
	fineDK, fineDV   pingPong
}

// window walks the fine ring once and returns the window's total dK/dV for
// the shard held at the window boundary. The accumulator for the shard being
// processed arrives from the previous rank just before it is needed and is
// forwarded right after the local contribution is added.
func (p *backwardPass) window(ctx context.Context, j int, k, v *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	intra, gradIntra := p.g.IntraWindow, p.g.GradIntraWindow
	n := p.s.topo.IntraSize
	for step := 0; step < n; step++ {
		last := step+1 == n
		if !last {
			p.fineK.exchange(intra, k)
			p.fineV.exchange(intra, v)
			intra.Commit()
		}

		b := p.s.plan(j, step)
		p.s.emitBlock(Backward, j, step, b)
		dq, dkBlk, dvBlk, err := p.compute(b, k, v)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "backward window %d step %d", j, step)
		}

		var dk, dv *tensor.Tensor
		switch {
		case step > 0:
			if err := gradIntra.Wait(ctx); err != nil {
				return nil, nil, errors.Wrapf(err, "backward window %d step %d: intra dkv", j, step)
			}
			dk, dv = p.fineDK.swap(), p.fineDV.swap()
		case j > 0:
			if err := p.g.GradInterWindow.Wait(ctx); err != nil {
				return nil, nil, errors.Wrapf(err, "backward window %d: inter dkv", j)
			}
			dk, dv = p.interDK.swap(), p.interDV.swap()
		default:
			dk, dv = tensor.New(k.Shape, tensor.Float32), tensor.New(v.Shape, tensor.Float32)
		}

		switch {
		case b.causal:
			p.dq.Add(dq)
			dk.Add(dkBlk)
			dv.Add(dvBlk)
		case b.key == First:
			p.dq.Add(dq)
			dk.AddSeq(0, dkBlk)
			dv.AddSeq(0, dvBlk)
		default:
			p.dq.AddSeq(p.half, dq)
			dk.Add(dkBlk)
			dv.Add(dvBlk)
		}

		if !last {
			if err := intra.Wait(ctx); err != nil {
				return nil, nil, errors.Wrapf(err, "backward window %d step %d: intra kv", j, step)
			}
			k, v = p.fineK.swap(), p.fineV.swap()
		}
		p.fineDK.exchange(gradIntra, dk)
		p.fineDV.exchange(gradIntra, dv)
		gradIntra.Commit()
	}

	if err := gradIntra.Wait(ctx); err != nil {
		return nil, nil, errors.Wrapf(err, "backward window %d: final intra dkv", j)
	}
	return p.fineDK.swap(), p.fineDV.swap(), nil
}

func (p *backwardPass) compute(b block, k, v *tensor.Tensor) (dq, dk, dv *tensor.Tensor, err error) {
	kern := p.s.opts.Kernel
	f := p.fwd
	switch {
	case b.causal:
		return kern.Backward(p.dout, f.Q, k, v, f.Out, f.LSE, true)
	case b.key == First:
		return kern.Backward(p.dout, f.Q, k.SeqSlice(0, p.half), v.SeqSlice(0, p.half), f.Out, f.LSE, false)
	default:
		return kern.Backward(p.dout1, p.q1, k, v, p.out1, p.lse1, false)
	}
}
