package attention

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/logger"
	"github.com/samcharles93/burst/internal/ring"
	"github.com/samcharles93/burst/internal/tensor"
	"github.com/samcharles93/burst/internal/topology"
)

// Scheduler runs the double-ring forward and backward passes for one rank.
// It holds no per-call state and may be reused for any number of calls.
type Scheduler struct {
	topo *topology.Topology
	opts Options
	log  logger.Logger
}

// NewScheduler validates opts and binds them to topo.
func NewScheduler(topo *topology.Topology, opts Options) (*Scheduler, error) {
	if topo == nil {
		return nil, errors.Wrap(ErrPrecondition, "nil topology")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{topo: topo, opts: opts, log: log}, nil
}

// Topology returns the topology the scheduler was built for.
func (s *Scheduler) Topology() *topology.Topology { return s.topo }

// block is the shape of one step's computation.
type block struct {
	causal bool
	query  Half
	key    Half
}

// plan picks the block for a step so that every query chunk meets every
// earlier-or-equal key chunk exactly once. Sources that sit before this rank
// in zigzag order only contribute their first chunk; sources after it only
// reach this rank's second chunk.
func (s *Scheduler) plan(window, step int) block {
	switch {
	case window == 0 && step == 0:
		return block{causal: true, query: Both, key: Both}
	case window == 0 && step <= s.topo.IntraRank():
		return block{query: Both, key: First}
	case window > 0 && window <= s.topo.InterRank():
		return block{query: Both, key: First}
	default:
		return block{query: Second, key: Both}
	}
}

func (s *Scheduler) emit(e Event) {
	if s.opts.Trace != nil {
		e.Rank = s.topo.Rank
		s.opts.Trace(e)
	}
}

func (s *Scheduler) emitBlock(phase Phase, window, step int, b block) {
	s.emit(Event{
		Kind:   Block,
		Phase:  phase,
		Window: window,
		Step:   step,
		Source: s.topo.SourceRank(window, step),
		Causal: b.causal,
		Query:  b.query,
		Key:    b.key,
	})
}

// pingPong is a pair of receive buffers used alternately: one is in flight
// while the other is being read.
type pingPong struct {
	bufs [2]*tensor.Tensor
	idx  int
}

// exchange sends t on ch and receives into the idle buffer.
func (p *pingPong) exchange(ch *ring.Channel, t *tensor.Tensor) {
	p.bufs[p.idx] = ch.SendRecvInto(t, p.bufs[p.idx])
}

// swap returns the buffer filled by the last exchange; the other one becomes
// the next receive target. Only call it after the channel's Wait.
func (p *pingPong) swap() *tensor.Tensor {
	got := p.bufs[p.idx]
	p.idx ^= 1
	return got
}

func checkShards(q, k, v *tensor.Tensor) error {
	switch {
	case q == nil || k == nil || v == nil:
		return errors.Wrap(ErrPrecondition, "nil shard")
	case q.Seq%2 != 0 || q.Seq == 0:
		return errors.Wrapf(ErrPrecondition, "shard length %d is not two equal chunks", q.Seq)
	case k.Shape != v.Shape:
		return errors.Wrapf(ErrPrecondition, "k %s and v %s differ", k.Shape, v.Shape)
	case k.Seq != q.Seq || k.Batch != q.Batch || k.Dim != q.Dim:
		return errors.Wrapf(ErrPrecondition, "k %s does not pair with q %s", k.Shape, q.Shape)
	}
	return nil
}
