// Package attention schedules exact causal attention over ranks holding
// zigzag shards, rotating K/V around a two-level ring while blocks compute.
package attention

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/kernel"
	"github.com/samcharles93/burst/internal/logger"
	"github.com/samcharles93/burst/internal/ring"
	"github.com/samcharles93/burst/internal/topology"
)

var (
	// ErrUnsupported marks a configuration the schedule cannot run.
	ErrUnsupported = errors.New("attention: unsupported configuration")
	// ErrPrecondition marks inputs that break a call contract.
	ErrPrecondition = errors.New("attention: precondition violated")
	// ErrUninitialized is returned by a partial merge into an empty accumulator.
	ErrUninitialized = errors.New("attention: accumulator not initialized")
)

// Options configure a Scheduler. Only causal attention without dropout is
// supported; softmax scaling belongs to the Kernel.
type Options struct {
	Causal   bool
	DropoutP float64
	Kernel   kernel.Kernel
	Trace    TraceFunc
	Logger   logger.Logger
}

// Validate rejects unsupported configurations before any communication.
func (o Options) Validate() error {
	if !o.Causal {
		return errors.Wrap(ErrUnsupported, "non-causal attention")
	}
	if o.DropoutP != 0 {
		return errors.Wrapf(ErrUnsupported, "dropout %g (only 0 is supported)", o.DropoutP)
	}
	if o.Kernel == nil {
		return errors.Wrap(ErrUnsupported, "no kernel")
	}
	return nil
}

// CommGroups are the channels one scheduler call runs on. They are passed
// explicitly so several topologies can coexist in one process.
type CommGroups struct {
	Context         *ring.Channel
	InterWindow     *ring.Channel
	IntraWindow     *ring.Channel
	GradInterWindow *ring.Channel
	GradIntraWindow *ring.Channel
}

// Close closes every channel.
func (g CommGroups) Close() error {
	for _, c := range []*ring.Channel{g.Context, g.InterWindow, g.IntraWindow, g.GradInterWindow, g.GradIntraWindow} {
		if c != nil {
			_ = c.Close()
		}
	}
	return nil
}

func (g CommGroups) validate(topo *topology.Topology) error {
	checks := []struct {
		name    string
		ch      *ring.Channel
		size    int
		traffic ring.Traffic
	}{
		{"inter window", g.InterWindow, topo.InterSize, ring.Activation},
		{"intra window", g.IntraWindow, topo.IntraSize, ring.Activation},
		{"grad inter window", g.GradInterWindow, topo.InterSize, ring.Gradient},
		{"grad intra window", g.GradIntraWindow, topo.IntraSize, ring.Gradient},
	}
	for _, c := range checks {
		switch {
		case c.ch == nil:
			return errors.Wrapf(ErrPrecondition, "%s channel missing", c.name)
		case c.ch.Size() != c.size:
			return errors.Wrapf(ErrPrecondition, "%s channel has %d ranks, topology says %d", c.name, c.ch.Size(), c.size)
		case c.ch.Traffic() != c.traffic:
			return errors.Wrapf(ErrPrecondition, "%s channel carries %s traffic", c.name, c.ch.Traffic())
		}
	}
	return nil
}
