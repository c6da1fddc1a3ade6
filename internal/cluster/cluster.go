// Package cluster runs a whole double-ring job inside one process: one
// goroutine per rank over a shared loopback fabric.
package cluster

import (
	"context"
	"runtime"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/burst/internal/affinity"
	"github.com/samcharles93/burst/internal/attention"
	"github.com/samcharles93/burst/internal/kernel"
	"github.com/samcharles93/burst/internal/logger"
	"github.com/samcharles93/burst/internal/rendezvous"
	"github.com/samcharles93/burst/internal/ring"
	"github.com/samcharles93/burst/internal/topology"
	"github.com/samcharles93/burst/internal/transport"
)

// Config describes a job.
type Config struct {
	WorldSize int
	IntraSize int
	// Backend is a ring backend name (direct, batched).
	Backend string
	// Store is the rendezvous store. Nil uses a private in-memory store.
	Store rendezvous.Store
	// JobID namespaces the job's keys in Store. Empty picks a fresh one.
	JobID string
	// PinCPUs splits the host CPUs between the ranks of a node.
	PinCPUs bool
	// Attention is passed to every rank's scheduler. A nil Kernel gets a
	// shared CPU kernel; Logger is scoped per rank.
	Attention attention.Options
	Logger    logger.Logger
}

// Rank is one rank's fully bootstrapped state.
type Rank struct {
	Topology  *topology.Topology
	Domains   rendezvous.Domains
	Groups    attention.CommGroups
	Scheduler *attention.Scheduler
	Log       logger.Logger
}

// Stats sums the counters of every channel of the rank.
func (r *Rank) Stats() ring.Stats {
	var total ring.Stats
	for _, c := range []*ring.Channel{r.Groups.Context, r.Groups.InterWindow, r.Groups.IntraWindow, r.Groups.GradInterWindow, r.Groups.GradIntraWindow} {
		s := c.Stats()
		total.Exchanges += s.Exchanges
		total.BytesSent += s.BytesSent
		total.BytesReceived += s.BytesReceived
		total.Reallocs += s.Reallocs
	}
	return total
}

// Launch bootstraps every rank and runs fn on each. Configuration errors are
// reported before any rank starts. The first rank to fail cancels the job and
// is marked dead on the fabric, so peers blocked on it fail too.
func Launch(ctx context.Context, cfg Config, fn func(ctx context.Context, r *Rank) error) error {
	if _, err := topology.Derive(0, cfg.WorldSize, cfg.IntraSize); err != nil {
		return err
	}
	backend, err := ring.NewBackend(cfg.Backend)
	if err != nil {
		return err
	}
	opts := cfg.Attention
	if opts.Kernel == nil {
		cpu := kernel.NewCPU(0, 0)
		defer cpu.Close()
		opts.Kernel = cpu
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}

	store := cfg.Store
	if store == nil {
		store = rendezvous.NewMemStore()
	}
	job := cfg.JobID
	if job == "" {
		job = uuid.NewString()
	}
	store = rendezvous.Prefix(store, job)

	fabric := transport.NewLoopback()
	defer fabric.Close()

	errs := make([]error, cfg.WorldSize)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < cfg.WorldSize; rank++ {
		g.Go(func() error {
			err := runRank(gctx, cfg, rank, backend, opts, store, fabric, logger.ForRank(log, rank), fn)
			if err != nil {
				errs[rank] = errors.Wrapf(err, "rank %d", rank)
				fabric.Fail(rank)
				return errs[rank]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rootCause(err, errs)
	}
	return nil
}

// rootCause prefers a rank's own failure over the errors its peers saw
// because of it.
func rootCause(first error, errs []error) error {
	for _, err := range errs {
		switch {
		case err == nil,
			errors.Is(err, transport.ErrPeerUnreachable),
			errors.Is(err, transport.ErrClosed),
			errors.Is(err, ring.ErrClosed),
			errors.Is(err, context.Canceled):
			continue
		}
		return err
	}
	return first
}

func runRank(ctx context.Context, cfg Config, rank int, backend ring.Backend, opts attention.Options,
	store rendezvous.Store, fabric *transport.Loopback, log logger.Logger, fn func(context.Context, *Rank) error,
) error {
	topo, err := topology.Derive(rank, cfg.WorldSize, cfg.IntraSize)
	if err != nil {
		return err
	}
	if cfg.PinCPUs {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		cpus, err := affinity.Pin(topo.IntraRank(), topo.IntraSize)
		if err != nil {
			log.Warn("cpu pinning failed", "error", err)
		} else {
			log.Debug("pinned", "cpus", len(cpus))
		}
	}

	doms, err := rendezvous.JoinAll(ctx, store, topo)
	if err != nil {
		return err
	}
	act := []ring.Option{ring.WithLogger(log), ring.WithTraffic(ring.Activation)}
	grad := []ring.Option{ring.WithLogger(log), ring.WithTraffic(ring.Gradient)}
	groups := attention.CommGroups{
		Context:         ring.New(ctx, fabric, doms.Context, backend, act...),
		InterWindow:     ring.New(ctx, fabric, doms.InterWindow, backend, act...),
		IntraWindow:     ring.New(ctx, fabric, doms.IntraWindow, backend, act...),
		GradInterWindow: ring.New(ctx, fabric, doms.GradInterWindow, backend, grad...),
		GradIntraWindow: ring.New(ctx, fabric, doms.GradIntraWindow, backend, grad...),
	}
	defer groups.Close()

	if err := ring.Barrier(ctx, groups.Context); err != nil {
		return err
	}
	log.Debug("bootstrapped", "topology", topo.String(), "backend", backend.Name())

	opts.Logger = log
	sched, err := attention.NewScheduler(topo, opts)
	if err != nil {
		return err
	}
	return fn(ctx, &Rank{Topology: topo, Domains: doms, Groups: groups, Scheduler: sched, Log: log})
}
