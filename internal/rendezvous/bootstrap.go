package rendezvous

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/topology"
)

// Domain is a bootstrapped communicator: a group plus the id all of its
// members agreed on.
type Domain struct {
	topology.Group
	ID string
}

// Join agrees on a communicator id for g. The group's first member mints the
// id and publishes it under g.Key(); everyone else blocks until it appears.
func Join(ctx context.Context, store Store, g topology.Group) (Domain, error) {
	key := g.Key()
	if g.Rank == 0 {
		if err := store.Set(ctx, key, []byte(uuid.NewString())); err != nil {
			return Domain{}, errors.Wrapf(err, "publish %s", key)
		}
	}
	id, err := store.Get(ctx, key)
	if err != nil {
		return Domain{}, errors.Wrapf(err, "join %s", key)
	}
	return Domain{Group: g, ID: string(id)}, nil
}

// Domains holds the five communicators of one rank.
type Domains struct {
	Context         Domain
	InterWindow     Domain
	IntraWindow     Domain
	GradInterWindow Domain
	GradIntraWindow Domain
}

// JoinAll joins every group of topo in a fixed order. Every rank must call it
// with the same store for the joins to line up.
func JoinAll(ctx context.Context, store Store, topo *topology.Topology) (Domains, error) {
	var d Domains
	targets := []*Domain{&d.Context, &d.InterWindow, &d.IntraWindow, &d.GradInterWindow, &d.GradIntraWindow}
	for i, g := range topo.Groups() {
		dom, err := Join(ctx, store, g)
		if err != nil {
			return Domains{}, err
		}
		*targets[i] = dom
	}
	return d, nil
}
