// Package topology derives the nested communication groups used by
// double-ring attention from a rank's coordinates.
package topology

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidTopology is returned when the sizes cannot form a double ring.
var ErrInvalidTopology = errors.New("invalid topology")

// Kind names one of the five communicator families.
type Kind int

const (
	Context Kind = iota
	InterWindow
	IntraWindow
	GradInterWindow
	GradIntraWindow
)

func (k Kind) String() string {
	switch k {
	case Context:
		return "context"
	case InterWindow:
		return "inter_window"
	case IntraWindow:
		return "intra_window"
	case GradInterWindow:
		return "grad_inter_window"
	case GradIntraWindow:
		return "grad_intra_window"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Group is one ring this rank belongs to. Ranks lists global ranks in ring order.
type Group struct {
	Kind  Kind
	Index int
	Ranks []int
	Rank  int
}

// Size is the number of members.
func (g Group) Size() int { return len(g.Ranks) }

// Next returns the group position of the successor on the ring.
func (g Group) Next() int { return (g.Rank + 1) % len(g.Ranks) }

// Prev returns the group position of the predecessor on the ring.
func (g Group) Prev() int { return (g.Rank - 1 + len(g.Ranks)) % len(g.Ranks) }

// Global maps a group position to a global rank.
func (g Group) Global(pos int) int { return g.Ranks[pos] }

// Key is the rendezvous key under which the group's unique id is published.
func (g Group) Key() string {
	return fmt.Sprintf("%s_UNIQUE_ID%d", strings.ToUpper(g.Kind.String()), g.Index)
}

// Topology is the immutable view one rank has of the job.
type Topology struct {
	WorldSize int
	IntraSize int
	InterSize int
	Rank      int

	Context         Group
	InterWindow     Group
	IntraWindow     Group
	GradInterWindow Group
	GradIntraWindow Group
}

// Derive computes the groups of rank in a job of worldSize ranks split into
// nodes of intraSize ranks. It performs no communication.
func Derive(rank, worldSize, intraSize int) (*Topology, error) {
	switch {
	case worldSize <= 0:
		return nil, errors.Wrapf(ErrInvalidTopology, "world size %d must be positive", worldSize)
	case intraSize <= 0:
		return nil, errors.Wrapf(ErrInvalidTopology, "intra size %d must be positive", intraSize)
	case worldSize%intraSize != 0:
		return nil, errors.Wrapf(ErrInvalidTopology, "world size %d is not divisible by intra size %d", worldSize, intraSize)
	case rank < 0 || rank >= worldSize:
		return nil, errors.Wrapf(ErrInvalidTopology, "rank %d outside world of %d", rank, worldSize)
	}

	inter := worldSize / intraSize
	node := rank / intraSize
	local := rank % intraSize

	all := make([]int, worldSize)
	for i := range all {
		all[i] = i
	}
	intraRanks := make([]int, intraSize)
	for i := range intraRanks {
		intraRanks[i] = node*intraSize + i
	}
	interRanks := make([]int, inter)
	for i := range interRanks {
		interRanks[i] = local + i*intraSize
	}

	t := &Topology{
		WorldSize: worldSize,
		IntraSize: intraSize,
		InterSize: inter,
		Rank:      rank,
		Context:   Group{Kind: Context, Index: 0, Ranks: all, Rank: rank},
		InterWindow: Group{
			Kind: InterWindow, Index: local, Ranks: interRanks, Rank: node,
		},
		IntraWindow: Group{
			Kind: IntraWindow, Index: node, Ranks: intraRanks, Rank: local,
		},
	}
	t.GradInterWindow = t.InterWindow
	t.GradInterWindow.Kind = GradInterWindow
	t.GradIntraWindow = t.IntraWindow
	t.GradIntraWindow.Kind = GradIntraWindow
	return t, nil
}

// IntraRank is this rank's position on the fine ring.
func (t *Topology) IntraRank() int { return t.IntraWindow.Rank }

// InterRank is this rank's node index on the coarse ring.
func (t *Topology) InterRank() int { return t.InterWindow.Rank }

// Windows is the number of coarse windows a pass walks through.
func (t *Topology) Windows() int { return t.InterSize }

// Groups lists the five groups in bootstrap order.
func (t *Topology) Groups() []Group {
	return []Group{t.Context, t.InterWindow, t.IntraWindow, t.GradInterWindow, t.GradIntraWindow}
}

// SourceRank returns the global rank whose K/V shard this rank holds at
// fine step of the given window.
func (t *Topology) SourceRank(window, step int) int {
	node := ((t.InterRank()-window)%t.InterSize + t.InterSize) % t.InterSize
	local := ((t.IntraRank()-step)%t.IntraSize + t.IntraSize) % t.IntraSize
	return node*t.IntraSize + local
}

func (t *Topology) String() string {
	return fmt.Sprintf("rank %d/%d (node %d/%d, local %d/%d)",
		t.Rank, t.WorldSize, t.InterRank(), t.InterSize, t.IntraRank(), t.IntraSize)
}
