package attention

import "github.com/samcharles93/burst/internal/topology"

// Phase is the pass an event belongs to.
type Phase int

const (
	Forward Phase = iota
	Backward
)

func (p Phase) String() string {
	if p == Backward {
		return "backward"
	}
	return "forward"
}

// Half selects part of a shard: both chunks, the first, or the second.
type Half int

const (
	Both Half = iota
	First
	Second
)

func (h Half) String() string {
	switch h {
	case First:
		return "first"
	case Second:
		return "second"
	default:
		return "both"
	}
}

// EventKind distinguishes window boundaries from block computations.
type EventKind int

const (
	WindowStart EventKind = iota
	Block
)

func (k EventKind) String() string {
	if k == Block {
		return "block"
	}
	return "window"
}

// Event describes one scheduling decision. For Block events, Query is the
// part of the local shard used as queries and Key the part of Source's shard
// used as keys.
type Event struct {
	Kind   EventKind `json:"kind"`
	Phase  Phase     `json:"phase"`
	Rank   int       `json:"rank"`
	Window int       `json:"window"`
	Step   int       `json:"step"`
	Source int       `json:"source"`
	Causal bool      `json:"causal"`
	Query  Half      `json:"query"`
	Key    Half      `json:"key"`
}

// TraceFunc observes events. It runs on the scheduling goroutine and must not
// block.
type TraceFunc func(Event)

// Pairs lists the (query chunk, key chunk) pairs a Block event folds in.
func (e Event) Pairs(l topology.Layout) [][2]int {
	if e.Kind != Block {
		return nil
	}
	var pairs [][2]int
	for _, qc := range chunks(l, e.Rank, e.Query) {
		for _, kc := range chunks(l, e.Source, e.Key) {
			if e.Causal && kc > qc {
				continue
			}
			pairs = append(pairs, [2]int{qc, kc})
		}
	}
	return pairs
}

func chunks(l topology.Layout, rank int, h Half) []int {
	first, second := l.Chunks(rank)
	switch h {
	case First:
		return []int{first}
	case Second:
		return []int{second}
	default:
		return []int{first, second}
	}
}
