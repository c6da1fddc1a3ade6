package ring

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/burst/internal/tensor"
	"github.com/samcharles93/burst/internal/transport"
)

const (
	Direct  = "direct"
	Batched = "batched"
)

// Op is one half of an exchange. A send carries a fully encoded frame; a
// receive carries the expected header in Frame and the destination in Buf.
type Op struct {
	Send  bool
	Frame *transport.Frame
	Buf   *tensor.Tensor
}

// Run performs the operation on tr.
func (o Op) Run(ctx context.Context, tr transport.Transport) error {
	if o.Send {
		return tr.Send(ctx, o.Frame)
	}
	want := o.Frame
	got, err := tr.Recv(ctx, want.Domain, want.Src, want.Dst)
	if err != nil {
		return err
	}
	if got.Shape != o.Buf.Shape || got.DType != o.Buf.DType {
		return errors.Wrapf(ErrBufferMismatch, "rank %d got %s %s from %d, posted %s %s",
			want.Dst, got.Shape, got.DType, want.Src, o.Buf.Shape, o.Buf.DType)
	}
	if got.Seq != want.Seq {
		return errors.Wrapf(ErrSequence, "rank %d expected #%d from %d, got #%d", want.Dst, want.Seq, want.Src, got.Seq)
	}
	if err := got.DType.Decode(o.Buf.Data, got.Payload); err != nil {
		return errors.Wrap(ErrBufferMismatch, err.Error())
	}
	return nil
}

// Backend executes a committed batch of operations.
type Backend interface {
	Name() string
	Run(ctx context.Context, tr transport.Transport, ops []Op) error
}

// DirectP2P runs operations one after another in issue order. Sends block
// until matched, so ranks rely on the even/odd issue order to make progress.
type DirectP2P struct{}

func (DirectP2P) Name() string { return Direct }

func (DirectP2P) Run(ctx context.Context, tr transport.Transport, ops []Op) error {
	for _, op := range ops {
		if err := op.Run(ctx, tr); err != nil {
			return err
		}
	}
	return nil
}

// BatchedP2P starts every lane of a batch at once and completes when all of
// them have. A lane is the ops sharing a direction and peer; they run in issue
// order, so sequence numbers match on both ends of the lane.
type BatchedP2P struct{}

func (BatchedP2P) Name() string { return Batched }

type laneKey struct {
	send     bool
	domain   string
	src, dst int
}

func (BatchedP2P) Run(ctx context.Context, tr transport.Transport, ops []Op) error {
	var order []laneKey
	lanes := make(map[laneKey][]Op)
	for _, op := range ops {
		k := laneKey{send: op.Send, domain: op.Frame.Domain, src: op.Frame.Src, dst: op.Frame.Dst}
		if _, ok := lanes[k]; !ok {
			order = append(order, k)
		}
		lanes[k] = append(lanes[k], op)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, k := range order {
		lane := lanes[k]
		g.Go(func() error { return DirectP2P{}.Run(gctx, tr, lane) })
	}
	return g.Wait()
}

// NewBackend resolves a backend by name. The empty name selects batched.
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Batched, "batch_p2p":
		return BatchedP2P{}, nil
	case Direct, "p2p":
		return DirectP2P{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownBackend, "%q (expected %s or %s)", name, Direct, Batched)
	}
}
