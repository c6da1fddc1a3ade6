// Package transport moves encoded tensor frames between ranks.
package transport

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/tensor"
)

var (
	// ErrPeerUnreachable reports that the other end of a transfer is gone.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrClosed reports an operation on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// Frame is one point-to-point message. Src and Dst are global ranks; Domain is
// the communicator id the frame belongs to.
type Frame struct {
	Domain  string
	Src     int
	Dst     int
	Seq     uint64
	Shape   tensor.Shape
	DType   tensor.DType
	Payload []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{%s %d->%d #%d %s %s %dB}", f.Domain, f.Src, f.Dst, f.Seq, f.Shape, f.DType, len(f.Payload))
}

// Transport is a blocking point-to-point fabric. Send returns once the
// matching Recv has taken the frame.
type Transport interface {
	Send(ctx context.Context, f *Frame) error
	Recv(ctx context.Context, domain string, src, dst int) (*Frame, error)
}
