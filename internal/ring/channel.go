// Package ring implements asynchronous neighbour exchange on a ring group.
//
// A Channel separates issuing an exchange from executing it: SendRecv only
// records operations, Commit hands them to the channel's communication
// goroutine, and Wait blocks until everything committed so far has finished.
// The caller keeps computing in between.
package ring

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/burst/internal/logger"
	"github.com/samcharles93/burst/internal/rendezvous"
	"github.com/samcharles93/burst/internal/tensor"
	"github.com/samcharles93/burst/internal/transport"
)

// Traffic says whether a channel carries activations (K/V) or gradients
// (dK/dV). It is fixed when the channel is built.
type Traffic int

const (
	Activation Traffic = iota
	Gradient
)

func (t Traffic) String() string {
	if t == Gradient {
		return "gradient"
	}
	return "activation"
}

// Stats counts channel activity. Reallocs counts receive buffers replaced
// because the caller's buffer did not match the outgoing tensor.
type Stats struct {
	Exchanges     int64
	BytesSent     int64
	BytesReceived int64
	Reallocs      int64
}

type batch struct {
	ops  []Op
	done chan error
}

// Channel is one rank's endpoint on a ring group. Issue, Commit and Wait must
// be called from a single goroutine; Close may be called from any goroutine.
type Channel struct {
	dom     rendezvous.Domain
	traffic Traffic
	backend Backend
	tr      transport.Transport
	log     logger.Logger

	pending  []Op
	inflight []chan error
	sendSeq  uint64
	recvSeq  uint64

	batches chan batch
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex // guards closed and sends on batches
	closed  bool

	exchanges atomic.Int64
	sent      atomic.Int64
	received  atomic.Int64
	reallocs  atomic.Int64
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithTraffic sets the traffic kind. Channels default to Activation.
func WithTraffic(t Traffic) Option {
	return func(c *Channel) { c.traffic = t }
}

// New opens a channel on dom. Committed batches run under ctx until Close.
func New(ctx context.Context, tr transport.Transport, dom rendezvous.Domain, backend Backend, opts ...Option) *Channel {
	if backend == nil {
		backend = BatchedP2P{}
	}
	c := &Channel{
		dom:     dom,
		backend: backend,
		tr:      tr,
		log:     logger.Discard(),
		batches: make(chan batch, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("group", dom.Kind.String(), "traffic", c.traffic.String())
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.stream()
	return c
}

func (c *Channel) stream() {
	for b := range c.batches {
		b.done <- c.backend.Run(c.ctx, c.tr, b.ops)
	}
}

// Rank is this endpoint's position in the group.
func (c *Channel) Rank() int { return c.dom.Rank }

// Size is the number of ranks on the ring.
func (c *Channel) Size() int { return c.dom.Size() }

// Next is the global rank this channel sends to.
func (c *Channel) Next() int { return c.dom.Global(c.dom.Next()) }

// Prev is the global rank this channel receives from.
func (c *Channel) Prev() int { return c.dom.Global(c.dom.Prev()) }

// Domain returns the communicator this channel was built on.
func (c *Channel) Domain() rendezvous.Domain { return c.dom }

// Traffic returns the traffic kind fixed at construction.
func (c *Channel) Traffic() Traffic { return c.traffic }

// Backend returns the backend name.
func (c *Channel) Backend() string { return c.backend.Name() }

// Stats returns a snapshot of the counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Exchanges:     c.exchanges.Load(),
		BytesSent:     c.sent.Load(),
		BytesReceived: c.received.Load(),
		Reallocs:      c.reallocs.Load(),
	}
}

// SendRecv issues a send of t to Next and a receive from Prev into a new
// buffer, which is returned at once. Its contents are valid after Wait.
func (c *Channel) SendRecv(t *tensor.Tensor) *tensor.Tensor {
	return c.SendRecvInto(t, nil)
}

// SendRecvInto is SendRecv with a caller-supplied receive buffer. If recv does
// not match t's shape and dtype it is left untouched and a new buffer is used
// instead; always use the returned tensor.
//
// t is encoded before SendRecvInto returns, so the caller may reuse it
// immediately. The returned buffer belongs to the channel until Wait.
func (c *Channel) SendRecvInto(t, recv *tensor.Tensor) *tensor.Tensor {
	if recv == nil || !recv.SameLayout(t) {
		if recv != nil {
			c.reallocs.Add(1)
			c.log.Debug("receive buffer reallocated", "want", t.Shape.String(), "have", recv.Shape.String())
		}
		recv = tensor.New(t.Shape, t.DType)
	}
	c.exchanges.Add(1)

	payload := t.DType.Encode(nil, t.Data)
	if c.Size() == 1 {
		// a ring of one sends to itself
		_ = t.DType.Decode(recv.Data, payload)
		return recv
	}

	self := c.dom.Global(c.dom.Rank)
	send := Op{Send: true, Frame: &transport.Frame{
		Domain: c.dom.ID, Src: self, Dst: c.Next(), Seq: c.sendSeq,
		Shape: t.Shape, DType: t.DType, Payload: payload,
	}}
	rcv := Op{Buf: recv, Frame: &transport.Frame{
		Domain: c.dom.ID, Src: c.Prev(), Dst: self, Seq: c.recvSeq,
		Shape: t.Shape, DType: t.DType,
	}}
	c.sendSeq++
	c.recvSeq++
	c.sent.Add(int64(len(payload)))
	c.received.Add(int64(len(payload)))

	if c.dom.Rank%2 == 0 {
		c.pending = append(c.pending, send, rcv)
	} else {
		c.pending = append(c.pending, rcv, send)
	}
	return recv
}

// Commit hands every issued operation to the communication goroutine and
// returns without waiting.
func (c *Channel) Commit() {
	if len(c.pending) == 0 {
		return
	}
	done := make(chan error, 1)
	c.mu.Lock()
	if c.closed {
		done <- ErrClosed
	} else {
		select {
		case c.batches <- batch{ops: c.pending, done: done}:
		case <-c.ctx.Done():
			done <- ErrClosed
		}
	}
	c.mu.Unlock()
	c.inflight = append(c.inflight, done)
	c.pending = nil
}

// Wait blocks until every committed batch has completed and returns the first
// failure. Issued but uncommitted operations are a usage error.
func (c *Channel) Wait(ctx context.Context) error {
	if len(c.pending) > 0 {
		return ErrUncommitted
	}
	var first error
	for i, done := range c.inflight {
		select {
		case err := <-done:
			if err != nil && first == nil {
				first = err
			}
		case <-ctx.Done():
			c.inflight = c.inflight[i:]
			return ctx.Err()
		}
	}
	c.inflight = c.inflight[:0]
	return first
}

// Close stops the communication goroutine. In-flight transfers are cancelled.
func (c *Channel) Close() error {
	// cancel first so a Commit blocked on a full queue lets go of mu
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.batches)
	}
	return nil
}
