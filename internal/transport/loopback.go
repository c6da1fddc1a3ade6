package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

type lane struct {
	domain   string
	src, dst int
}

// Loopback is an in-process fabric shared by every rank of a job. Each
// (domain, src, dst) triple gets its own unbuffered channel, so a send only
// completes when the receiver is ready, like a rendezvous point-to-point
// transfer.
type Loopback struct {
	mu    sync.Mutex
	lanes map[lane]chan *Frame
	dead  map[int]chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	frames atomic.Int64
	bytes  atomic.Int64
}

// NewLoopback creates an empty fabric.
func NewLoopback() *Loopback {
	return &Loopback{
		lanes:  make(map[lane]chan *Frame),
		dead:   make(map[int]chan struct{}),
		closed: make(chan struct{}),
	}
}

func (l *Loopback) lane(domain string, src, dst int) chan *Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := lane{domain: domain, src: src, dst: dst}
	ch, ok := l.lanes[key]
	if !ok {
		ch = make(chan *Frame)
		l.lanes[key] = ch
	}
	return ch
}

func (l *Loopback) deadCh(rank int) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.dead[rank]
	if !ok {
		ch = make(chan struct{})
		l.dead[rank] = ch
	}
	return ch
}

// Fail marks rank as crashed. Every pending and future transfer involving it
// returns ErrPeerUnreachable.
func (l *Loopback) Fail(rank int) {
	ch := l.deadCh(rank)
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Close unblocks every pending transfer with ErrClosed.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// Frames returns the number of frames delivered so far.
func (l *Loopback) Frames() int64 { return l.frames.Load() }

// Bytes returns the payload bytes delivered so far.
func (l *Loopback) Bytes() int64 { return l.bytes.Load() }

func (l *Loopback) check(src, dst int) (srcDead, dstDead chan struct{}, err error) {
	select {
	case <-l.closed:
		return nil, nil, ErrClosed
	default:
	}
	srcDead, dstDead = l.deadCh(src), l.deadCh(dst)
	for _, ch := range []chan struct{}{srcDead, dstDead} {
		select {
		case <-ch:
			return nil, nil, errors.Wrapf(ErrPeerUnreachable, "transfer %d->%d", src, dst)
		default:
		}
	}
	return srcDead, dstDead, nil
}

func (l *Loopback) Send(ctx context.Context, f *Frame) error {
	srcDead, dstDead, err := l.check(f.Src, f.Dst)
	if err != nil {
		return err
	}
	select {
	case l.lane(f.Domain, f.Src, f.Dst) <- f:
		l.frames.Add(1)
		l.bytes.Add(int64(len(f.Payload)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrClosed
	case <-srcDead:
		return errors.Wrapf(ErrPeerUnreachable, "send %d->%d", f.Src, f.Dst)
	case <-dstDead:
		return errors.Wrapf(ErrPeerUnreachable, "send %d->%d", f.Src, f.Dst)
	}
}

func (l *Loopback) Recv(ctx context.Context, domain string, src, dst int) (*Frame, error) {
	srcDead, dstDead, err := l.check(src, dst)
	if err != nil {
		return nil, err
	}
	select {
	case f := <-l.lane(domain, src, dst):
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrClosed
	case <-srcDead:
		return nil, errors.Wrapf(ErrPeerUnreachable, "recv %d<-%d", dst, src)
	case <-dstDead:
		return nil, errors.Wrapf(ErrPeerUnreachable, "recv %d<-%d", dst, src)
	}
}
