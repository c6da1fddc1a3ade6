package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoopbackSendBlocksUntilRecv(t *testing.T) {
	t.Parallel()

	l := NewLoopback()
	defer l.Close()

	ctx := context.Background()
	sent := make(chan error, 1)
	go func() {
		sent <- l.Send(ctx, &Frame{Domain: "d", Src: 0, Dst: 1, Payload: []byte{1, 2, 3}})
	}()

	select {
	case err := <-sent:
		t.Fatalf("send completed before any receiver: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	f, err := l.Recv(ctx, "d", 0, 1)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(f.Payload) != 3 {
		t.Fatalf("unexpected payload %v", f.Payload)
	}
	if err := <-sent; err != nil {
		t.Fatalf("send: %v", err)
	}
	if l.Frames() != 1 || l.Bytes() != 3 {
		t.Fatalf("stats frames=%d bytes=%d", l.Frames(), l.Bytes())
	}
}

func TestLoopbackLanesAreIsolated(t *testing.T) {
	t.Parallel()

	l := NewLoopback()
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		_ = l.Send(ctx, &Frame{Domain: "a", Src: 0, Dst: 1})
	}()
	if _, err := l.Recv(ctx, "b", 0, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline on foreign domain, got %v", err)
	}
}

func TestLoopbackFailUnblocksPeers(t *testing.T) {
	t.Parallel()

	l := NewLoopback()
	defer l.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := l.Recv(context.Background(), "d", 2, 3)
		errc <- err
	}()
	time.Sleep(5 * time.Millisecond)
	l.Fail(2)
	l.Fail(2)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrPeerUnreachable) {
			t.Fatalf("expected ErrPeerUnreachable, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver stayed blocked after peer failure")
	}

	if err := l.Send(context.Background(), &Frame{Domain: "d", Src: 3, Dst: 2}); !errors.Is(err, ErrPeerUnreachable) {
		t.Fatalf("send to failed rank: %v", err)
	}
}

func TestLoopbackClose(t *testing.T) {
	t.Parallel()

	l := NewLoopback()
	errc := make(chan error, 1)
	go func() {
		errc <- l.Send(context.Background(), &Frame{Domain: "d", Src: 0, Dst: 1})
	}()
	time.Sleep(5 * time.Millisecond)
	_ = l.Close()
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
