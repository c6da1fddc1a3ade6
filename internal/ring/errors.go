package ring

import "github.com/pkg/errors"

var (
	// ErrBufferMismatch is returned when a received frame does not fit the
	// buffer posted for it.
	ErrBufferMismatch = errors.New("ring: buffer shape or dtype mismatch")
	// ErrSequence is returned when frames arrive out of issue order.
	ErrSequence = errors.New("ring: frame out of sequence")
	// ErrUncommitted is returned by Wait when operations were issued but
	// never committed.
	ErrUncommitted = errors.New("ring: wait with uncommitted operations")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ring: channel closed")
	// ErrUnknownBackend is returned by NewBackend for unsupported names.
	ErrUnknownBackend = errors.New("ring: unknown backend")
)
