// Package rendezvous is the key-value meeting point ranks use to agree on
// communicator ids before any point-to-point traffic flows.
package rendezvous

import (
	"context"
	"sort"
	"sync"

	"github.com/unixpickle/essentials"
)

// Store is a write-once-read-many key-value store. Get blocks until the key
// has been set or ctx is done.
type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// MemStore is an in-process Store.
type MemStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	waiters map[string][]chan struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		data:    make(map[string][]byte),
		waiters: make(map[string][]chan struct{}),
	}
}

func (s *MemStore) Set(_ context.Context, key string, value []byte) error {
	v := append([]byte(nil), value...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = v
	for _, ch := range s.waiters[key] {
		close(ch)
	}
	delete(s.waiters, key)
	return nil
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	if v, ok := s.data[key]; ok {
		s.mu.Unlock()
		return append([]byte(nil), v...), nil
	}
	ch := make(chan struct{})
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		return append([]byte(nil), s.data[key]...), nil
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		waiters := s.waiters[key]
		for i, w := range waiters {
			if w == ch {
				essentials.UnorderedDelete(&waiters, i)
				break
			}
		}
		if len(waiters) == 0 {
			delete(s.waiters, key)
		} else {
			s.waiters[key] = waiters
		}
		return nil, ctx.Err()
	}
}

// Lookup returns the value without blocking.
func (s *MemStore) Lookup(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Keys lists the keys set so far, sorted.
func (s *MemStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Waiting returns the number of blocked Get calls.
func (s *MemStore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.waiters {
		n += len(w)
	}
	return n
}

type prefixStore struct {
	prefix string
	inner  Store
}

// Prefix namespaces every key of inner, so one store can serve many jobs.
func Prefix(inner Store, prefix string) Store {
	return &prefixStore{prefix: prefix + ".", inner: inner}
}

func (p *prefixStore) Set(ctx context.Context, key string, value []byte) error {
	return p.inner.Set(ctx, p.prefix+key, value)
}

func (p *prefixStore) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}
