package kernel

import "runtime"

type task struct {
	fn     func(lo, hi int)
	lo, hi int
	done   chan struct{}
}

// Pool is a fixed set of goroutines that split a range of independent
// attention rows (heads, kv heads) between them.
type Pool struct {
	Size  int
	tasks chan task
}

// WorkersFor caps the worker count at the number of units to split.
func WorkersFor(units int) int {
	workers := runtime.GOMAXPROCS(0)
	if units > 0 && workers > units {
		workers = units
	}
	return max(workers, 1)
}

// NewPool starts workers goroutines. They live until Close.
func NewPool(workers int) *Pool {
	workers = max(workers, 1)
	p := &Pool{
		Size:  workers,
		tasks: make(chan task, workers*2),
	}
	for i := 0; i < workers; i++ {
		go func() {
			for t := range p.tasks {
				t.fn(t.lo, t.hi)
				t.done <- struct{}{}
			}
		}()
	}
	return p
}

// Run calls fn on disjoint sub-ranges covering [0, n) and returns when all
// calls have finished.
func (p *Pool) Run(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if p == nil || p.Size == 1 || n == 1 {
		fn(0, n)
		return
	}
	chunks := min(p.Size, n)
	step := (n + chunks - 1) / chunks
	done := make(chan struct{}, chunks)
	issued := 0
	for lo := 0; lo < n; lo += step {
		p.tasks <- task{fn: fn, lo: lo, hi: min(lo+step, n), done: done}
		issued++
	}
	for ; issued > 0; issued-- {
		<-done
	}
}

// Close stops the workers.
func (p *Pool) Close() {
	close(p.tasks)
}
