// Package pool keeps released objects for reuse.
package pool

import "sync"

// SlicePool is a LIFO free list bounded by max. Unlike sync.Pool it is not
// emptied by the GC.
type SlicePool[T any] struct {
	alloc func() T
	max   int

	mu   sync.Mutex
	free []T
}

// New returns a pool holding at most max released objects. alloc makes a
// new one when the pool is empty.
func New[T any](max int, alloc func() T) *SlicePool[T] {
	if max < 1 {
		panic("assertion error: max < 1")
	}
	return &SlicePool[T]{alloc: alloc, max: max, free: make([]T, 0, max)}
}

func (p *SlicePool[T]) Get() T {
	p.mu.Lock()
	l := len(p.free)
	if l == 0 {
		p.mu.Unlock()
		return p.alloc()
	}
	v := p.free[l-1]
	var zero T
	p.free[l-1] = zero
	p.free = p.free[:l-1]
	p.mu.Unlock()
	return v
}

// Put returns v to the pool. v is dropped when the pool is full.
func (p *SlicePool[T]) Put(v T) {
	p.mu.Lock()
	if len(p.free) < p.max {
		p.free = append(p.free, v)
	}
	p.mu.Unlock()
}

func (p *SlicePool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
