// Package pool provides a typed wrapper over sync.Pool for objects that can
// be reset before reuse.
package pool

import (
	"sync"
)

// Resetter is implemented by objects that can be cleared for reuse.
type Resetter interface {
	Reset()
}

// Pool is a generic pool of objects that implement the Resetter interface.
type Pool[T Resetter] struct {
	pool sync.Pool
}

// New creates a pool that builds fresh objects with newFn when empty.
func New[T Resetter](newFn func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return newFn()
			},
		},
	}
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put resets obj and places it back into the pool.
func (p *Pool[T]) Put(obj T) {
	obj.Reset()
	p.pool.Put(obj)
}
