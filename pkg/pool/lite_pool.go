// Package pool wraps sync.Pool with type safety. Used on the streaming read
// path to recycle scanners and chunk buffers without interface{} casts.
package pool

import (
	"fmt"
	"sync"
)

// Resettable values are zeroed before being returned to the pool.
type Resettable interface {
	Reset()
}

type Pool[T any] struct {
	pool sync.Pool
}

func NewLitePool[T any](newFn func() T) (*Pool[T], error) {
	if newFn == nil {
		return nil, fmt.Errorf("litepool: constructor must not be nil")
	}
	if any(newFn()) == nil {
		return nil, fmt.Errorf("litepool: constructor returned nil")
	}

	return &Pool[T]{
		pool: sync.Pool{
			New: func() any { return newFn() },
		},
	}, nil
}

func (p *Pool[T]) Get() T {
	//nolint:forcetypeassert // safe due to validated constructor
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.pool.Put(v)
}
