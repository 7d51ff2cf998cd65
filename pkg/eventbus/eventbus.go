// Package eventbus provides a small lock-free pub/sub used to hand gateway
// events to out-of-process-scope consumers (metrics, dashboards). Slow
// subscribers drop events rather than stall publishers.
package eventbus

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Bus fans events of type T out to subscribers with per-subscriber buffers.
type Bus[T any] struct {
	subscribers *xsync.Map[string, *subscriber[T]]
	seq         atomic.Uint64
	isShutdown  atomic.Bool
	bufferSize  int
}

type subscriber[T any] struct {
	id         string
	ch         chan T
	dropped    atomic.Uint64
	lastActive atomic.Int64
}

const DefaultBufferSize = 128

// New creates a bus with the given per-subscriber buffer size.
func New[T any](bufferSize int) *Bus[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus[T]{
		subscribers: xsync.NewMap[string, *subscriber[T]](),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a receive channel and a cleanup func. The subscription
// also ends when ctx is cancelled.
func (b *Bus[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	if b.isShutdown.Load() {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := "sub_" + strconv.FormatUint(b.seq.Add(1), 10)
	sub := &subscriber[T]{id: id, ch: make(chan T, b.bufferSize)}
	sub.lastActive.Store(time.Now().UnixNano())
	b.subscribers.Store(id, sub)

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return sub.ch, func() { b.unsubscribe(id) }
}

// Publish delivers the event to every subscriber that has buffer space and
// returns the delivered count. Full subscribers record a drop.
func (b *Bus[T]) Publish(event T) int {
	if b.isShutdown.Load() {
		return 0
	}

	delivered := 0
	now := time.Now().UnixNano()
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		select {
		case sub.ch <- event:
			sub.lastActive.Store(now)
			delivered++
		default:
			sub.dropped.Add(1)
		}
		return true
	})
	return delivered
}

// Stats summarises bus state for diagnostics.
type Stats struct {
	Subscribers  int
	TotalDropped uint64
	IsShutdown   bool
}

func (b *Bus[T]) Stats() Stats {
	s := Stats{IsShutdown: b.isShutdown.Load()}
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		s.Subscribers++
		s.TotalDropped += sub.dropped.Load()
		return true
	})
	return s
}

// Shutdown closes all subscriber channels. Publish becomes a no-op.
func (b *Bus[T]) Shutdown() {
	if !b.isShutdown.CompareAndSwap(false, true) {
		return
	}
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		close(sub.ch)
		return true
	})
	b.subscribers.Clear()
}

func (b *Bus[T]) unsubscribe(id string) {
	if sub, ok := b.subscribers.LoadAndDelete(id); ok {
		close(sub.ch)
	}
}
