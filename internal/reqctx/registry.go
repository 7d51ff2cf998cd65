package reqctx

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Registry tracks active request contexts for observability. Readers may see
// slightly stale snapshots; that is fine for its consumers.
type Registry struct {
	entries *xsync.Map[string, *RequestContext]
	ticker  *time.Ticker
	stopCh  chan struct{}
}

// NewRegistry starts a registry whose sweep removes expired or cancelled
// entries at the given interval.
func NewRegistry(sweepInterval time.Duration) *Registry {
	r := &Registry{
		entries: xsync.NewMap[string, *RequestContext](),
		stopCh:  make(chan struct{}),
	}

	if sweepInterval > 0 {
		r.ticker = time.NewTicker(sweepInterval)
		go r.sweepLoop()
	}

	return r
}

// Track registers an active context under its request id.
func (r *Registry) Track(rc *RequestContext) {
	r.entries.Store(rc.ID, rc)
}

// Untrack removes a context, normally when the handler returns.
func (r *Registry) Untrack(id string) {
	r.entries.Delete(id)
}

// Get returns the context for a request id, if still active.
func (r *Registry) Get(id string) (*RequestContext, bool) {
	return r.entries.Load(id)
}

// ActiveCount returns the number of tracked contexts.
func (r *Registry) ActiveCount() int {
	return r.entries.Size()
}

// Close stops the sweep loop.
func (r *Registry) Close() {
	if r.ticker != nil {
		r.ticker.Stop()
		close(r.stopCh)
	}
}

func (r *Registry) sweepLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	var stale []string
	r.entries.Range(func(id string, rc *RequestContext) bool {
		if rc.IsCancelled() || now.After(rc.Deadline) {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		r.entries.Delete(id)
	}
}
