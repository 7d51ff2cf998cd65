package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
	"github.com/thushan/porter/internal/reqctx"
)

// ErrUnknownCredentialRef is returned for references no store was registered
// under. Caught at startup by Validate; at runtime it means a config edit
// raced a request.
type ErrUnknownCredentialRef struct {
	Ref string
}

func (e *ErrUnknownCredentialRef) Error() string {
	return fmt.Sprintf("unknown credential reference: %s", e.Ref)
}

type cacheEntry struct {
	cred     domain.Credential
	cachedAt time.Time
	staleAt  time.Time // min(cachedAt+ttl, cred.ExpiresAt)
}

// ResolverConfig tunes caching and resolution deadlines.
type ResolverConfig struct {
	DefaultTTL        time.Duration
	MaxEntries        int
	SweepInterval     time.Duration
	ResolutionTimeout time.Duration
}

// Resolver fronts the configured stores with a TTL cache. Concurrent requests
// for the same reference share a single fetch; expired entries are refetched
// inline and swept in the background.
type Resolver struct {
	stores map[string]ports.CredentialStore
	ttls   map[string]time.Duration
	cfg    ResolverConfig

	cache    *xsync.Map[string, *cacheEntry]
	inflight singleflight.Group

	bus    ports.Publisher
	logger *logger.StyledLogger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewResolver builds a resolver over the given stores and starts the expiry
// sweep. ttls carries per-store overrides; zero falls back to the default.
func NewResolver(stores map[string]ports.CredentialStore, ttls map[string]time.Duration, cfg ResolverConfig, bus ports.Publisher, log *logger.StyledLogger) *Resolver {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = constants.DefaultCredentialCacheTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = constants.DefaultCredentialCacheSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = constants.DefaultCredentialSweepEvery
	}
	if cfg.ResolutionTimeout <= 0 {
		cfg.ResolutionTimeout = constants.DefaultCredentialResolutionTimeout
	}

	r := &Resolver{
		stores: stores,
		ttls:   ttls,
		cfg:    cfg,
		cache:  xsync.NewMap[string, *cacheEntry](),
		bus:    bus,
		logger: log,
		stopCh: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// Resolve returns signing material for ref, from cache when fresh. A cache
// miss fetches under a deadline of min(resolution timeout, request
// remaining); concurrent misses for the same ref share one fetch.
func (r *Resolver) Resolve(rc *reqctx.RequestContext, ref string) (domain.Credential, error) {
	now := time.Now()
	if e, ok := r.cache.Load(ref); ok && now.Before(e.staleAt) {
		return e.cred, nil
	}

	ctx, cancel, err := rc.Child(r.cfg.ResolutionTimeout)
	if err != nil {
		return domain.Credential{}, err
	}
	defer cancel()

	return r.fetch(ctx, ref)
}

// fetch performs the deduplicated store fetch and caches the result.
func (r *Resolver) fetch(ctx context.Context, ref string) (domain.Credential, error) {
	v, err, _ := r.inflight.Do(ref, func() (any, error) {
		store, ok := r.stores[ref]
		if !ok {
			return nil, &ErrUnknownCredentialRef{Ref: ref}
		}

		cred, err := store.Fetch(ctx)
		if err != nil {
			return nil, err
		}

		r.store(ref, cred, time.Now())
		if r.bus != nil {
			r.bus.Publish(domain.GatewayEvent{
				Type:   domain.EventCredentialResolved,
				Reason: ref,
				At:     time.Now(),
			})
		}
		return cred, nil
	})
	if err != nil {
		return domain.Credential{}, err
	}
	return v.(domain.Credential), nil
}

func (r *Resolver) store(ref string, cred domain.Credential, now time.Time) {
	ttl := r.ttls[ref]
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}

	staleAt := now.Add(ttl)
	if !cred.ExpiresAt.IsZero() && cred.ExpiresAt.Before(staleAt) {
		staleAt = cred.ExpiresAt
	}

	r.cache.Store(ref, &cacheEntry{cred: cred, cachedAt: now, staleAt: staleAt})

	if r.cache.Size() > r.cfg.MaxEntries {
		r.evictSoonestStale(ref)
	}
}

// evictSoonestStale removes the entry closest to expiry, excluding the one
// just written.
func (r *Resolver) evictSoonestStale(keep string) {
	var victim string
	var victimStale time.Time

	r.cache.Range(func(ref string, e *cacheEntry) bool {
		if ref == keep {
			return true
		}
		if victim == "" || e.staleAt.Before(victimStale) {
			victim = ref
			victimStale = e.staleAt
		}
		return true
	})

	if victim != "" {
		r.cache.Delete(victim)
		r.publishEviction(victim)
	}
}

// Validate checks the reference maps to a well-formed store.
func (r *Resolver) Validate(ref string) error {
	store, ok := r.stores[ref]
	if !ok {
		return &ErrUnknownCredentialRef{Ref: ref}
	}
	return store.Validate()
}

// Prewarm fetches the given references concurrently so the first requests do
// not pay resolution latency. Failures are logged, not fatal; the endpoint's
// first live request will retry.
func (r *Resolver) Prewarm(ctx context.Context, refs []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, ref := range refs {
		g.Go(func() error {
			if _, err := r.fetch(gctx, ref); err != nil && r.logger != nil {
				r.logger.Warn("Credential prewarm failed", "ref", ref, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Invalidate drops a cached credential, forcing the next Resolve to refetch.
func (r *Resolver) Invalidate(ref string) {
	if _, ok := r.cache.LoadAndDelete(ref); ok {
		r.publishEviction(ref)
	}
}

// Close stops the background sweep.
func (r *Resolver) Close() {
	r.stopped.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Resolver) publishEviction(ref string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(domain.GatewayEvent{
		Type:   domain.EventCredentialCacheEvct,
		Reason: ref,
		At:     time.Now(),
	})
}

func (r *Resolver) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Resolver) sweep(now time.Time) {
	r.cache.Range(func(ref string, e *cacheEntry) bool {
		if now.After(e.staleAt) {
			r.cache.Delete(ref)
			r.publishEviction(ref)
		}
		return true
	})
}
