package access

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/model"
)

type cacheEntry struct {
	access  model.UserAccess
	expires time.Time
}

// Resolver is a Source that caches another Source per subject. Failed loads
// are never cached.
type Resolver struct {
	source     Source
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver wraps source with a cache of the given TTL. A maxEntries of
// zero or less means unbounded.
func NewResolver(source Source, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		source:     source,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// UserAccess returns the cached access of the request subject, loading it
// from the underlying source on a miss. Requests without a subject bypass
// the cache.
func (r *Resolver) UserAccess(ctx context.Context) (model.UserAccess, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil || rctx.SubjectID == "" || r.ttl <= 0 {
		return r.source.UserAccess(ctx)
	}
	key := rctx.SubjectID

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		r.metrics.RecordAccessCacheHit()
		return entry.access, nil
	}
	r.metrics.RecordAccessCacheMiss()

	ua, err := r.source.UserAccess(ctx)
	if err != nil {
		return model.UserAccess{}, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictExpiredLocked()
		if len(r.cache) >= r.maxEntries {
			r.cache = make(map[string]cacheEntry)
		}
	}
	r.cache[key] = cacheEntry{access: ua, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return ua, nil
}

// Invalidate drops the cached access of a subject.
func (r *Resolver) Invalidate(subjectID string) {
	r.mu.Lock()
	delete(r.cache, subjectID)
	r.mu.Unlock()
}

// Len returns the number of cached subjects.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) evictExpiredLocked() {
	now := r.now()
	for k, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, k)
		}
	}
}
