package registry

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dealflow-labs/ai-relay/internal/metrics"
	"github.com/dealflow-labs/ai-relay/providers"
)

type cacheEntry struct {
	key       string
	snapshot  []providers.TenantProvider
	expiresAt time.Time
}

type fetchCall struct {
	done     chan struct{}
	snapshot []providers.TenantProvider
	err      error
}

// Cache is a thread-safe TTL snapshot cache over a Store, bounded by an LRU
// eviction list. Within one TTL window every caller for a tenant sees the
// identical snapshot; after expiry exactly one fetch runs no matter how many
// callers observe the expiry at once, the rest wait for its result. Fetch
// failures are never cached.
type Cache struct {
	mu        sync.Mutex
	store     Store
	capacity  int
	ttl       time.Duration
	items     map[string]*list.Element
	evictList *list.List
	inflight  map[string]*fetchCall
	now       func() time.Time
}

// NewCache creates a Cache over store holding at most capacity tenant
// snapshots, each valid for ttl.
func NewCache(store Store, capacity int, ttl time.Duration) *Cache {
	return &Cache{
		store:     store,
		capacity:  capacity,
		ttl:       ttl,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		inflight:  make(map[string]*fetchCall),
		now:       time.Now,
	}
}

// Get returns the provider snapshot for a tenant, fetching from the store
// when the cached copy is missing or expired. Callers must treat the
// returned slice as read-only; it is shared across requests.
func (c *Cache) Get(ctx context.Context, tenantID string) ([]providers.TenantProvider, error) {
	c.mu.Lock()

	if elem, ok := c.items[tenantID]; ok {
		entry := elem.Value.(*cacheEntry)
		if c.now().Before(entry.expiresAt) {
			c.evictList.MoveToFront(elem)
			c.mu.Unlock()
			metrics.RegistryCacheHits.Inc()
			return entry.snapshot, nil
		}
	}

	// Join an in-flight fetch if one exists, otherwise own it.
	if call, ok := c.inflight[tenantID]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.snapshot, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &fetchCall{done: make(chan struct{})}
	c.inflight[tenantID] = call
	c.mu.Unlock()

	metrics.RegistryCacheMisses.Inc()
	snapshot, err := c.store.ListByTenant(ctx, tenantID)

	c.mu.Lock()
	delete(c.inflight, tenantID)
	if err == nil {
		c.put(tenantID, snapshot)
	}
	c.mu.Unlock()

	call.snapshot = snapshot
	call.err = err
	close(call.done)
	return snapshot, err
}

// Invalidate drops a tenant's snapshot so the next read refetches. Called
// after a provider is connected or removed.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[tenantID]; ok {
		c.removeElement(elem)
	}
}

// Len returns the number of cached tenant snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// put stores a snapshot under c.mu.
func (c *Cache) put(tenantID string, snapshot []providers.TenantProvider) {
	if elem, ok := c.items[tenantID]; ok {
		c.evictList.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.snapshot = snapshot
		entry.expiresAt = c.now().Add(c.ttl)
		return
	}
	if c.evictList.Len() >= c.capacity {
		if oldest := c.evictList.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
	entry := &cacheEntry{key: tenantID, snapshot: snapshot, expiresAt: c.now().Add(c.ttl)}
	c.items[tenantID] = c.evictList.PushFront(entry)
}

func (c *Cache) removeElement(elem *list.Element) {
	c.evictList.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}
