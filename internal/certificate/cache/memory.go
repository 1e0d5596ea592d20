package cache

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is the default single-process cache. It wraps go-cache for the
// TTL accounting and janitor; prefix invalidation walks the snapshot, which is
// fine at dashboard record counts.
type MemoryStore struct {
	engine *gocache.Cache
}

// NewMemoryStore builds a memory store. defaultTTL applies when Set receives a
// non-positive TTL; expired entries are swept every cleanupInterval.
func NewMemoryStore(defaultTTL, cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{engine: gocache.New(defaultTTL, cleanupInterval)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	value, ok := m.engine.Get(key)
	if !ok {
		return nil, false
	}
	raw, ok := value.([]byte)
	return raw, ok
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.engine.Set(key, value, ttl)
}

func (m *MemoryStore) Invalidate(_ context.Context, key string) {
	m.engine.Delete(key)
}

func (m *MemoryStore) InvalidateByPrefix(_ context.Context, prefix string) {
	for key := range m.engine.Items() {
		if strings.HasPrefix(key, prefix) {
			m.engine.Delete(key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
