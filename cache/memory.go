package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryProvider is a bounded in-process cache. The LRU evicts by size and
// by maxTTL; entries stored with a shorter TTL also carry their own expiry.
type MemoryProvider struct {
	entries *lru.LRU[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryProvider creates a provider holding at most maxEntries values,
// none of which lives longer than maxTTL.
func NewMemoryProvider(maxEntries int, maxTTL time.Duration) *MemoryProvider {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if maxTTL <= 0 {
		maxTTL = defaultTTL
	}
	return &MemoryProvider{
		entries: lru.NewLRU[string, memoryEntry](maxEntries, nil, maxTTL),
		now:     time.Now,
	}
}

func (provider *MemoryProvider) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, ok := provider.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !provider.now().Before(entry.expiresAt) {
		provider.entries.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (provider *MemoryProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = provider.now().Add(ttl)
	}
	provider.entries.Add(key, entry)
	return nil
}

func (provider *MemoryProvider) Delete(ctx context.Context, key string) error {
	provider.entries.Remove(key)
	return nil
}

func (provider *MemoryProvider) Clear(ctx context.Context) error {
	provider.entries.Purge()
	return nil
}

// Len returns the number of entries held, including ones not yet swept.
func (provider *MemoryProvider) Len() int {
	return provider.entries.Len()
}
