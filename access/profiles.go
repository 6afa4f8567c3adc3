package access

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/talosaether/gymops/users"
)

// Cache is the byte cache the profile read-through uses. cache.Module
// satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CachedProfiles reads profiles through a cache and collapses concurrent
// reads of the same profile into one store call. Only Reflect writes a
// changed profile into the cache.
//
// Each id carries a version that Reflect and Forget bump. A load fills the
// cache only if the version it started under is still current, so a read
// that raced a role change cannot put the old role back.
type CachedProfiles struct {
	source ProfileSource
	cache  Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger

	mu       sync.Mutex
	versions map[string]uint64
}

// NewCachedProfiles wraps source. A nil cache disables caching but keeps
// the de-duplication.
func NewCachedProfiles(source ProfileSource, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedProfiles {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProfiles{
		source:   source,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		versions: map[string]uint64{},
	}
}

func profileKey(id string) string {
	return "access:profile:" + id
}

// GetProfile returns the cached copy of id or loads it from the source.
func (cp *CachedProfiles) GetProfile(ctx context.Context, id string) (*users.Profile, error) {
	if p, ok := cp.cached(ctx, id); ok {
		return p, nil
	}

	ch := cp.group.DoChan(id, func() (any, error) {
		version := cp.version(id)
		p, err := cp.source.GetProfile(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		cp.fill(ctx, p, version)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.(*users.Profile)
		copied := *shared
		return &copied, nil
	}
}

// Reflect caches profile as the current truth. Call it only after the store
// accepted the change. Loads already in flight for the id neither fill the
// cache nor are joined by later reads.
func (cp *CachedProfiles) Reflect(ctx context.Context, profile *users.Profile) {
	if profile == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.versions[profile.ID]++
	cp.group.Forget(profile.ID)
	cp.store(ctx, profile)
}

// Forget drops the cached copy of id and outdates loads in flight.
func (cp *CachedProfiles) Forget(ctx context.Context, id string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.versions[id]++
	cp.group.Forget(id)
	cp.drop(ctx, id)
}

func (cp *CachedProfiles) version(id string) uint64 {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.versions[id]
}

// fill stores a loaded profile unless the id was reflected or forgotten
// since version was read.
func (cp *CachedProfiles) fill(ctx context.Context, p *users.Profile, version uint64) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.versions[p.ID] != version {
		cp.logger.Debug("discarding outdated profile load", "user_id", p.ID)
		return
	}
	cp.store(ctx, p)
}

func (cp *CachedProfiles) drop(ctx context.Context, id string) {
	if cp.cache == nil {
		return
	}
	if err := cp.cache.Delete(ctx, profileKey(id)); err != nil {
		cp.logger.Warn("profile cache delete failed", "user_id", id, "error", err)
	}
}

func (cp *CachedProfiles) cached(ctx context.Context, id string) (*users.Profile, bool) {
	if cp.cache == nil {
		return nil, false
	}
	raw, ok := cp.cache.Get(ctx, profileKey(id))
	if !ok {
		return nil, false
	}
	var p users.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		cp.logger.Warn("dropping unreadable cached profile", "user_id", id, "error", err)
		cp.drop(ctx, id)
		return nil, false
	}
	return &p, true
}

func (cp *CachedProfiles) store(ctx context.Context, p *users.Profile) {
	if cp.cache == nil || p == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		cp.logger.Warn("profile not cached", "user_id", p.ID, "error", err)
		return
	}
	if err := cp.cache.SetWithTTL(ctx, profileKey(p.ID), raw, cp.ttl); err != nil {
		cp.logger.Warn("profile cache write failed", "user_id", p.ID, "error", err)
	}
}
