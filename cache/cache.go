// Package cache is the key/value cache module.
//
// The access module keeps read-through copies of user profiles here and
// overwrites them only after a role change has been stored. Two providers
// ship with the module: an in-process expirable LRU (default) and Redis for
// deployments where several console processes share one cache.
//
// Configure via config.yaml:
//
//	cache:
//	  provider: redis        # or memory
//	  default_ttl: 10m
//	  max_entries: 4096      # memory only
//	  redis_addr: localhost:6379
//	  key_prefix: "gymops:"  # redis only
//
// Or programmatically:
//
//	cache.New(cache.WithDefaultTTL(10 * time.Minute))
//	cache.New(cache.WithProvider(cache.NewRedisProvider(client, "gymops:")))
package cache

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/talosaether/gymops"
)

// Provider stores byte values under string keys. A Get miss and an
// unreachable backend look the same to callers.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

const (
	defaultTTL        = 5 * time.Minute
	defaultMaxEntries = 4096
	defaultKeyPrefix  = "gymops:"
	defaultRedisAddr  = "localhost:6379"
)

// Module fronts one Provider chosen at Init.
type Module struct {
	provider   Provider
	defaultTTL time.Duration
	maxEntries int
}

type Option func(*Module)

// WithProvider skips provider selection in Init.
func WithProvider(provider Provider) Option {
	return func(mod *Module) { mod.provider = provider }
}

// WithDefaultTTL sets the lifetime used by Set.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(mod *Module) { mod.defaultTTL = ttl }
}

// WithMaxEntries bounds the memory provider. Redis ignores it.
func WithMaxEntries(n int) Option {
	return func(mod *Module) { mod.maxEntries = n }
}

func New(opts ...Option) *Module {
	mod := &Module{defaultTTL: defaultTTL, maxEntries: defaultMaxEntries}
	for _, opt := range opts {
		opt(mod)
	}
	return mod
}

func (mod *Module) Name() string { return "cache" }

// Init applies the cache config section and, unless WithProvider was used,
// builds the configured provider. A redis provider must answer PING.
func (mod *Module) Init(ctx context.Context, app *gymops.App) error {
	kind, addr, prefix := "memory", defaultRedisAddr, defaultKeyPrefix
	if cfg := app.ConfigData(); cfg != nil {
		mod.defaultTTL = cfg.GetDuration("cache.default_ttl", mod.defaultTTL)
		if n := cfg.GetInt("cache.max_entries"); n > 0 {
			mod.maxEntries = n
		}
		kind = cmp.Or(cfg.GetString("cache.provider"), kind)
		addr = cmp.Or(cfg.GetString("cache.redis_addr"), addr)
		prefix = cmp.Or(cfg.GetString("cache.key_prefix"), prefix)
	}

	if mod.provider != nil {
		kind = fmt.Sprintf("%T", mod.provider)
	} else {
		provider, err := mod.newProvider(ctx, kind, addr, prefix)
		if err != nil {
			return err
		}
		mod.provider = provider
	}

	app.Logger().Info("cache ready", "provider", kind, "default_ttl", mod.defaultTTL)
	return nil
}

func (mod *Module) newProvider(ctx context.Context, kind, addr, prefix string) (Provider, error) {
	switch kind {
	case "memory":
		return NewMemoryProvider(mod.maxEntries, mod.defaultTTL), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis at %s: %w", addr, err)
		}
		return NewRedisProvider(client, prefix), nil
	default:
		return nil, fmt.Errorf("unknown cache provider %q", kind)
	}
}

// Shutdown closes providers that hold connections and clears the rest.
func (mod *Module) Shutdown(ctx context.Context) error {
	if mod.provider == nil {
		return nil
	}
	if closer, ok := mod.provider.(io.Closer); ok {
		return closer.Close()
	}
	return mod.provider.Clear(ctx)
}

func (mod *Module) Get(ctx context.Context, key string) ([]byte, bool) {
	return mod.provider.Get(ctx, key)
}

// Set stores value for the module's default TTL.
func (mod *Module) Set(ctx context.Context, key string, value []byte) error {
	return mod.provider.Set(ctx, key, value, mod.defaultTTL)
}

// SetWithTTL stores value for ttl.
func (mod *Module) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return mod.provider.Set(ctx, key, value, ttl)
}

func (mod *Module) Delete(ctx context.Context, key string) error {
	return mod.provider.Delete(ctx, key)
}

// Clear drops every entry the provider owns. Redis clears only its prefix.
func (mod *Module) Clear(ctx context.Context) error {
	return mod.provider.Clear(ctx)
}
