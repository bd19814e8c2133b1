package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSharedTimeout = 50 * time.Millisecond
	defaultLoadTimeout   = 5 * time.Second
)

// Config describes one tier.
type Config struct {
	// Name labels the tier in keys and logs. Tiers never share keys.
	Name     string
	Capacity int
	TTL      time.Duration
	// KeyPrefix namespaces the shared layer. Ignored without a Redis client.
	KeyPrefix string
	// SharedTimeout bounds each shared-layer call. Zero means 50ms.
	SharedTimeout time.Duration
	// LoadTimeout bounds a coalesced GetOrLoad load. Zero means 5s.
	LoadTimeout time.Duration
	// Observe, when set, is called once per lookup with the outcome.
	Observe func(tier string, hit bool)
}

// Stats is a point-in-time view of tier counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Len    int
}

// Tier is a bounded, time-limited cache for one class of data. Entries live
// in an in-process LRU and, when a Redis client is supplied, in a shared
// layer visible to every instance. An entry is never served more than TTL
// after it was stored.
//
// The shared layer fails open: any Redis error is logged and treated as a
// miss so a cache outage never fails a request.
type Tier[V any] struct {
	name    string
	ttl     time.Duration
	local   *expirable.LRU[string, V]
	redis   redis.UniversalClient
	prefix  string
	timeout time.Duration
	loadTTL time.Duration
	observe func(string, bool)
	log     zerolog.Logger
	group   singleflight.Group

	// mu orders load write-backs against invalidations; gen counts the
	// invalidations so a load that raced one is not written back.
	mu  sync.Mutex
	gen uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewTier builds a tier. rdb may be nil for a process-local tier.
func NewTier[V any](cfg Config, rdb redis.UniversalClient, log zerolog.Logger) (*Tier[V], error) {
	if cfg.Name == "" {
		return nil, errors.New("cache tier name is required")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache tier %s: capacity must be positive", cfg.Name)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache tier %s: ttl must be positive", cfg.Name)
	}
	if cfg.SharedTimeout <= 0 {
		cfg.SharedTimeout = defaultSharedTimeout
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}

	return &Tier[V]{
		name:    cfg.Name,
		ttl:     cfg.TTL,
		local:   expirable.NewLRU[string, V](cfg.Capacity, nil, cfg.TTL),
		redis:   rdb,
		prefix:  cfg.KeyPrefix + ":c:" + cfg.Name + ":",
		timeout: cfg.SharedTimeout,
		loadTTL: cfg.LoadTimeout,
		observe: cfg.Observe,
		log:     log.With().Str("cache_tier", cfg.Name).Logger(),
	}, nil
}

// Name returns the tier label.
func (t *Tier[V]) Name() string { return t.name }

// TTL returns the configured entry lifetime.
func (t *Tier[V]) TTL() time.Duration { return t.ttl }

// Get looks key up locally, then in the shared layer. Shared hits are not
// copied into the local LRU: the shared entry already carries its own
// remaining lifetime and re-inserting it would restart the clock.
func (t *Tier[V]) Get(ctx context.Context, key string) (V, bool) {
	v, ok := t.get(ctx, key)
	t.record(ok)
	return v, ok
}

func (t *Tier[V]) get(ctx context.Context, key string) (V, bool) {
	if v, ok := t.local.Get(key); ok {
		return v, true
	}
	var zero V
	if t.redis == nil {
		return zero, false
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	data, err := t.redis.Get(ctx, t.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			t.log.Warn().Err(err).Msg("shared cache read failed; treating as miss")
		}
		return zero, false
	}
	var v V
	if err := cbor.Unmarshal(data, &v); err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("shared cache entry undecodable; treating as miss")
		return zero, false
	}
	return v, true
}

// Put stores value under key in both layers.
func (t *Tier[V]) Put(ctx context.Context, key string, value V) {
	t.local.Add(key, value)
	if t.redis == nil {
		return
	}

	data, err := cbor.Marshal(value)
	if err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("cache value not encodable; kept local only")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.redis.Set(ctx, t.prefix+key, data, t.ttl).Err(); err != nil {
		t.log.Warn().Err(err).Msg("shared cache write failed")
	}
}

// Invalidate drops key from both layers. Other instances may still serve
// their local copy until it expires. A GetOrLoad already in flight still
// returns its result but does not store it.
func (t *Tier[V]) Invalidate(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.group.Forget(key)
	t.local.Remove(key)
	if t.redis == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.redis.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache tier %s: invalidate %q: %w", t.name, key, err)
	}
	return nil
}

// GetOrLoad returns the cached value for key or calls load once, even when
// many callers miss concurrently. Load errors are returned and not cached.
//
// The load runs detached from any single caller, bounded by LoadTimeout, so
// one cancelled request does not fail the others waiting on it. A caller
// whose own context ends stops waiting and gets the context error.
func (t *Tier[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := t.Get(ctx, key); ok {
		return v, nil
	}

	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	ch := t.group.DoChan(key, func() (interface{}, error) {
		if v, ok := t.local.Get(key); ok {
			return v, nil
		}
		lctx, cancel := context.WithTimeout(detached, t.loadTTL)
		defer cancel()
		v, err := load(lctx)
		if err != nil {
			return nil, err
		}
		t.storeLoaded(detached, key, v, gen)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// storeLoaded writes a loaded value back unless key was invalidated since
// the load began.
func (t *Tier[V]) storeLoaded(ctx context.Context, key string, v V, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return
	}
	t.Put(ctx, key, v)
}

// Purge empties the local layer.
func (t *Tier[V]) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.local.Purge()
}

// Stats returns hit and miss counters and the local entry count.
func (t *Tier[V]) Stats() Stats {
	return Stats{
		Hits:   t.hits.Load(),
		Misses: t.misses.Load(),
		Len:    t.local.Len(),
	}
}

func (t *Tier[V]) record(hit bool) {
	if hit {
		t.hits.Add(1)
	} else {
		t.misses.Add(1)
	}
	if t.observe != nil {
		t.observe(t.name, hit)
	}
}
