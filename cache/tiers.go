package cache

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Tier names used in keys, logs and metrics.
const (
	TierAuth        = "auth"
	TierProfile     = "profile"
	TierPreferences = "preferences"
)

// TierSize is the capacity and lifetime of one tier.
type TierSize struct {
	Capacity int
	TTL      time.Duration
}

// TiersConfig sizes the three account tiers.
type TiersConfig struct {
	Auth          TierSize
	Profile       TierSize
	Preferences   TierSize
	KeyPrefix     string
	SharedTimeout time.Duration
	Observe       func(tier string, hit bool)
}

// DefaultTiersConfig returns the production sizing.
func DefaultTiersConfig() TiersConfig {
	return TiersConfig{
		Auth:        TierSize{Capacity: 100_000, TTL: time.Hour},
		Profile:     TierSize{Capacity: 50_000, TTL: 24 * time.Hour},
		Preferences: TierSize{Capacity: 10_000, TTL: 7 * 24 * time.Hour},
	}
}

// Tiers bundles the account caches. Auth holds decoded identities; profile
// and preference documents are kept as opaque encoded bytes.
type Tiers[A any] struct {
	Auth        *Tier[A]
	Profile     *Tier[[]byte]
	Preferences *Tier[[]byte]
}

// NewTiers builds all three tiers against the same optional Redis client.
func NewTiers[A any](cfg TiersConfig, rdb redis.UniversalClient, log zerolog.Logger) (*Tiers[A], error) {
	base := func(name string, size TierSize) Config {
		return Config{
			Name:          name,
			Capacity:      size.Capacity,
			TTL:           size.TTL,
			KeyPrefix:     cfg.KeyPrefix,
			SharedTimeout: cfg.SharedTimeout,
			Observe:       cfg.Observe,
		}
	}

	auth, err := NewTier[A](base(TierAuth, cfg.Auth), rdb, log)
	if err != nil {
		return nil, err
	}
	profile, err := NewTier[[]byte](base(TierProfile, cfg.Profile), rdb, log)
	if err != nil {
		return nil, err
	}
	prefs, err := NewTier[[]byte](base(TierPreferences, cfg.Preferences), rdb, log)
	if err != nil {
		return nil, err
	}
	return &Tiers[A]{Auth: auth, Profile: profile, Preferences: prefs}, nil
}

// Purge empties the local layer of every tier.
func (t *Tiers[A]) Purge() {
	t.Auth.Purge()
	t.Profile.Purge()
	t.Preferences.Purge()
}

// Stats returns counters for every tier keyed by tier name.
func (t *Tiers[A]) Stats() map[string]Stats {
	return map[string]Stats{
		TierAuth:        t.Auth.Stats(),
		TierProfile:     t.Profile.Stats(),
		TierPreferences: t.Preferences.Stats(),
	}
}
