package authcore

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/cache"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/hashicorp/go-multierror"
)

// Config is the full engine configuration. Start from [DefaultConfig] and
// override what differs; [Builder.Build] validates it.
type Config struct {
	JWT        JWTConfig
	Session    SessionConfig
	Lockout    LockoutConfig
	Store      StoreConfig
	Cache      CacheConfig
	Revocation RevocationConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
	// Roles maps a role name to the permissions it grants. Every permission
	// named here is registered automatically.
	Roles map[string][]string
}

// JWTConfig controls token signing and lifetimes. SigningMethod is "hs256"
// (default) or "ed25519". VerifyKeys holds retired verification keys by kid.
type JWTConfig struct {
	SigningMethod string
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	KeyID         string
	VerifyKeys    map[string][]byte
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RememberMeTTL time.Duration
}

// SessionConfig bounds how long one login can be kept alive by refreshing.
type SessionConfig struct {
	MaxLifetime           time.Duration
	RememberMeMaxLifetime time.Duration
}

// LockoutConfig controls failed-login lockout.
type LockoutConfig struct {
	Enabled     bool
	MaxAttempts int
	Duration    time.Duration
}

// StoreConfig controls the Redis-backed stores.
type StoreConfig struct {
	KeyPrefix        string
	OperationTimeout time.Duration
}

// CacheConfig sizes the account cache tiers.
type CacheConfig struct {
	Auth          cache.TierSize
	Profile       cache.TierSize
	Preferences   cache.TierSize
	Shared        bool
	SharedTimeout time.Duration
}

// RevocationConfig controls the in-process mirror of blacklisted ids.
type RevocationConfig struct {
	LocalCacheSize int64
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds routine events when the buffer is full. Security
	// events (locks, reuse, bad signatures, blacklist hits) always wait.
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production defaults. Signing keys are left empty and
// must be supplied.
func DefaultConfig() Config {
	tiers := cache.DefaultTiersConfig()
	return Config{
		JWT: JWTConfig{
			SigningMethod: string(jwt.MethodHS256),
			Issuer:        "authcore",
			Audience:      "authcore-api",
			Leeway:        0,
			MaxFutureIAT:  10 * time.Second,
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			RememberMeTTL: 90 * 24 * time.Hour,
		},
		Session: SessionConfig{
			MaxLifetime:           30 * 24 * time.Hour,
			RememberMeMaxLifetime: 90 * 24 * time.Hour,
		},
		Lockout: LockoutConfig{
			Enabled:     true,
			MaxAttempts: 5,
			Duration:    15 * time.Minute,
		},
		Store: StoreConfig{
			KeyPrefix:        "authcore",
			OperationTimeout: 250 * time.Millisecond,
		},
		Cache: CacheConfig{
			Auth:          tiers.Auth,
			Profile:       tiers.Profile,
			Preferences:   tiers.Preferences,
			Shared:        true,
			SharedTimeout: 50 * time.Millisecond,
		},
		Revocation: RevocationConfig{
			LocalCacheSize: 10_000,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	if cfg.Roles != nil {
		out.Roles = make(map[string][]string, len(cfg.Roles))
		for role, perms := range cfg.Roles {
			out.Roles[role] = append([]string(nil), perms...)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	// JWT
	switch jwt.SigningMethod(c.JWT.SigningMethod) {
	case jwt.MethodHS256:
		if len(c.JWT.PrivateKey) == 0 {
			add("hs256 requires PrivateKey")
		}
	case jwt.MethodEd25519:
		if len(c.JWT.PrivateKey) == 0 && len(c.JWT.PublicKey) == 0 {
			add("ed25519 requires PrivateKey or PublicKey")
		}
	default:
		add("unsupported JWT signing method %q", c.JWT.SigningMethod)
	}
	if strings.TrimSpace(c.JWT.Issuer) == "" {
		add("JWT Issuer must be set")
	}
	if strings.TrimSpace(c.JWT.Audience) == "" {
		add("JWT Audience must be set")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		add("JWT Leeway must be between 0 and 2m")
	}
	if c.JWT.MaxFutureIAT < 0 {
		add("JWT MaxFutureIAT must be >= 0")
	}
	if c.JWT.AccessTTL <= 0 {
		add("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		add("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RememberMeTTL <= 0 {
		add("JWT RememberMeTTL must be > 0")
	}
	if c.JWT.AccessTTL > 0 && c.JWT.RefreshTTL > 0 && c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		add("JWT AccessTTL must be shorter than RefreshTTL")
	}

	// Session
	if c.Session.MaxLifetime < c.JWT.RefreshTTL {
		add("Session MaxLifetime must be >= JWT RefreshTTL")
	}
	if c.Session.RememberMeMaxLifetime < c.JWT.RememberMeTTL {
		add("Session RememberMeMaxLifetime must be >= JWT RememberMeTTL")
	}

	// Lockout
	if c.Lockout.Enabled {
		if c.Lockout.MaxAttempts <= 0 {
			add("Lockout MaxAttempts must be > 0")
		}
		if c.Lockout.Duration <= 0 {
			add("Lockout Duration must be > 0")
		}
	}

	// Store
	if strings.TrimSpace(c.Store.KeyPrefix) == "" {
		add("Store KeyPrefix must be set")
	}
	if strings.Contains(c.Store.KeyPrefix, ":") {
		add("Store KeyPrefix must not contain ':'")
	}
	if c.Store.OperationTimeout <= 0 {
		add("Store OperationTimeout must be > 0")
	}

	// Cache
	for _, tier := range []struct {
		name string
		size cache.TierSize
	}{
		{cache.TierAuth, c.Cache.Auth},
		{cache.TierProfile, c.Cache.Profile},
		{cache.TierPreferences, c.Cache.Preferences},
	} {
		if tier.size.Capacity <= 0 {
			add("Cache %s capacity must be > 0", tier.name)
		}
		if tier.size.TTL <= 0 {
			add("Cache %s TTL must be > 0", tier.name)
		}
	}
	if c.Cache.SharedTimeout < 0 {
		add("Cache SharedTimeout must be >= 0")
	}

	if c.Revocation.LocalCacheSize < 0 {
		add("Revocation LocalCacheSize must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		add("Audit BufferSize must be > 0 when audit is enabled")
	}

	for role, perms := range c.Roles {
		if strings.TrimSpace(role) == "" {
			add("role name must not be empty")
		}
		for _, p := range perms {
			if strings.TrimSpace(p) == "" {
				add("role %q has an empty permission", role)
			}
		}
	}

	return result.ErrorOrNil()
}
