package authcore

import (
	"errors"
	"time"

	"github.com/MrEthical07/authcore/cache"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/permission"
	"github.com/MrEthical07/authcore/revocation"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Builder assembles an [Engine]. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	permissions []string

	provider  AccountProvider
	auditSink AuditSink
	logger    zerolog.Logger
	clock     func() time.Time

	built bool
}

// New returns a builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
		logger: zerolog.Nop(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing revocation, lockout and the shared
// cache layer. Any go-redis client works: single node, cluster or ring.
// Build the client with ContextTimeoutEnabled set, otherwise go-redis
// ignores context deadlines and Store.OperationTimeout has no effect.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPermissions registers permissions that accounts may hold directly,
// in addition to those named by roles.
func (b *Builder) WithPermissions(perms []string) *Builder {
	b.permissions = append(b.permissions, perms...)
	return b
}

// WithRoles replaces Config.Roles.
func (b *Builder) WithRoles(r map[string][]string) *Builder {
	b.config.Roles = r
	return b
}

func (b *Builder) WithAccountProvider(p AccountProvider) *Builder {
	b.provider = p
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the structured logger. The default discards everything.
func (b *Builder) WithLogger(log zerolog.Logger) *Builder {
	b.logger = log
	return b
}

// WithClock overrides the time source of every component. Tests use it to
// step across expiry boundaries.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.provider == nil {
		return nil, errors.New("account provider required")
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}
	log := b.logger.With().Str("component", "authcore").Logger()

	// -------- PERMISSIONS --------
	registry := permission.NewRegistry()
	seen := make(map[string]bool)
	register := func(p string) error {
		if seen[p] {
			return nil
		}
		seen[p] = true
		return registry.Register(p)
	}
	for _, p := range b.permissions {
		if err := register(p); err != nil {
			return nil, err
		}
	}
	for _, perms := range cfg.Roles {
		for _, p := range perms {
			if err := register(p); err != nil {
				return nil, err
			}
		}
	}
	registry.Freeze()

	roleManager := permission.NewRoleManager(registry)
	for role, perms := range cfg.Roles {
		if err := roleManager.RegisterRole(role, perms); err != nil {
			return nil, err
		}
	}
	roleManager.Freeze()

	// -------- TOKENS & STORES --------
	codec, err := jwt.NewCodec(jwt.Config{
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		MaxFutureIAT:  cfg.JWT.MaxFutureIAT,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
		Now:           clock,
	})
	if err != nil {
		return nil, err
	}
	if !codec.CanSign() {
		return nil, errors.New("jwt private key required to issue tokens")
	}

	store, err := revocation.NewStore(b.redis, revocation.Config{
		KeyPrefix:        cfg.Store.KeyPrefix,
		OperationTimeout: cfg.Store.OperationTimeout,
		LocalCacheSize:   cfg.Revocation.LocalCacheSize,
		Now:              clock,
	})
	if err != nil {
		return nil, err
	}

	lockout := limiters.NewLockoutLimiter(b.redis, limiters.LockoutConfig{
		Enabled:     cfg.Lockout.Enabled,
		MaxAttempts: cfg.Lockout.MaxAttempts,
		Duration:    cfg.Lockout.Duration,
		KeyPrefix:   cfg.Store.KeyPrefix,
		Timeout:     cfg.Store.OperationTimeout,
		Now:         clock,
	})

	engine := &Engine{
		config:      cloneConfig(cfg),
		registry:    registry,
		roleManager: roleManager,
		codec:       codec,
		store:       store,
		lockout:     lockout,
		provider:    b.provider,
		metrics:     NewMetrics(cfg.Metrics),
		log:         log,
		clock:       clock,
	}
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	// -------- CACHE --------
	var shared redis.UniversalClient
	if cfg.Cache.Shared {
		shared = b.redis
	}
	tiers, err := cache.NewTiers[Account](cache.TiersConfig{
		Auth:          cfg.Cache.Auth,
		Profile:       cfg.Cache.Profile,
		Preferences:   cfg.Cache.Preferences,
		KeyPrefix:     cfg.Store.KeyPrefix,
		SharedTimeout: cfg.Cache.SharedTimeout,
		Observe:       engine.observeCache,
	}, shared, log)
	if err != nil {
		store.Close()
		engine.audit.Close()
		return nil, err
	}
	engine.tiers = tiers

	// -------- FLOWS --------
	warn := func(msg string, _ ...any) { log.Warn().Msg(msg) }
	engine.flows = flows.New(flows.Deps{
		Login: flows.LoginDeps{
			Lockout:            lockout,
			CheckCredentials:   b.provider.CheckCredentials,
			LoadIdentity:       engine.loadIdentity,
			Codec:              codec,
			Sessions:           store,
			NewSessionID:       uuid.NewString,
			Now:                clock,
			Warn:               warn,
			AccessTTL:          cfg.JWT.AccessTTL,
			RefreshTTL:         cfg.JWT.RefreshTTL,
			RememberMeTTL:      cfg.JWT.RememberMeTTL,
			SessionLifetime:    cfg.Session.MaxLifetime,
			RememberMeLifetime: cfg.Session.RememberMeMaxLifetime,
		},
		Validate: flows.ValidateDeps{
			Codec:     codec,
			Blacklist: store,
		},
		Refresh: flows.RefreshDeps{
			Codec:         codec,
			Sessions:      store,
			LoadIdentity:  engine.loadIdentity,
			Now:           clock,
			Warn:          warn,
			AccessTTL:     cfg.JWT.AccessTTL,
			RefreshTTL:    cfg.JWT.RefreshTTL,
			RememberMeTTL: cfg.JWT.RememberMeTTL,
		},
		Logout: flows.LogoutDeps{
			Codec:    codec,
			Sessions: store,
		},
		Introspection: flows.IntrospectionDeps{
			Sessions: store,
			Now:      clock,
		},
	})

	b.built = true

	return engine, nil
}
