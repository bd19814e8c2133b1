package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/joho/godotenv"

	"github.com/MrEthical07/authcore"
)

// Environment variables read by serve and report.
const (
	envListen          = "AUTHCORE_LISTEN"
	envRedisAddr       = "AUTHCORE_REDIS_ADDR"
	envDatabaseURL     = "DATABASE_URL"
	envSigningKey      = "AUTHCORE_SIGNING_KEY"
	envKeyID           = "AUTHCORE_KEY_ID"
	envIssuer          = "AUTHCORE_ISSUER"
	envAudience        = "AUTHCORE_AUDIENCE"
	envAccessTTL       = "AUTHCORE_ACCESS_TTL"
	envRefreshTTL      = "AUTHCORE_REFRESH_TTL"
	envSessionLifetime = "AUTHCORE_SESSION_MAX_LIFETIME"
	envLockoutAttempts = "AUTHCORE_LOCKOUT_ATTEMPTS"
	envLockoutDuration = "AUTHCORE_LOCKOUT_DURATION"
	envLoginRate       = "AUTHCORE_LOGIN_RATE_LIMIT"
	envRefreshRate     = "AUTHCORE_REFRESH_RATE_LIMIT"
	envAudit           = "AUTHCORE_AUDIT"
	envMetrics         = "AUTHCORE_METRICS"
	envRoles           = "AUTHCORE_ROLES"
)

type settings struct {
	Listen      string
	RedisAddr   string
	DatabaseURL string

	SigningKey      []byte
	KeyID           string
	Issuer          string
	Audience        string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	SessionLifetime time.Duration

	LockoutAttempts int
	LockoutDuration time.Duration

	// Per client IP per minute; zero disables the throttle.
	LoginRateLimit   int
	RefreshRateLimit int

	Audit   bool
	Metrics bool
	Roles   map[string][]string
}

func defaultSettings() settings {
	d := authcore.DefaultConfig()
	return settings{
		Listen:           ":8080",
		Issuer:           d.JWT.Issuer,
		Audience:         d.JWT.Audience,
		AccessTTL:        d.JWT.AccessTTL,
		RefreshTTL:       d.JWT.RefreshTTL,
		SessionLifetime:  d.Session.MaxLifetime,
		LockoutAttempts:  d.Lockout.MaxAttempts,
		LockoutDuration:  d.Lockout.Duration,
		LoginRateLimit:   20,
		RefreshRateLimit: 60,
		Metrics:          true,
		Roles: map[string][]string{
			"user":  {"profile:read"},
			"admin": {"profile:read", "users:write"},
		},
	}
}

// loadEnvFile loads path if it exists. Variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadSettings reads settings through lookup, reporting every malformed
// variable at once.
func loadSettings(lookup func(string) (string, bool)) (settings, error) {
	s := defaultSettings()
	var errs *multierror.Error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := parseutil.ParseDurationSecond(v)
		if err != nil || d <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return
		}
		*dst = d
	}
	num := func(key string, lo, hi int64, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := parseutil.SafeParseIntRange(v, lo, hi)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = int(n)
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := parseutil.ParseBool(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
			return
		}
		*dst = b
	}

	str(envListen, &s.Listen)
	str(envRedisAddr, &s.RedisAddr)
	str(envDatabaseURL, &s.DatabaseURL)
	str(envKeyID, &s.KeyID)
	str(envIssuer, &s.Issuer)
	str(envAudience, &s.Audience)
	if v, ok := lookup(envSigningKey); ok && v != "" {
		s.SigningKey = []byte(v)
	}
	dur(envAccessTTL, &s.AccessTTL)
	dur(envRefreshTTL, &s.RefreshTTL)
	dur(envSessionLifetime, &s.SessionLifetime)
	dur(envLockoutDuration, &s.LockoutDuration)
	num(envLockoutAttempts, 0, 1000, &s.LockoutAttempts)
	num(envLoginRate, 0, 100_000, &s.LoginRateLimit)
	num(envRefreshRate, 0, 100_000, &s.RefreshRateLimit)
	flag(envAudit, &s.Audit)
	flag(envMetrics, &s.Metrics)

	if v, ok := lookup(envRoles); ok && strings.TrimSpace(v) != "" {
		roles, err := parseRoles(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", envRoles, err))
		} else {
			s.Roles = roles
		}
	}

	return s, errs.ErrorOrNil()
}

// parseRoles reads "role=perm,perm;role=perm".
func parseRoles(raw string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, perms, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed role entry %q", entry)
		}
		var list []string
		for _, p := range strings.Split(perms, ",") {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		out[name] = list
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no roles defined")
	}
	return out, nil
}

func (s settings) engineConfig() authcore.Config {
	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = s.SigningKey
	cfg.JWT.KeyID = s.KeyID
	cfg.JWT.Issuer = s.Issuer
	cfg.JWT.Audience = s.Audience
	cfg.JWT.AccessTTL = s.AccessTTL
	cfg.JWT.RefreshTTL = s.RefreshTTL
	cfg.Session.MaxLifetime = s.SessionLifetime
	cfg.Lockout.Enabled = s.LockoutAttempts > 0
	cfg.Lockout.MaxAttempts = s.LockoutAttempts
	cfg.Lockout.Duration = s.LockoutDuration
	cfg.Audit.Enabled = s.Audit
	cfg.Metrics.Enabled = s.Metrics
	cfg.Metrics.EnableLatencyHistograms = s.Metrics
	cfg.Roles = s.Roles
	return cfg
}
