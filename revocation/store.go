package revocation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable wraps every backend failure. Callers must treat it as
	// "cannot prove the token is not revoked".
	ErrUnavailable = errors.New("revocation store unavailable")
	// ErrSessionNotFound is returned when no session record exists.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when a session outlived its absolute lifetime.
	ErrSessionExpired = errors.New("session expired")
	// ErrReuseDetected is returned by Rotate when the presented refresh id is
	// not the active one. The session has been revoked by the time it returns.
	ErrReuseDetected = errors.New("refresh token reuse detected")
)

const defaultOperationTimeout = 250 * time.Millisecond

// Config configures a [Store].
type Config struct {
	KeyPrefix string
	// OperationTimeout bounds every backend call. Zero means 250ms.
	OperationTimeout time.Duration
	// LocalCacheSize is the number of blacklisted ids mirrored in process.
	// Zero disables the local mirror.
	LocalCacheSize int64
	// Now overrides the clock used to compute remaining lifetimes.
	Now func() time.Time
}

// Store keeps the token blacklist and per-session refresh state in Redis.
// Entries carry a PX expiry equal to the remaining lifetime of the token
// they describe, so the store never holds an entry longer than needed.
type Store struct {
	redis   redis.UniversalClient
	prefix  string
	timeout time.Duration
	now     func() time.Time
	local   *ristretto.Cache[string, int64]
}

// NewStore creates a revocation [Store] backed by the given Redis client.
func NewStore(rdb redis.UniversalClient, cfg Config) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "authcore"
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		redis:   rdb,
		prefix:  cfg.KeyPrefix,
		timeout: cfg.OperationTimeout,
		now:     cfg.Now,
	}
	if cfg.LocalCacheSize > 0 {
		local, err := ristretto.NewCache(&ristretto.Config[string, int64]{
			NumCounters:        cfg.LocalCacheSize * 10,
			MaxCost:            cfg.LocalCacheSize,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize blacklist cache: %w", err)
		}
		s.local = local
	}
	return s, nil
}

// Close releases the local mirror. The Redis client is owned by the caller.
func (s *Store) Close() {
	if s.local != nil {
		s.local.Close()
	}
}

func (s *Store) blacklistKey(jti string) string {
	return s.prefix + ":bl:" + jti
}

func (s *Store) blacklistPrefix() string {
	return s.prefix + ":bl:"
}

func (s *Store) sessionKey(sid string) string {
	return s.prefix + ":s:" + sid
}

func (s *Store) subjectKey(subject string) string {
	return s.prefix + ":u:" + subject
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Blacklist records jti as revoked until expiry. Already expired tokens are
// ignored since the codec rejects them anyway.
func (s *Store) Blacklist(ctx context.Context, jti string, expiry time.Time) error {
	if jti == "" {
		return errors.New("jti is required")
	}
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	expMillis := expiry.UnixMilli()
	if err := s.redis.Set(ctx, s.blacklistKey(jti), expMillis, ttl).Err(); err != nil {
		return unavailable(err)
	}
	s.remember(jti, expMillis)
	return nil
}

// IsBlacklisted reports whether jti has been revoked. A backend failure
// returns ErrUnavailable and false; callers must fail closed.
func (s *Store) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, errors.New("jti is required")
	}
	if s.local != nil {
		if exp, ok := s.local.Get(jti); ok && s.now().UnixMilli() < exp {
			return true, nil
		}
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	raw, err := s.redis.Get(ctx, s.blacklistKey(jti)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, unavailable(err)
	}
	if exp, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
		s.remember(jti, exp)
	}
	return true, nil
}

func (s *Store) remember(jti string, expMillis int64) {
	if s.local == nil {
		return
	}
	ttl := time.Duration(expMillis-s.now().UnixMilli()) * time.Millisecond
	if ttl <= 0 {
		return
	}
	s.local.SetWithTTL(jti, expMillis, 1, ttl)
	s.local.Wait()
}

// RecordActiveRefresh makes jti the active refresh id of session sid. The
// last writer wins; rotation should go through [Store.Rotate] instead.
func (s *Store) RecordActiveRefresh(ctx context.Context, sid, jti string, expiry time.Time) error {
	if sid == "" || jti == "" {
		return errors.New("sid and jti are required")
	}
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		return errors.New("refresh expiry is in the past")
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	key := s.sessionKey(sid)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldRefreshID, jti, fieldRefreshExp, expiry.UnixMilli())
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// IsActiveRefresh reports whether jti is the current refresh id of sid.
func (s *Store) IsActiveRefresh(ctx context.Context, sid, jti string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	active, err := s.redis.HGet(ctx, s.sessionKey(sid), fieldRefreshID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, unavailable(err)
	}
	return active == jti, nil
}

// RevokeRefresh blacklists the active refresh id of sid and clears it from
// the session. The access token issued with it stays valid until it expires
// or is revoked separately.
func (s *Store) RevokeRefresh(ctx context.Context, sid string) error {
	_, err := s.runRevoke(ctx, sid, revokeModeRefresh)
	return err
}
