package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authcore/cache"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/permission"
	"github.com/MrEthical07/authcore/revocation"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Engine is the token service. It is safe for concurrent use once built.
type Engine struct {
	config      Config
	registry    *permission.Registry
	roleManager *permission.RoleManager
	codec       *jwt.Codec
	store       *revocation.Store
	lockout     *limiters.LockoutLimiter
	tiers       *cache.Tiers[Account]
	provider    AccountProvider
	flows       flows.Service
	audit       *audit.Dispatcher
	metrics     *Metrics
	log         zerolog.Logger
	clock       func() time.Time
}

// Close flushes pending audit events and releases in-process caches. The
// Redis client is owned by the caller.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) AuditStats() AuditStats {
	if e == nil || e.audit == nil {
		return AuditStats{}
	}
	return e.audit.Stats()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// CacheStats reports per-tier hit, miss and size counters.
func (e *Engine) CacheStats() map[string]cache.Stats {
	if e == nil || e.tiers == nil {
		return map[string]cache.Stats{}
	}
	return e.tiers.Stats()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) observeCache(_ string, hit bool) {
	if hit {
		e.metricInc(MetricCacheHit)
		return
	}
	e.metricInc(MetricCacheMiss)
}

func (e *Engine) ready() bool {
	return e != nil && e.flows.Initialized()
}

// Authenticate checks credentials and, on success, opens a session and
// returns its first token pair.
//
// A locked account is rejected before the provider is consulted and the
// error is a *LockedError. The failure that reaches the threshold returns
// a *LockedError too. Lockout backend failures return ErrStoreUnavailable:
// the engine never authenticates without being able to count failures.
func (e *Engine) Authenticate(ctx context.Context, creds Credentials) (TokenPair, error) {
	if !e.ready() {
		return TokenPair{}, ErrEngineNotReady
	}

	res := e.flows.Login(ctx, flows.LoginRequest{
		AccountID:  creds.AccountID,
		Secret:     creds.Secret,
		RememberMe: creds.RememberMe,
	})
	who := auditFields{userID: res.AccountID, sessionID: res.SessionID}

	var err error
	switch res.Failure {
	case flows.LoginFailureNone:
		e.metricInc(MetricLoginSuccess)
		e.metricInc(MetricSessionCreated)
		e.emitAudit(ctx, auditEventLoginSuccess, true, who, nil, func() map[string]string {
			return map[string]string{
				"remember_me": fmt.Sprint(creds.RememberMe),
				"user_agent":  userAgentFromContext(ctx),
			}
		})
		return pairFrom(res.SessionID, res.Pair), nil
	case flows.LoginFailureLocked:
		err = &LockedError{LockedUntil: res.LockedUntil, now: e.now()}
		if res.Transitioned {
			e.metricInc(MetricAccountLocked)
			e.log.Warn().
				Str("account_id", res.AccountID).
				Int("attempts", res.Attempts).
				Time("locked_until", res.LockedUntil).
				Msg("account locked after repeated failed logins")
			e.emitAudit(ctx, auditEventAccountLocked, false, who, err, func() map[string]string {
				return map[string]string{"attempts": fmt.Sprint(res.Attempts)}
			})
			return TokenPair{}, err
		}
		e.metricInc(MetricLockedLoginRejected)
	case flows.LoginFailureInvalidCredentials:
		err = ErrInvalidCredentials
	case flows.LoginFailureLockoutUnavailable, flows.LoginFailureSession:
		err = e.storeFailure("authenticate", res.Err)
	case flows.LoginFailureAccount:
		if errors.Is(res.Err, ErrAccountNotFound) {
			err = ErrInvalidCredentials
		} else {
			err = fmt.Errorf("load account: %w", res.Err)
		}
	case flows.LoginFailureDisabled:
		err = ErrAccountDisabled
	case flows.LoginFailureProvider:
		err = fmt.Errorf("check credentials: %w", res.Err)
	default:
		err = fmt.Errorf("issue tokens: %w", res.Err)
	}

	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, who, err, func() map[string]string {
		if res.Attempts == 0 {
			return nil
		}
		return map[string]string{"attempts": fmt.Sprint(res.Attempts)}
	})
	return TokenPair{}, err
}

// Validate verifies an access token and checks it against the blacklist.
// Refresh tokens are rejected with ErrUnsupportedTokenType.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*Claims, error) {
	return e.Authorize(ctx, accessToken)
}

// Authorize is Validate followed by a check that the token carries every
// permission in perms. Checks run in order: signature and validity window,
// token type, blacklist, permissions; the first failure is returned.
func (e *Engine) Authorize(ctx context.Context, accessToken string, perms ...string) (*Claims, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	var start time.Time
	if e.metrics.LatencyEnabled() {
		start = time.Now()
	}
	res := e.flows.Validate(ctx, accessToken, perms)
	if !start.IsZero() {
		e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}

	var who auditFields
	if res.Claims != nil {
		who = auditFields{userID: res.Claims.UserID, sessionID: res.Claims.SessionID, tokenID: res.Claims.TokenID()}
	}

	switch res.Failure {
	case flows.ValidateFailureNone:
		e.metricInc(MetricValidateSuccess)
		return res.Claims, nil
	case flows.ValidateFailurePermission:
		e.metricInc(MetricPermissionDenied)
		e.emitAudit(ctx, auditEventPermissionDenied, false, who, ErrPermissionDenied, func() map[string]string {
			return map[string]string{"missing": fmt.Sprint(res.Missing)}
		})
		return nil, ErrPermissionDenied
	case flows.ValidateFailureBlacklisted:
		e.metricInc(MetricValidateFailure)
		e.metricInc(MetricBlacklistHit)
		e.emitAudit(ctx, auditEventValidateFailure, false, who, ErrBlacklisted, nil)
		return nil, ErrBlacklisted
	case flows.ValidateFailureStore:
		e.metricInc(MetricValidateFailure)
		return nil, e.storeFailure("validate", res.Err)
	default:
		e.metricInc(MetricValidateFailure)
		err := mapTokenError(res.Err)
		if errors.Is(err, ErrInvalidSignature) {
			e.log.Warn().Str("ip", clientIPFromContext(ctx)).Msg("token with invalid signature presented")
			e.emitAudit(ctx, auditEventValidateFailure, false, who, err, nil)
		}
		return nil, err
	}
}

// Refresh exchanges a refresh or remember-me token for a new pair. The
// presented token is single-use: a second exchange of the same token
// revokes the whole session and returns ErrRefreshReuseDetected.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if !e.ready() {
		return TokenPair{}, ErrEngineNotReady
	}

	res := e.flows.Refresh(ctx, refreshToken)
	who := auditFields{userID: res.UserID, sessionID: res.SessionID}

	var err error
	switch res.Failure {
	case flows.RefreshFailureNone:
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, auditEventRefreshSuccess, true, who, nil, nil)
		return pairFrom(res.SessionID, res.Pair), nil
	case flows.RefreshFailureReuse:
		e.metricInc(MetricRefreshReuseDetected)
		e.metricInc(MetricSessionRevoked)
		e.log.Warn().
			Str("user_id", res.UserID).
			Str("session_id", res.SessionID).
			Str("ip", clientIPFromContext(ctx)).
			Msg("refresh token reuse detected, session revoked")
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, who, ErrRefreshReuseDetected, nil)
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, ErrRefreshReuseDetected
	case flows.RefreshFailureDecode:
		err = mapTokenError(res.Err)
	case flows.RefreshFailureBlacklisted:
		e.metricInc(MetricBlacklistHit)
		err = ErrBlacklisted
	case flows.RefreshFailureSessionRevoked:
		err = ErrSessionRevoked
	case flows.RefreshFailureSessionExpired:
		err = ErrExpired
	case flows.RefreshFailureDisabled:
		e.metricInc(MetricSessionRevoked)
		err = ErrAccountDisabled
	case flows.RefreshFailureAccount:
		if errors.Is(res.Err, ErrAccountNotFound) {
			if _, rerr := e.store.RevokeSession(ctx, res.SessionID); rerr != nil {
				e.log.Warn().Err(rerr).Str("session_id", res.SessionID).Msg("revoking session of deleted account failed")
			}
			err = ErrSessionRevoked
		} else {
			err = fmt.Errorf("load account: %w", res.Err)
		}
	case flows.RefreshFailureStore:
		err = e.storeFailure("refresh", res.Err)
	default:
		err = fmt.Errorf("issue tokens: %w", res.Err)
	}

	e.metricInc(MetricRefreshFailure)
	e.emitAudit(ctx, auditEventRefreshInvalid, false, who, err, nil)
	return TokenPair{}, err
}

// Logout revokes a session: its current access and refresh ids are
// blacklisted and the record deleted. Unknown sessions are not an error.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.flows.Logout(ctx, sessionID); err != nil {
		return e.storeFailure("logout", err)
	}
	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, auditFields{sessionID: sessionID}, nil, nil)
	return nil
}

// LogoutByAccessToken blacklists the presented access token and revokes
// its session.
func (e *Engine) LogoutByAccessToken(ctx context.Context, accessToken string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	res := e.flows.LogoutByAccessToken(ctx, accessToken)
	if res.Decode {
		return mapTokenError(res.Err)
	}
	if res.Err != nil {
		return e.storeFailure("logout", res.Err)
	}
	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, auditFields{userID: res.UserID, sessionID: res.SessionID}, nil, nil)
	return nil
}

// LogoutAll revokes every session of accountID and returns how many were
// open.
func (e *Engine) LogoutAll(ctx context.Context, accountID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := e.flows.LogoutAll(ctx, accountID)
	if err != nil {
		return n, e.storeFailure("logout all", err)
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, auditFields{userID: accountID}, nil, func() map[string]string {
		return map[string]string{"sessions": fmt.Sprint(n)}
	})
	return n, nil
}

// RevokeToken blacklists a single token of any type until it expires.
// Other tokens of the same session stay valid.
func (e *Engine) RevokeToken(ctx context.Context, token string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	res := e.flows.RevokeToken(ctx, token)
	if res.Decode {
		return mapTokenError(res.Err)
	}
	if res.Err != nil {
		return e.storeFailure("revoke token", res.Err)
	}
	if res.TokenID == "" {
		return nil
	}
	e.metricInc(MetricTokenRevoked)
	e.emitAudit(ctx, auditEventTokenRevoked, true, auditFields{
		userID:    res.UserID,
		sessionID: res.SessionID,
		tokenID:   res.TokenID,
	}, nil, func() map[string]string {
		return map[string]string{"token_type": string(res.TokenType)}
	})
	return nil
}

// UnlockAccount clears the failure counter and lock marker of accountID.
func (e *Engine) UnlockAccount(ctx context.Context, accountID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.lockout.Reset(ctx, accountID); err != nil {
		return e.storeFailure("unlock", err)
	}
	e.emitAudit(ctx, auditEventAccountUnlocked, true, auditFields{userID: accountID}, nil, nil)
	return nil
}

// LoginAttempts returns the failures counted in the current window.
func (e *Engine) LoginAttempts(ctx context.Context, accountID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := e.lockout.GetFailureCount(ctx, accountID)
	if err != nil {
		return 0, e.storeFailure("login attempts", err)
	}
	return n, nil
}

// InvalidateAccount drops accountID from every cache tier. Call it after
// changing an account's role, permissions or status. Other instances keep
// their process-local copy until its TTL lapses.
func (e *Engine) InvalidateAccount(ctx context.Context, accountID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	var result *multierror.Error
	if err := e.tiers.Auth.Invalidate(ctx, accountID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.tiers.Profile.Invalidate(ctx, accountID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.tiers.Preferences.Invalidate(ctx, accountID); err != nil {
		result = multierror.Append(result, err)
	}
	e.emitAudit(ctx, auditEventAccountInvalidated, result == nil, auditFields{userID: accountID}, nil, nil)
	return result.ErrorOrNil()
}

// Profile returns the encoded profile document of accountID from the
// profile tier, calling load on a miss.
func (e *Engine) Profile(ctx context.Context, accountID string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	return e.tiers.Profile.GetOrLoad(ctx, accountID, load)
}

// Preferences returns the encoded preference document of accountID from
// the preferences tier, calling load on a miss.
func (e *Engine) Preferences(ctx context.Context, accountID string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	return e.tiers.Preferences.GetOrLoad(ctx, accountID, load)
}

// Account returns accountID through the auth tier.
func (e *Engine) Account(ctx context.Context, accountID string) (Account, error) {
	if !e.ready() {
		return Account{}, ErrEngineNotReady
	}
	return e.tiers.Auth.GetOrLoad(ctx, accountID, func(ctx context.Context) (Account, error) {
		return e.provider.GetAccount(ctx, accountID)
	})
}

func (e *Engine) loadIdentity(ctx context.Context, accountID string) (flows.Identity, error) {
	acct, err := e.Account(ctx, accountID)
	if err != nil {
		return flows.Identity{}, err
	}
	return flows.Identity{
		UserID:      acct.ID,
		Username:    acct.Username,
		Email:       acct.Email,
		Role:        acct.Role,
		Permissions: e.roleManager.Resolve(acct.Role, acct.Permissions),
		Disabled:    acct.Status != AccountActive,
	}, nil
}

func (e *Engine) storeFailure(op string, err error) error {
	mapped := mapStoreError(err)
	if errors.Is(mapped, ErrStoreUnavailable) {
		e.metricInc(MetricStoreUnavailable)
		e.log.Error().Err(err).Str("op", op).Msg("token store unavailable")
	}
	return mapped
}

func pairFrom(sessionID string, p flows.IssuedPair) TokenPair {
	return TokenPair{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		SessionID:        sessionID,
		AccessExpiresAt:  p.AccessClaims.Expiry(),
		RefreshExpiresAt: p.RefreshClaims.Expiry(),
	}
}
