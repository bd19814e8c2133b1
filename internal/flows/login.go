package flows

import (
	"context"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/revocation"
)

// LoginFailureKind classifies login failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureInvalidCredentials
	LoginFailureLocked
	LoginFailureLockoutUnavailable
	LoginFailureProvider
	LoginFailureAccount
	LoginFailureDisabled
	LoginFailureIssue
	LoginFailureSession
)

// LoginRequest is the input of RunLogin.
type LoginRequest struct {
	AccountID  string
	Secret     string
	RememberMe bool
}

// LoginResult carries either the issued pair or failure metadata.
type LoginResult struct {
	Failure     LoginFailureKind
	Err         error
	AccountID   string
	Attempts    int
	LockedUntil time.Time
	// Transitioned is set on the failure that moved the account into the
	// locked state.
	Transitioned bool
	SessionID    string
	Identity     Identity
	Pair         IssuedPair
}

type LoginLockout interface {
	IsLocked(ctx context.Context, account string) (bool, time.Time, error)
	RecordFailure(ctx context.Context, account string) (limiters.FailureResult, error)
	ClearFailures(ctx context.Context, account string) (bool, time.Time, error)
}

type LoginSessionStore interface {
	CreateSession(ctx context.Context, sess revocation.Session) error
}

// LoginDeps captures login flow dependencies.
type LoginDeps struct {
	Lockout          LoginLockout
	CheckCredentials func(ctx context.Context, accountID, secret string) (bool, error)
	LoadIdentity     func(ctx context.Context, accountID string) (Identity, error)
	Codec            TokenCodec
	Sessions         LoginSessionStore
	NewSessionID     func() string
	Now              func() time.Time
	Warn             func(string, ...any)

	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	RememberMeTTL      time.Duration
	SessionLifetime    time.Duration
	RememberMeLifetime time.Duration
}

// RunLogin gates on the lockout state, checks credentials, and on success
// issues a token pair backed by a new session record.
func RunLogin(ctx context.Context, req LoginRequest, deps LoginDeps) LoginResult {
	account := strings.TrimSpace(req.AccountID)
	if account == "" || req.Secret == "" {
		return LoginResult{Failure: LoginFailureInvalidCredentials, AccountID: account}
	}

	locked, until, err := deps.Lockout.IsLocked(ctx, account)
	if err != nil {
		return LoginResult{Failure: LoginFailureLockoutUnavailable, Err: err, AccountID: account}
	}
	if locked {
		return LoginResult{Failure: LoginFailureLocked, AccountID: account, LockedUntil: until}
	}

	ok, err := deps.CheckCredentials(ctx, account, req.Secret)
	if err != nil {
		return LoginResult{Failure: LoginFailureProvider, Err: err, AccountID: account}
	}
	if !ok {
		res, err := deps.Lockout.RecordFailure(ctx, account)
		if err != nil {
			return LoginResult{Failure: LoginFailureLockoutUnavailable, Err: err, AccountID: account}
		}
		if res.Locked() {
			return LoginResult{
				Failure:      LoginFailureLocked,
				AccountID:    account,
				Attempts:     res.Count,
				LockedUntil:  res.LockedUntil,
				Transitioned: res.Transitioned,
			}
		}
		return LoginResult{Failure: LoginFailureInvalidCredentials, AccountID: account, Attempts: res.Count}
	}

	// A concurrent failure may have locked the account after the gate above.
	locked, until, err = deps.Lockout.ClearFailures(ctx, account)
	if err != nil {
		return LoginResult{Failure: LoginFailureLockoutUnavailable, Err: err, AccountID: account}
	}
	if locked {
		return LoginResult{Failure: LoginFailureLocked, AccountID: account, LockedUntil: until}
	}

	id, err := deps.LoadIdentity(ctx, account)
	if err != nil {
		return LoginResult{Failure: LoginFailureAccount, Err: err, AccountID: account}
	}
	if id.Disabled {
		return LoginResult{Failure: LoginFailureDisabled, AccountID: account, Identity: id}
	}

	refreshType, refreshTTL, lifetime := jwt.TypeRefresh, deps.RefreshTTL, deps.SessionLifetime
	if req.RememberMe {
		refreshType, refreshTTL, lifetime = jwt.TypeRememberMe, deps.RememberMeTTL, deps.RememberMeLifetime
	}
	if lifetime < refreshTTL {
		lifetime = refreshTTL
	}

	sid := deps.NewSessionID()
	absolute := deps.Now().Add(lifetime)
	pair, err := issuePair(deps.Codec, id, sid, refreshType, deps.AccessTTL, refreshTTL)
	if err != nil {
		return LoginResult{Failure: LoginFailureIssue, Err: err, AccountID: account, SessionID: sid}
	}

	err = deps.Sessions.CreateSession(ctx, revocation.Session{
		ID:             sid,
		Subject:        id.UserID,
		Type:           string(refreshType),
		RefreshID:      pair.RefreshClaims.TokenID(),
		RefreshExpiry:  pair.RefreshClaims.Expiry(),
		AccessID:       pair.AccessClaims.TokenID(),
		AccessExpiry:   pair.AccessClaims.Expiry(),
		AbsoluteExpiry: absolute,
	})
	if err != nil {
		return LoginResult{Failure: LoginFailureSession, Err: err, AccountID: account, SessionID: sid}
	}

	return LoginResult{
		AccountID: account,
		SessionID: sid,
		Identity:  id,
		Pair:      pair,
	}
}
