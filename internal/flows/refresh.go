package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/revocation"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureBlacklisted
	RefreshFailureSessionRevoked
	RefreshFailureSessionExpired
	RefreshFailureReuse
	RefreshFailureStore
	RefreshFailureAccount
	RefreshFailureDisabled
	RefreshFailureIssue
)

// RefreshResult carries either the rotated pair or failure metadata.
type RefreshResult struct {
	Failure   RefreshFailureKind
	Err       error
	SessionID string
	UserID    string
	Identity  Identity
	Pair      IssuedPair
}

type RefreshSessionStore interface {
	Session(ctx context.Context, sid string) (revocation.Session, error)
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	Rotate(ctx context.Context, r revocation.Rotation) error
	RevokeSession(ctx context.Context, sid string) (bool, error)
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Codec         TokenCodec
	Sessions      RefreshSessionStore
	LoadIdentity  func(ctx context.Context, accountID string) (Identity, error)
	Now           func() time.Time
	Warn          func(string, ...any)
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RememberMeTTL time.Duration
}

// RunRefresh exchanges a refresh token for a new pair. The replacement is
// signed first and only returned once the session's compare-and-swap has
// accepted it, so a lost race never leaks usable tokens.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	claims, err := deps.Codec.DecodeAs(refreshToken, jwt.TypeRefresh, jwt.TypeRememberMe)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}
	sid, jti := claims.SessionID, claims.TokenID()
	base := RefreshResult{SessionID: sid, UserID: claims.UserID}

	sess, err := deps.Sessions.Session(ctx, sid)
	switch {
	case errors.Is(err, revocation.ErrSessionNotFound):
		revoked, blErr := deps.Sessions.IsBlacklisted(ctx, jti)
		if blErr != nil {
			return base.fail(RefreshFailureStore, blErr)
		}
		if revoked {
			return base.fail(RefreshFailureBlacklisted, nil)
		}
		return base.fail(RefreshFailureSessionRevoked, err)
	case err != nil:
		return base.fail(RefreshFailureStore, err)
	}

	// A token still recorded as active can only be blacklisted by an explicit
	// single-token revocation. Anything else falls through to Rotate, which
	// treats a stale id as reuse.
	if sess.RefreshID == jti {
		revoked, err := deps.Sessions.IsBlacklisted(ctx, jti)
		if err != nil {
			return base.fail(RefreshFailureStore, err)
		}
		if revoked {
			return base.fail(RefreshFailureBlacklisted, nil)
		}
	}

	validity := deps.RefreshTTL
	if claims.TokenType == jwt.TypeRememberMe {
		validity = deps.RememberMeTTL
	}
	if !sess.AbsoluteExpiry.IsZero() {
		if remaining := sess.AbsoluteExpiry.Sub(deps.Now()); remaining < validity {
			validity = remaining
		}
	}
	if validity <= 0 {
		if _, err := deps.Sessions.RevokeSession(ctx, sid); err != nil && deps.Warn != nil {
			deps.Warn("authcore: revoking expired session failed")
		}
		return base.fail(RefreshFailureSessionExpired, nil)
	}

	id, err := deps.LoadIdentity(ctx, claims.UserID)
	if err != nil {
		return base.fail(RefreshFailureAccount, err)
	}
	if id.Disabled {
		if _, err := deps.Sessions.RevokeSession(ctx, sid); err != nil && deps.Warn != nil {
			deps.Warn("authcore: revoking session of disabled account failed")
		}
		base.Identity = id
		return base.fail(RefreshFailureDisabled, nil)
	}

	accessTTL := deps.AccessTTL
	if accessTTL > validity {
		accessTTL = validity
	}
	pair, err := issuePair(deps.Codec, id, sid, claims.TokenType, accessTTL, validity)
	if err != nil {
		return base.fail(RefreshFailureIssue, err)
	}

	err = deps.Sessions.Rotate(ctx, revocation.Rotation{
		SessionID:          sid,
		PresentedRefreshID: jti,
		NextRefreshID:      pair.RefreshClaims.TokenID(),
		NextRefreshExpiry:  pair.RefreshClaims.Expiry(),
		NextAccessID:       pair.AccessClaims.TokenID(),
		NextAccessExpiry:   pair.AccessClaims.Expiry(),
	})
	switch {
	case err == nil:
	case errors.Is(err, revocation.ErrReuseDetected):
		return base.fail(RefreshFailureReuse, err)
	case errors.Is(err, revocation.ErrSessionExpired):
		return base.fail(RefreshFailureSessionExpired, err)
	case errors.Is(err, revocation.ErrSessionNotFound):
		return base.fail(RefreshFailureSessionRevoked, err)
	default:
		return base.fail(RefreshFailureStore, err)
	}

	base.Identity = id
	base.Pair = pair
	return base
}

func (r RefreshResult) fail(kind RefreshFailureKind, err error) RefreshResult {
	r.Failure = kind
	r.Err = err
	return r
}
