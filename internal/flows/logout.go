package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/jwt"
)

type LogoutSessionStore interface {
	Blacklist(ctx context.Context, jti string, expiry time.Time) error
	RevokeSession(ctx context.Context, sid string) (bool, error)
	RevokeAllForSubject(ctx context.Context, subject string) (int, error)
}

// LogoutDeps captures logout and revocation dependencies.
type LogoutDeps struct {
	Codec    TokenCodec
	Sessions LogoutSessionStore
}

type LogoutByAccessResult struct {
	SessionID string
	UserID    string
	// Decode is set when the token itself was rejected.
	Decode bool
	Err    error
}

type RevokeResult struct {
	TokenID   string
	SessionID string
	UserID    string
	TokenType jwt.TokenType
	Decode    bool
	Err       error
}

// RunLogout revokes sid. Logging out a session that no longer exists
// succeeds.
func RunLogout(ctx context.Context, sessionID string, deps LogoutDeps) error {
	_, err := deps.Sessions.RevokeSession(ctx, sessionID)
	return err
}

func RunLogoutAll(ctx context.Context, subject string, deps LogoutDeps) (int, error) {
	return deps.Sessions.RevokeAllForSubject(ctx, subject)
}

// RunLogoutByAccessToken blacklists the presented access token and revokes
// its session. The token is blacklisted explicitly because it may no longer
// be the session's current access id.
func RunLogoutByAccessToken(ctx context.Context, token string, deps LogoutDeps) LogoutByAccessResult {
	claims, err := deps.Codec.DecodeAs(token, jwt.TypeAccess)
	if err != nil {
		return LogoutByAccessResult{Decode: true, Err: err}
	}

	res := LogoutByAccessResult{SessionID: claims.SessionID, UserID: claims.UserID}
	if err := deps.Sessions.Blacklist(ctx, claims.TokenID(), claims.Expiry()); err != nil {
		res.Err = err
		return res
	}
	_, res.Err = deps.Sessions.RevokeSession(ctx, claims.SessionID)
	return res
}

// RunRevokeToken blacklists a single token of any type until it expires.
// An already expired token needs no entry and is accepted as revoked.
func RunRevokeToken(ctx context.Context, token string, deps LogoutDeps) RevokeResult {
	claims, err := deps.Codec.DecodeAs(token, jwt.TypeAccess, jwt.TypeRefresh, jwt.TypeRememberMe)
	if errors.Is(err, jwt.ErrExpired) {
		return RevokeResult{}
	}
	if err != nil {
		return RevokeResult{Decode: true, Err: err}
	}
	return RevokeResult{
		TokenID:   claims.TokenID(),
		SessionID: claims.SessionID,
		UserID:    claims.UserID,
		TokenType: claims.TokenType,
		Err:       deps.Sessions.Blacklist(ctx, claims.TokenID(), claims.Expiry()),
	}
}
