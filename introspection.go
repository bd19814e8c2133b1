package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/revocation"
)

// SessionInfo is the read-only view of a session. It carries no token ids.
type SessionInfo struct {
	SessionID         string    `json:"session_id"`
	AccountID         string    `json:"account_id"`
	RememberMe        bool      `json:"remember_me"`
	AccessExpiresAt   time.Time `json:"access_expires_at"`
	RefreshExpiresAt  time.Time `json:"refresh_expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
}

// HealthStatus is an on-demand backend health result.
type HealthStatus struct {
	RedisAvailable bool          `json:"redis_available"`
	RedisLatency   time.Duration `json:"redis_latency"`
}

// ListActiveSessions returns the live sessions of accountID, soonest
// refresh expiry first.
func (e *Engine) ListActiveSessions(ctx context.Context, accountID string) ([]SessionInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if accountID == "" {
		return nil, ErrAccountNotFound
	}
	sessions, err := e.flows.ListActiveSessions(ctx, accountID)
	if err != nil {
		return nil, e.storeFailure("list sessions", err)
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionInfo(sess))
	}
	return out, nil
}

// ActiveSessionCount returns how many live sessions accountID holds.
func (e *Engine) ActiveSessionCount(ctx context.Context, accountID string) (int, error) {
	sessions, err := e.ListActiveSessions(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// GetSessionInfo returns one live session or ErrSessionNotFound.
func (e *Engine) GetSessionInfo(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := e.flows.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, revocation.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, e.storeFailure("session info", err)
	}
	info := toSessionInfo(sess)
	return &info, nil
}

// Health pings the token store.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	if !e.ready() {
		return HealthStatus{}
	}
	ok, latency := e.flows.Health(ctx)
	return HealthStatus{RedisAvailable: ok, RedisLatency: latency}
}

func toSessionInfo(sess revocation.Session) SessionInfo {
	return SessionInfo{
		SessionID:         sess.ID,
		AccountID:         sess.Subject,
		RememberMe:        sess.Type == string(TokenTypeRememberMe),
		AccessExpiresAt:   sess.AccessExpiry,
		RefreshExpiresAt:  sess.RefreshExpiry,
		AbsoluteExpiresAt: sess.AbsoluteExpiry,
	}
}
