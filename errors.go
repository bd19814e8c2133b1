package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/revocation"
)

var (
	// ErrMalformedToken is returned for tokens that cannot be parsed or whose
	// claims are incomplete or issued for another issuer or audience.
	ErrMalformedToken = errors.New("malformed token")
	// ErrInvalidSignature is returned when the signature does not verify.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrExpired is returned at or after the token's exp.
	ErrExpired = errors.New("token expired")
	// ErrNotYetValid is returned before the token's nbf.
	ErrNotYetValid = errors.New("token not yet valid")
	// ErrUnsupportedTokenType is returned when a token is presented where its
	// type is not accepted, e.g. a refresh token on an API call.
	ErrUnsupportedTokenType = errors.New("unsupported token type")
	// ErrBlacklisted is returned for revoked tokens.
	ErrBlacklisted = errors.New("token revoked")
	// ErrAccountLocked is matched by every *LockedError.
	ErrAccountLocked = errors.New("account locked")
	// ErrRefreshReuseDetected is returned when a refresh token that was
	// already exchanged is presented again. The session is revoked.
	ErrRefreshReuseDetected = errors.New("refresh token reuse detected")
	// ErrStoreUnavailable wraps revocation or lockout backend failures. It is
	// the only retryable error.
	ErrStoreUnavailable = errors.New("token store unavailable")
	// ErrInvalidCredentials is returned for unknown accounts and wrong secrets.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountDisabled is returned when the account exists but may not log in.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountNotFound is returned by providers for unknown account ids.
	ErrAccountNotFound = errors.New("account not found")
	// ErrSessionRevoked is returned when a refresh token's session is gone.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrSessionNotFound is returned by session introspection for unknown or
	// expired session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPermissionDenied is returned by Authorize when a permission is missing.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrEngineNotReady is returned by methods on a nil or unbuilt Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// LockedError reports a locked account and when the lock lifts.
type LockedError struct {
	LockedUntil time.Time
	now         time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.LockedUntil.UTC().Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// RetryAfter is the time left on the lock, rounded up to a whole second.
func (e *LockedError) RetryAfter() time.Duration {
	now := e.now
	if now.IsZero() {
		now = time.Now()
	}
	d := e.LockedUntil.Sub(now)
	if d <= 0 {
		return 0
	}
	return (d + time.Second - 1).Truncate(time.Second)
}

// IsRetryable reports whether err is a transient backend failure. Every
// other error is a final answer for the given input.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// mapTokenError translates codec sentinels into the public taxonomy. An
// issuer, audience or required-claim failure is reported as malformed.
func mapTokenError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrInvalidSignature):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrNotYetValid):
		return ErrNotYetValid
	case errors.Is(err, jwt.ErrUnsupportedType):
		return ErrUnsupportedTokenType
	default:
		return ErrMalformedToken
	}
}

// mapStoreError wraps backend failures in ErrStoreUnavailable and passes
// everything else through.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, revocation.ErrUnavailable) || errors.Is(err, limiters.ErrLockoutUnavailable) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
