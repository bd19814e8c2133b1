package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrEthical07/authcore"
)

// Authorizer is the part of [authcore.Engine] the guards need.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string, perms ...string) (*authcore.Claims, error)
}

type claimsContextKey struct{}

// ClaimsFromContext returns the claims stored by a guard.
func ClaimsFromContext(ctx context.Context) (*authcore.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*authcore.Claims)
	return claims, ok
}

// Guard rejects requests without a valid access token.
func Guard(engine Authorizer) func(http.Handler) http.Handler {
	return RequirePermissions(engine)
}

// RequirePermissions rejects requests whose access token is invalid or
// lacks any of perms.
func RequirePermissions(engine Authorizer, perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, authcore.ErrEngineNotReady)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing_token", Message: "bearer token required"})
				return
			}

			claims, err := engine.Authorize(r.Context(), token, perms...)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
