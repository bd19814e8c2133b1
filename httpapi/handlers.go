package httpapi

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/middleware"
	"github.com/MrEthical07/authcore/validation"
)

const maxBodyBytes = 16 << 10

type loginRequest struct {
	AccountID  string `json:"account_id" validate:"required,max=256"`
	Secret     string `json:"secret" validate:"required,max=1024"`
	RememberMe bool   `json:"remember_me"`
}

type revokeRequest struct {
	Token string `json:"token" validate:"required"`
}

type meResponse struct {
	Account     authcore.Account `json:"account"`
	SessionID   string           `json:"session_id"`
	Permissions []string         `json:"permissions"`
	ExpiresAt   time.Time        `json:"expires_at"`
}

type sessionsResponse struct {
	Current  string                 `json:"current"`
	Sessions []authcore.SessionInfo `json:"sessions"`
}

type healthResponse struct {
	Status         string `json:"status"`
	RedisLatencyMS int64  `json:"redis_latency_ms,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteValidation(w, []string{"request body must be valid JSON"})
		return false
	}
	if res := validation.Struct(v); !res.Valid {
		middleware.WriteValidation(w, res.Messages)
		return false
	}
	return true
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	pair, err := h.engine.Authenticate(r.Context(), authcore.Credentials{
		AccountID:  req.AccountID,
		Secret:     req.Secret,
		RememberMe: req.RememberMe,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, pair)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.RefreshTokenFromRequest(r)
	if !ok {
		middleware.WriteValidation(w, []string{"refresh_token is required"})
		return
	}
	pair, err := h.engine.Refresh(r.Context(), token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, pair)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.BearerToken(r)
	if err := h.engine.LogoutByAccessToken(r.Context(), token); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	n, err := h.engine.LogoutAll(r.Context(), claims.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"sessions_revoked": n})
}

func (h *handler) revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.RevokeToken(r.Context(), req.Token); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	acct, err := h.engine.Account(r.Context(), claims.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, meResponse{
		Account:     acct,
		SessionID:   claims.SessionID,
		Permissions: claims.Permissions,
		ExpiresAt:   claims.Expiry(),
	})
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	list, err := h.engine.ListActiveSessions(r.Context(), claims.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, sessionsResponse{Current: claims.SessionID, Sessions: list})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Health(r.Context())
	if !st.RedisAvailable {
		middleware.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", RedisLatencyMS: st.RedisLatency.Milliseconds()})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := middleware.StatusFor(err); status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	middleware.WriteError(w, err)
}

func writeThrottled(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	middleware.WriteJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":   "rate_limited",
		"message": "too many requests",
	})
}
