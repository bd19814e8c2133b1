package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/middleware"
)

// Engine is the subset of [authcore.Engine] served over HTTP.
type Engine interface {
	middleware.Authorizer
	Authenticate(ctx context.Context, creds authcore.Credentials) (authcore.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (authcore.TokenPair, error)
	LogoutByAccessToken(ctx context.Context, accessToken string) error
	LogoutAll(ctx context.Context, accountID string) (int, error)
	RevokeToken(ctx context.Context, token string) error
	Account(ctx context.Context, accountID string) (authcore.Account, error)
	ListActiveSessions(ctx context.Context, accountID string) ([]authcore.SessionInfo, error)
	Health(ctx context.Context) authcore.HealthStatus
}

// Options configures the router.
type Options struct {
	Logger zerolog.Logger
	// LoginLimiter and RefreshLimiter throttle by client IP when set.
	LoginLimiter   *rate.Limiter
	RefreshLimiter *rate.Limiter
	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler
}

type handler struct {
	engine Engine
	opts   Options
	log    zerolog.Logger
}

// NewRouter returns the HTTP handler for engine.
func NewRouter(engine Engine, opts Options) http.Handler {
	h := &handler{
		engine: engine,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "httpapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(h.accessLog)
	r.Use(middleware.ClientContext)

	r.Get("/healthz", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1/auth", func(auth chi.Router) {
		auth.With(h.throttle(opts.LoginLimiter)).Post("/login", h.login)
		auth.With(h.throttle(opts.RefreshLimiter)).Post("/refresh", h.refresh)

		auth.Group(func(authed chi.Router) {
			authed.Use(middleware.Guard(engine))
			authed.Post("/logout", h.logout)
			authed.Post("/logout/all", h.logoutAll)
			authed.Post("/revoke", h.revoke)
			authed.Get("/me", h.me)
			authed.Get("/sessions", h.sessions)
		})
	})

	return r
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (h *handler) throttle(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), middleware.ClientIP(r))
			if err != nil {
				h.log.Warn().Err(err).Msg("throttle unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				writeThrottled(w, d.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
