package middleware

import (
	"net"
	"net/http"

	"github.com/MrEthical07/authcore"
)

// ClientContext records the client IP and User-Agent on the request context.
// Run it after a proxy-aware middleware such as chi's RealIP when the
// service sits behind a load balancer.
func ClientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := authcore.WithClientIP(r.Context(), ClientIP(r))
		if ua := r.UserAgent(); ua != "" {
			ctx = authcore.WithUserAgent(ctx, ua)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
