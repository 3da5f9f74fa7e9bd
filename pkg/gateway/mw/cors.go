package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/intake-relay/pkg/gateway/apierror"
	"github.com/vango-go/intake-relay/pkg/gateway/config"
)

const (
	corsAllowedMethods = "GET, POST, OPTIONS"
	corsAllowedHeaders = "Content-Type, X-Request-ID, X-CSRFToken"
	corsExposedHeaders = "X-Request-ID, Retry-After"
	corsMaxAge         = "600"
)

// OriginAllowed reports whether a browser origin may talk to the relay. An
// empty allowlist means same-origin only.
func OriginAllowed(cfg config.Config, r *http.Request) bool {
	origin := requestOrigin(r)
	if origin == "" || allowlisted(cfg, origin) {
		return true
	}
	_, hostPart, ok := strings.Cut(origin, "://")
	return ok && strings.EqualFold(hostPart, r.Host)
}

func requestOrigin(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Origin"))
}

func allowlisted(cfg config.Config, origin string) bool {
	_, ok := cfg.CORSAllowedOrigins[origin]
	return ok
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

// CORS answers preflights for allowlisted origins and decorates their
// responses. Other origins get no CORS headers at all.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := requestOrigin(r)
		permitted := origin != "" && allowlisted(cfg, origin)

		if isPreflight(r) {
			if !permitted {
				apierror.Write(w, http.StatusForbidden, &apierror.Envelope{
					Message:   "Origin is not allowed",
					RequestID: requestIDOf(r),
				})
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if permitted {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
