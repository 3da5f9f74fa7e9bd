package mw

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/intake-relay/pkg/gateway/apierror"
	"github.com/vango-go/intake-relay/pkg/gateway/config"
	"github.com/vango-go/intake-relay/pkg/gateway/principal"
	"github.com/vango-go/intake-relay/pkg/gateway/ratelimit"
)

func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptFromRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.AcquireRequest(principal.Resolve(r, cfg).Key, time.Now())
		if !dec.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			apierror.Write(w, http.StatusTooManyRequests, &apierror.Envelope{
				Message:   "Rate limit exceeded",
				Error:     "rate_limit_exceeded",
				RequestID: requestIDOf(r),
			})
			return
		}

		// Voice sockets are capped separately; a request permit held for a
		// whole session would starve the principal's REST calls.
		if isWebSocketUpgrade(r) {
			dec.Permit.Release()
		} else if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}

// Probes and preflights stay cheap and never count against a browser.
func exemptFromRateLimit(r *http.Request) bool {
	switch {
	case r.Method == http.MethodOptions:
		return true
	case r.URL.Path == "/healthz", r.URL.Path == "/readyz":
		return true
	}
	return false
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
