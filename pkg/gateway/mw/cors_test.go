package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/intake-relay/pkg/gateway/config"
)

func corsConfig(origins ...string) config.Config {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return config.Config{CORSAllowedOrigins: allowed}
}

func TestCORS_SimpleRequests(t *testing.T) {
	cases := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin string
	}{
		{"empty allowlist", nil, "http://localhost:3000", ""},
		{"allowlisted", []string{"http://localhost:3000"}, "http://localhost:3000", "http://localhost:3000"},
		{"not allowlisted", []string{"http://localhost:3000"}, "https://evil.example.com", ""},
		{"no origin", []string{"http://localhost:3000"}, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			h := CORS(corsConfig(tc.allowed...), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/appointments/", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if !called {
				t.Fatalf("next handler not called")
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("Access-Control-Allow-Origin=%q, want %q", got, tc.wantOrigin)
			}
			if tc.wantOrigin == "" {
				return
			}
			if got := rr.Header().Get("Vary"); got != "Origin" {
				t.Fatalf("Vary=%q", got)
			}
			if got := rr.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Retry-After") {
				t.Fatalf("Access-Control-Expose-Headers=%q", got)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS(corsConfig("https://app.example.com"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called for preflight")
	}))

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/checklist/", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-CSRFToken")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := preflight("https://app.example.com")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-CSRFToken") || !strings.Contains(got, "X-Request-ID") {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("Access-Control-Allow-Methods=%q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Access-Control-Allow-Credentials=%q", got)
	}

	rr = preflight("https://evil.example.com")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"success":false`) {
		t.Fatalf("expected JSON envelope, got %q", rr.Body.String())
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("denied preflight leaked Access-Control-Allow-Origin=%q", got)
	}
}

func TestOriginAllowed(t *testing.T) {
	cfg := corsConfig("https://app.example.com")
	cases := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin header", "", "relay.local:8080", true},
		{"allowlisted", "https://app.example.com", "relay.local:8080", true},
		{"same origin", "http://relay.local:8080", "relay.local:8080", true},
		{"same origin case", "http://RELAY.local:8080", "relay.local:8080", true},
		{"foreign", "https://evil.example.com", "relay.local:8080", false},
		{"malformed", "relay.local:8080", "relay.local:8080", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/voice/", nil)
			req.Host = tc.host
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if got := OriginAllowed(cfg, req); got != tc.want {
				t.Fatalf("OriginAllowed(%q)=%v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}
