package principal

import (
	"net/http/httptest"
	"testing"

	"github.com/vango-go/intake-relay/pkg/gateway/config"
	"github.com/vango-go/intake-relay/pkg/gateway/ratelimit"
)

func TestResolve_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	got := Resolve(r, config.Config{})
	if got.Kind != KindIP || got.Raw != "203.0.113.9" {
		t.Fatalf("got %+v", got)
	}
	if got.Key != ratelimit.PrincipalKeyFromIP("203.0.113.9") {
		t.Fatalf("key=%q", got.Key)
	}
}

func TestResolve_TrustedProxyHeaders(t *testing.T) {
	cases := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"cloudflare", "CF-Connecting-IP", "198.51.100.7", "198.51.100.7"},
		{"real ip", "X-Real-IP", "198.51.100.8", "198.51.100.8"},
		{"xff leftmost", "X-Forwarded-For", "198.51.100.9, 10.0.0.1", "198.51.100.9"},
		{"garbage falls back", "X-Forwarded-For", "nope", "203.0.113.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "203.0.113.9:5555"
			r.Header.Set(tc.header, tc.value)
			got := Resolve(r, config.Config{TrustProxyHeaders: true})
			if got.Raw != tc.want {
				t.Fatalf("Raw=%q, want %q", got.Raw, tc.want)
			}
		})
	}
}

func TestResolve_Anonymous(t *testing.T) {
	if got := Resolve(nil, config.Config{}); got.Kind != KindAnon {
		t.Fatalf("nil request kind=%q", got.Kind)
	}
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = ""
	if got := Resolve(r, config.Config{}); got.Kind != KindAnon || got.Key != "anonymous" {
		t.Fatalf("got %+v", got)
	}
}

func TestResolve_UnmapsIPv4InIPv6(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[::ffff:203.0.113.9]:443"
	if got := Resolve(r, config.Config{}); got.Raw != "203.0.113.9" {
		t.Fatalf("Raw=%q", got.Raw)
	}
}
