package principal

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/vango-go/intake-relay/pkg/gateway/config"
	"github.com/vango-go/intake-relay/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindIP   Kind = "ip"
	KindAnon Kind = "anonymous"
)

var anonymous = Resolved{Kind: KindAnon, Key: "anonymous"}

// Resolved identifies the browser behind a request for rate limiting and
// the voice session cap.
type Resolved struct {
	Kind Kind
	// Raw is the client IP. It must not be logged.
	Raw string
	// Key is the hashed form used as a limiter key.
	Key string
}

// Single-address headers set by the edge, in order of trust.
var clientIPHeaders = []string{"CF-Connecting-IP", "X-Real-IP"}

func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}
	addr, ok := clientAddr(r, cfg.TrustProxyHeaders)
	if !ok {
		return anonymous
	}
	ip := addr.String()
	return Resolved{Kind: KindIP, Raw: ip, Key: ratelimit.PrincipalKeyFromIP(ip)}
}

func clientAddr(r *http.Request, trustProxyHeaders bool) (netip.Addr, bool) {
	if trustProxyHeaders {
		for _, h := range clientIPHeaders {
			if addr, ok := parseAddr(r.Header.Get(h)); ok {
				return addr, true
			}
		}
		// Left-most hop is the original client.
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, ok := parseAddr(first); ok {
				return addr, true
			}
		}
	}
	return parseAddr(r.RemoteAddr)
}

// parseAddr accepts a bare address or host:port and unmaps IPv4-in-IPv6.
func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
