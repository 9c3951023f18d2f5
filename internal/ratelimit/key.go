package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// KeyForRequest returns the throttling key for a request. An
// authenticated subject identifies the caller more precisely than the
// network address, so it takes precedence; anonymous requests fall back
// to the client IP.
func KeyForRequest(r *http.Request, subject string, trust *ProxyTrust) string {
	if subject != "" {
		return "sub:" + subject
	}
	return "ip:" + ClientIP(r, trust)
}

// RouteKey scopes a caller key to a route so per-route rules do not
// share counters.
func RouteKey(routeID, callerKey string) string {
	return routeID + ":" + callerKey
}

// ProxyTrust decides whose forwarding headers are honored. Headers from
// untrusted peers are ignored so an anonymous caller cannot mint fresh
// throttling buckets by rotating spoofed X-Forwarded-For values.
type ProxyTrust struct {
	nets []*net.IPNet
}

// NewProxyTrust parses the trusted proxy list. Entries are CIDR blocks
// or single IP addresses.
func NewProxyTrust(entries []string) (*ProxyTrust, error) {
	t := &ProxyTrust{nets: make([]*net.IPNet, 0, len(entries))}
	for _, entry := range entries {
		cidr := entry
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", entry)
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		t.nets = append(t.nets, ipNet)
	}
	return t, nil
}

// Trusted reports whether the peer address belongs to a trusted proxy.
// A nil ProxyTrust trusts nobody.
func (t *ProxyTrust) Trusted(remoteAddr string) bool {
	if t == nil {
		return false
	}
	ip := net.ParseIP(PeerIP(remoteAddr))
	if ip == nil {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP extracts the client IP from the request. Forwarding headers
// are honored only when the connection peer is a trusted proxy;
// otherwise the peer address itself identifies the caller.
func ClientIP(r *http.Request, trust *ProxyTrust) string {
	if trust.Trusted(r.RemoteAddr) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				xff = xff[:idx]
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	return PeerIP(r.RemoteAddr)
}

// PeerIP strips the port and any brackets from a host:port peer address.
func PeerIP(remoteAddr string) string {
	ip := remoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")

	return ip
}
