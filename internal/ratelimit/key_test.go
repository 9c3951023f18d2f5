package ratelimit

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyForRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/orders", nil)
	r.RemoteAddr = "203.0.113.7:52311"

	// Authenticated subject takes precedence over the client IP.
	assert.Equal(t, "sub:user-42", KeyForRequest(r, "user-42", nil))
	assert.Equal(t, "ip:203.0.113.7", KeyForRequest(r, "", nil))
}

func TestRouteKey(t *testing.T) {
	assert.Equal(t, "orders:sub:user-42", RouteKey("orders", "sub:user-42"))
}

func TestNewProxyTrust(t *testing.T) {
	trust, err := NewProxyTrust([]string{"10.0.0.0/8", "192.0.2.1", "2001:db8::1"})
	require.NoError(t, err)

	assert.True(t, trust.Trusted("10.1.2.3:4444"))
	assert.True(t, trust.Trusted("192.0.2.1:80"))
	assert.True(t, trust.Trusted("[2001:db8::1]:443"))
	assert.False(t, trust.Trusted("198.51.100.9:80"))

	_, err = NewProxyTrust([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = NewProxyTrust([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestClientIP(t *testing.T) {
	trusted, err := NewProxyTrust([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trust      *ProxyTrust
		want       string
	}{
		{
			name:       "remote addr",
			remoteAddr: "203.0.113.7:52311",
			want:       "203.0.113.7",
		},
		{
			name:       "x-forwarded-for from trusted proxy",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			trust:      trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "x-forwarded-for chain uses first hop",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2, 10.0.0.3"},
			trust:      trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "x-forwarded-for from untrusted peer is ignored",
			remoteAddr: "198.51.100.4:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			trust:      trusted,
			want:       "198.51.100.4",
		},
		{
			name:       "x-forwarded-for without any trust config is ignored",
			remoteAddr: "198.51.100.4:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			want:       "198.51.100.4",
		},
		{
			name:       "x-real-ip from trusted proxy",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			trust:      trusted,
			want:       "203.0.113.9",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r, tt.trust))
		})
	}
}
