package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/gateway/internal/backend"
	"github.com/fieldsight/gateway/internal/config"
)

const testSecret = "e2e-secret"

// signToken builds an HS256 token for the end-to-end tests.
func signToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()

	encode := func(v interface{}) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(b)
	}

	signingInput := encode(map[string]string{"alg": "HS256", "typ": "JWT"}) + "." + encode(claims)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func validClaims() map[string]interface{} {
	return map[string]interface{}{
		"iss": "https://issuer.test",
		"sub": "user-1",
		"aud": "gateway",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func testAuthConfig() *config.AuthConfig {
	return &config.AuthConfig{
		Enabled:    true,
		Issuer:     "https://issuer.test",
		Audience:   []string{"gateway"},
		Algorithms: []string{"HS256"},
		ClockSkew:  config.Duration(time.Minute),
		StaticKeys: []config.StaticKey{
			{KeyID: "k1", Algorithm: "HS256", Key: testSecret},
		},
	}
}

// countingBackend is an httptest server that counts the requests it saw.
type countingBackend struct {
	*httptest.Server
	hits atomic.Int64
}

func newCountingBackend(t *testing.T, handler http.HandlerFunc) *countingBackend {
	t.Helper()

	b := &countingBackend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		if handler != nil {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(b.Server.Close)
	return b
}

func baseConfig(backendURL string) *config.GatewayConfig {
	return &config.GatewayConfig{
		Routes: []config.Route{
			{ID: "api", Path: "/api/*", ClusterID: "api"},
		},
		Clusters: []config.Cluster{
			{
				ID: "api",
				Destinations: []config.Destination{
					{ID: "d1", Address: backendURL},
				},
			},
		},
	}
}

func newTestGateway(t *testing.T, cfg *config.GatewayConfig, opts ...Option) *Gateway {
	t.Helper()

	opts = append([]Option{WithForwardTimeout(2 * time.Second)}, opts...)
	g, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Stop(ctx)
	})
	return g
}

func doRequest(g *Gateway, method, path string, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	r.RemoteAddr = "203.0.113.7:51234"
	for name, values := range header {
		r.Header[name] = values
	}
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)
	return w
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestProtectedRouteWithoutToken(t *testing.T) {
	be := newCountingBackend(t, nil)

	cfg := baseConfig(be.URL)
	cfg.Auth = testAuthConfig()

	g := newTestGateway(t, cfg)

	w := doRequest(g, "GET", "/api/items", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	body := decodeErrorBody(t, w)
	assert.Equal(t, "unauthorized", body.Error)
	assert.NotEmpty(t, body.CorrelationID)

	// The pipeline stopped before any backend work.
	assert.Zero(t, be.hits.Load())
}

func TestProtectedRouteWithValidToken(t *testing.T) {
	be := newCountingBackend(t, nil)

	cfg := baseConfig(be.URL)
	cfg.Auth = testAuthConfig()

	g := newTestGateway(t, cfg)

	w := doRequest(g, "GET", "/api/items", bearer(signToken(t, validClaims())))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, int64(1), be.hits.Load())
}

func TestProtectedRouteWithExpiredToken(t *testing.T) {
	be := newCountingBackend(t, nil)

	cfg := baseConfig(be.URL)
	cfg.Auth = testAuthConfig()

	g := newTestGateway(t, cfg)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()

	w := doRequest(g, "GET", "/api/items", bearer(signToken(t, claims)))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, be.hits.Load())
}

func TestRouteRateLimitExceeded(t *testing.T) {
	be := newCountingBackend(t, nil)

	cfg := baseConfig(be.URL)
	cfg.RateLimit = &config.RateLimitConfig{
		Enabled: true,
		Default: config.RateLimitRule{Limit: 100, Period: config.Duration(time.Minute)},
	}
	cfg.Routes[0].RateLimit = &config.RateLimitRule{
		Limit:  3,
		Period: config.Duration(time.Minute),
	}

	g := newTestGateway(t, cfg)

	for i := 0; i < 3; i++ {
		w := doRequest(g, "GET", "/api/items", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := doRequest(g, "GET", "/api/items", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	body := decodeErrorBody(t, w)
	assert.Equal(t, "rate_limited", body.Error)
	assert.GreaterOrEqual(t, body.RetryAfterSeconds, 1)

	// The denied request never reached the backend.
	assert.Equal(t, int64(3), be.hits.Load())
}

func TestRateLimitKeysAreIndependentPerCaller(t *testing.T) {
	be := newCountingBackend(t, nil)

	cfg := baseConfig(be.URL)
	cfg.RateLimit = &config.RateLimitConfig{
		Enabled:        true,
		Default:        config.RateLimitRule{Limit: 1, Period: config.Duration(time.Minute)},
		TrustedProxies: []string{"203.0.113.0/24"},
	}

	g := newTestGateway(t, cfg)

	first := http.Header{}
	first.Set("X-Forwarded-For", "198.51.100.1")
	second := http.Header{}
	second.Set("X-Forwarded-For", "198.51.100.2")

	require.Equal(t, http.StatusOK, doRequest(g, "GET", "/api/items", first).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(g, "GET", "/api/items", first).Code)
	assert.Equal(t, http.StatusOK, doRequest(g, "GET", "/api/items", second).Code)
}

func TestSpoofedForwardedForCannotMintFreshBuckets(t *testing.T) {
	be := newCountingBackend(t, nil)

	cfg := baseConfig(be.URL)
	cfg.RateLimit = &config.RateLimitConfig{
		Enabled: true,
		Default: config.RateLimitRule{Limit: 1, Period: config.Duration(time.Minute)},
	}

	g := newTestGateway(t, cfg)

	// No trusted proxies are configured, so rotating X-Forwarded-For
	// values must not escape the peer's bucket.
	first := http.Header{}
	first.Set("X-Forwarded-For", "198.51.100.1")
	second := http.Header{}
	second.Set("X-Forwarded-For", "198.51.100.2")

	require.Equal(t, http.StatusOK, doRequest(g, "GET", "/api/items", first).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(g, "GET", "/api/items", second).Code)
	assert.Equal(t, int64(1), be.hits.Load())
}

func TestUnknownPathReturns404(t *testing.T) {
	be := newCountingBackend(t, nil)

	g := newTestGateway(t, baseConfig(be.URL))

	w := doRequest(g, "GET", "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeErrorBody(t, w).Error)
	assert.Zero(t, be.hits.Load())
}

func TestDisallowedMethodReturns405(t *testing.T) {
	be := newCountingBackend(t, nil)

	cfg := baseConfig(be.URL)
	cfg.Routes = append(cfg.Routes, config.Route{
		ID:        "items-read",
		Path:      "/items",
		Methods:   []string{"GET", "HEAD"},
		ClusterID: "api",
	})

	g := newTestGateway(t, cfg)

	w := doRequest(g, "DELETE", "/items", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, HEAD", w.Header().Get("Allow"))
	assert.Equal(t, "method_not_allowed", decodeErrorBody(t, w).Error)
}

func TestUnhealthyDestinationIsSkipped(t *testing.T) {
	d1 := newCountingBackend(t, nil)
	d2 := newCountingBackend(t, nil)

	cfg := baseConfig(d1.URL)
	cfg.Clusters[0].Destinations = append(cfg.Clusters[0].Destinations,
		config.Destination{ID: "d2", Address: d2.URL},
	)

	g := newTestGateway(t, cfg)

	cluster, ok := g.Registry().Get("api")
	require.True(t, ok)
	dest2, ok := cluster.Destination("d2")
	require.True(t, ok)
	dest2.SetStatus(backend.StatusUnhealthy)

	for i := 0; i < 4; i++ {
		w := doRequest(g, "GET", "/api/items", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, int64(4), d1.hits.Load())
	assert.Zero(t, d2.hits.Load())
}

func TestAllDestinationsDownFailsClosed(t *testing.T) {
	d1 := newCountingBackend(t, nil)

	g := newTestGateway(t, baseConfig(d1.URL))

	cluster, ok := g.Registry().Get("api")
	require.True(t, ok)
	dest1, ok := cluster.Destination("d1")
	require.True(t, ok)
	dest1.SetStatus(backend.StatusUnhealthy)

	w := doRequest(g, "GET", "/api/items", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decodeErrorBody(t, w)
	assert.Equal(t, "service_unavailable", body.Error)
	assert.Equal(t, "api", body.Cluster)
	assert.Zero(t, d1.hits.Load())
}

func TestBackendErrorsOpenCircuit(t *testing.T) {
	be := newCountingBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	cfg := baseConfig(be.URL)
	cfg.CircuitBreaker = &config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		OpenDuration:     config.Duration(time.Minute),
	}

	g := newTestGateway(t, cfg)

	// The backend's 5xx responses are relayed while they trip the circuit.
	for i := 0; i < 2; i++ {
		w := doRequest(g, "GET", "/api/items", nil)
		require.Equal(t, http.StatusInternalServerError, w.Code)
	}

	// Open circuit: immediate 503, no backend call.
	w := doRequest(g, "GET", "/api/items", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "api", decodeErrorBody(t, w).Cluster)
	assert.Equal(t, int64(2), be.hits.Load())
}

func TestBackendClientErrorsPassThroughWithoutTripping(t *testing.T) {
	be := newCountingBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	cfg := baseConfig(be.URL)
	cfg.CircuitBreaker = &config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		OpenDuration:     config.Duration(time.Minute),
	}

	g := newTestGateway(t, cfg)

	for i := 0; i < 10; i++ {
		w := doRequest(g, "GET", "/api/items", nil)
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	}

	assert.Equal(t, int64(10), be.hits.Load())
}

func TestUnreachableDestinationReturns502(t *testing.T) {
	g := newTestGateway(t, baseConfig("http://127.0.0.1:1"))

	w := doRequest(g, "GET", "/api/items", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "bad_gateway", decodeErrorBody(t, w).Error)
}

func TestSlowBackendReturns504(t *testing.T) {
	be := newCountingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})

	g := newTestGateway(t, baseConfig(be.URL), WithForwardTimeout(50*time.Millisecond))

	w := doRequest(g, "GET", "/api/items", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "gateway_timeout", decodeErrorBody(t, w).Error)
}

func TestTransformsApplyToOutboundRequest(t *testing.T) {
	var gotPath, gotHeader, gotForwardedFor string
	be := newCountingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Env")
		gotForwardedFor = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	})

	cfg := baseConfig(be.URL)
	cfg.Routes[0].Transforms = []config.Transform{
		{Type: config.TransformStripPrefix, Value: "/api"},
		{Type: config.TransformSetHeader, Name: "X-Env", HeaderValue: "prod"},
	}

	g := newTestGateway(t, cfg)

	w := doRequest(g, "GET", "/api/items", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "/items", gotPath)
	assert.Equal(t, "prod", gotHeader)
	assert.Equal(t, "203.0.113.7", gotForwardedFor)
}

func TestCorrelationIDPropagation(t *testing.T) {
	var gotCorrelation string
	be := newCountingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(CorrelationHeader)
		w.WriteHeader(http.StatusOK)
	})

	g := newTestGateway(t, baseConfig(be.URL))

	// A client-supplied id is honored end to end.
	h := http.Header{}
	h.Set(CorrelationHeader, "client-supplied-id")
	w := doRequest(g, "GET", "/api/items", h)
	assert.Equal(t, "client-supplied-id", w.Header().Get(CorrelationHeader))
	assert.Equal(t, "client-supplied-id", gotCorrelation)

	// Otherwise the gateway mints one.
	w = doRequest(g, "GET", "/api/items", nil)
	assert.NotEmpty(t, w.Header().Get(CorrelationHeader))
}

func TestInternalResponseHeadersAreStripped(t *testing.T) {
	be := newCountingBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Internal-Trace", "do-not-leak")
		w.Header().Set("X-Public", "fine")
		w.WriteHeader(http.StatusOK)
	})

	g := newTestGateway(t, baseConfig(be.URL))

	w := doRequest(g, "GET", "/api/items", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Internal-Trace"))
	assert.Equal(t, "fine", w.Header().Get("X-Public"))
	assert.NotEmpty(t, w.Header().Get(upstreamLatencyHeader))
}

func TestReloadSwitchesTraffic(t *testing.T) {
	oldBE := newCountingBackend(t, nil)
	newBE := newCountingBackend(t, nil)

	g := newTestGateway(t, baseConfig(oldBE.URL))

	require.Equal(t, http.StatusOK, doRequest(g, "GET", "/api/items", nil).Code)
	require.Equal(t, int64(1), oldBE.hits.Load())

	require.NoError(t, g.Reload(baseConfig(newBE.URL)))
	assert.Equal(t, uint64(2), g.Generation())

	require.Equal(t, http.StatusOK, doRequest(g, "GET", "/api/items", nil).Code)
	assert.Equal(t, int64(1), oldBE.hits.Load())
	assert.Equal(t, int64(1), newBE.hits.Load())
}

func TestReloadUnchangedConfigIsIdempotent(t *testing.T) {
	be := newCountingBackend(t, nil)

	g := newTestGateway(t, baseConfig(be.URL))

	require.NoError(t, g.Reload(baseConfig(be.URL)))

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, doRequest(g, "GET", "/api/items", nil).Code)
	}
	assert.Equal(t, int64(3), be.hits.Load())
}

func TestReloadKeepsDestinationHealth(t *testing.T) {
	be := newCountingBackend(t, nil)

	g := newTestGateway(t, baseConfig(be.URL))

	cluster, ok := g.Registry().Get("api")
	require.True(t, ok)
	dest, ok := cluster.Destination("d1")
	require.True(t, ok)
	dest.SetStatus(backend.StatusUnhealthy)

	require.Equal(t, http.StatusServiceUnavailable, doRequest(g, "GET", "/api/items", nil).Code)

	// An unchanged reload must not resurrect a destination probing took
	// out of rotation.
	require.NoError(t, g.Reload(baseConfig(be.URL)))

	w := doRequest(g, "GET", "/api/items", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "api", decodeErrorBody(t, w).Cluster)
	assert.Zero(t, be.hits.Load())
}

func TestReloadRejectsBrokenConfigKeepsServing(t *testing.T) {
	be := newCountingBackend(t, nil)

	g := newTestGateway(t, baseConfig(be.URL))

	broken := baseConfig("http://\x7f")
	require.Error(t, g.Reload(broken))
	assert.Equal(t, uint64(1), g.Generation())

	assert.Equal(t, http.StatusOK, doRequest(g, "GET", "/api/items", nil).Code)
}

func TestForwardedRequestBodyRoundTrip(t *testing.T) {
	be := newCountingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		dump, err := httputil.DumpRequest(r, true)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(dump)
	})

	cfg := baseConfig(be.URL)
	cfg.Routes = append(cfg.Routes, config.Route{
		ID:        "echo",
		Path:      "/echo",
		Methods:   []string{"POST"},
		ClusterID: "api",
	})

	g := newTestGateway(t, cfg)

	r := httptest.NewRequest("POST", "/echo", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "POST /echo")
}
