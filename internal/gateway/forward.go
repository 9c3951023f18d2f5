package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fieldsight/gateway/internal/backend"
	"github.com/fieldsight/gateway/internal/observability"
	"github.com/fieldsight/gateway/internal/ratelimit"
	"github.com/fieldsight/gateway/internal/router"
)

// hopByHopHeaders are stripped in both directions, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// internalHeaderPrefix marks response headers that never leave the edge.
const internalHeaderPrefix = "X-Internal-"

// upstreamLatencyHeader reports how long the backend took, in milliseconds.
const upstreamLatencyHeader = "X-Upstream-Latency-Ms"

// forwardStage proxies the request to a destination picked from the
// route's cluster, guarded by the destination's circuit breaker.
type forwardStage struct {
	breakers *backend.BreakerGroup
	client   *http.Client
	timeout  time.Duration
	logger   observability.Logger
}

func (s *forwardStage) Name() string { return "forward" }

func (s *forwardStage) Handle(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	rt := runtimeFromContext(r.Context())
	m := matchFromContext(r.Context())
	if rt == nil || m == nil {
		writeServiceUnavailable(w, r, "")
		return r, false
	}

	cluster, ok := rt.registry.Get(m.Route.ClusterID)
	if !ok {
		writeServiceUnavailable(w, r, m.Route.ClusterID)
		return r, false
	}

	dest, err := cluster.Pick()
	if err != nil {
		s.logger.WithContext(r.Context()).Warn("no destination available",
			observability.String("cluster", cluster.ID),
		)
		writeServiceUnavailable(w, r, cluster.ID)
		return r, false
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out := s.buildOutbound(ctx, r, m, dest)

	dest.BeginRequest()
	defer dest.EndRequest()

	upstreamStart := time.Now()

	var resp *http.Response
	call := func() error {
		var doErr error
		resp, doErr = s.client.Do(out)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			// The 5xx is still relayed to the client; it only counts as
			// a failure for the destination's circuit.
			return &backend.UpstreamError{StatusCode: resp.StatusCode}
		}
		return nil
	}

	if s.breakers != nil {
		err = s.breakers.Execute(cluster.ID, dest.ID, call)
	} else {
		err = call()
	}

	upstreamLatency := time.Since(upstreamStart)

	if resp != nil {
		s.relay(w, r, resp, upstreamLatency)
		return r, false
	}

	s.logger.WithContext(r.Context()).Error("forward failed",
		observability.String("cluster", cluster.ID),
		observability.String("destination", dest.ID),
		observability.Error(err),
	)

	switch {
	case errors.Is(err, backend.ErrCircuitOpen):
		writeServiceUnavailable(w, r, cluster.ID)
	case isTimeout(err):
		WriteError(w, r, http.StatusGatewayTimeout, codeGatewayTimeout)
	default:
		WriteError(w, r, http.StatusBadGateway, codeBadGateway)
	}
	return r, false
}

// buildOutbound clones the inbound request for the destination, applying
// route transforms and forwarding headers. The inbound request is never
// mutated.
func (s *forwardStage) buildOutbound(ctx context.Context, r *http.Request, m *router.Match, dest *backend.Destination) *http.Request {
	out := r.Clone(ctx)

	router.ApplyTransforms(out, m.Route.Transforms)

	out.URL.Scheme = dest.Address.Scheme
	out.URL.Host = dest.Address.Host
	out.URL.Path = joinPath(dest.Address.Path, out.URL.Path)
	out.Host = dest.Address.Host
	out.RequestURI = ""

	for _, h := range hopByHopHeaders {
		out.Header.Del(h)
	}

	peer := ratelimit.PeerIP(r.RemoteAddr)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", prior+", "+peer)
	} else {
		out.Header.Set("X-Forwarded-For", peer)
	}
	out.Header.Set("X-Forwarded-Host", r.Host)
	out.Header.Set("X-Forwarded-Proto", requestScheme(r))
	out.Header.Set(CorrelationHeader, observability.CorrelationIDFromContext(r.Context()))

	return out
}

// relay copies the backend response to the client, stripping hop-by-hop
// and internal-only headers and adding gateway timing.
func (s *forwardStage) relay(w http.ResponseWriter, r *http.Request, resp *http.Response, upstreamLatency time.Duration) {
	defer func() { _ = resp.Body.Close() }()

	header := w.Header()
	for name, values := range resp.Header {
		if isHopByHop(name) || strings.HasPrefix(name, internalHeaderPrefix) {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	header.Set(upstreamLatencyHeader, strconv.FormatInt(upstreamLatency.Milliseconds(), 10))
	header.Set(CorrelationHeader, observability.CorrelationIDFromContext(r.Context()))

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.WithContext(r.Context()).Debug("response copy interrupted",
			observability.Error(err),
		)
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// isTimeout reports whether the forward failed because the deadline ran
// out rather than the destination refusing the connection.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

// joinPath joins the destination's base path with the request path,
// normalizing the joining slash.
func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}
