package gateway

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fieldsight/gateway/internal/observability"
)

// Machine-readable error codes carried in terminal response bodies.
const (
	codeUnauthorized       = "unauthorized"
	codeNotFound           = "not_found"
	codeMethodNotAllowed   = "method_not_allowed"
	codeRateLimited        = "rate_limited"
	codeServiceUnavailable = "service_unavailable"
	codeBadGateway         = "bad_gateway"
	codeGatewayTimeout     = "gateway_timeout"
)

// errorBody is the JSON shape of every terminal gateway error.
type errorBody struct {
	Error             string `json:"error"`
	CorrelationID     string `json:"correlationId,omitempty"`
	Cluster           string `json:"cluster,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// WriteError renders a terminal error response. Every body carries the
// request's correlation id so clients can reference it in reports.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeErrorBody(w, status, errorBody{
		Error:         code,
		CorrelationID: observability.CorrelationIDFromContext(r.Context()),
	})
}

// writeUnauthorized renders a 401 with the WWW-Authenticate challenge.
func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
	WriteError(w, r, http.StatusUnauthorized, codeUnauthorized)
}

// writeMethodNotAllowed renders a 405 with the Allow header when the
// allowed method set is known.
func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed []string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	WriteError(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed)
}

// writeRateLimited renders a 429 with the Retry-After header. The header
// value is rounded up so a client that waits exactly that long is never
// denied again for the same window.
func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeErrorBody(w, http.StatusTooManyRequests, errorBody{
		Error:             codeRateLimited,
		CorrelationID:     observability.CorrelationIDFromContext(r.Context()),
		RetryAfterSeconds: seconds,
	})
}

// writeServiceUnavailable renders a 503 naming the cluster that could not
// serve the request.
func writeServiceUnavailable(w http.ResponseWriter, r *http.Request, cluster string) {
	writeErrorBody(w, http.StatusServiceUnavailable, errorBody{
		Error:         codeServiceUnavailable,
		CorrelationID: observability.CorrelationIDFromContext(r.Context()),
		Cluster:       cluster,
	})
}

func writeErrorBody(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
