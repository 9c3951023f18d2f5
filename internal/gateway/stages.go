package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/fieldsight/gateway/internal/auth/jwt"
	"github.com/fieldsight/gateway/internal/observability"
	"github.com/fieldsight/gateway/internal/ratelimit"
	"github.com/fieldsight/gateway/internal/router"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

const runtimeKey contextKey = "runtime"

func contextWithRuntime(ctx context.Context, rt *runtime) context.Context {
	return context.WithValue(ctx, runtimeKey, rt)
}

// runtimeFromContext returns the configuration generation pinned to this
// request. Dispatch always runs against one consistent generation even
// when a reload lands mid-request.
func runtimeFromContext(ctx context.Context) *runtime {
	rt, _ := ctx.Value(runtimeKey).(*runtime)
	return rt
}

// correlationStage assigns the request a correlation id, honoring one
// supplied by the client, and pins the current configuration generation.
type correlationStage struct {
	gateway *Gateway
}

func (s *correlationStage) Name() string { return "correlation" }

func (s *correlationStage) Handle(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	id := r.Header.Get(CorrelationHeader)
	if id == "" {
		id = uuid.NewString()
	}

	ctx := observability.ContextWithCorrelationID(r.Context(), id)
	ctx = contextWithRuntime(ctx, s.gateway.current())

	w.Header().Set(CorrelationHeader, id)
	return r.WithContext(ctx), true
}

// authStage validates the bearer token and attaches its claims to the
// request context. Any classified validation failure ends dispatch with
// 401; later stages never see an unauthenticated request.
type authStage struct {
	validator jwt.Validator
	logger    observability.Logger
	metrics   *observability.Metrics
}

func (s *authStage) Name() string { return "authenticate" }

func (s *authStage) Handle(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	if s.validator == nil {
		return r, true
	}

	token, err := jwt.ExtractBearer(r)
	if err != nil {
		s.reject(w, r, err)
		return r, false
	}

	claims, err := s.validator.Validate(r.Context(), token)
	if err != nil {
		s.reject(w, r, err)
		return r, false
	}

	return r.WithContext(contextWithClaims(r.Context(), claims)), true
}

func (s *authStage) reject(w http.ResponseWriter, r *http.Request, err error) {
	reason := authFailureReason(err)
	if s.metrics != nil {
		s.metrics.RecordAuthFailure(reason)
	}
	s.logger.WithContext(r.Context()).Warn("authentication failed",
		observability.String("reason", reason),
		observability.Error(err),
	)
	writeUnauthorized(w, r)
}

// authFailureReason maps a validation error to a bounded metrics label.
func authFailureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMissing):
		return "missing"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, jwt.ErrTokenInvalidSignature):
		return "signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "audience"
	case errors.Is(err, jwt.ErrUnsupportedAlgorithm):
		return "algorithm"
	case errors.Is(err, jwt.ErrKeyNotFound):
		return "unknown_key"
	default:
		return "invalid"
	}
}

// rateLimitStage throttles requests before any backend work happens. The
// applicable rule is the matched route's override when one exists, else
// the global default; the throttling key prefers the authenticated
// subject over the client address.
type rateLimitStage struct {
	limiter     ratelimit.Limiter
	defaultRule ratelimit.Rule
	trust       *ratelimit.ProxyTrust
	logger      observability.Logger
	metrics     *observability.Metrics
}

func (s *rateLimitStage) Name() string { return "ratelimit" }

func (s *rateLimitStage) Handle(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	if s.limiter == nil {
		return r, true
	}

	rule := s.defaultRule
	scope := "global"

	// Resolve the route early so a per-route override applies; the later
	// route stage reuses this match instead of resolving again. A request
	// that matches nothing is still throttled under the default rule.
	if rt := runtimeFromContext(r.Context()); rt != nil {
		if m, err := rt.router.Resolve(r.Method, r.URL.Path); err == nil {
			ctx := contextWithMatch(r.Context(), m)
			ctx = observability.ContextWithRoute(ctx, m.Route.ID)
			r = r.WithContext(ctx)

			scope = m.Route.ID
			if m.Route.RateLimit != nil {
				rule = ratelimit.Rule{
					Limit:  m.Route.RateLimit.Limit,
					Period: m.Route.RateLimit.Period.Duration(),
				}
			}
		}
	}

	if rule.IsZero() {
		return r, true
	}

	key := ratelimit.RouteKey(scope, ratelimit.KeyForRequest(r, SubjectFromContext(r.Context()), s.trust))

	result, err := s.limiter.Allow(r.Context(), key, rule)
	if err != nil {
		// A broken limiter backend must not take the gateway down.
		s.logger.WithContext(r.Context()).Error("rate limit check failed",
			observability.Error(err),
		)
		return r, true
	}

	if s.metrics != nil {
		s.metrics.RecordRateLimit(scope, result.Allowed)
	}

	if !result.Allowed {
		s.logger.WithContext(r.Context()).Debug("request throttled",
			observability.String("key", key),
			observability.Duration("retry_after", result.RetryAfter),
		)
		writeRateLimited(w, r, result.RetryAfter)
		return r, false
	}

	return r, true
}

// routeStage resolves the request to a route, yielding 404 when no path
// matches and 405 when the path matches with a disallowed method.
type routeStage struct{}

func (s *routeStage) Name() string { return "route" }

func (s *routeStage) Handle(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	if matchFromContext(r.Context()) != nil {
		return r, true
	}

	rt := runtimeFromContext(r.Context())
	if rt == nil {
		writeServiceUnavailable(w, r, "")
		return r, false
	}

	m, err := rt.router.Resolve(r.Method, r.URL.Path)
	if err != nil {
		var notAllowed *router.MethodNotAllowedError
		if errors.As(err, &notAllowed) {
			writeMethodNotAllowed(w, r, notAllowed.Allowed)
		} else {
			WriteError(w, r, http.StatusNotFound, codeNotFound)
		}
		return r, false
	}

	ctx := contextWithMatch(r.Context(), m)
	ctx = observability.ContextWithRoute(ctx, m.Route.ID)
	return r.WithContext(ctx), true
}
