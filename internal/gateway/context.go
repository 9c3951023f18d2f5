package gateway

import (
	"context"

	"github.com/fieldsight/gateway/internal/auth/jwt"
	"github.com/fieldsight/gateway/internal/router"
)

type contextKey string

const (
	claimsKey contextKey = "claims"
	matchKey  contextKey = "routeMatch"
)

// contextWithClaims attaches validated token claims to the context. Claims
// are read-only for the remainder of the request.
func contextWithClaims(ctx context.Context, claims *jwt.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the validated claims, or nil for anonymous
// requests.
func ClaimsFromContext(ctx context.Context) *jwt.Claims {
	claims, _ := ctx.Value(claimsKey).(*jwt.Claims)
	return claims
}

// SubjectFromContext returns the authenticated subject, or "".
func SubjectFromContext(ctx context.Context) string {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}

// contextWithMatch attaches a resolved route match to the context.
func contextWithMatch(ctx context.Context, m *router.Match) context.Context {
	return context.WithValue(ctx, matchKey, m)
}

// matchFromContext returns the resolved route match, if any stage has
// resolved one already.
func matchFromContext(ctx context.Context) *router.Match {
	m, _ := ctx.Value(matchKey).(*router.Match)
	return m
}
