package jwt

import (
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// ExtractBearer returns the bearer token from the Authorization header.
// It returns ErrTokenMissing when the header is absent and
// ErrTokenMalformed when the header does not carry a bearer scheme.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrTokenMissing
	}

	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrTokenMalformed
	}

	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrTokenMissing
	}

	return token, nil
}
