package jwt

import (
	"errors"
	"fmt"
)

// Supported signing algorithms.
const (
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgES256 = "ES256"
	AlgES384 = "ES384"
	AlgES512 = "ES512"
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
)

// Sentinel errors for token validation.
var (
	// ErrTokenMissing indicates that no bearer token was presented.
	ErrTokenMissing = errors.New("token is missing")

	// ErrTokenMalformed indicates that the token is not a well-formed JWT.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrTokenExpired indicates that the token has expired.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenNotYetValid indicates that the token is not yet valid.
	ErrTokenNotYetValid = errors.New("token is not yet valid")

	// ErrTokenInvalidSignature indicates that the signature does not verify.
	ErrTokenInvalidSignature = errors.New("token signature is invalid")

	// ErrTokenInvalidIssuer indicates that the token issuer is not accepted.
	ErrTokenInvalidIssuer = errors.New("token issuer is invalid")

	// ErrTokenInvalidAudience indicates that no accepted audience matched.
	ErrTokenInvalidAudience = errors.New("token audience is invalid")

	// ErrUnsupportedAlgorithm indicates that the signing algorithm is not supported.
	ErrUnsupportedAlgorithm = errors.New("signing algorithm is not supported")

	// ErrKeyNotFound indicates that the signing key was not found.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrInvalidKey indicates that the signing key is invalid.
	ErrInvalidKey = errors.New("signing key is invalid")
)

// ValidationError carries the failure detail for a rejected token.
type ValidationError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("jwt validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("jwt validation error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok || errors.Is(e.Cause, target)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{
		Message: message,
		Cause:   cause,
	}
}

// IsExpiredError checks if an error indicates token expiration.
func IsExpiredError(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// IsSignatureError checks if an error indicates a signature problem.
func IsSignatureError(err error) bool {
	return errors.Is(err, ErrTokenInvalidSignature)
}
