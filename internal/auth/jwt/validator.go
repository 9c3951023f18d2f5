// Package jwt implements bearer-token validation for the gateway. Keys are
// loaded at startup (static config or a JWKS endpoint refreshed in the
// background); the request path never fetches keys over the network.
package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"math/big"
	"strings"
	"time"

	"github.com/fieldsight/gateway/internal/observability"
)

// Config configures the validator.
type Config struct {
	// Issuer is the expected iss claim; empty disables the check.
	Issuer string

	// Audience is the set of accepted audiences; a token must carry at
	// least one. Empty disables the check.
	Audience []string

	// Algorithms restricts the accepted alg header values. Empty means
	// any supported algorithm.
	Algorithms []string

	// ClockSkew is the tolerance applied to exp and nbf.
	ClockSkew time.Duration
}

// Validator validates bearer tokens.
type Validator interface {
	// Validate validates a compact JWT and returns its claims.
	Validate(ctx context.Context, token string) (*Claims, error)
}

type validator struct {
	config Config
	keySet KeySet
	logger observability.Logger
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*validator)

// WithValidatorLogger sets the logger for the validator.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *validator) {
		v.logger = logger
	}
}

// NewValidator creates a validator backed by the given key set.
func NewValidator(config Config, keySet KeySet, opts ...ValidatorOption) (Validator, error) {
	if keySet == nil {
		return nil, fmt.Errorf("key set is required")
	}

	v := &validator{
		config: config,
		keySet: keySet,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// tokenHeader is the decoded JWT header.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	KeyID     string `json:"kid"`
}

// Validate validates a compact JWT and returns its claims.
func (v *validator) Validate(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, NewValidationError("failed to decode header", err)
	}

	if err := v.checkAlgorithm(header.Algorithm); err != nil {
		return nil, err
	}

	claims, err := decodePayload(parts[1])
	if err != nil {
		return nil, NewValidationError("failed to decode payload", err)
	}

	if err := v.verifySignature(ctx, header, parts[0]+"."+parts[1], parts[2]); err != nil {
		return nil, err
	}

	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}

	v.logger.Debug("token validated",
		observability.String("subject", claims.Subject),
		observability.String("issuer", claims.Issuer),
	)

	return claims, nil
}

func decodeHeader(encoded string) (*tokenHeader, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	return &header, nil
}

func decodePayload(encoded string) (*Claims, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	var claimsMap map[string]interface{}
	if err := json.Unmarshal(data, &claimsMap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	return ParseClaims(claimsMap)
}

func (v *validator) checkAlgorithm(alg string) error {
	if len(v.config.Algorithms) == 0 {
		return nil
	}
	for _, allowed := range v.config.Algorithms {
		if alg == allowed {
			return nil
		}
	}
	return NewValidationError(fmt.Sprintf("algorithm %s is not allowed", alg), ErrUnsupportedAlgorithm)
}

func (v *validator) verifySignature(ctx context.Context, header *tokenHeader, signingInput, signature string) error {
	sigBytes, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return NewValidationError("failed to decode signature", ErrTokenMalformed)
	}

	key, err := v.keySet.GetKey(ctx, header.KeyID, header.Algorithm)
	if err != nil {
		return NewValidationError("failed to resolve signing key", err)
	}

	switch header.Algorithm {
	case AlgRS256:
		return verifyRSA(key, signingInput, sigBytes, crypto.SHA256)
	case AlgRS384:
		return verifyRSA(key, signingInput, sigBytes, crypto.SHA384)
	case AlgRS512:
		return verifyRSA(key, signingInput, sigBytes, crypto.SHA512)
	case AlgES256:
		return verifyECDSA(key, signingInput, sigBytes, crypto.SHA256)
	case AlgES384:
		return verifyECDSA(key, signingInput, sigBytes, crypto.SHA384)
	case AlgES512:
		return verifyECDSA(key, signingInput, sigBytes, crypto.SHA512)
	case AlgHS256:
		return verifyHMAC(key, signingInput, sigBytes, sha256.New)
	case AlgHS384:
		return verifyHMAC(key, signingInput, sigBytes, sha512.New384)
	case AlgHS512:
		return verifyHMAC(key, signingInput, sigBytes, sha512.New)
	default:
		return NewValidationError(
			fmt.Sprintf("unsupported algorithm: %s", header.Algorithm), ErrUnsupportedAlgorithm)
	}
}

func verifyRSA(key crypto.PublicKey, signingInput string, signature []byte, hashAlg crypto.Hash) error {
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return NewValidationError("key is not an RSA public key", ErrInvalidKey)
	}

	h := hashAlg.New()
	h.Write([]byte(signingInput))

	if err := rsa.VerifyPKCS1v15(rsaKey, hashAlg, h.Sum(nil), signature); err != nil {
		return NewValidationError("RSA signature verification failed", ErrTokenInvalidSignature)
	}

	return nil
}

func verifyECDSA(key crypto.PublicKey, signingInput string, signature []byte, hashAlg crypto.Hash) error {
	ecdsaKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return NewValidationError("key is not an ECDSA public key", ErrInvalidKey)
	}

	h := hashAlg.New()
	h.Write([]byte(signingInput))
	hashed := h.Sum(nil)

	// JWT ECDSA signatures are r || s in fixed-width big-endian form.
	keySize := (ecdsaKey.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*keySize {
		return NewValidationError("invalid ECDSA signature length", ErrTokenInvalidSignature)
	}

	r := new(big.Int).SetBytes(signature[:keySize])
	s := new(big.Int).SetBytes(signature[keySize:])

	if !ecdsa.Verify(ecdsaKey, hashed, r, s) {
		return NewValidationError("ECDSA signature verification failed", ErrTokenInvalidSignature)
	}

	return nil
}

func verifyHMAC(key crypto.PublicKey, signingInput string, signature []byte, hashFunc func() hash.Hash) error {
	keyBytes, ok := key.([]byte)
	if !ok {
		return NewValidationError("key is not suitable for HMAC", ErrInvalidKey)
	}

	mac := hmac.New(hashFunc, keyBytes)
	mac.Write([]byte(signingInput))

	if !hmac.Equal(signature, mac.Sum(nil)) {
		return NewValidationError("HMAC signature verification failed", ErrTokenInvalidSignature)
	}

	return nil
}

func (v *validator) checkClaims(claims *Claims) error {
	now := time.Now()
	skew := v.config.ClockSkew

	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time.Add(skew)) {
		return NewValidationError("token has expired", ErrTokenExpired)
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time.Add(-skew)) {
		return NewValidationError("token is not yet valid", ErrTokenNotYetValid)
	}

	if v.config.Issuer != "" && claims.Issuer != v.config.Issuer {
		return NewValidationError(
			fmt.Sprintf("issuer %s is not allowed", claims.Issuer), ErrTokenInvalidIssuer)
	}

	if len(v.config.Audience) > 0 && !claims.Audience.ContainsAny(v.config.Audience...) {
		return NewValidationError("token audience does not match", ErrTokenInvalidAudience)
	}

	return nil
}

var _ Validator = (*validator)(nil)
