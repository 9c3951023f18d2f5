package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fieldsight/gateway/internal/observability"
)

// KeySet resolves verification keys by key id and algorithm. For HMAC
// algorithms the returned key is a []byte secret.
type KeySet interface {
	// GetKey returns the verification key for the given kid and algorithm.
	GetKey(ctx context.Context, kid, alg string) (crypto.PublicKey, error)

	// Close releases any background resources held by the key set.
	Close() error
}

// StaticKey is one statically configured verification key.
type StaticKey struct {
	KeyID     string
	Algorithm string

	// Key holds base64 material for HMAC keys and PEM for asymmetric keys.
	Key string

	// KeyFile points at the key material on disk; used when Key is empty.
	KeyFile string
}

// staticKeySet serves keys parsed once at construction.
type staticKeySet struct {
	keys map[string]parsedKey
}

type parsedKey struct {
	algorithm string
	key       crypto.PublicKey
}

// NewStaticKeySet parses the configured static keys.
func NewStaticKeySet(keys []StaticKey) (KeySet, error) {
	set := &staticKeySet{keys: make(map[string]parsedKey, len(keys))}

	for i := range keys {
		k := &keys[i]

		material := []byte(k.Key)
		if k.Key == "" && k.KeyFile != "" {
			data, err := os.ReadFile(k.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("key %q: failed to read key file: %w", k.KeyID, err)
			}
			material = data
		}

		parsed, err := parseKeyMaterial(k.Algorithm, material)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k.KeyID, err)
		}

		set.keys[k.KeyID] = parsedKey{algorithm: k.Algorithm, key: parsed}
	}

	return set, nil
}

// GetKey returns the static key for the given kid.
func (s *staticKeySet) GetKey(_ context.Context, kid, alg string) (crypto.PublicKey, error) {
	if kid != "" {
		pk, ok := s.keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
		if pk.algorithm != alg {
			return nil, fmt.Errorf("%w: kid %q is configured for %s", ErrInvalidKey, kid, pk.algorithm)
		}
		return pk.key, nil
	}

	// Without a kid, accept a single key matching the algorithm.
	var match crypto.PublicKey
	for _, pk := range s.keys {
		if pk.algorithm != alg {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: multiple %s keys configured, token must carry a kid", ErrKeyNotFound, alg)
		}
		match = pk.key
	}
	if match == nil {
		return nil, fmt.Errorf("%w: no key for algorithm %s", ErrKeyNotFound, alg)
	}
	return match, nil
}

// Close implements KeySet.
func (s *staticKeySet) Close() error { return nil }

// parseKeyMaterial turns raw key material into a verification key.
func parseKeyMaterial(alg string, material []byte) (crypto.PublicKey, error) {
	if strings.HasPrefix(alg, "HS") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(material)))
		if err != nil {
			// Not base64, treat as a raw secret.
			return material, nil
		}
		return decoded, nil
	}

	block, _ := pem.Decode(material)
	if block == nil {
		return nil, fmt.Errorf("%w: not PEM encoded", ErrInvalidKey)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if rsaPub, rsaErr := x509.ParsePKCS1PublicKey(block.Bytes); rsaErr == nil {
			pub = rsaPub
		} else {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		if !strings.HasPrefix(alg, "RS") {
			return nil, fmt.Errorf("%w: RSA key configured for %s", ErrInvalidKey, alg)
		}
		return key, nil
	case *ecdsa.PublicKey:
		if !strings.HasPrefix(alg, "ES") {
			return nil, fmt.Errorf("%w: ECDSA key configured for %s", ErrInvalidKey, alg)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, pub)
	}
}

// jsonWebKeySet represents a JSON Web Key Set document.
type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

// jsonWebKey represents one JSON Web Key.
type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`

	// RSA components
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC components
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKSKeySet fetches keys from a JWKS endpoint at startup and refreshes
// them on a background timer. Key resolution on the request path only
// reads the cached set, it never blocks on the network.
type JWKSKeySet struct {
	url        string
	httpClient *http.Client
	logger     observability.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	lastFetch time.Time

	refreshInterval time.Duration
	stopCh          chan struct{}
	stoppedCh       chan struct{}
	stopOnce        sync.Once
}

// JWKSOption is a functional option for the JWKS key set.
type JWKSOption func(*JWKSKeySet)

// WithJWKSLogger sets the logger.
func WithJWKSLogger(logger observability.Logger) JWKSOption {
	return func(k *JWKSKeySet) {
		k.logger = logger
	}
}

// WithJWKSHTTPClient sets the HTTP client used for fetches.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(k *JWKSKeySet) {
		k.httpClient = client
	}
}

// WithJWKSRefreshInterval sets the background refresh interval.
func WithJWKSRefreshInterval(interval time.Duration) JWKSOption {
	return func(k *JWKSKeySet) {
		k.refreshInterval = interval
	}
}

// NewJWKSKeySet fetches the initial key set and starts the refresh loop.
// Construction fails if the initial fetch fails.
func NewJWKSKeySet(ctx context.Context, url string, opts ...JWKSOption) (*JWKSKeySet, error) {
	k := &JWKSKeySet{
		url:             url,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		logger:          observability.NopLogger(),
		refreshInterval: time.Hour,
		stopCh:          make(chan struct{}),
		stoppedCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(k)
	}

	if err := k.refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch failed: %w", err)
	}

	go k.refreshLoop()

	return k, nil
}

// GetKey returns the cached key for the given kid.
func (k *JWKSKeySet) GetKey(_ context.Context, kid, _ string) (crypto.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if key, ok := k.keys[kid]; ok {
		return key, nil
	}

	// A single-key JWKS may omit the kid.
	if kid == "" && len(k.keys) == 1 {
		for _, key := range k.keys {
			return key, nil
		}
	}

	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Close stops the refresh loop.
func (k *JWKSKeySet) Close() error {
	k.stopOnce.Do(func() {
		close(k.stopCh)
		<-k.stoppedCh
	})
	return nil
}

// LastFetch returns the time of the last successful fetch.
func (k *JWKSKeySet) LastFetch() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.lastFetch
}

// refreshLoop periodically refreshes the cached keys. A failed refresh
// keeps the previous keys.
func (k *JWKSKeySet) refreshLoop() {
	defer close(k.stoppedCh)

	ticker := time.NewTicker(k.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := k.refresh(ctx); err != nil {
				k.logger.Warn("JWKS refresh failed, keeping cached keys",
					observability.String("url", k.url),
					observability.Error(err),
				)
			}
			cancel()
		}
	}
}

// refresh fetches the JWKS document and replaces the cached keys.
func (k *JWKSKeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks jsonWebKeySet
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(jwks.Keys))
	for i := range jwks.Keys {
		jwk := &jwks.Keys[i]
		key, err := jwk.publicKey()
		if err != nil {
			k.logger.Warn("skipping unusable JWK",
				observability.String("kid", jwk.Kid),
				observability.Error(err),
			)
			continue
		}
		keys[jwk.Kid] = key
	}

	k.mu.Lock()
	k.keys = keys
	k.lastFetch = time.Now()
	k.mu.Unlock()

	k.logger.Info("JWKS refreshed",
		observability.String("url", k.url),
		observability.Int("keyCount", len(keys)),
	)

	return nil
}

// publicKey converts the JWK to a crypto.PublicKey.
func (j *jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch j.Kty {
	case "RSA":
		return j.rsaPublicKey()
	case "EC":
		return j.ecdsaPublicKey()
	default:
		return nil, fmt.Errorf("unsupported key type %q", j.Kty)
	}
}

func (j *jsonWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

func (j *jsonWebKey) ecdsaPublicKey() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch j.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", j.Crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(j.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(j.Y)
	if err != nil {
		return nil, fmt.Errorf("failed to decode y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// compositeKeySet tries each key set in order.
type compositeKeySet struct {
	sets []KeySet
}

// NewCompositeKeySet combines multiple key sets; the first set that
// resolves a key wins.
func NewCompositeKeySet(sets ...KeySet) KeySet {
	return &compositeKeySet{sets: sets}
}

// GetKey implements KeySet.
func (c *compositeKeySet) GetKey(ctx context.Context, kid, alg string) (crypto.PublicKey, error) {
	var lastErr error
	for _, set := range c.sets {
		key, err := set.GetKey(ctx, kid, alg)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrKeyNotFound
	}
	return nil, lastErr
}

// Close implements KeySet.
func (c *compositeKeySet) Close() error {
	var firstErr error
	for _, set := range c.sets {
		if err := set.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
