package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fieldsight/gateway/internal/auth/jwt"
	"github.com/fieldsight/gateway/internal/backend"
	"github.com/fieldsight/gateway/internal/config"
	"github.com/fieldsight/gateway/internal/observability"
	"github.com/fieldsight/gateway/internal/ratelimit"
	"github.com/fieldsight/gateway/internal/ratelimit/store"
	"github.com/fieldsight/gateway/internal/router"
)

// defaultForwardTimeout bounds one backend call when the listener's write
// timeout does not.
const defaultForwardTimeout = 30 * time.Second

// runtime is the per-generation dispatch state. A reload builds a complete
// new runtime and swaps it atomically; requests pinned to the old one
// finish undisturbed.
type runtime struct {
	cfg      *config.GatewayConfig
	router   *router.Router
	registry *backend.Registry
	probers  []*backend.Prober
}

// Gateway owns the dispatch pipeline and the runtime it operates on.
type Gateway struct {
	logger  observability.Logger
	metrics *observability.Metrics
	perf    *observability.PerfTracker

	validator  jwt.Validator
	keySet     jwt.KeySet
	limiter    ratelimit.Limiter
	rlStore    store.Store
	proxyTrust *ratelimit.ProxyTrust
	breakers   *backend.BreakerGroup

	dispatcher     *Dispatcher
	forwardTimeout time.Duration
	httpClient     *http.Client

	rt         atomic.Pointer[runtime]
	generation atomic.Uint64

	probeCtx    context.Context
	probeCancel context.CancelFunc

	server *http.Server
}

// Option is a functional option for the gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithValidator injects a token validator, overriding the one built from
// configuration.
func WithValidator(v jwt.Validator) Option {
	return func(g *Gateway) {
		g.validator = v
	}
}

// WithLimiter injects a rate limiter, overriding the one built from
// configuration.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(g *Gateway) {
		g.limiter = l
	}
}

// WithHTTPClient sets the client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = c
	}
}

// WithForwardTimeout bounds one backend call.
func WithForwardTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.forwardTimeout = d
	}
}

// New builds a gateway from a validated configuration. The context bounds
// startup work such as the initial JWKS fetch.
func New(ctx context.Context, cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		logger:         observability.NopLogger(),
		perf:           observability.NewPerfTracker(time.Minute),
		forwardTimeout: defaultForwardTimeout,
		httpClient: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.validator == nil && cfg.Auth != nil && cfg.Auth.Enabled {
		if err := g.buildValidator(ctx, cfg.Auth); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		if g.limiter == nil {
			if err := g.buildLimiter(cfg.RateLimit); err != nil {
				return nil, fmt.Errorf("rate limit: %w", err)
			}
		}
		if len(cfg.RateLimit.TrustedProxies) > 0 {
			trust, err := ratelimit.NewProxyTrust(cfg.RateLimit.TrustedProxies)
			if err != nil {
				return nil, fmt.Errorf("rate limit: %w", err)
			}
			g.proxyTrust = trust
		}
	}

	if cfg.CircuitBreaker != nil && cfg.CircuitBreaker.Enabled {
		g.breakers = backend.NewBreakerGroup(cfg.CircuitBreaker,
			backend.WithBreakerLogger(g.logger),
			backend.WithBreakerStateCallback(g.onBreakerState),
		)
	}

	rt, err := g.buildRuntime(cfg)
	if err != nil {
		return nil, err
	}
	g.rt.Store(rt)
	g.generation.Store(1)

	g.dispatcher = NewDispatcher(g.buildStages(cfg), g.logger, g.metrics, g.perf)
	g.probeCtx, g.probeCancel = context.WithCancel(context.Background())

	return g, nil
}

func (g *Gateway) buildValidator(ctx context.Context, cfg *config.AuthConfig) error {
	var sets []jwt.KeySet

	if len(cfg.StaticKeys) > 0 {
		keys := make([]jwt.StaticKey, 0, len(cfg.StaticKeys))
		for _, k := range cfg.StaticKeys {
			keys = append(keys, jwt.StaticKey{
				KeyID:     k.KeyID,
				Algorithm: k.Algorithm,
				Key:       k.Key,
				KeyFile:   k.KeyFile,
			})
		}
		ks, err := jwt.NewStaticKeySet(keys)
		if err != nil {
			return err
		}
		sets = append(sets, ks)
	}

	if cfg.JWKSUrl != "" {
		ks, err := jwt.NewJWKSKeySet(ctx, cfg.JWKSUrl,
			jwt.WithJWKSLogger(g.logger),
			jwt.WithJWKSRefreshInterval(cfg.JWKSRefreshInterval.Duration()),
		)
		if err != nil {
			return err
		}
		sets = append(sets, ks)
	}

	if len(sets) == 0 {
		return fmt.Errorf("no key source configured")
	}

	g.keySet = sets[0]
	if len(sets) > 1 {
		g.keySet = jwt.NewCompositeKeySet(sets...)
	}

	validator, err := jwt.NewValidator(jwt.Config{
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		Algorithms: cfg.Algorithms,
		ClockSkew:  cfg.ClockSkew.Duration(),
	}, g.keySet, jwt.WithValidatorLogger(g.logger))
	if err != nil {
		return err
	}

	g.validator = validator
	return nil
}

func (g *Gateway) buildLimiter(cfg *config.RateLimitConfig) error {
	if cfg.Store == "redis" {
		rc := store.RedisConfig{}
		if cfg.Redis != nil {
			rc.Address = cfg.Redis.Address
			rc.Password = cfg.Redis.Password
			rc.DB = cfg.Redis.DB
		}
		s, err := store.NewRedisStore(rc)
		if err != nil {
			return err
		}
		g.rlStore = s
		g.limiter = ratelimit.NewFixedWindowLimiter(s)
		return nil
	}

	g.limiter = ratelimit.NewTokenBucketLimiter(
		ratelimit.WithTokenBucketLogger(g.logger),
	)
	return nil
}

func (g *Gateway) buildStages(cfg *config.GatewayConfig) []Stage {
	var defaultRule ratelimit.Rule
	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		defaultRule = ratelimit.Rule{
			Limit:  cfg.RateLimit.Default.Limit,
			Period: cfg.RateLimit.Default.Period.Duration(),
		}
	}

	return []Stage{
		&correlationStage{gateway: g},
		&authStage{validator: g.validator, logger: g.logger, metrics: g.metrics},
		&rateLimitStage{limiter: g.limiter, defaultRule: defaultRule, trust: g.proxyTrust, logger: g.logger, metrics: g.metrics},
		&routeStage{},
		&forwardStage{breakers: g.breakers, client: g.httpClient, timeout: g.forwardTimeout, logger: g.logger},
	}
}

func (g *Gateway) buildRuntime(cfg *config.GatewayConfig) (*runtime, error) {
	registry, err := backend.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		router:   router.New(cfg.Routes),
		registry: registry,
	}

	for i := range cfg.Clusters {
		cc := &cfg.Clusters[i]
		if cc.HealthCheck == nil {
			continue
		}
		cluster, _ := registry.Get(cc.ID)
		rt.probers = append(rt.probers, backend.NewProber(cluster, *cc.HealthCheck,
			backend.WithProberLogger(g.logger),
			backend.WithStatusChangeCallback(g.onDestinationStatus),
		))
	}

	return rt, nil
}

func (g *Gateway) onDestinationStatus(clusterID, destinationID string, status int32) {
	if g.metrics != nil {
		g.metrics.SetDestinationHealth(clusterID, destinationID, status == backend.StatusHealthy)
	}
}

func (g *Gateway) onBreakerState(clusterID, destinationID string, state gobreaker.State) {
	if g.metrics != nil {
		g.metrics.SetCircuitState(clusterID, destinationID, int(state))
	}
}

// current returns the active configuration generation.
func (g *Gateway) current() *runtime {
	return g.rt.Load()
}

// Handler returns the dispatch pipeline as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	return g.dispatcher
}

// Registry returns the active cluster registry.
func (g *Gateway) Registry() *backend.Registry {
	return g.current().registry
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.GatewayConfig {
	return g.current().cfg
}

// Generation returns the configuration generation counter.
func (g *Gateway) Generation() uint64 {
	return g.generation.Load()
}

// PerfTracker returns the request performance tracker.
func (g *Gateway) PerfTracker() *observability.PerfTracker {
	return g.perf
}

// RateLimitStore returns the distributed rate-limit store, or nil when
// throttling is in-process.
func (g *Gateway) RateLimitStore() store.Store {
	return g.rlStore
}

// Start launches the probe loops and, when the listener has an address,
// the HTTP listener. The listener error is surfaced synchronously.
func (g *Gateway) Start(ctx context.Context) error {
	rt := g.current()
	for _, p := range rt.probers {
		p.Start(g.probeCtx)
	}

	addr := rt.cfg.Listener.Address
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	g.server = &http.Server{
		Handler:      g.Handler(),
		ReadTimeout:  rt.cfg.Listener.ReadTimeout.Duration(),
		WriteTimeout: rt.cfg.Listener.WriteTimeout.Duration(),
		IdleTimeout:  rt.cfg.Listener.IdleTimeout.Duration(),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g.logger.Info("gateway listening", observability.String("address", addr))

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("listener failed", observability.Error(err))
		}
	}()

	return nil
}

// Reload swaps in a new configuration generation. The new runtime is
// fully built and probing before the old one is torn down; a failed build
// leaves the running generation untouched.
func (g *Gateway) Reload(cfg *config.GatewayConfig) error {
	rt, err := g.buildRuntime(cfg)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordConfigReload(false)
		}
		return fmt.Errorf("reload rejected: %w", err)
	}

	// Destinations that survived the reload unchanged keep their probed
	// health, so an unchanged config routes exactly as before the swap.
	rt.registry.InheritHealth(g.current().registry)

	for _, p := range rt.probers {
		p.Start(g.probeCtx)
	}

	old := g.rt.Swap(rt)
	generation := g.generation.Add(1)

	for _, p := range old.probers {
		p.Stop()
	}

	if g.metrics != nil {
		g.metrics.RecordConfigReload(true)
	}
	g.logger.Info("configuration reloaded",
		observability.Int64("generation", int64(generation)),
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("clusters", len(cfg.Clusters)),
	)
	return nil
}

// Stop drains the listener and tears down background work.
func (g *Gateway) Stop(ctx context.Context) error {
	var firstErr error

	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}

	g.probeCancel()
	for _, p := range g.current().probers {
		p.Stop()
	}

	if g.limiter != nil {
		if err := g.limiter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.rlStore != nil {
		if err := g.rlStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.keySet != nil {
		if err := g.keySet.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
