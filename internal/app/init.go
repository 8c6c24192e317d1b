package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/admin"
	"github.com/nulpointcorp/llm-gateway/internal/admission"
	"github.com/nulpointcorp/llm-gateway/internal/audit"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/guardrails"
	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/policy"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map and fails when it is empty.
// config's validate() already rejects a configuration with no provider key
// unless AllowClientAPIKeys is set.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:     a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:         a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout:    a.cfg.CircuitBreaker.HalfOpenTimeout,
			BackoffMultiplier:  a.cfg.CircuitBreaker.BackoffMultiplier,
			MaxOpenTimeout:     a.cfg.CircuitBreaker.MaxOpenTimeout,
			SuccessThreshold:   a.cfg.CircuitBreaker.SuccessThreshold,
			FailureStatusCodes: a.cfg.CircuitBreaker.FailureStatusCodes,
		},
		Failover: buildFailoverChains(a.cfg.Failover),
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — not wired in the open-source build.
	// In the managed version this connects to ClickHouse for analytics.
	// Request metadata is still written via slog (see gateway.go logRequest).

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.cacheImpl = cacheImpl
	a.gw = gw

	return nil
}

// initAdmission wires the identity/policy/quota/guardrails admission
// pipeline and the §6 control-plane API in front of the gateway built by
// initGateway. The control-plane store is Postgres-backed when
// Database.DSN (DATABASE_DSN) is set, otherwise an in-process memory store (fine
// for single-node/dev deployments, lost on restart).
func (a *App) initAdmission(ctx context.Context) error {
	var s store.Store
	if a.cfg.Database.DSN != "" {
		pg, err := store.NewPGStore(ctx, a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("control-plane store: %w", err)
		}
		s = pg
		a.log.Info("control-plane store: postgres")
	} else {
		s = store.NewMemStore()
		a.log.Info("control-plane store: in-memory (no persistence across restarts)")
	}

	auditCtx, auditCancel := context.WithCancel(a.baseCtx)
	a.auditLog = audit.New(auditCtx, s, a.log, a.prom, audit.Options{
		QueueSize:   a.cfg.Admission.AuditQueueSize,
		BatchSize:   a.cfg.Admission.AuditBatchSize,
		FlushPeriod: a.cfg.Admission.AuditFlushPeriod,
	})
	a.auditCancel = auditCancel

	identCfg := identity.Config{
		APIKey: identity.KeyConfig{Prefix: a.cfg.Admission.APIKeyPrefix},
	}
	if a.cfg.Admission.JWTJWKSURL != "" {
		identCfg.JWT = &identity.JWTConfig{
			Issuer:            a.cfg.Admission.JWTIssuer,
			Audience:          a.cfg.Admission.JWTAudience,
			JWKSURL:           a.cfg.Admission.JWTJWKSURL,
			AllowedAlgorithms: a.cfg.Admission.JWTAllowedAlgorithms,
		}
	}
	if a.cfg.Admission.ProxyAuthHeader != "" {
		identCfg.ProxyAuth = &identity.ProxyAuthConfig{
			IdentityHeader: a.cfg.Admission.ProxyAuthHeader,
			TrustedProxies: a.cfg.Admission.TrustedProxies,
		}
	}
	resolver := identity.New(identCfg, a.cacheImpl, s)

	polCfg := policy.DefaultConfig()
	polCfg.Gateway.Enabled = true
	if a.cfg.Admission.DefaultEffect == "deny" {
		polCfg.Gateway.DefaultEffect = policy.EffectDeny
	} else {
		polCfg.Gateway.DefaultEffect = policy.EffectAllow
	}
	polEngine := policy.New(polCfg, s, a.cacheImpl)

	rateLimiter := quota.NewRateLimiter(a.cacheImpl, quota.RateLimitConfig{
		Mode:                      quota.WindowSliding,
		Window:                    time.Minute,
		Limit:                     a.cfg.Admission.GlobalRateLimitRPM,
		EstimatedTokensPerRequest: 1,
	})
	concurrency := quota.NewConcurrencyLimiter(a.cacheImpl)
	budget := quota.NewBudgetTracker(a.cacheImpl)

	var ipLimiter *quota.IPLimiter
	if a.cfg.Admission.IPRateLimitRPM > 0 {
		ipLimiter = quota.NewIPLimiter(a.cacheImpl, quota.IPLimiterConfig{
			RequestsPerMinute: float64(a.cfg.Admission.IPRateLimitRPM),
			Burst:             a.cfg.Admission.IPRateLimitBurst,
		})
	}

	budgetPeriod := 30 * 24 * time.Hour
	if a.cfg.Admission.GlobalBudgetPeriod == "day" {
		budgetPeriod = 24 * time.Hour
	}

	defaultEffect := policy.EffectAllow
	if a.cfg.Admission.DefaultEffect == "deny" {
		defaultEffect = policy.EffectDeny
	}

	pipeline := &admission.Pipeline{
		Resolver:    resolver,
		Policy:      polEngine,
		RateLimiter: rateLimiter,
		Concurrency: concurrency,
		Budget:      budget,
		IPLimiter:   ipLimiter,
		Guardrails:  guardrails.New(guardrails.Config{}),
		Audit:       a.auditLog,
		Metrics:     a.prom,
		Cfg: admission.Config{
			DefaultGatewayEffect: defaultEffect,
			TrustedProxies:       a.cfg.Admission.TrustedProxies,
			IPHeader:             "X-Forwarded-For",
			AllowAnonymous:       a.cfg.Admission.AllowAnonymous,
			GlobalRateLimit: quota.RateLimitConfig{
				Mode:   quota.WindowSliding,
				Window: time.Minute,
				Limit:  a.cfg.Admission.GlobalRateLimitRPM,
			},
			GlobalConcurrency: a.cfg.Admission.GlobalConcurrency,
			GlobalBudget: quota.BudgetConfig{
				LimitCents: a.cfg.Admission.GlobalBudgetCents,
				Period:     budgetPeriod,
				Action:     quota.BudgetBlock,
			},
		},
	}
	a.gw.SetAdmission(pipeline)

	adminHandlers := &admin.Handlers{
		Store:                s,
		Invalidator:          resolver,
		Policy:               polEngine,
		Audit:                a.auditLog,
		Log:                  a.log,
		KeyFamily:            a.cfg.Admission.KeyFamily,
		DisplayPrefix:        a.cfg.Admission.KeyDisplayPrefix,
		DefaultGraceDuration: 24 * time.Hour,
	}
	adminRouter := &admin.Router{
		Handlers: adminHandlers,
		Resolve:  admin.ResolveFromHeaders(resolver),
	}
	a.mgmt.RegisterAdmin = adminRouter.Register

	return nil
}

// buildFailoverChains translates the config-file fallback maps into the
// proxy package's own types, keeping proxy free of a dependency on config.
func buildFailoverChains(fc config.FailoverConfig) proxy.FailoverChains {
	chains := proxy.FailoverChains{
		ModelFallbacks:    make(map[string][]proxy.ModelFallback, len(fc.ModelFallbacks)),
		ProviderFallbacks: fc.ProviderFallbacks,
	}
	for model, entries := range fc.ModelFallbacks {
		out := make([]proxy.ModelFallback, len(entries))
		for i, e := range entries {
			out[i] = proxy.ModelFallback{Model: e.Model, Provider: e.Provider}
		}
		chains.ModelFallbacks[model] = out
	}
	return chains
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
