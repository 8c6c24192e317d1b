// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-gateway/internal/ssrf"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Mistral   ProviderConfig

	// OpenAI-compatible providers.
	XAI        ProviderConfig
	DeepSeek   ProviderConfig
	Groq       ProviderConfig
	Together   ProviderConfig
	Perplexity ProviderConfig
	Cerebras   ProviderConfig
	Moonshot   ProviderConfig
	MiniMax    ProviderConfig
	Qwen       ProviderConfig
	Nebius     ProviderConfig
	NovitaAI   ProviderConfig
	ByteDance  ProviderConfig
	ZAI        ProviderConfig
	CanopyWave ProviderConfig
	Inference  ProviderConfig
	NanoGPT    ProviderConfig

	// Google Vertex AI (uses ADC instead of an API key).
	VertexAI VertexAIConfig

	// AWS Bedrock.
	Bedrock BedrockConfig

	// Azure OpenAI.
	Azure AzureConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs (e.g. in webhook callbacks).
	AppBaseURL string

	// AllowClientAPIKeys enables forwarding client-supplied Authorization headers
	// directly to the upstream provider. When false (default) the gateway only
	// uses the API keys configured in this file/.env.
	AllowClientAPIKeys bool

	// Database holds the control-plane persistence connection.
	Database DatabaseConfig

	// Admission controls identity, policy, quota, and admin-key settings for
	// the admission pipeline in front of the proxy.
	Admission AdmissionConfig

	// SSRF controls which normally-blocked address classes provider base
	// URLs are permitted to reach.
	SSRF SSRFConfig

	// Streaming bounds the input/output buffers of providers that re-frame
	// their own SSE shape into OpenAI's (Anthropic, Bedrock, Vertex AI).
	Streaming StreamingConfig

	// ImageFetch holds the IMAGE_FETCH_* settings. They are loaded but not
	// read anywhere: the gateway does not download client-supplied image URLs.
	ImageFetch ImageFetchConfig
}

// SSRFConfig controls internal/ssrf's address-class allowlist for
// config-time provider base-URL validation. The cloud metadata address is
// always blocked regardless of
// these flags.
type SSRFConfig struct {
	AllowLoopback bool
	AllowPrivate  bool
}

// StreamingConfig bounds streaming re-framing buffers. 0 uses the
// providers package defaults (16 MiB input, 1000 output chunks).
type StreamingConfig struct {
	MaxInputBufferBytes   int
	MaxOutputBufferChunks int
}

// ImageFetchConfig describes image-URL fetching limits. No code path fetches
// client-supplied image URLs, so these values have no effect.
type ImageFetchConfig struct {
	Enabled bool
	// AllowedMIMETypes restricts the Content-Type the fetch will accept.
	AllowedMIMETypes []string
	// MaxBytes caps the downloaded image size.
	MaxBytes int64
	// Timeout bounds the fetch HTTP call.
	Timeout time.Duration
}

// DatabaseConfig holds the control-plane store connection.
type DatabaseConfig struct {
	// DSN is a postgres:// connection string. Empty uses the in-process
	// memory store (no persistence across restarts — fine for dev/test).
	DSN string
}

// AdmissionConfig controls the identity/policy/quota pipeline in front of
// the proxy.
type AdmissionConfig struct {
	// JWTIssuer/JWTAudience/JWTJWKSURL, when JWTJWKSURL is non-empty, enable
	// the JWKS-validated JWT identity path.
	JWTIssuer   string
	JWTAudience []string
	JWTJWKSURL  string
	// JWTAllowedAlgorithms restricts accepted JWT signing algorithms.
	// Default: ["RS256"].
	JWTAllowedAlgorithms []string

	// ProxyAuthHeader is the trusted-proxy header carrying the
	// upstream-authenticated user id (e.g. "X-Forwarded-User").
	ProxyAuthHeader string
	// TrustedProxies lists CIDRs allowed to set ProxyAuthHeader. validate()
	// requires it whenever ProxyAuthHeader is set, unless AllowAnonymous is
	// on; when empty, the proxy-auth path trusts only loopback peers.
	TrustedProxies []string

	// AllowAnonymous lets unauthenticated requests through, subject only to
	// the IP rate limiter, rather than rejecting with 401.
	AllowAnonymous bool

	// APIKeyPrefix is the bearer-token prefix (e.g. "gw_") that routes a
	// Bearer token to the API-key path instead of the JWT path.
	APIKeyPrefix string
	// KeyFamily/KeyDisplayPrefix control newly minted key secrets'
	// cosmetic prefix: "<KeyFamily><KeyDisplayPrefix><random>".
	KeyFamily        string
	KeyDisplayPrefix string

	// GlobalRateLimitRPM/GlobalConcurrency/GlobalBudgetCents are the
	// gateway-wide defaults applied when an API key doesn't override them.
	// 0 disables the corresponding limit.
	GlobalRateLimitRPM int64
	GlobalConcurrency  int64
	GlobalBudgetCents  int64
	GlobalBudgetPeriod string // "day" | "month"

	// IPRateLimitRPM/IPRateLimitBurst bound anonymous traffic by source IP:
	// the limit applies when identity resolution finds no credentials and
	// AllowAnonymous is on. Authenticated requests are not IP-limited.
	IPRateLimitRPM   int
	IPRateLimitBurst int

	// DefaultEffect is applied when no policy matches ("allow" or "deny").
	DefaultEffect string

	// AuditQueueSize/AuditBatchSize/AuditFlushPeriod tune the fire-and-forget
	// audit logger. Zero values fall back to package defaults.
	AuditQueueSize   int
	AuditBatchSize   int
	AuditFlushPeriod time.Duration
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// VertexAIConfig holds Google Vertex AI configuration.
// Auth is resolved via Application Default Credentials (ADC).
type VertexAIConfig struct {
	// Project is the Google Cloud project ID. Required.
	Project string
	// Location is the Vertex AI region. Default: "us-central1".
	Location string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	// AccessKey is the AWS access key ID.
	AccessKey string
	// SecretKey is the AWS secret access key.
	SecretKey string
	// SessionToken is the optional STS session token for temporary credentials.
	SessionToken string
	// Region is the AWS region, e.g. "us-east-1".
	Region string
	// EndpointURL overrides the Bedrock runtime endpoint. Useful for local mocks.
	EndpointURL string
}

// AzureConfig holds Azure OpenAI configuration.
type AzureConfig struct {
	// Endpoint is the Azure OpenAI resource URL,
	// e.g. "https://myresource.openai.azure.com".
	Endpoint string
	// APIKey is the Azure OpenAI resource key.
	APIKey string
	// APIVersion is the API version string, e.g. "2024-12-01-preview".
	APIVersion string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	// Example: ["gpt-4o-realtime", "claude-3-haiku"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration

	// BackoffMultiplier scales HalfOpenTimeout for every consecutive trip
	// back into Open without a successful recovery. Default: 2.0.
	BackoffMultiplier float64

	// MaxOpenTimeout caps the adaptively-backed-off Open duration.
	// Default: 10 * HalfOpenTimeout.
	MaxOpenTimeout time.Duration

	// SuccessThreshold is the number of consecutive HalfOpen successes
	// required before the breaker closes. Default: 1.
	SuccessThreshold int

	// FailureStatusCodes lists the HTTP status codes counted as circuit
	// breaker failures. Default: {500,502,503,504}; 429 is never a failure.
	FailureStatusCodes []int
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP timeout. Default: 30s.
	ProviderTimeout time.Duration

	// ModelFallbacks maps a requested model to an ordered list of
	// {model, provider} fallbacks tried, in order, before provider-level
	// fallback. An entry with an empty Provider retries the same provider
	// under the fallback model name.
	ModelFallbacks map[string][]ModelFallbackEntry

	// ProviderFallbacks maps a provider name to the ordered list of
	// providers tried, in order, once its model fallbacks (if any) are
	// exhausted. When a provider has no entry, buildCandidateList falls
	// back to providers.DefaultFallbackOrder.
	ProviderFallbacks map[string][]string
}

// ModelFallbackEntry is one step of a model's fallback chain.
type ModelFallbackEntry struct {
	Model    string
	Provider string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Client API key mode disabled by default.
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)

	// Admission defaults.
	v.SetDefault("JWT_ALLOWED_ALGORITHMS", []string{"RS256"})
	v.SetDefault("API_KEY_PREFIX", "gw_")
	v.SetDefault("KEY_FAMILY", "gw_")
	v.SetDefault("KEY_DISPLAY_PREFIX", "live_")
	v.SetDefault("DEFAULT_POLICY_EFFECT", "allow")
	v.SetDefault("IP_RATE_LIMIT_RPM", 300)
	v.SetDefault("IP_RATE_LIMIT_BURST", 60)
	v.SetDefault("AUDIT_QUEUE_SIZE", 10_000)
	v.SetDefault("AUDIT_BATCH_SIZE", 100)
	v.SetDefault("AUDIT_FLUSH_PERIOD", "1s")

	// SSRF defaults: strict (no loopback/private address allowed).
	v.SetDefault("SSRF_ALLOW_LOOPBACK", false)
	v.SetDefault("SSRF_ALLOW_PRIVATE", false)

	// Streaming re-framing buffer defaults (0 = providers package default).
	v.SetDefault("STREAM_MAX_INPUT_BUFFER_BYTES", 0)
	v.SetDefault("STREAM_MAX_OUTPUT_BUFFER_CHUNKS", 0)

	// Image-fetch sidecar defaults.
	v.SetDefault("IMAGE_FETCH_ENABLED", false)
	v.SetDefault("IMAGE_FETCH_ALLOWED_MIME_TYPES", []string{"image/png", "image/jpeg", "image/webp", "image/gif"})
	v.SetDefault("IMAGE_FETCH_MAX_BYTES", 10*1024*1024)
	v.SetDefault("IMAGE_FETCH_TIMEOUT", "10s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Mistral:   ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},

		// OpenAI-compatible providers
		XAI:        ProviderConfig{APIKey: v.GetString("XAI_API_KEY")},
		DeepSeek:   ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY")},
		Groq:       ProviderConfig{APIKey: v.GetString("GROQ_API_KEY")},
		Together:   ProviderConfig{APIKey: v.GetString("TOGETHER_API_KEY")},
		Perplexity: ProviderConfig{APIKey: v.GetString("PERPLEXITY_API_KEY")},
		Cerebras:   ProviderConfig{APIKey: v.GetString("CEREBRAS_API_KEY")},
		Moonshot:   ProviderConfig{APIKey: v.GetString("MOONSHOT_API_KEY")},
		MiniMax:    ProviderConfig{APIKey: v.GetString("MINIMAX_API_KEY")},
		Qwen:       ProviderConfig{APIKey: v.GetString("QWEN_API_KEY")},
		Nebius:     ProviderConfig{APIKey: v.GetString("NEBIUS_API_KEY")},
		NovitaAI:   ProviderConfig{APIKey: v.GetString("NOVITA_API_KEY")},
		ByteDance:  ProviderConfig{APIKey: v.GetString("BYTEDANCE_API_KEY")},
		ZAI:        ProviderConfig{APIKey: v.GetString("ZAI_API_KEY")},
		CanopyWave: ProviderConfig{APIKey: v.GetString("CANOPYWAVE_API_KEY")},
		Inference:  ProviderConfig{APIKey: v.GetString("INFERENCE_API_KEY")},
		NanoGPT:    ProviderConfig{APIKey: v.GetString("NANOGPT_API_KEY")},

		// Google Vertex AI
		VertexAI: VertexAIConfig{
			Project:  v.GetString("VERTEX_PROJECT"),
			Location: v.GetString("VERTEX_LOCATION"),
		},

		// AWS Bedrock
		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},

		// Azure OpenAI
		Azure: AzureConfig{
			Endpoint:   v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),

		SSRF: SSRFConfig{
			AllowLoopback: v.GetBool("SSRF_ALLOW_LOOPBACK"),
			AllowPrivate:  v.GetBool("SSRF_ALLOW_PRIVATE"),
		},

		Streaming: StreamingConfig{
			MaxInputBufferBytes:   v.GetInt("STREAM_MAX_INPUT_BUFFER_BYTES"),
			MaxOutputBufferChunks: v.GetInt("STREAM_MAX_OUTPUT_BUFFER_CHUNKS"),
		},

		ImageFetch: ImageFetchConfig{
			Enabled:          v.GetBool("IMAGE_FETCH_ENABLED"),
			AllowedMIMETypes: v.GetStringSlice("IMAGE_FETCH_ALLOWED_MIME_TYPES"),
			MaxBytes:         v.GetInt64("IMAGE_FETCH_MAX_BYTES"),
			Timeout:          v.GetDuration("IMAGE_FETCH_TIMEOUT"),
		},

		Database: DatabaseConfig{DSN: v.GetString("DATABASE_DSN")},

		Admission: AdmissionConfig{
			JWTIssuer:            v.GetString("JWT_ISSUER"),
			JWTAudience:          v.GetStringSlice("JWT_AUDIENCE"),
			JWTJWKSURL:           v.GetString("JWT_JWKS_URL"),
			JWTAllowedAlgorithms: v.GetStringSlice("JWT_ALLOWED_ALGORITHMS"),
			ProxyAuthHeader:      v.GetString("PROXY_AUTH_HEADER"),
			TrustedProxies:       v.GetStringSlice("TRUSTED_PROXIES"),
			AllowAnonymous:       v.GetBool("ALLOW_ANONYMOUS"),
			APIKeyPrefix:         v.GetString("API_KEY_PREFIX"),
			KeyFamily:            v.GetString("KEY_FAMILY"),
			KeyDisplayPrefix:     v.GetString("KEY_DISPLAY_PREFIX"),
			GlobalRateLimitRPM:   v.GetInt64("GLOBAL_RATE_LIMIT_RPM"),
			GlobalConcurrency:    v.GetInt64("GLOBAL_CONCURRENCY"),
			GlobalBudgetCents:    v.GetInt64("GLOBAL_BUDGET_CENTS"),
			GlobalBudgetPeriod:   v.GetString("GLOBAL_BUDGET_PERIOD"),
			IPRateLimitRPM:       v.GetInt("IP_RATE_LIMIT_RPM"),
			IPRateLimitBurst:     v.GetInt("IP_RATE_LIMIT_BURST"),
			DefaultEffect:        strings.ToLower(v.GetString("DEFAULT_POLICY_EFFECT")),
			AuditQueueSize:       v.GetInt("AUDIT_QUEUE_SIZE"),
			AuditBatchSize:       v.GetInt("AUDIT_BATCH_SIZE"),
			AuditFlushPeriod:     v.GetDuration("AUDIT_FLUSH_PERIOD"),
		},
	}

	// Model/provider fallback chains are nested structures that only make
	// sense coming from config.yaml (model_fallbacks/
	// provider_fallbacks keys), not from flat env vars; absent in the file,
	// both stay nil and failover falls back to providers.DefaultFallbackOrder.
	if err := v.UnmarshalKey("model_fallbacks", &cfg.Failover.ModelFallbacks); err != nil {
		return nil, fmt.Errorf("config: model_fallbacks: %w", err)
	}
	if err := v.UnmarshalKey("provider_fallbacks", &cfg.Failover.ProviderFallbacks); err != nil {
		return nil, fmt.Errorf("config: provider_fallbacks: %w", err)
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// At least one provider must be configured unless client-supplied keys are enabled.
	if !c.AllowClientAPIKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, DEEPSEEK_API_KEY, GROQ_API_KEY, TOGETHER_API_KEY, " +
				"PERPLEXITY_API_KEY, CEREBRAS_API_KEY, MOONSHOT_API_KEY, MINIMAX_API_KEY, " +
				"QWEN_API_KEY, NEBIUS_API_KEY, NOVITA_API_KEY, BYTEDANCE_API_KEY, " +
				"ZAI_API_KEY, CANOPYWAVE_API_KEY, INFERENCE_API_KEY, NANOGPT_API_KEY, " +
				"VERTEX_PROJECT, AWS_ACCESS_KEY_ID, or AZURE_OPENAI_API_KEY). " +
				"Set ALLOW_CLIENT_API_KEYS=true to require clients to supply their own keys.",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}

	// Admission sanity checks.
	switch c.Admission.DefaultEffect {
	case "allow", "deny":
	default:
		return fmt.Errorf("config: invalid DEFAULT_POLICY_EFFECT %q; must be allow or deny", c.Admission.DefaultEffect)
	}
	if !c.Admission.AllowAnonymous && c.Admission.ProxyAuthHeader != "" && len(c.Admission.TrustedProxies) == 0 {
		return fmt.Errorf("config: TRUSTED_PROXIES is required when PROXY_AUTH_HEADER is set")
	}
	if c.Admission.JWTJWKSURL != "" && len(c.Admission.JWTAllowedAlgorithms) == 0 {
		return fmt.Errorf("config: JWT_ALLOWED_ALGORITHMS must not be empty when JWT_JWKS_URL is set")
	}
	if c.Admission.GlobalBudgetCents > 0 {
		switch c.Admission.GlobalBudgetPeriod {
		case "day", "month":
		default:
			return fmt.Errorf("config: GLOBAL_BUDGET_PERIOD must be day or month when GLOBAL_BUDGET_CENTS is set")
		}
	}

	// Fallback-chain cycle detection (config-time self-reference; the
	// runtime membership check in buildCandidateList catches deeper cycles
	// that only self-reference guards can't).
	for provider, chain := range c.Failover.ProviderFallbacks {
		for _, next := range chain {
			if next == provider {
				return fmt.Errorf("config: provider_fallbacks[%s] lists itself as a fallback", provider)
			}
		}
	}
	for model, chain := range c.Failover.ModelFallbacks {
		for _, entry := range chain {
			if entry.Model == model && entry.Provider == "" {
				return fmt.Errorf("config: model_fallbacks[%s] lists itself as a fallback", model)
			}
		}
	}

	if err := c.validateProviderURLs(); err != nil {
		return err
	}

	return nil
}

// validateProviderURLs runs every configured provider base/endpoint URL
// through ssrf.ValidateURL before the gateway ever dials it, so a base_url
// pointed at the cloud metadata address or a private range fails startup
// with ConfigInvalid instead of surfacing as a runtime SSRF attempt.
func (c *Config) validateProviderURLs() error {
	opts := ssrf.Options{AllowLoopback: c.SSRF.AllowLoopback, AllowPrivate: c.SSRF.AllowPrivate}

	checks := []struct {
		name string
		url  string
	}{
		{"OPENAI_BASE_URL", c.OpenAI.BaseURL},
		{"ANTHROPIC_BASE_URL", c.Anthropic.BaseURL},
		{"GEMINI_BASE_URL", c.Gemini.BaseURL},
		{"MISTRAL_BASE_URL", c.Mistral.BaseURL},
		{"BEDROCK_ENDPOINT_URL", c.Bedrock.EndpointURL},
		{"AZURE_OPENAI_ENDPOINT", c.Azure.Endpoint},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, chk := range checks {
		if chk.url == "" {
			continue
		}
		if err := ssrf.ValidateURL(ctx, chk.url, opts); err != nil {
			return fmt.Errorf("config: %s: %w", chk.name, err)
		}
	}
	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != "" ||
		c.Perplexity.APIKey != "" ||
		c.Cerebras.APIKey != "" ||
		c.Moonshot.APIKey != "" ||
		c.MiniMax.APIKey != "" ||
		c.Qwen.APIKey != "" ||
		c.Nebius.APIKey != "" ||
		c.NovitaAI.APIKey != "" ||
		c.ByteDance.APIKey != "" ||
		c.ZAI.APIKey != "" ||
		c.CanopyWave.APIKey != "" ||
		c.Inference.APIKey != "" ||
		c.NanoGPT.APIKey != "" ||
		c.VertexAI.Project != "" ||
		c.Bedrock.AccessKey != "" ||
		c.Azure.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
