package conduit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root gateway configuration, loaded from YAML or JSON
// and overlaid with recognized environment variables.
type Config struct {
	Providers []ProviderConfig `json:"providers" yaml:"providers"`
	Mappings  []ModelMapping   `json:"model_mappings" yaml:"model_mappings"`

	Router    RouterConfig    `json:"router,omitempty" yaml:"router,omitempty"`
	Billing   BillingConfig   `json:"billing,omitempty" yaml:"billing,omitempty"`
	Context   ContextConfig   `json:"context_management,omitempty" yaml:"context_management,omitempty"`
	Cache     CacheConfig     `json:"cache,omitempty" yaml:"cache,omitempty"`
	Admin     AdminConfig     `json:"admin,omitempty" yaml:"admin,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	Database DatabaseConfig `json:"database,omitempty" yaml:"database,omitempty"`
}

// ProviderConfig declares one upstream provider instance.
type ProviderConfig struct {
	// Name is the registry key mappings refer to; defaults to Kind.
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Kind    string `json:"kind" yaml:"kind"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// Region and Project apply to bedrock and vertex respectively.
	Region  string `json:"region,omitempty" yaml:"region,omitempty"`
	Project string `json:"project,omitempty" yaml:"project,omitempty"`
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// ResolvedName returns the registry key for this provider.
func (p ProviderConfig) ResolvedName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Kind
}

// IsEnabled treats a missing flag as enabled.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ModelMapping binds a public model alias to a provider's upstream
// model, with the capabilities and costs the gateway enforces.
type ModelMapping struct {
	Alias    string `json:"alias" yaml:"alias"`
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	SupportsStreaming       bool `json:"supports_streaming,omitempty" yaml:"supports_streaming,omitempty"`
	SupportsVision          bool `json:"supports_vision,omitempty" yaml:"supports_vision,omitempty"`
	SupportsFunctionCalling bool `json:"supports_function_calling,omitempty" yaml:"supports_function_calling,omitempty"`

	MaxContextTokens int    `json:"max_context_tokens,omitempty" yaml:"max_context_tokens,omitempty"`
	TokenizerType    string `json:"tokenizer_type,omitempty" yaml:"tokenizer_type,omitempty"`

	Cost ModelCost `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (m ModelMapping) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ModelCost carries the USD rates for a mapping. Token rates are per
// million tokens; images are per generated image. Values are decimal
// strings so YAML round-trips keep µUSD precision.
type ModelCost struct {
	InputPerMillion     string `json:"input_per_million,omitempty" yaml:"input_per_million,omitempty"`
	OutputPerMillion    string `json:"output_per_million,omitempty" yaml:"output_per_million,omitempty"`
	EmbeddingPerMillion string `json:"embedding_per_million,omitempty" yaml:"embedding_per_million,omitempty"`
	ImageEach           string `json:"image_each,omitempty" yaml:"image_each,omitempty"`
}

func parseRate(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// InputRate returns the prompt-token rate. Validation guarantees the
// string parses; an empty rate is zero (the mapping is free).
func (c ModelCost) InputRate() decimal.Decimal     { return parseRate(c.InputPerMillion) }
func (c ModelCost) OutputRate() decimal.Decimal    { return parseRate(c.OutputPerMillion) }
func (c ModelCost) EmbeddingRate() decimal.Decimal { return parseRate(c.EmbeddingPerMillion) }
func (c ModelCost) ImageRate() decimal.Decimal     { return parseRate(c.ImageEach) }

// RouterConfig tunes alias routing.
type RouterConfig struct {
	DefaultStrategy string `json:"default_strategy,omitempty" yaml:"default_strategy,omitempty"`
	MaxRetries      int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	UnhealthyAfter  int    `json:"unhealthy_after,omitempty" yaml:"unhealthy_after,omitempty"`
	CoolOffSeconds  int    `json:"cool_off_seconds,omitempty" yaml:"cool_off_seconds,omitempty"`
}

// CoolOff returns the configured cool-off as a duration.
func (r RouterConfig) CoolOff() time.Duration {
	return time.Duration(r.CoolOffSeconds) * time.Second
}

// BillingConfig tunes the charge pipeline.
type BillingConfig struct {
	FlushIntervalSeconds int    `json:"flush_interval_seconds,omitempty" yaml:"flush_interval_seconds,omitempty"`
	MaxBatchSize         int    `json:"max_batch_size,omitempty" yaml:"max_batch_size,omitempty"`
	MaxBatchValue        string `json:"max_batch_value,omitempty" yaml:"max_batch_value,omitempty"`
	MaxDebitRetries      int    `json:"max_debit_retries,omitempty" yaml:"max_debit_retries,omitempty"`
}

// FlushInterval returns the configured interval as a duration.
func (b BillingConfig) FlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalSeconds) * time.Second
}

// ContextConfig controls the context window manager.
type ContextConfig struct {
	// Enabled defaults to true; set false to pass prompts through
	// untrimmed.
	Enabled                 *bool `json:"enable_automatic_context_management,omitempty" yaml:"enable_automatic_context_management,omitempty"`
	DefaultMaxContextTokens int   `json:"default_max_context_tokens,omitempty" yaml:"default_max_context_tokens,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (c ContextConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled    bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" yaml:"ttl_seconds,omitempty"`
	Capacity   int    `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	RedisURL   string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
}

// TTL returns the cache TTL, defaulting to five minutes.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// RateLimitConfig caps per-virtual-key request rates. A zero rate
// disables limiting.
type RateLimitConfig struct {
	PerKeyPerSecond float64 `json:"per_key_per_second,omitempty" yaml:"per_key_per_second,omitempty"`
	Burst           float64 `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// AdminConfig guards the admin plane.
type AdminConfig struct {
	MasterKey string `json:"master_key,omitempty" yaml:"master_key,omitempty"`
}

// DatabaseConfig locates the key and billing store. URL selects
// Postgres; otherwise SQLitePath (default conduit.db) is used.
type DatabaseConfig struct {
	URL        string `json:"url,omitempty" yaml:"url,omitempty"`
	SQLitePath string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
}
