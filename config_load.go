package conduit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/conduitllm/conduit/internal/router"
	"github.com/conduitllm/conduit/providers"
)

// LoadConfig reads and parses a config file from the given path, then
// overlays recognized environment variables. Supported formats: JSON
// (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	ApplyEnv(&cfg)
	return &cfg, nil
}

// providerKeyEnv maps provider kinds to their conventional API key
// variables, consulted when the config leaves the key blank.
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"cohere":    "COHERE_API_KEY",
	"cerebras":  "CEREBRAS_API_KEY",
}

// ApplyEnv overlays environment variables onto cfg. Explicit config
// values win except for the admin master key, where the environment
// takes precedence.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Database.URL == "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("CONDUIT_SQLITE_PATH"); v != "" && cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("CONDUIT_API_TO_API_BACKEND_AUTH_KEY"); v != "" {
		cfg.Admin.MasterKey = v
	}
	if v := os.Getenv("REDIS_CONNECTION_STRING"); v != "" && cfg.Cache.RedisURL == "" {
		cfg.Cache.RedisURL = v
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" {
			continue
		}
		if env, ok := providerKeyEnv[p.Kind]; ok {
			p.APIKey = os.Getenv(env)
		}
	}
}

// ValidateConfig checks a Config for internal consistency.
func ValidateConfig(cfg Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	kinds := make(map[string]bool)
	for _, k := range providers.Kinds() {
		kinds[k] = true
	}

	names := make(map[string]bool)
	for _, p := range cfg.Providers {
		if !kinds[p.Kind] {
			return fmt.Errorf("provider %q has unknown kind %q", p.ResolvedName(), p.Kind)
		}
		name := p.ResolvedName()
		if names[name] {
			return fmt.Errorf("duplicate provider name %q", name)
		}
		names[name] = true
	}

	if len(cfg.Mappings) == 0 {
		return fmt.Errorf("at least one model mapping is required")
	}
	for _, m := range cfg.Mappings {
		if m.Alias == "" {
			return fmt.Errorf("model mapping with empty alias")
		}
		if _, routed := router.ParseAlias(m.Alias); routed {
			return fmt.Errorf("mapping alias %q collides with the router microformat", m.Alias)
		}
		if !names[m.Provider] {
			return fmt.Errorf("mapping %q references unknown provider %q", m.Alias, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("mapping %q has no upstream model", m.Alias)
		}
		for _, rate := range []string{
			m.Cost.InputPerMillion, m.Cost.OutputPerMillion,
			m.Cost.EmbeddingPerMillion, m.Cost.ImageEach,
		} {
			if rate == "" {
				continue
			}
			if _, err := decimal.NewFromString(rate); err != nil {
				return fmt.Errorf("mapping %q has malformed cost %q: %w", m.Alias, rate, err)
			}
		}
	}

	if s := cfg.Router.DefaultStrategy; s != "" {
		switch router.Strategy(strings.ToLower(s)) {
		case router.StrategySimple, router.StrategyRandom, router.StrategyRoundRobin,
			router.StrategyLeastUsed, router.StrategyPassthrough:
		default:
			return fmt.Errorf("unknown default strategy %q", s)
		}
	}
	return nil
}
