package conduit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
providers:
  - kind: openai
    api_key: sk-test
  - name: claude
    kind: anthropic
    api_key: sk-ant-test
model_mappings:
  - alias: gpt4
    provider: openai
    model: gpt-4o
    supports_streaming: true
    max_context_tokens: 128000
    tokenizer_type: cl100k_base
    cost:
      input_per_million: "2.50"
      output_per_million: "10.00"
  - alias: claude-sonnet
    provider: claude
    model: claude-sonnet-4
router:
  default_strategy: roundrobin
  max_retries: 2
billing:
  flush_interval_seconds: 10
database:
  sqlite_path: /tmp/conduit-test.db
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_YAML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "conduit.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("got %d providers", len(cfg.Providers))
	}
	if cfg.Providers[1].ResolvedName() != "claude" {
		t.Errorf("resolved name = %q", cfg.Providers[1].ResolvedName())
	}
	if cfg.Router.DefaultStrategy != "roundrobin" || cfg.Router.MaxRetries != 2 {
		t.Errorf("router config = %+v", cfg.Router)
	}
	if got := cfg.Billing.FlushInterval().Seconds(); got != 10 {
		t.Errorf("flush interval = %vs", got)
	}
	m := cfg.Mappings[0]
	if m.MaxContextTokens != 128000 || m.TokenizerType != "cl100k_base" {
		t.Errorf("mapping = %+v", m)
	}
	if m.Cost.InputRate().String() != "2.5" {
		t.Errorf("input rate = %s", m.Cost.InputRate())
	}
	if err := ValidateConfig(*cfg); err != nil {
		t.Errorf("ValidateConfig: %v", err)
	}
}

func TestLoadConfig_UnknownExtension(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "conduit.toml", "x = 1")); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/conduit")
	t.Setenv("CONDUIT_API_TO_API_BACKEND_AUTH_KEY", "env-master")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	cfg := Config{
		Providers: []ProviderConfig{
			{Kind: "openai"},
			{Kind: "anthropic", APIKey: "explicit"},
		},
		Admin: AdminConfig{MasterKey: "from-file"},
	}
	ApplyEnv(&cfg)

	if cfg.Database.URL != "postgres://env/conduit" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	// The master key env always wins over the file.
	if cfg.Admin.MasterKey != "env-master" {
		t.Errorf("master key = %q", cfg.Admin.MasterKey)
	}
	if cfg.Providers[0].APIKey != "sk-from-env" {
		t.Errorf("openai key = %q", cfg.Providers[0].APIKey)
	}
	if cfg.Providers[1].APIKey != "explicit" {
		t.Errorf("explicit key overridden: %q", cfg.Providers[1].APIKey)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		return Config{
			Providers: []ProviderConfig{{Kind: "openai", APIKey: "k"}},
			Mappings:  []ModelMapping{{Alias: "gpt4", Provider: "openai", Model: "gpt-4o"}},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"unknown kind", func(c *Config) { c.Providers[0].Kind = "llamafarm" }, "unknown kind"},
		{"duplicate provider", func(c *Config) {
			c.Providers = append(c.Providers, ProviderConfig{Kind: "openai"})
		}, "duplicate provider"},
		{"no mappings", func(c *Config) { c.Mappings = nil }, "at least one model mapping"},
		{"empty alias", func(c *Config) { c.Mappings[0].Alias = "" }, "empty alias"},
		{"reserved alias", func(c *Config) { c.Mappings[0].Alias = "router:simple" }, "microformat"},
		{"unknown provider ref", func(c *Config) { c.Mappings[0].Provider = "ghost" }, "unknown provider"},
		{"empty model", func(c *Config) { c.Mappings[0].Model = "" }, "no upstream model"},
		{"bad cost", func(c *Config) { c.Mappings[0].Cost.InputPerMillion = "2,50" }, "malformed cost"},
		{"bad strategy", func(c *Config) { c.Router.DefaultStrategy = "sticky" }, "unknown default strategy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := ValidateConfig(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateConfig: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}
