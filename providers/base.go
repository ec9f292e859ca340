package providers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/httpcall"
)

// Base carries the fields common to the REST-based adapters: configured
// credentials, endpoint, and the pooled HTTP client. Adapters embed it and
// resolve per-call overrides through it.
type Base struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewBase builds the shared adapter core. baseURL must already be the
// adapter default when the configured value is empty.
func NewBase(name, apiKey, baseURL string, client *http.Client) Base {
	if client == nil {
		client = httpcall.NewClient()
	}
	return Base{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// Resolve merges per-call options over the configured settings. The
// returned key may be empty; callers that need one use Credentials.
func (b *Base) Resolve(opts []CallOption) (key, baseURL string, client *http.Client) {
	c := ApplyOptions(opts)
	key = b.apiKey
	if c.APIKey != "" {
		key = c.APIKey
	}
	baseURL = b.baseURL
	if c.BaseURL != "" {
		baseURL = strings.TrimRight(c.BaseURL, "/")
	}
	client = b.client
	if c.Client != nil {
		client = c.Client
	}
	return key, baseURL, client
}

// Credentials is Resolve plus the fail-fast empty-key check. A missing key
// is a Configuration error raised before any upstream traffic.
func (b *Base) Credentials(opts []CallOption) (key, baseURL string, client *http.Client, err error) {
	key, baseURL, client = b.Resolve(opts)
	if key == "" {
		return "", "", nil, conduiterr.New(conduiterr.Configuration, "%s: API key is not configured", b.name)
	}
	return key, baseURL, client, nil
}

// ModelsFromList builds a ModelInfo slice from bare model IDs. Adapters
// with fixed fallback lists use this.
func ModelsFromList(providerName string, ids []string) []ModelInfo {
	models := make([]ModelInfo, len(ids))
	for i, id := range ids {
		models[i] = ModelInfo{
			ID:      id,
			Object:  "model",
			OwnedBy: providerName,
		}
	}
	return models
}

// errUnsupported is the shared constructor for operations an adapter does
// not provide.
func errUnsupported(provider, op string) error {
	return conduiterr.New(conduiterr.Unsupported, "%s does not support %s", provider, op)
}

// conduiterrAs unwraps err into a typed gateway error.
func conduiterrAs(err error, target **conduiterr.Error) bool {
	return errors.As(err, target)
}
