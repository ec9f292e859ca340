package providers

import (
	"sort"
	"sync"

	"github.com/conduitllm/conduit/conduiterr"
)

// Settings carries the per-provider configuration a factory needs. Fields
// that do not apply to a given kind are ignored by its factory.
type Settings struct {
	APIKey  string
	BaseURL string
	Region  string
	Project string
}

// Factory builds a Provider from its settings.
type Factory func(Settings) (Provider, error)

// factories maps provider kinds to constructors. There are no
// placeholders: every registered kind is buildable, and unknown kinds are
// a Configuration error at lookup.
var factories = map[string]Factory{
	"openai": func(s Settings) (Provider, error) {
		return NewOpenAI(s.APIKey, s.BaseURL), nil
	},
	"anthropic": func(s Settings) (Provider, error) {
		return NewAnthropic(s.APIKey, s.BaseURL), nil
	},
	"gemini": func(s Settings) (Provider, error) {
		return NewGemini(s.APIKey, s.BaseURL), nil
	},
	"vertex": func(s Settings) (Provider, error) {
		return NewVertex(s.Project, s.Region, s.APIKey), nil
	},
	"cohere": func(s Settings) (Provider, error) {
		return NewCohere(s.APIKey, s.BaseURL), nil
	},
	"cerebras": func(s Settings) (Provider, error) {
		return NewCerebras(s.APIKey, s.BaseURL), nil
	},
	"bedrock": func(s Settings) (Provider, error) {
		return NewBedrock(s.Region)
	},
}

// Kinds returns the supported provider kinds, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds a provider of the given kind.
func New(kind string, s Settings) (Provider, error) {
	factory, ok := factories[kind]
	if !ok {
		return nil, conduiterr.New(conduiterr.Configuration, "unknown provider kind %q", kind)
	}
	return factory(s)
}

// Registry holds the named provider instances built at startup. Reads
// vastly outnumber writes; writes atomically replace an entry.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, conduiterr.New(conduiterr.Configuration, "provider %q is not registered", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
