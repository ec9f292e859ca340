// Package router resolves model aliases to provider mappings, applies a
// selection strategy, and retries retriable failures across the remaining
// eligible mappings.
package router

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/metrics"
	"github.com/conduitllm/conduit/providers"
)

// Mapping binds a public alias to a concrete provider and upstream model.
type Mapping struct {
	Alias           string
	Provider        string
	Model           string
	Enabled         bool
	ProviderEnabled bool
	Capabilities    providers.Capabilities
}

func (m Mapping) key() string {
	return m.Alias + "|" + m.Provider + "|" + m.Model
}

// Need lists the capabilities a request demands beyond plain chat.
type Need struct {
	Streaming       bool
	Vision          bool
	FunctionCalling bool
}

func (n Need) groupKey() string {
	parts := []string{"chat"}
	if n.Streaming {
		parts = append(parts, "stream")
	}
	if n.Vision {
		parts = append(parts, "vision")
	}
	if n.FunctionCalling {
		parts = append(parts, "tools")
	}
	return strings.Join(parts, "+")
}

func covers(c providers.Capabilities, need Need) bool {
	if !c.Chat {
		return false
	}
	if need.Streaming && !c.Streaming {
		return false
	}
	if need.Vision && !c.Vision {
		return false
	}
	if need.FunctionCalling && !c.FunctionCalling {
		return false
	}
	return true
}

// CallFunc executes one attempt against a chosen mapping. The router
// retries the next mapping when the returned error is retriable.
type CallFunc func(ctx context.Context, m Mapping) error

// Options tunes routing behavior. Zero values take the defaults.
type Options struct {
	DefaultStrategy Strategy      // default simple
	MaxRetries      int           // extra attempts after the first, default 3
	UnhealthyAfter  int           // consecutive failures, default 3
	CoolOff         time.Duration // default 60s
}

func (o Options) withDefaults() Options {
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = StrategySimple
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.UnhealthyAfter == 0 {
		o.UnhealthyAfter = 3
	}
	if o.CoolOff == 0 {
		o.CoolOff = 60 * time.Second
	}
	return o
}

// Router picks mappings for incoming aliases. Mapping order is the
// configuration order; leastused breaks ties by it.
type Router struct {
	mappings []Mapping
	opts     Options
	health   *healthTracker
	log      *slog.Logger

	rrMu sync.Mutex
	rr   map[string]uint64
}

// New creates a router over the configured mappings.
func New(mappings []Mapping, opts Options, log *slog.Logger) *Router {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		mappings: mappings,
		opts:     opts,
		health:   newHealthTracker(opts.UnhealthyAfter, opts.CoolOff),
		log:      log,
	}
}

// Resolve returns the ordered attempt list for a model value. The first
// element is the strategy's choice; the rest is the fallback order.
func (r *Router) Resolve(model string, need Need) ([]Mapping, error) {
	alias, routed := ParseAlias(model)
	strategy := r.opts.DefaultStrategy
	constraint := model
	if routed {
		if alias.Strategy != "" {
			strategy = alias.Strategy
		}
		constraint = alias.Model
	}

	var candidates []Mapping
	for _, m := range r.mappings {
		if constraint != "" && m.Alias != constraint {
			continue
		}
		if !m.Enabled || !m.ProviderEnabled {
			continue
		}
		if !covers(m.Capabilities, need) {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil, conduiterr.New(conduiterr.ModelUnavailable, "no mapping available for model %q", model)
	}

	// Passthrough dispatches to the first match and skips the health
	// filter entirely.
	if strategy == StrategyPassthrough {
		return candidates[:1], nil
	}

	// Prefer healthy mappings, but an all-unhealthy pool stays in play
	// rather than failing outright.
	healthy := candidates[:0:0]
	for _, m := range candidates {
		if r.health.healthy(m.key()) {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) > 0 {
		candidates = healthy
	}

	groupKey := constraint
	if groupKey == "" {
		groupKey = need.groupKey()
	}
	return r.order(strategy, candidates, groupKey), nil
}

func (r *Router) order(strategy Strategy, eligible []Mapping, groupKey string) []Mapping {
	out := make([]Mapping, len(eligible))
	copy(out, eligible)
	switch strategy {
	case StrategyRandom:
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	case StrategyRoundRobin:
		n := r.advance(groupKey) % uint64(len(out))
		out = append(out[n:], out[:n]...)
	case StrategyLeastUsed:
		sort.SliceStable(out, func(i, j int) bool {
			return r.health.requests(out[i].key()) < r.health.requests(out[j].key())
		})
	}
	return out
}

// advance returns the current round-robin counter for the group and
// increments it.
func (r *Router) advance(groupKey string) uint64 {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()
	if r.rr == nil {
		r.rr = make(map[string]uint64)
	}
	n := r.rr[groupKey]
	r.rr[groupKey] = n + 1
	return n
}

// Execute resolves the model, then attempts mappings in strategy order
// until one succeeds, the error is not retriable, or the retry budget is
// spent. It returns the mapping that served the request. Cancellation
// exits immediately without recording success or failure.
func (r *Router) Execute(ctx context.Context, model string, need Need, call CallFunc) (Mapping, error) {
	ordered, err := r.Resolve(model, need)
	if err != nil {
		return Mapping{}, err
	}
	attempts := len(ordered)
	if max := r.opts.MaxRetries + 1; attempts > max {
		attempts = max
	}

	strategy := r.opts.DefaultStrategy
	if alias, routed := ParseAlias(model); routed && alias.Strategy != "" {
		strategy = alias.Strategy
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		m := ordered[i]
		if i > 0 {
			metrics.FallbackAttempts.WithLabelValues(string(strategy)).Inc()
		}
		err := call(ctx, m)
		if ctx.Err() != nil || conduiterr.Is(err, conduiterr.Cancelled) {
			if err == nil {
				err = conduiterr.Wrap(conduiterr.Cancelled, ctx.Err(), "request cancelled")
			}
			return Mapping{}, err
		}

		key := m.key()
		r.health.recordAttempt(key)
		if err == nil {
			r.health.recordSuccess(key)
			return m, nil
		}

		kind := conduiterr.KindOf(err)
		if kind == conduiterr.Upstream || kind == conduiterr.Communication {
			r.health.recordFailure(key)
		}
		if !conduiterr.Retryable(kind) {
			return Mapping{}, err
		}
		lastErr = err
		if i+1 < attempts {
			r.log.Warn("mapping failed, falling back",
				"alias", m.Alias,
				"provider", m.Provider,
				"model", m.Model,
				"kind", string(kind),
				"next", ordered[i+1].Provider)
		}
	}
	return Mapping{}, lastErr
}

// Health reports the counters for every configured mapping.
func (r *Router) Health() []MappingHealth {
	out := make([]MappingHealth, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, r.health.snapshot(m.key()))
	}
	return out
}

// UnhealthyCount returns how many mappings are currently excluded,
// feeding the unhealthy-mapping gauge.
func (r *Router) UnhealthyCount() int {
	n := 0
	for _, m := range r.mappings {
		if !r.health.healthy(m.key()) {
			n++
		}
	}
	return n
}
