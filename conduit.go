// Package conduit is the gateway core: it owns the provider registry,
// the alias router, context window management, the response cache, and
// the billing pipeline, and exposes the normalized chat, embedding, and
// image operations the HTTP layer serves.
package conduit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/billing"
	"github.com/conduitllm/conduit/internal/cache"
	"github.com/conduitllm/conduit/internal/contextwindow"
	"github.com/conduitllm/conduit/internal/logging"
	"github.com/conduitllm/conduit/internal/metrics"
	"github.com/conduitllm/conduit/internal/router"
	"github.com/conduitllm/conduit/providers"
)

// modelListTTL bounds how long provider model lists are served from
// memory before being refetched.
const modelListTTL = 5 * time.Minute

// Dependencies are the externally-owned collaborators a Conduit uses.
// Nil fields disable the corresponding feature.
type Dependencies struct {
	// BillingStore persists debits; nil disables billing.
	BillingStore billing.Store
	// Cache serves repeated identical completions; nil disables caching.
	Cache cache.Cache
}

// RequestOptions carry per-request caller context set by the HTTP layer.
type RequestOptions struct {
	// OverrideKey replaces the configured provider API key for this call.
	OverrideKey string
	// GroupID is the virtual key group charged for this request. Empty
	// means the request is not billed.
	GroupID string
	// RequestID keys the audit row; a new ID is generated when empty.
	RequestID string
	// OnComplete runs once the request (or its stream) has finished.
	OnComplete func()
}

// Conduit is the gateway dispatcher.
type Conduit struct {
	cfg      Config
	registry *providers.Registry
	router   *router.Router
	window   *contextwindow.Manager
	billing  *billing.Pipeline
	cache    cache.Cache
	lists    *providers.ModelListCache
	hooks    *hookQueue

	// byAlias and byKey index the configured mappings for capability
	// gating and cost lookup.
	byAlias map[string][]ModelMapping
	byKey   map[string]ModelMapping
}

// New validates cfg, builds every configured provider, and returns a
// running dispatcher. Call Close to flush billing and stop background
// workers.
func New(cfg Config, deps Dependencies) (*Conduit, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, conduiterr.Wrap(conduiterr.Configuration, err, "invalid configuration")
	}

	registry := providers.NewRegistry()
	enabled := make(map[string]bool, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := providers.New(pc.Kind, providers.Settings{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Region:  pc.Region,
			Project: pc.Project,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(pc.ResolvedName(), p)
		enabled[pc.ResolvedName()] = pc.IsEnabled()
	}

	routes := make([]router.Mapping, 0, len(cfg.Mappings))
	byAlias := make(map[string][]ModelMapping)
	byKey := make(map[string]ModelMapping)
	for _, m := range cfg.Mappings {
		routes = append(routes, router.Mapping{
			Alias:           m.Alias,
			Provider:        m.Provider,
			Model:           m.Model,
			Enabled:         m.IsEnabled(),
			ProviderEnabled: enabled[m.Provider],
			Capabilities: providers.Capabilities{
				Chat:            true,
				Streaming:       m.SupportsStreaming,
				Vision:          m.SupportsVision,
				FunctionCalling: m.SupportsFunctionCalling,
			},
		})
		byAlias[m.Alias] = append(byAlias[m.Alias], m)
		byKey[m.Alias+"|"+m.Provider+"|"+m.Model] = m
	}

	c := &Conduit{
		cfg:      cfg,
		registry: registry,
		router: router.New(routes, router.Options{
			DefaultStrategy: router.Strategy(strings.ToLower(cfg.Router.DefaultStrategy)),
			MaxRetries:      cfg.Router.MaxRetries,
			UnhealthyAfter:  cfg.Router.UnhealthyAfter,
			CoolOff:         cfg.Router.CoolOff(),
		}, logging.Logger),
		window:  contextwindow.New(logging.Logger),
		cache:   deps.Cache,
		lists:   providers.NewModelListCache(modelListTTL),
		hooks:   newHookQueue(),
		byAlias: byAlias,
		byKey:   byKey,
	}

	if deps.BillingStore != nil {
		c.billing = billing.NewPipeline(deps.BillingStore, billing.Options{
			FlushInterval:   cfg.Billing.FlushInterval(),
			MaxBatchSize:    cfg.Billing.MaxBatchSize,
			MaxBatchValue:   parseRate(cfg.Billing.MaxBatchValue),
			MaxDebitRetries: cfg.Billing.MaxDebitRetries,
		}, logging.Logger)
		c.billing.Start()
	}
	return c, nil
}

// Close flushes pending charges and stops background workers.
func (c *Conduit) Close(ctx context.Context) error {
	var err error
	if c.billing != nil {
		err = c.billing.Stop(ctx)
	}
	c.hooks.close()
	return err
}

// AddHook registers a fire-and-forget event hook. Hooks run on a
// separate goroutine and never delay or fail requests.
func (c *Conduit) AddHook(fn EventHookFunc) {
	c.hooks.add(fn)
}

// Health reports per-mapping router health counters.
func (c *Conduit) Health() []router.MappingHealth {
	return c.router.Health()
}

// FlushBilling forces an immediate debit of pending charges.
func (c *Conduit) FlushBilling(ctx context.Context, reason, priority string) error {
	if c.billing == nil {
		return conduiterr.New(conduiterr.Configuration, "billing is not configured")
	}
	err := c.billing.Flush(ctx, reason, priority)
	c.updateBillingGauges()
	return err
}

func (c *Conduit) updateBillingGauges() {
	if c.billing == nil {
		return
	}
	count, _ := c.billing.Pending()
	metrics.PendingCharges.Set(float64(count))
}

// ---------------------------------------------------------------- chat ------

// CreateChatCompletion validates, routes, and executes a chat request,
// returning the normalized response with the caller's alias preserved.
func (c *Conduit) CreateChatCompletion(ctx context.Context, req providers.Request, opts RequestOptions) (*providers.Response, error) {
	start := time.Now()
	log := logging.FromContext(ctx)
	if opts.OnComplete != nil {
		defer opts.OnComplete()
	}

	if err := validateChat(req); err != nil {
		return nil, err
	}
	need := needFor(req, false)
	if err := c.capabilityGate(req.Model, need); err != nil {
		return nil, err
	}

	var cacheKey string
	if c.cache != nil && opts.OverrideKey == "" {
		cacheKey = cache.Key(req)
		if resp, ok := c.cache.Get(ctx, cacheKey); ok {
			metrics.CacheHits.WithLabelValues("hit").Inc()
			metrics.RequestsTotal.WithLabelValues("cache", req.Model, "cached").Inc()
			log.Debug("served from response cache", "model", req.Model)
			return resp, nil
		}
		metrics.CacheHits.WithLabelValues("miss").Inc()
	}

	var resp *providers.Response
	served, err := c.router.Execute(ctx, req.Model, need, func(ctx context.Context, m router.Mapping) error {
		p, err := c.registry.Get(m.Provider)
		if err != nil {
			return err
		}
		upstream, err := c.fitContext(req, m)
		if err != nil {
			return err
		}
		r, err := p.Complete(ctx, upstream, c.callOpts(opts)...)
		if err != nil {
			metrics.ProviderErrors.WithLabelValues(m.Provider, string(conduiterr.KindOf(err))).Inc()
			return err
		}
		resp = r
		return nil
	})
	metrics.UnhealthyMappings.Set(float64(c.router.UnhealthyCount()))
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("none", req.Model, "error").Inc()
		c.hooks.publish(SubjectRequestFailed, map[string]interface{}{
			"request_id": opts.RequestID,
			"model":      req.Model,
			"kind":       string(conduiterr.KindOf(err)),
		})
		return nil, err
	}

	resp.OriginalModelAlias = req.Model
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}

	elapsed := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(served.Provider, served.Model, "success").Inc()
	metrics.RequestDuration.WithLabelValues(served.Provider, served.Model).Observe(elapsed.Seconds())
	metrics.TokensInput.WithLabelValues(served.Provider, served.Model).Add(float64(resp.Usage.PromptTokens))
	metrics.TokensOutput.WithLabelValues(served.Provider, served.Model).Add(float64(resp.Usage.CompletionTokens))

	c.chargeChat(opts, served, resp.Usage, false)

	if cacheKey != "" {
		c.cache.Set(ctx, cacheKey, resp)
	}

	log.Info("chat completion served",
		"alias", req.Model,
		"provider", served.Provider,
		"model", served.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", elapsed.Milliseconds())
	c.hooks.publish(SubjectRequestCompleted, map[string]interface{}{
		"request_id":        opts.RequestID,
		"alias":             req.Model,
		"provider":          served.Provider,
		"model":             served.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"duration_ms":       elapsed.Milliseconds(),
	})
	return resp, nil
}

// StreamChatCompletion opens a streaming chat request. Fallback applies
// only while opening the stream; once chunks flow the stream is bound to
// its mapping. The returned channel is closed when the stream ends.
func (c *Conduit) StreamChatCompletion(ctx context.Context, req providers.Request, opts RequestOptions) (<-chan providers.StreamChunk, error) {
	start := time.Now()
	if err := validateChat(req); err != nil {
		return nil, err
	}
	need := needFor(req, true)
	if err := c.capabilityGate(req.Model, need); err != nil {
		return nil, err
	}

	var upstream <-chan providers.StreamChunk
	var sent providers.Request
	served, err := c.router.Execute(ctx, req.Model, need, func(ctx context.Context, m router.Mapping) error {
		p, err := c.registry.Get(m.Provider)
		if err != nil {
			return err
		}
		fitted, err := c.fitContext(req, m)
		if err != nil {
			return err
		}
		ch, err := p.CompleteStream(ctx, fitted, c.callOpts(opts)...)
		if err != nil {
			metrics.ProviderErrors.WithLabelValues(m.Provider, string(conduiterr.KindOf(err))).Inc()
			return err
		}
		upstream = ch
		sent = fitted
		return nil
	})
	metrics.UnhealthyMappings.Set(float64(c.router.UnhealthyCount()))
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("none", req.Model, "error").Inc()
		c.hooks.publish(SubjectRequestFailed, map[string]interface{}{
			"request_id": opts.RequestID,
			"model":      req.Model,
			"kind":       string(conduiterr.KindOf(err)),
		})
		if opts.OnComplete != nil {
			opts.OnComplete()
		}
		return nil, err
	}

	out := make(chan providers.StreamChunk)
	go c.relayStream(ctx, sent, req.Model, opts, served, upstream, out, start)
	return out, nil
}

// relayStream forwards chunks to the consumer, stamping the caller's
// alias, and settles billing once the stream ends. Usage comes from the
// provider's final chunk when reported; otherwise it is estimated from
// the prompt and the emitted text.
func (c *Conduit) relayStream(ctx context.Context, sent providers.Request, alias string, opts RequestOptions,
	served router.Mapping, upstream <-chan providers.StreamChunk, out chan<- providers.StreamChunk, start time.Time) {
	defer close(out)
	if opts.OnComplete != nil {
		defer opts.OnComplete()
	}

	var usage *providers.Usage
	var emitted strings.Builder
	finished := false
	var streamErr error

	for chunk := range upstream {
		if chunk.Error != nil {
			streamErr = chunk.Error
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
		for _, choice := range chunk.Choices {
			emitted.WriteString(choice.Delta.Content)
			if choice.FinishReason != "" {
				finished = true
			}
		}
		chunk.OriginalModelAlias = alias
		select {
		case out <- chunk:
		case <-ctx.Done():
			// Consumer went away. Drain the upstream so the adapter
			// goroutine can exit, keeping any trailing usage chunk.
			for late := range upstream {
				if late.Usage != nil {
					u := *late.Usage
					usage = &u
				}
			}
			c.settleStream(sent, alias, opts, served, usage, emitted.String(), false, start)
			return
		}
	}

	if streamErr != nil {
		metrics.ProviderErrors.WithLabelValues(served.Provider, string(conduiterr.KindOf(streamErr))).Inc()
	}
	c.settleStream(sent, alias, opts, served, usage, emitted.String(), finished, start)
}

// settleStream emits metrics, billing, and hooks for a finished stream.
// A cancelled stream with no reported usage is not billed.
func (c *Conduit) settleStream(sent providers.Request, alias string, opts RequestOptions,
	served router.Mapping, usage *providers.Usage, emitted string, finished bool, start time.Time) {
	mapping := c.byKey[served.Alias+"|"+served.Provider+"|"+served.Model]

	var u providers.Usage
	estimated := false
	switch {
	case usage != nil:
		u = *usage
	case finished:
		u.PromptTokens = c.window.EstimateMessages(sent.Messages, mapping.TokenizerType)
		u.CompletionTokens = c.window.Count(emitted, mapping.TokenizerType)
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		estimated = true
	default:
		// Aborted before completion with nothing reported upstream.
		metrics.RequestsTotal.WithLabelValues(served.Provider, served.Model, "cancelled").Inc()
		return
	}

	elapsed := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(served.Provider, served.Model, "success").Inc()
	metrics.RequestDuration.WithLabelValues(served.Provider, served.Model).Observe(elapsed.Seconds())
	metrics.TokensInput.WithLabelValues(served.Provider, served.Model).Add(float64(u.PromptTokens))
	metrics.TokensOutput.WithLabelValues(served.Provider, served.Model).Add(float64(u.CompletionTokens))

	c.chargeChat(opts, served, u, estimated)
	c.hooks.publish(SubjectRequestCompleted, map[string]interface{}{
		"request_id":        opts.RequestID,
		"alias":             alias,
		"provider":          served.Provider,
		"model":             served.Model,
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"estimated_usage":   estimated,
		"duration_ms":       elapsed.Milliseconds(),
	})
}

// ----------------------------------------------------------- embeddings -----

// CreateEmbedding resolves the alias directly, without routing or
// fallback, and executes the embedding request.
func (c *Conduit) CreateEmbedding(ctx context.Context, req providers.EmbeddingRequest, opts RequestOptions) (*providers.EmbeddingResponse, error) {
	if opts.OnComplete != nil {
		defer opts.OnComplete()
	}
	if req.Model == "" {
		return nil, conduiterr.New(conduiterr.Validation, "model is required")
	}
	m, err := c.directMapping(req.Model)
	if err != nil {
		return nil, err
	}
	p, err := c.registry.Get(m.Provider)
	if err != nil {
		return nil, err
	}

	upstream := req
	upstream.Model = m.Model
	resp, err := p.Embed(ctx, upstream, c.callOpts(opts)...)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues(m.Provider, string(conduiterr.KindOf(err))).Inc()
		metrics.RequestsTotal.WithLabelValues(m.Provider, m.Model, "error").Inc()
		return nil, err
	}
	resp.Model = req.Model
	metrics.RequestsTotal.WithLabelValues(m.Provider, m.Model, "success").Inc()
	metrics.TokensInput.WithLabelValues(m.Provider, m.Model).Add(float64(resp.Usage.PromptTokens))

	c.charge(opts, m, billing.EmbeddingCost(resp.Usage.TotalTokens, m.Cost.EmbeddingRate()), resp.Usage, false)
	return resp, nil
}

// ---------------------------------------------------------------- images ----

// CreateImage resolves the alias directly, without routing or fallback,
// and executes the image generation request.
func (c *Conduit) CreateImage(ctx context.Context, req providers.ImageRequest, opts RequestOptions) (*providers.ImageResponse, error) {
	if opts.OnComplete != nil {
		defer opts.OnComplete()
	}
	if req.Model == "" {
		return nil, conduiterr.New(conduiterr.Validation, "model is required")
	}
	if req.Prompt == "" {
		return nil, conduiterr.New(conduiterr.Validation, "prompt is required")
	}
	m, err := c.directMapping(req.Model)
	if err != nil {
		return nil, err
	}
	p, err := c.registry.Get(m.Provider)
	if err != nil {
		return nil, err
	}

	upstream := req
	upstream.Model = m.Model
	resp, err := p.GenerateImage(ctx, upstream, c.callOpts(opts)...)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues(m.Provider, string(conduiterr.KindOf(err))).Inc()
		metrics.RequestsTotal.WithLabelValues(m.Provider, m.Model, "error").Inc()
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues(m.Provider, m.Model, "success").Inc()

	c.charge(opts, m, billing.ImageCost(len(resp.Data), m.Cost.ImageRate()), providers.Usage{}, false)
	return resp, nil
}

// ---------------------------------------------------------------- models ----

// Models lists the aliases the gateway serves, one entry per distinct
// enabled alias, in the OpenAI model-list shape.
func (c *Conduit) Models() []providers.ModelInfo {
	seen := make(map[string]bool)
	var out []providers.ModelInfo
	for _, m := range c.cfg.Mappings {
		if !m.IsEnabled() || seen[m.Alias] {
			continue
		}
		seen[m.Alias] = true
		out = append(out, providers.ModelInfo{
			ID:      m.Alias,
			Object:  "model",
			OwnedBy: m.Provider,
		})
	}
	return out
}

// ProviderModels returns a provider's live model list, served from the
// gateway's TTL cache with duplicate fetches collapsed.
func (c *Conduit) ProviderModels(ctx context.Context, name string) ([]providers.ModelInfo, error) {
	p, err := c.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return c.lists.Models(ctx, p)
}

// VerifyProvider probes a provider's credentials without side effects.
func (c *Conduit) VerifyProvider(ctx context.Context, name string) (*providers.AuthCheck, error) {
	p, err := c.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return p.VerifyAuth(ctx)
}

// --------------------------------------------------------------- helpers ----

func validateChat(req providers.Request) error {
	if req.Model == "" {
		return conduiterr.New(conduiterr.Validation, "model is required")
	}
	if len(req.Messages) == 0 {
		return conduiterr.New(conduiterr.Validation, "messages must not be empty")
	}
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return conduiterr.New(conduiterr.Validation, "message %d has no role", i)
		}
	}
	for _, tool := range req.Tools {
		if tool.Function.Name == "" {
			return conduiterr.New(conduiterr.Validation, "tool with empty function name")
		}
		if len(tool.Function.Parameters) == 0 {
			continue
		}
		if _, err := jsonschema.CompileString(tool.Function.Name+".json", string(tool.Function.Parameters)); err != nil {
			return conduiterr.Wrap(conduiterr.Validation, err,
				"tool %q has an invalid parameter schema", tool.Function.Name)
		}
	}
	return nil
}

func needFor(req providers.Request, stream bool) router.Need {
	need := router.Need{
		Streaming:       stream,
		FunctionCalling: len(req.Tools) > 0,
	}
	for _, msg := range req.Messages {
		for _, part := range msg.ContentParts {
			if part.Type == providers.ContentTypeImageURL {
				need.Vision = true
			}
		}
	}
	return need
}

// capabilityGate rejects a request that demands a capability none of the
// alias's mappings declare, before any upstream is contacted. Routed
// values skip the gate; the router filters candidates itself, so a
// routed pool with no eligible candidate surfaces as ModelUnavailable,
// while a directly named alias missing the capability is a Validation
// failure here. Callers naming a model outright get told the model
// cannot do what they asked; callers delegating the choice get told
// nothing in the pool could serve it.
func (c *Conduit) capabilityGate(model string, need router.Need) error {
	if _, routed := router.ParseAlias(model); routed {
		return nil
	}
	mappings := c.byAlias[model]
	if len(mappings) == 0 {
		return nil // unknown alias surfaces as ModelUnavailable from the router
	}
	for _, m := range mappings {
		if !m.IsEnabled() {
			continue
		}
		ok := true
		if need.Streaming && !m.SupportsStreaming {
			ok = false
		}
		if need.Vision && !m.SupportsVision {
			ok = false
		}
		if need.FunctionCalling && !m.SupportsFunctionCalling {
			ok = false
		}
		if ok {
			return nil
		}
	}
	missing := "streaming"
	if need.Vision {
		missing = "vision"
	} else if need.FunctionCalling {
		missing = "function calling"
	}
	return conduiterr.New(conduiterr.Validation, "model %q does not support %s", model, missing)
}

// fitContext applies the context window budget for the chosen mapping
// and rewrites the model to the upstream name.
func (c *Conduit) fitContext(req providers.Request, m router.Mapping) (providers.Request, error) {
	mapping := c.byKey[m.Alias+"|"+m.Provider+"|"+m.Model]
	upstream := req
	upstream.Model = m.Model
	if !c.cfg.Context.IsEnabled() {
		return upstream, nil
	}
	budget := mapping.MaxContextTokens
	if budget <= 0 {
		budget = c.cfg.Context.DefaultMaxContextTokens
	}
	return c.window.Fit(upstream, budget, mapping.TokenizerType)
}

func (c *Conduit) callOpts(opts RequestOptions) []providers.CallOption {
	if opts.OverrideKey == "" {
		return nil
	}
	return []providers.CallOption{providers.WithAPIKey(opts.OverrideKey)}
}

// directMapping picks the first enabled mapping for an alias, for the
// operations that never route or fall back.
func (c *Conduit) directMapping(alias string) (ModelMapping, error) {
	if _, routed := router.ParseAlias(alias); routed {
		return ModelMapping{}, conduiterr.New(conduiterr.Validation,
			"router aliases are not supported for this operation")
	}
	for _, m := range c.byAlias[alias] {
		if m.IsEnabled() {
			return m, nil
		}
	}
	return ModelMapping{}, conduiterr.New(conduiterr.ModelUnavailable,
		"no mapping available for model %q", alias)
}

// chargeChat records the cost of a chat request against the caller's
// group.
func (c *Conduit) chargeChat(opts RequestOptions, served router.Mapping, usage providers.Usage, estimated bool) {
	mapping := c.byKey[served.Alias+"|"+served.Provider+"|"+served.Model]
	cost := billing.ChatCost(usage.PromptTokens, usage.CompletionTokens,
		mapping.Cost.InputRate(), mapping.Cost.OutputRate())
	c.charge(opts, mapping, cost, usage, estimated)
}

func (c *Conduit) charge(opts RequestOptions, m ModelMapping, cost decimal.Decimal, usage providers.Usage, estimated bool) {
	if c.billing == nil || opts.GroupID == "" {
		return
	}
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.billing.Record(billing.Charge{
		RequestID:        requestID,
		GroupID:          opts.GroupID,
		Alias:            m.Alias,
		Provider:         m.Provider,
		Model:            m.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Cost:             cost,
		Estimated:        estimated,
	})
	c.updateBillingGauges()
}
