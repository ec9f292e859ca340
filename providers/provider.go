// Package providers implements the adapter layer: one struct per upstream
// vendor, all satisfying the single Provider interface. Adapters translate
// the normalized OpenAI-shaped request into each vendor's wire format,
// execute it, and map the response (or stream) back into the normalized
// envelope. Operations a vendor does not offer return an Unsupported error.
package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Message role constants shared across adapters.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Content-part types for multimodal messages.
const (
	ContentTypeText     = "text"
	ContentTypeImageURL = "image_url"
)

// Finish reasons in the normalized envelope. Streams carry an empty finish
// reason on every chunk except the terminal one.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishToolCalls     = "tool_calls"
	FinishError         = "error"
)

// Provider is the uniform adapter contract. Every adapter implements the
// full set; operations the vendor does not offer return a typed
// Unsupported error rather than being absent from the interface.
type Provider interface {
	Name() string

	Complete(ctx context.Context, req Request, opts ...CallOption) (*Response, error)
	// CompleteStream returns a finite, single-consumer channel. The stream
	// is not restartable. A chunk with Error set signals failure; otherwise
	// exactly one chunk (the last) carries a non-empty finish reason.
	CompleteStream(ctx context.Context, req Request, opts ...CallOption) (<-chan StreamChunk, error)
	Embed(ctx context.Context, req EmbeddingRequest, opts ...CallOption) (*EmbeddingResponse, error)
	GenerateImage(ctx context.Context, req ImageRequest, opts ...CallOption) (*ImageResponse, error)
	// ListModels returns the live model list when the vendor exposes one,
	// or a fixed fallback list.
	ListModels(ctx context.Context, opts ...CallOption) ([]ModelInfo, error)
	Capabilities(model string) Capabilities
	// VerifyAuth performs a cheap, side-effect-free credential probe.
	VerifyAuth(ctx context.Context, opts ...CallOption) (*AuthCheck, error)
}

// Capabilities declares what a model supports. The dispatcher gates
// requests on these flags before the upstream is contacted.
type Capabilities struct {
	Chat            bool `json:"chat"`
	Streaming       bool `json:"streaming"`
	Vision          bool `json:"vision"`
	FunctionCalling bool `json:"function_calling"`
	Embeddings      bool `json:"embeddings"`
	ImageGeneration bool `json:"image_generation"`

	MaxInputTokens  int    `json:"max_input_tokens,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	TokenizerType   string `json:"tokenizer_type,omitempty"`
}

// AuthCheck is the result of a successful VerifyAuth probe.
type AuthCheck struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Detail  string        `json:"detail,omitempty"`
}

// ------------------------------------------------------------ call options --

// CallOption overrides per-call settings, most importantly the API key, so
// a caller-supplied key replaces the configured one for a single request.
type CallOption func(*CallConfig)

// CallConfig collects the resolved per-call overrides.
type CallConfig struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

// WithAPIKey overrides the configured API key for one call.
func WithAPIKey(key string) CallOption {
	return func(c *CallConfig) { c.APIKey = key }
}

// WithBaseURL overrides the configured base URL for one call.
func WithBaseURL(url string) CallOption {
	return func(c *CallConfig) { c.BaseURL = url }
}

// WithClient overrides the HTTP client for one call.
func WithClient(client *http.Client) CallOption {
	return func(c *CallConfig) { c.Client = client }
}

// ApplyOptions folds opts into a CallConfig.
func ApplyOptions(opts []CallOption) CallConfig {
	var c CallConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}

// ------------------------------------------------------------------ types ---

// ContentPart is one element of a multipart message content array, used for
// vision requests mixing text and images.
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

// ImageURLPart carries an image URL or base64 data URL.
type ImageURLPart struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function is the callable function within a Tool. Parameters is the JSON
// Schema for the arguments.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a function invocation returned by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the name and JSON-encoded arguments of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ----------------------------------------------------------------- Message ---

// Message is a single conversation turn.
//
// Content always carries the collapsed plain text; ContentParts is non-nil
// when the incoming JSON encoded content as an array (vision requests).
// Adapters that support images check ContentParts first.
type Message struct {
	Role         string        `json:"-"`
	Content      string        `json:"-"`
	ContentParts []ContentPart `json:"-"`
	Name         string        `json:"-"`
	ToolCalls    []ToolCall    `json:"-"`
	ToolCallID   string        `json:"-"`
}

// HasImage reports whether the message carries an image content part.
func (m Message) HasImage() bool {
	for _, p := range m.ContentParts {
		if p.Type == ContentTypeImageURL {
			return true
		}
	}
	return false
}

type messageWire struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// MarshalJSON writes content as a string unless ContentParts is set, in
// which case it is written as an array.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{
		Role:       m.Role,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	var err error
	if len(m.ContentParts) > 0 {
		w.Content, err = json.Marshal(m.ContentParts)
	} else {
		w.Content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts content as either a plain string or an array of
// content parts; text parts are collapsed into Content either way.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w messageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Name = w.Name
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID

	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(w.Content, &s); err == nil {
		m.Content = s
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(w.Content, &parts); err != nil {
		return err
	}
	m.ContentParts = parts
	for _, p := range parts {
		if p.Type == ContentTypeText {
			m.Content += p.Text
		}
	}
	return nil
}

// ----------------------------------------------------------------- Request ---

// Request is the normalized chat request. Fields map 1-to-1 with the
// OpenAI Chat Completions API so any OpenAI-compatible client works.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	N           *int     `json:"n,omitempty"`

	MaxTokens *int `json:"max_tokens,omitempty"`

	// Stop accepts a single string or an array on the wire.
	Stop []string `json:"-"`

	Tools      []Tool      `json:"tools,omitempty"`
	ToolChoice interface{} `json:"tool_choice,omitempty"`

	Stream bool `json:"stream,omitempty"`

	User      string             `json:"user,omitempty"`
	LogitBias map[string]float64 `json:"logit_bias,omitempty"`
}

type requestWire struct {
	Model       string             `json:"model"`
	Messages    []Message          `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	N           *int               `json:"n,omitempty"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	Stop        json.RawMessage    `json:"stop,omitempty"`
	Tools       []Tool             `json:"tools,omitempty"`
	ToolChoice  interface{}        `json:"tool_choice,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	User        string             `json:"user,omitempty"`
	LogitBias   map[string]float64 `json:"logit_bias,omitempty"`
}

// MarshalJSON emits stop as a bare string when it has one element, as an
// array otherwise.
func (r Request) MarshalJSON() ([]byte, error) {
	w := requestWire{
		Model:       r.Model,
		Messages:    r.Messages,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		TopK:        r.TopK,
		N:           r.N,
		MaxTokens:   r.MaxTokens,
		Tools:       r.Tools,
		ToolChoice:  r.ToolChoice,
		Stream:      r.Stream,
		User:        r.User,
		LogitBias:   r.LogitBias,
	}
	var err error
	if w.Stop, err = MarshalStop(r.Stop); err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts stop as a string or an array of strings.
func (r *Request) UnmarshalJSON(b []byte) error {
	var w requestWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.Model = w.Model
	r.Messages = w.Messages
	r.Temperature = w.Temperature
	r.TopP = w.TopP
	r.TopK = w.TopK
	r.N = w.N
	r.MaxTokens = w.MaxTokens
	r.Tools = w.Tools
	r.ToolChoice = w.ToolChoice
	r.Stream = w.Stream
	r.User = w.User
	r.LogitBias = w.LogitBias

	stop, err := UnmarshalStop(w.Stop)
	if err != nil {
		return err
	}
	r.Stop = stop
	return nil
}

// HasImage reports whether any message carries an image content part.
func (r Request) HasImage() bool {
	for _, m := range r.Messages {
		if m.HasImage() {
			return true
		}
	}
	return false
}

// ----------------------------------------------------------------- Response --

// Response is the normalized chat completion envelope.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	// OriginalModelAlias preserves the alias the caller asked for when the
	// router substituted a different mapping.
	OriginalModelAlias string `json:"original_model_alias,omitempty"`
}

// Choice is a single completion in the response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// StreamChunk is one SSE frame of a streaming response. A non-nil Error
// signals stream failure; consumers stop reading after it.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	// OriginalModelAlias preserves the alias the caller asked for when the
	// router substituted a different mapping.
	OriginalModelAlias string `json:"original_model_alias,omitempty"`
	Error              error  `json:"-"`
}

// StreamChoice is a single choice within a streaming chunk.
type StreamChoice struct {
	Index        int          `json:"index"`
	Delta        MessageDelta `json:"delta"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// MessageDelta carries incremental content.
type MessageDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Usage carries token consumption statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// ModelInfo describes one model, matching the OpenAI /v1/models schema.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// --------------------------------------------------------------- Embeddings --

// EmbeddingRequest mirrors the OpenAI /v1/embeddings request schema.
type EmbeddingRequest struct {
	Model          string      `json:"model"`
	Input          interface{} `json:"input"` // string or []string
	EncodingFormat string      `json:"encoding_format,omitempty"`
	Dimensions     *int        `json:"dimensions,omitempty"`
	User           string      `json:"user,omitempty"`
}

// InputTexts normalizes Input into a string slice.
func (r EmbeddingRequest) InputTexts() []string {
	switch v := r.Input.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// EmbeddingResponse mirrors the OpenAI /v1/embeddings response schema.
type EmbeddingResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"usage"`
}

// Embedding holds one vector and its index.
type Embedding struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

// ---------------------------------------------------------- Image generation --

// ImageRequest mirrors the OpenAI /v1/images/generations request schema.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              *int   `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"` // "url" | "b64_json"
	Quality        string `json:"quality,omitempty"`
	User           string `json:"user,omitempty"`
}

// Count returns N or 1.
func (r ImageRequest) Count() int {
	if r.N != nil && *r.N > 0 {
		return *r.N
	}
	return 1
}

// ImageResponse mirrors the OpenAI /v1/images/generations response schema.
type ImageResponse struct {
	Created int64            `json:"created"`
	Data    []GeneratedImage `json:"data"`
}

// GeneratedImage holds one generated image.
type GeneratedImage struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}
