package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/httpcall"
	"github.com/conduitllm/conduit/internal/imaging"
	"github.com/conduitllm/conduit/internal/streamio"
)

const (
	anthropicDefaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
	anthropicMaxStopSequences = 5
)

// AnthropicProvider implements the Provider interface for the Anthropic
// Messages API.
type AnthropicProvider struct {
	Base
	downloader *imaging.Downloader
}

// NewAnthropic creates an Anthropic adapter. Pass "" for the default
// endpoint.
func NewAnthropic(apiKey, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicProvider{
		Base:       NewBase("anthropic", apiKey, baseURL, nil),
		downloader: &imaging.Downloader{},
	}
}

// Capabilities reports the Anthropic feature set. All current claude-*
// chat models stream, accept images, and call tools.
func (p *AnthropicProvider) Capabilities(model string) Capabilities {
	return Capabilities{
		Chat:            true,
		Streaming:       true,
		Vision:          true,
		FunctionCalling: true,
		TokenizerType:   "claude",
	}
}

// ListModels returns the fixed fallback list; Anthropic has no public
// model-list endpoint usable with data-plane keys.
func (p *AnthropicProvider) ListModels(_ context.Context, _ ...CallOption) ([]ModelInfo, error) {
	return ModelsFromList(p.Name(), []string{
		"claude-sonnet-4-20250514",
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	}), nil
}

// Embed is not offered by Anthropic.
func (p *AnthropicProvider) Embed(_ context.Context, _ EmbeddingRequest, _ ...CallOption) (*EmbeddingResponse, error) {
	return nil, errUnsupported(p.Name(), "embeddings")
}

// GenerateImage is not offered by Anthropic.
func (p *AnthropicProvider) GenerateImage(_ context.Context, _ ImageRequest, _ ...CallOption) (*ImageResponse, error) {
	return nil, errUnsupported(p.Name(), "image generation")
}

// ------------------------------------------------------------------- wire ---

type anthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicImageBlock struct {
	Type   string               `json:"type"` // "image"
	Source anthropicImageSource `json:"source"`
}

type anthropicToolUseBlock struct {
	Type  string          `json:"type"` // "tool_use"
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type anthropicToolResultBlock struct {
	Type      string `json:"type"` // "tool_result"
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type anthropicMessage struct {
	Role string `json:"role"`
	// Content is a string for plain text or a block array otherwise.
	Content interface{} `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// buildAnthropicBody maps the normalized request onto the Messages API.
// The latest system message becomes the top-level system field; tool calls
// and results become content blocks; images are inlined as base64.
func (p *AnthropicProvider) buildAnthropicBody(ctx context.Context, req Request) (*anthropicRequest, error) {
	body := &anthropicRequest{
		Model:         req.Model,
		MaxTokens:     MaxTokensOrDefault(req.MaxTokens, anthropicDefaultMaxTokens),
		Temperature:   ClampTemperature(req.Temperature, 1),
		TopP:          ClampTopP(req.TopP),
		TopK:          req.TopK,
		StopSequences: CapStop(req.Stop, anthropicMaxStopSequences),
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			body.System = msg.Content
		case RoleTool:
			body.Messages = append(body.Messages, anthropicMessage{
				Role: RoleUser,
				Content: []interface{}{anthropicToolResultBlock{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				body.Messages = append(body.Messages, anthropicMessage{Role: RoleAssistant, Content: msg.Content})
				continue
			}
			var blocks []interface{}
			if msg.Content != "" {
				blocks = append(blocks, anthropicTextBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicToolUseBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.Function.Arguments),
				})
			}
			body.Messages = append(body.Messages, anthropicMessage{Role: RoleAssistant, Content: blocks})
		default:
			content, err := p.userContent(ctx, msg)
			if err != nil {
				return nil, err
			}
			body.Messages = append(body.Messages, anthropicMessage{Role: RoleUser, Content: content})
		}
	}

	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return body, nil
}

// userContent maps a user message to a string or a block array. Image
// parts must be base64-embedded with an explicit media type, so remote
// URLs are downloaded and inlined here.
func (p *AnthropicProvider) userContent(ctx context.Context, msg Message) (interface{}, error) {
	if len(msg.ContentParts) == 0 {
		return msg.Content, nil
	}
	var blocks []interface{}
	for _, part := range msg.ContentParts {
		switch part.Type {
		case ContentTypeText:
			blocks = append(blocks, anthropicTextBlock{Type: "text", Text: part.Text})
		case ContentTypeImageURL:
			if part.ImageURL == nil {
				return nil, conduiterr.New(conduiterr.Validation, "image content part without image_url")
			}
			data, mime, err := p.inlineImage(ctx, part.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, anthropicImageBlock{
				Type: "image",
				Source: anthropicImageSource{
					Type:      "base64",
					MediaType: mime,
					Data:      base64.StdEncoding.EncodeToString(data),
				},
			})
		default:
			return nil, conduiterr.New(conduiterr.Validation, "unsupported content part type %q", part.Type)
		}
	}
	return blocks, nil
}

func (p *AnthropicProvider) inlineImage(ctx context.Context, url string) ([]byte, string, error) {
	if imaging.IsDataURL(url) {
		mime, data, err := imaging.ParseDataURL(url)
		if err != nil {
			return nil, "", err
		}
		if _, err := imaging.Validate(data, 0); err != nil {
			return nil, "", err
		}
		return data, mime, nil
	}
	return p.downloader.Download(ctx, url)
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "":
		return FinishStop
	default:
		return FinishStop
	}
}

func (p *AnthropicProvider) headers(key string) map[string]string {
	return map[string]string{
		"x-api-key":         key,
		"anthropic-version": anthropicVersion,
	}
}

// Complete sends a non-streaming chat completion.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request, opts ...CallOption) (*Response, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	body, err := p.buildAnthropicBody(ctx, req)
	if err != nil {
		return nil, err
	}

	var out anthropicResponse
	err = httpcall.Do(ctx, client, httpcall.Request{
		URL:     baseURL + "/v1/messages",
		Body:    body,
		Headers: p.headers(key),
		Secrets: []string{key},
	}, &out)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	var toolCalls []ToolCall
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	finish := mapAnthropicStopReason(out.StopReason)
	if len(toolCalls) > 0 {
		finish = FinishToolCalls
	}

	return &Response{
		ID:      out.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   out.Model,
		Choices: []Choice{{
			Index: 0,
			Message: Message{
				Role:      RoleAssistant,
				Content:   text.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: finish,
		}},
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
			CacheReadTokens:  out.Usage.CacheReadInputTokens,
			CacheWriteTokens: out.Usage.CacheCreationInputTokens,
		},
	}, nil
}

// Anthropic stream event shapes. Only the fields the adapter consumes.

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

// CompleteStream sends a streaming chat completion. Content arrives on
// content_block_delta events; message_stop produces the terminal chunk.
func (p *AnthropicProvider) CompleteStream(ctx context.Context, req Request, opts ...CallOption) (<-chan StreamChunk, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	body, err := p.buildAnthropicBody(ctx, req)
	if err != nil {
		return nil, err
	}
	body.Stream = true

	stream, err := httpcall.DoStream(ctx, client, httpcall.Request{
		URL:     baseURL + "/v1/messages",
		Body:    body,
		Headers: p.headers(key),
		Secrets: []string{key},
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		var msgID, model, stopReason string
		var usage anthropicUsage
		created := time.Now().Unix()
		sentRole := false

		sse := streamio.NewSSE(stream)
		for {
			data, ok := sse.Next()
			if !ok {
				break
			}
			var evt anthropicStreamEvent
			if json.Unmarshal([]byte(data), &evt) != nil {
				continue
			}
			switch evt.Type {
			case "message_start":
				msgID = evt.Message.ID
				model = evt.Message.Model
				usage.InputTokens = evt.Message.Usage.InputTokens
			case "content_block_delta":
				delta := MessageDelta{Content: evt.Delta.Text}
				if !sentRole {
					delta.Role = RoleAssistant
					sentRole = true
				}
				select {
				case ch <- StreamChunk{
					ID:      msgID,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   model,
					Choices: []StreamChoice{{Index: evt.Index, Delta: delta}},
				}:
				case <-ctx.Done():
					return
				}
			case "message_delta":
				if evt.Delta.StopReason != "" {
					stopReason = evt.Delta.StopReason
				}
				if evt.Usage.OutputTokens > 0 {
					usage.OutputTokens = evt.Usage.OutputTokens
				}
			case "message_stop":
				final := Usage{
					PromptTokens:     usage.InputTokens,
					CompletionTokens: usage.OutputTokens,
					TotalTokens:      usage.InputTokens + usage.OutputTokens,
				}
				select {
				case ch <- StreamChunk{
					ID:      msgID,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   model,
					Choices: []StreamChoice{{Index: 0, FinishReason: mapAnthropicStopReason(stopReason)}},
					Usage:   &final,
				}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := sse.Err(); err != nil {
			ch <- StreamChunk{Error: conduiterr.Wrap(conduiterr.Communication, err, "reading anthropic stream")}
		}
	}()

	return ch, nil
}

// VerifyAuth probes the key with a deliberately out-of-range temperature.
// Anthropic authenticates before validating the body, so a 400 naming the
// temperature parameter proves the key is good without generating tokens.
func (p *AnthropicProvider) VerifyAuth(ctx context.Context, opts ...CallOption) (*AuthCheck, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}

	probe := anthropicRequest{
		Model:       "claude-3-haiku-20240307",
		MaxTokens:   1,
		Messages:    []anthropicMessage{{Role: RoleUser, Content: "ping"}},
		Temperature: Float64Ptr(2.0),
	}

	start := time.Now()
	err = httpcall.Do(ctx, client, httpcall.Request{
		URL:     baseURL + "/v1/messages",
		Body:    probe,
		Headers: p.headers(key),
		Secrets: []string{key},
	}, nil)
	latency := time.Since(start)

	if err == nil {
		return &AuthCheck{OK: true, Latency: latency}, nil
	}
	var ce *conduiterr.Error
	if conduiterrAs(err, &ce) {
		switch ce.Kind {
		case conduiterr.Authentication:
			return nil, ce
		case conduiterr.Validation:
			if strings.Contains(ce.Upstream, "temperature") || strings.Contains(ce.Upstream, "invalid_request_error") {
				return &AuthCheck{OK: true, Latency: latency, Detail: "request rejected after authentication"}, nil
			}
		}
	}
	return nil, err
}
