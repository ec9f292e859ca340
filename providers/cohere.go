package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/httpcall"
	"github.com/conduitllm/conduit/internal/streamio"
)

const cohereDefaultBaseURL = "https://api.cohere.ai"

// CohereProvider implements the Provider interface for the Cohere chat
// API. Cohere splits the conversation: the final user turn travels as
// `message`, everything before it as `chat_history`, and the latest system
// message as `preamble`.
type CohereProvider struct {
	Base
}

// NewCohere creates a Cohere adapter. Pass "" for the default endpoint.
func NewCohere(apiKey, baseURL string) *CohereProvider {
	if baseURL == "" {
		baseURL = cohereDefaultBaseURL
	}
	return &CohereProvider{Base: NewBase("cohere", apiKey, baseURL, nil)}
}

// Capabilities reports the Cohere feature set.
func (p *CohereProvider) Capabilities(model string) Capabilities {
	return Capabilities{
		Chat:       true,
		Streaming:  true,
		Embeddings: true,
	}
}

// GenerateImage is not offered by Cohere.
func (p *CohereProvider) GenerateImage(_ context.Context, _ ImageRequest, _ ...CallOption) (*ImageResponse, error) {
	return nil, errUnsupported(p.Name(), "image generation")
}

// ------------------------------------------------------------------- wire ---

type cohereHistoryEntry struct {
	Role    string `json:"role"` // USER | CHATBOT
	Message string `json:"message"`
}

type cohereRequest struct {
	Model         string               `json:"model"`
	Message       string               `json:"message"`
	ChatHistory   []cohereHistoryEntry `json:"chat_history,omitempty"`
	Preamble      string               `json:"preamble,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	P             *float64             `json:"p,omitempty"`
	K             *int                 `json:"k,omitempty"`
	MaxTokens     *int                 `json:"max_tokens,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
}

type cohereBilledUnits struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type cohereMeta struct {
	BilledUnits cohereBilledUnits `json:"billed_units"`
}

type cohereResponse struct {
	Text         string     `json:"text"`
	GenerationID string     `json:"generation_id"`
	FinishReason string     `json:"finish_reason"`
	Meta         cohereMeta `json:"meta"`
}

// buildCohereBody splits the conversation per the Cohere dialect. The last
// message must be a user turn; anything else is a Validation failure
// raised before the upstream is contacted.
func buildCohereBody(req Request) (*cohereRequest, error) {
	if len(req.Messages) == 0 {
		return nil, conduiterr.New(conduiterr.Validation, "messages are required")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != RoleUser {
		return nil, conduiterr.New(conduiterr.Validation, "cohere requires the final message to be a user turn, got %q", last.Role)
	}

	body := &cohereRequest{
		Model:         req.Model,
		Message:       last.Content,
		Temperature:   ClampTemperature(req.Temperature, 2),
		P:             ClampTopP(req.TopP),
		K:             req.TopK,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.Stop,
	}
	for _, msg := range req.Messages[:len(req.Messages)-1] {
		switch msg.Role {
		case RoleSystem:
			body.Preamble = msg.Content
		case RoleAssistant:
			body.ChatHistory = append(body.ChatHistory, cohereHistoryEntry{Role: "CHATBOT", Message: msg.Content})
		default:
			body.ChatHistory = append(body.ChatHistory, cohereHistoryEntry{Role: "USER", Message: msg.Content})
		}
	}
	return body, nil
}

func mapCohereFinishReason(reason string) string {
	switch reason {
	case "COMPLETE":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "ERROR_TOXIC":
		return FinishContentFilter
	case "ERROR_LIMIT", "ERROR":
		return FinishError
	default:
		return FinishStop
	}
}

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

// Complete sends a non-streaming chat call.
func (p *CohereProvider) Complete(ctx context.Context, req Request, opts ...CallOption) (*Response, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	body, err := buildCohereBody(req)
	if err != nil {
		return nil, err
	}

	var out cohereResponse
	err = httpcall.Do(ctx, client, httpcall.Request{
		URL:     baseURL + "/v1/chat",
		Body:    body,
		Headers: bearer(key),
		Secrets: []string{key},
	}, &out)
	if err != nil {
		return nil, err
	}

	return &Response{
		ID:      out.GenerationID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: out.Text},
			FinishReason: mapCohereFinishReason(out.FinishReason),
		}},
		Usage: Usage{
			PromptTokens:     out.Meta.BilledUnits.InputTokens,
			CompletionTokens: out.Meta.BilledUnits.OutputTokens,
			TotalTokens:      out.Meta.BilledUnits.InputTokens + out.Meta.BilledUnits.OutputTokens,
		},
	}, nil
}

type cohereStreamEvent struct {
	EventType    string `json:"event_type"`
	GenerationID string `json:"generation_id"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Response     struct {
		Meta cohereMeta `json:"meta"`
	} `json:"response"`
}

// CompleteStream consumes Cohere's newline-delimited JSON events. The
// stream-start event supplies the generation_id reused on every chunk; a
// malformed first line fails the whole stream.
func (p *CohereProvider) CompleteStream(ctx context.Context, req Request, opts ...CallOption) (<-chan StreamChunk, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	body, err := buildCohereBody(req)
	if err != nil {
		return nil, err
	}
	body.Stream = true

	stream, err := httpcall.DoStream(ctx, client, httpcall.Request{
		URL:     baseURL + "/v1/chat",
		Body:    body,
		Headers: bearer(key),
		Secrets: []string{key},
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		var generationID string
		created := time.Now().Unix()
		sentRole := false
		first := true

		lines := streamio.NewNDJSON(stream)
		for {
			line, ok := lines.Next()
			if !ok {
				break
			}
			var evt cohereStreamEvent
			if err := json.Unmarshal(line, &evt); err != nil {
				if first {
					ch <- StreamChunk{Error: conduiterr.Wrap(conduiterr.Upstream, err, "malformed first cohere stream event")}
					return
				}
				continue
			}
			first = false

			switch evt.EventType {
			case "stream-start":
				generationID = evt.GenerationID
			case "text-generation":
				delta := MessageDelta{Content: evt.Text}
				if !sentRole {
					delta.Role = RoleAssistant
					sentRole = true
				}
				select {
				case ch <- StreamChunk{
					ID:      generationID,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   req.Model,
					Choices: []StreamChoice{{Index: 0, Delta: delta}},
				}:
				case <-ctx.Done():
					return
				}
			case "stream-end":
				usage := Usage{
					PromptTokens:     evt.Response.Meta.BilledUnits.InputTokens,
					CompletionTokens: evt.Response.Meta.BilledUnits.OutputTokens,
				}
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				select {
				case ch <- StreamChunk{
					ID:      generationID,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   req.Model,
					Choices: []StreamChoice{{Index: 0, FinishReason: mapCohereFinishReason(evt.FinishReason)}},
					Usage:   &usage,
				}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := lines.Err(); err != nil {
			ch <- StreamChunk{Error: conduiterr.Wrap(conduiterr.Communication, err, "reading cohere stream")}
		}
	}()

	return ch, nil
}

// Embed calls /v1/embed.
func (p *CohereProvider) Embed(ctx context.Context, req EmbeddingRequest, opts ...CallOption) (*EmbeddingResponse, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	texts := req.InputTexts()
	if len(texts) == 0 {
		return nil, conduiterr.New(conduiterr.Validation, "embedding input is empty")
	}

	body := map[string]interface{}{
		"model":      req.Model,
		"texts":      texts,
		"input_type": "search_document",
	}
	var out struct {
		Embeddings [][]float64 `json:"embeddings"`
		Meta       cohereMeta  `json:"meta"`
	}
	err = httpcall.Do(ctx, client, httpcall.Request{
		URL:     baseURL + "/v1/embed",
		Body:    body,
		Headers: bearer(key),
		Secrets: []string{key},
	}, &out)
	if err != nil {
		return nil, err
	}

	resp := &EmbeddingResponse{
		Object: "list",
		Model:  req.Model,
		Usage: Usage{
			PromptTokens: out.Meta.BilledUnits.InputTokens,
			TotalTokens:  out.Meta.BilledUnits.InputTokens,
		},
	}
	for i, vec := range out.Embeddings {
		resp.Data = append(resp.Data, Embedding{Object: "embedding", Embedding: vec, Index: i})
	}
	return resp, nil
}

// ListModels fetches the live model list.
func (p *CohereProvider) ListModels(ctx context.Context, opts ...CallOption) ([]ModelInfo, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	err = httpcall.Do(ctx, client, httpcall.Request{
		Method:  http.MethodGet,
		URL:     baseURL + "/v1/models",
		Headers: bearer(key),
		Secrets: []string{key},
	}, &out)
	if err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(out.Models))
	for _, m := range out.Models {
		models = append(models, ModelInfo{ID: m.Name, Object: "model", OwnedBy: p.Name()})
	}
	return models, nil
}

// VerifyAuth lists models as a side-effect-free probe.
func (p *CohereProvider) VerifyAuth(ctx context.Context, opts ...CallOption) (*AuthCheck, error) {
	start := time.Now()
	if _, err := p.ListModels(ctx, opts...); err != nil {
		return nil, err
	}
	return &AuthCheck{OK: true, Latency: time.Since(start)}, nil
}
