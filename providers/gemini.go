package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/httpcall"
	"github.com/conduitllm/conduit/internal/imaging"
	"github.com/conduitllm/conduit/internal/streamio"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProvider implements the Provider interface for the Google
// Generative Language API. Authentication uses a key query parameter; the
// Authorization header is explicitly cleared so a gateway-level bearer
// token never leaks upstream.
type GeminiProvider struct {
	Base
	downloader *imaging.Downloader
}

// NewGemini creates a Gemini adapter. Pass "" for the default endpoint.
func NewGemini(apiKey, baseURL string) *GeminiProvider {
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	return &GeminiProvider{
		Base:       NewBase("gemini", apiKey, baseURL, nil),
		downloader: &imaging.Downloader{},
	}
}

// Capabilities reports the Gemini feature set.
func (p *GeminiProvider) Capabilities(model string) Capabilities {
	return Capabilities{
		Chat:            true,
		Streaming:       true,
		Vision:          true,
		FunctionCalling: true,
		Embeddings:      strings.Contains(model, "embedding"),
	}
}

// GenerateImage is not offered through this API surface.
func (p *GeminiProvider) GenerateImage(_ context.Context, _ ImageRequest, _ ...CallOption) (*ImageResponse, error) {
	return nil, errUnsupported(p.Name(), "image generation")
}

// ------------------------------------------------------------------- wire ---

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

// convertMessagesToGemini remaps roles for the Gemini dialect: assistant
// becomes "model" and system turns are sent as user turns in place.
func (p *GeminiProvider) convertMessagesToGemini(ctx context.Context, messages []Message) ([]geminiContent, error) {
	contents := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		role := RoleUser
		if msg.Role == RoleAssistant {
			role = "model"
		}
		parts, err := p.geminiParts(ctx, msg)
		if err != nil {
			return nil, err
		}
		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}
	return contents, nil
}

func (p *GeminiProvider) geminiParts(ctx context.Context, msg Message) ([]geminiPart, error) {
	if len(msg.ContentParts) == 0 {
		return []geminiPart{{Text: msg.Content}}, nil
	}
	var parts []geminiPart
	for _, part := range msg.ContentParts {
		switch part.Type {
		case ContentTypeText:
			parts = append(parts, geminiPart{Text: part.Text})
		case ContentTypeImageURL:
			if part.ImageURL == nil {
				return nil, conduiterr.New(conduiterr.Validation, "image content part without image_url")
			}
			data, mime, err := p.inlineImage(ctx, part.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{
				MimeType: mime,
				Data:     base64.StdEncoding.EncodeToString(data),
			}})
		default:
			return nil, conduiterr.New(conduiterr.Validation, "unsupported content part type %q", part.Type)
		}
	}
	return parts, nil
}

func (p *GeminiProvider) inlineImage(ctx context.Context, url string) ([]byte, string, error) {
	if imaging.IsDataURL(url) {
		mime, data, err := imaging.ParseDataURL(url)
		if err != nil {
			return nil, "", err
		}
		return data, mime, nil
	}
	return p.downloader.Download(ctx, url)
}

func (p *GeminiProvider) buildGeminiBody(ctx context.Context, req Request) (*geminiRequest, error) {
	contents, err := p.convertMessagesToGemini(ctx, req.Messages)
	if err != nil {
		return nil, err
	}
	body := &geminiRequest{Contents: contents}
	cfg := &geminiGenerationConfig{
		Temperature:     ClampTemperature(req.Temperature, 1),
		TopP:            ClampTopP(req.TopP),
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}
	if cfg.Temperature != nil || cfg.TopP != nil || cfg.TopK != nil ||
		cfg.MaxOutputTokens != nil || len(cfg.StopSequences) > 0 {
		body.GenerationConfig = cfg
	}
	return body, nil
}

// mapGeminiFinishReason translates Gemini finish reasons to the normalized
// set. OTHER deliberately maps to empty.
func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION":
		return FinishContentFilter
	default:
		return ""
	}
}

func candidateText(c geminiCandidate) string {
	var b strings.Builder
	for _, part := range c.Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// clearAuth suppresses any ambient Authorization header; Gemini rejects
// requests carrying both a bearer token and a key parameter.
func clearAuth() map[string]string {
	return map[string]string{"Authorization": ""}
}

// Complete sends a non-streaming generateContent call.
func (p *GeminiProvider) Complete(ctx context.Context, req Request, opts ...CallOption) (*Response, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	body, err := p.buildGeminiBody(ctx, req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", baseURL, req.Model, key)
	var out geminiResponse
	err = httpcall.Do(ctx, client, httpcall.Request{
		URL:     url,
		Body:    body,
		Headers: clearAuth(),
		Secrets: []string{key},
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 {
		return nil, conduiterr.New(conduiterr.Upstream, "gemini returned no candidates").
			WithUpstream("")
	}

	cand := out.Candidates[0]
	// A safety block on the non-streaming path is a hard failure, not a
	// truncated success.
	if cand.FinishReason == "SAFETY" {
		return nil, conduiterr.New(conduiterr.Validation, "gemini blocked the request on safety grounds")
	}

	return &Response{
		ID:      fmt.Sprintf("gemini-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: candidateText(cand)},
			FinishReason: mapGeminiFinishReason(cand.FinishReason),
		}},
		Usage: Usage{
			PromptTokens:     out.UsageMetadata.PromptTokenCount,
			CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      out.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// CompleteStream uses streamGenerateContent with alt=sse. Each data line
// carries a full candidate snapshot whose parts hold the delta text.
func (p *GeminiProvider) CompleteStream(ctx context.Context, req Request, opts ...CallOption) (<-chan StreamChunk, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	body, err := p.buildGeminiBody(ctx, req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, req.Model, key)
	stream, err := httpcall.DoStream(ctx, client, httpcall.Request{
		URL:     url,
		Body:    body,
		Headers: clearAuth(),
		Secrets: []string{key},
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		id := fmt.Sprintf("gemini-%d", time.Now().UnixNano())
		created := time.Now().Unix()
		sentRole := false
		finished := false
		var usage geminiUsageMetadata

		sse := streamio.NewSSE(stream)
		for {
			data, ok := sse.Next()
			if !ok {
				break
			}
			var snap geminiResponse
			if json.Unmarshal([]byte(data), &snap) != nil {
				continue
			}
			if snap.UsageMetadata.TotalTokenCount > 0 {
				usage = snap.UsageMetadata
			}
			if len(snap.Candidates) == 0 {
				continue
			}
			cand := snap.Candidates[0]
			delta := MessageDelta{Content: candidateText(cand)}
			if !sentRole {
				delta.Role = RoleAssistant
				sentRole = true
			}
			chunk := StreamChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   req.Model,
				Choices: []StreamChoice{{Index: 0, Delta: delta}},
			}
			if reason := mapGeminiFinishReason(cand.FinishReason); reason != "" {
				chunk.Choices[0].FinishReason = reason
				chunk.Usage = &Usage{
					PromptTokens:     usage.PromptTokenCount,
					CompletionTokens: usage.CandidatesTokenCount,
					TotalTokens:      usage.TotalTokenCount,
				}
				finished = true
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if finished {
				return
			}
		}
		if err := sse.Err(); err != nil {
			ch <- StreamChunk{Error: conduiterr.Wrap(conduiterr.Communication, err, "reading gemini stream")}
			return
		}
		if !finished {
			// Upstream closed without a finish reason; synthesize the
			// terminal chunk so consumers always observe one.
			ch <- StreamChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   req.Model,
				Choices: []StreamChoice{{Index: 0, FinishReason: FinishStop}},
			}
		}
	}()

	return ch, nil
}

// Embed calls batchEmbedContents; the API does not report token usage.
func (p *GeminiProvider) Embed(ctx context.Context, req EmbeddingRequest, opts ...CallOption) (*EmbeddingResponse, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	texts := req.InputTexts()
	if len(texts) == 0 {
		return nil, conduiterr.New(conduiterr.Validation, "embedding input is empty")
	}

	type embedContentRequest struct {
		Model   string        `json:"model"`
		Content geminiContent `json:"content"`
	}
	var batch struct {
		Requests []embedContentRequest `json:"requests"`
	}
	model := "models/" + strings.TrimPrefix(req.Model, "models/")
	for _, text := range texts {
		batch.Requests = append(batch.Requests, embedContentRequest{
			Model:   model,
			Content: geminiContent{Parts: []geminiPart{{Text: text}}},
		})
	}

	var out struct {
		Embeddings []struct {
			Values []float64 `json:"values"`
		} `json:"embeddings"`
	}
	url := fmt.Sprintf("%s/v1beta/%s:batchEmbedContents?key=%s", baseURL, model, key)
	err = httpcall.Do(ctx, client, httpcall.Request{
		URL:     url,
		Body:    batch,
		Headers: clearAuth(),
		Secrets: []string{key},
	}, &out)
	if err != nil {
		return nil, err
	}

	resp := &EmbeddingResponse{Object: "list", Model: req.Model}
	for i, e := range out.Embeddings {
		resp.Data = append(resp.Data, Embedding{Object: "embedding", Embedding: e.Values, Index: i})
	}
	return resp, nil
}

// ListModels fetches the live model list.
func (p *GeminiProvider) ListModels(ctx context.Context, opts ...CallOption) ([]ModelInfo, error) {
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
		URL:     fmt.Sprintf("%s/v1beta/models?key=%s", baseURL, key),
		Headers: clearAuth(),
		Secrets: []string{key},
	}, &out)
	if err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(out.Models))
	for _, m := range out.Models {
		models = append(models, ModelInfo{
			ID:      strings.TrimPrefix(m.Name, "models/"),
			Object:  "model",
			OwnedBy: p.Name(),
		})
	}
	return models, nil
}

// VerifyAuth lists models, the cheapest authenticated call the API offers.
func (p *GeminiProvider) VerifyAuth(ctx context.Context, opts ...CallOption) (*AuthCheck, error) {
	start := time.Now()
	if _, err := p.ListModels(ctx, opts...); err != nil {
		return nil, err
	}
	return &AuthCheck{OK: true, Latency: time.Since(start)}, nil
}
