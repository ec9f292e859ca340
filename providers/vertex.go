package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/httpcall"
	"github.com/conduitllm/conduit/internal/imaging"
)

const vertexScope = "https://www.googleapis.com/auth/cloud-platform"

// vertexModelAliases maps friendly names onto Vertex publisher model IDs.
// Unlisted models fall through a prefix heuristic: gemini-* speaks the
// Gemini dialect, anything else the PaLM predict dialect.
var vertexModelAliases = map[string]string{
	"gemini-pro":        "gemini-1.0-pro",
	"gemini-pro-vision": "gemini-1.0-pro-vision",
	"chat-bison":        "chat-bison@002",
	"text-bison":        "text-bison@002",
}

// VertexProvider implements the Provider interface for Google Vertex AI.
// Gemini-family models reuse the Gemini wire format against the regional
// endpoint; PaLM-family models use the predict dialect with a flattened
// Human:/Assistant: prompt.
//
// Streaming is simulated: the adapter fetches the complete response once
// and replays it as ordered chunks, honoring cancellation between chunks.
type VertexProvider struct {
	Base
	project     string
	region      string
	tokenSource oauth2.TokenSource
	// gemini builds Gemini-dialect bodies; it carries no credentials of
	// its own.
	gemini *GeminiProvider
}

// NewVertex creates a Vertex AI adapter. An empty accessToken selects
// Application Default Credentials; project must be non-empty by first
// call.
func NewVertex(project, region, accessToken string) *VertexProvider {
	if region == "" {
		region = "us-central1"
	}
	baseURL := fmt.Sprintf("https://%s-aiplatform.googleapis.com", region)
	p := &VertexProvider{
		Base:    NewBase("vertex", accessToken, baseURL, nil),
		project: project,
		region:  region,
		gemini: &GeminiProvider{
			Base:       NewBase("vertex", "", baseURL, nil),
			downloader: &imaging.Downloader{},
		},
	}
	if accessToken != "" {
		p.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	}
	return p
}

// Capabilities reports per-dialect features. PaLM models neither stream
// natively nor accept images.
func (p *VertexProvider) Capabilities(model string) Capabilities {
	if p.isGeminiModel(model) {
		return Capabilities{Chat: true, Streaming: true, Vision: strings.Contains(model, "vision") || strings.HasPrefix(p.resolveModel(model), "gemini-1.5"), FunctionCalling: true}
	}
	return Capabilities{Chat: true, Streaming: true}
}

// Embed is not wired for Vertex.
func (p *VertexProvider) Embed(_ context.Context, _ EmbeddingRequest, _ ...CallOption) (*EmbeddingResponse, error) {
	return nil, errUnsupported(p.Name(), "embeddings")
}

// GenerateImage is not wired for Vertex.
func (p *VertexProvider) GenerateImage(_ context.Context, _ ImageRequest, _ ...CallOption) (*ImageResponse, error) {
	return nil, errUnsupported(p.Name(), "image generation")
}

// ListModels returns the alias table; Vertex has no cheap data-plane list
// call scoped to publisher models.
func (p *VertexProvider) ListModels(_ context.Context, _ ...CallOption) ([]ModelInfo, error) {
	ids := make([]string, 0, len(vertexModelAliases))
	for alias := range vertexModelAliases {
		ids = append(ids, alias)
	}
	return ModelsFromList(p.Name(), ids), nil
}

func (p *VertexProvider) resolveModel(model string) string {
	if resolved, ok := vertexModelAliases[model]; ok {
		return resolved
	}
	return model
}

func (p *VertexProvider) isGeminiModel(model string) bool {
	return strings.HasPrefix(p.resolveModel(model), "gemini-")
}

// token resolves the bearer token: per-call override, configured static
// token, or Application Default Credentials.
func (p *VertexProvider) token(ctx context.Context, opts []CallOption) (string, error) {
	if c := ApplyOptions(opts); c.APIKey != "" {
		return c.APIKey, nil
	}
	if p.tokenSource == nil {
		ts, err := google.DefaultTokenSource(ctx, vertexScope)
		if err != nil {
			return "", conduiterr.Wrap(conduiterr.Configuration, err, "vertex: resolving default credentials")
		}
		p.tokenSource = ts
	}
	tok, err := p.tokenSource.Token()
	if err != nil {
		return "", conduiterr.Wrap(conduiterr.Authentication, err, "vertex: obtaining access token")
	}
	return tok.AccessToken, nil
}

// endpoint builds the regional publisher-model URL for the given verb.
func (p *VertexProvider) endpoint(baseURL, model, verb string) string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		baseURL, p.project, p.region, model, verb)
}

func (p *VertexProvider) preflight() error {
	if p.project == "" {
		return conduiterr.New(conduiterr.Configuration, "vertex: project id is not configured")
	}
	return nil
}

// ------------------------------------------------------------- PaLM wire ---

type vertexPredictRequest struct {
	Instances  []map[string]string    `json:"instances"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type vertexPrediction struct {
	Content    string `json:"content"`
	Candidates []struct {
		Content string `json:"content"`
	} `json:"candidates"`
}

type vertexPredictResponse struct {
	Predictions []vertexPrediction `json:"predictions"`
}

func (v vertexPrediction) text() string {
	if v.Content != "" {
		return v.Content
	}
	if len(v.Candidates) > 0 {
		return v.Candidates[0].Content
	}
	return ""
}

// flattenToPrompt renders the conversation in the Human:/Assistant: form
// the PaLM text models expect, ending with an open assistant turn.
func flattenToPrompt(messages []Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			b.WriteString("Assistant: ")
		case RoleSystem, RoleUser:
			b.WriteString("Human: ")
		default:
			b.WriteString("Human: ")
		}
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}

func (p *VertexProvider) palmParameters(req Request) map[string]interface{} {
	params := map[string]interface{}{}
	if t := ClampTemperature(req.Temperature, 1); t != nil {
		params["temperature"] = *t
	}
	if tp := ClampTopP(req.TopP); tp != nil {
		params["topP"] = *tp
	}
	if req.TopK != nil {
		params["topK"] = *req.TopK
	}
	if req.MaxTokens != nil {
		params["maxOutputTokens"] = *req.MaxTokens
	}
	return params
}

// --------------------------------------------------------------- dispatch ---

// Complete routes to the model family's dialect.
func (p *VertexProvider) Complete(ctx context.Context, req Request, opts ...CallOption) (*Response, error) {
	if err := p.preflight(); err != nil {
		return nil, err
	}
	token, err := p.token(ctx, opts)
	if err != nil {
		return nil, err
	}
	_, baseURL, client := p.Resolve(opts)

	model := p.resolveModel(req.Model)
	if p.isGeminiModel(req.Model) {
		return p.completeGemini(ctx, client, baseURL, token, model, req)
	}
	return p.completePaLM(ctx, client, baseURL, token, model, req)
}

func (p *VertexProvider) completeGemini(ctx context.Context, client *http.Client, baseURL, token, model string, req Request) (*Response, error) {
	body, err := p.gemini.buildGeminiBody(ctx, req)
	if err != nil {
		return nil, err
	}

	var out geminiResponse
	err = httpcall.Do(ctx, client, httpcall.Request{
		URL:     p.endpoint(baseURL, model, "generateContent"),
		Body:    body,
		Headers: bearer(token),
		Secrets: []string{token},
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 {
		return nil, conduiterr.New(conduiterr.Upstream, "vertex returned no candidates")
	}
	cand := out.Candidates[0]
	if cand.FinishReason == "SAFETY" {
		return nil, conduiterr.New(conduiterr.Validation, "vertex blocked the request on safety grounds")
	}
	return &Response{
		ID:      fmt.Sprintf("vertex-%d", time.Now().UnixNano()),
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

func (p *VertexProvider) completePaLM(ctx context.Context, client *http.Client, baseURL, token, model string, req Request) (*Response, error) {
	body := vertexPredictRequest{
		Instances:  []map[string]string{{"prompt": flattenToPrompt(req.Messages)}},
		Parameters: p.palmParameters(req),
	}

	var out vertexPredictResponse
	err := httpcall.Do(ctx, client, httpcall.Request{
		URL:     p.endpoint(baseURL, model, "predict"),
		Body:    body,
		Headers: bearer(token),
		Secrets: []string{token},
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Predictions) == 0 {
		return nil, conduiterr.New(conduiterr.Upstream, "vertex returned no predictions")
	}
	return &Response{
		ID:      fmt.Sprintf("vertex-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: strings.TrimSpace(out.Predictions[0].text())},
			FinishReason: FinishStop,
		}},
	}, nil
}

// CompleteStream is simulated: the full response is fetched once and
// replayed as one content chunk per candidate followed by a terminal
// chunk. Cancellation between chunks surfaces a Cancelled error and stops
// emission.
func (p *VertexProvider) CompleteStream(ctx context.Context, req Request, opts ...CallOption) (<-chan StreamChunk, error) {
	resp, err := p.Complete(ctx, req, opts...)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for i, choice := range resp.Choices {
			select {
			case <-ctx.Done():
				ch <- StreamChunk{Error: conduiterr.Wrap(conduiterr.Cancelled, ctx.Err(), "vertex stream cancelled")}
				return
			case ch <- StreamChunk{
				ID:      resp.ID,
				Object:  "chat.completion.chunk",
				Created: resp.Created,
				Model:   resp.Model,
				Choices: []StreamChoice{{
					Index: i,
					Delta: MessageDelta{Role: RoleAssistant, Content: choice.Message.Content},
				}},
			}:
			}
		}
		select {
		case <-ctx.Done():
			ch <- StreamChunk{Error: conduiterr.Wrap(conduiterr.Cancelled, ctx.Err(), "vertex stream cancelled")}
		case ch <- StreamChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []StreamChoice{{Index: 0, FinishReason: FinishStop}},
			Usage:   &resp.Usage,
		}:
		}
	}()
	return ch, nil
}

// VerifyAuth resolves credentials and fetches a token without touching a
// model endpoint.
func (p *VertexProvider) VerifyAuth(ctx context.Context, opts ...CallOption) (*AuthCheck, error) {
	if err := p.preflight(); err != nil {
		return nil, err
	}
	start := time.Now()
	if _, err := p.token(ctx, opts); err != nil {
		return nil, err
	}
	return &AuthCheck{OK: true, Latency: time.Since(start)}, nil
}
