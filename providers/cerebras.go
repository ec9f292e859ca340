package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/httpcall"
	"github.com/conduitllm/conduit/internal/streamio"
)

const cerebrasDefaultBaseURL = "https://api.cerebras.ai"

// cerebrasFallbackModels is served when the live /models call fails; the
// endpoint has been intermittently unavailable.
var cerebrasFallbackModels = []string{
	"llama3.1-8b",
	"llama3.1-70b",
	"llama-3.3-70b",
}

// CerebrasProvider implements the Provider interface for Cerebras, which
// exposes an OpenAI-compatible chat API with bearer auth.
type CerebrasProvider struct {
	Base
}

// NewCerebras creates a Cerebras adapter. Pass "" for the default
// endpoint.
func NewCerebras(apiKey, baseURL string) *CerebrasProvider {
	if baseURL == "" {
		baseURL = cerebrasDefaultBaseURL
	}
	return &CerebrasProvider{Base: NewBase("cerebras", apiKey, baseURL, nil)}
}

// Capabilities reports the Cerebras feature set.
func (p *CerebrasProvider) Capabilities(model string) Capabilities {
	return Capabilities{
		Chat:          true,
		Streaming:     true,
		TokenizerType: "llama",
	}
}

// Embed is not offered by Cerebras.
func (p *CerebrasProvider) Embed(_ context.Context, _ EmbeddingRequest, _ ...CallOption) (*EmbeddingResponse, error) {
	return nil, errUnsupported(p.Name(), "embeddings")
}

// GenerateImage is not offered by Cerebras.
func (p *CerebrasProvider) GenerateImage(_ context.Context, _ ImageRequest, _ ...CallOption) (*ImageResponse, error) {
	return nil, errUnsupported(p.Name(), "image generation")
}

// classifyCerebras refines a Validation failure using the .error.message
// hint in the body: messages naming the model reclassify to
// ModelUnavailable.
func classifyCerebras(err error) error {
	var ce *conduiterr.Error
	if !conduiterrAs(err, &ce) || ce.Kind != conduiterr.Validation {
		return err
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(ce.Upstream), &body) != nil || body.Error.Message == "" {
		return err
	}
	if strings.Contains(strings.ToLower(body.Error.Message), "model") {
		return conduiterr.New(conduiterr.ModelUnavailable, "cerebras: %s", body.Error.Message).WithUpstream(ce.Upstream)
	}
	return conduiterr.New(conduiterr.Validation, "cerebras: %s", body.Error.Message).WithUpstream(ce.Upstream)
}

// cerebrasBody strips fields the API rejects and applies the clamping
// rules; otherwise the normalized request is already wire-compatible.
func cerebrasBody(req Request, stream bool) Request {
	req.Temperature = ClampTemperature(req.Temperature, 2)
	req.TopP = ClampTopP(req.TopP)
	req.TopK = nil
	req.Stream = stream
	return req
}

// Complete sends a non-streaming chat completion.
func (p *CerebrasProvider) Complete(ctx context.Context, req Request, opts ...CallOption) (*Response, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}

	var out Response
	err = httpcall.Do(ctx, client, httpcall.Request{
		URL:     baseURL + "/v1/chat/completions",
		Body:    cerebrasBody(req, false),
		Headers: bearer(key),
		Secrets: []string{key},
	}, &out)
	if err != nil {
		return nil, classifyCerebras(err)
	}
	if out.Object == "" {
		out.Object = "chat.completion"
	}
	return &out, nil
}

// CompleteStream sends a streaming chat completion over OpenAI-compatible
// SSE terminated by the [DONE] sentinel.
func (p *CerebrasProvider) CompleteStream(ctx context.Context, req Request, opts ...CallOption) (<-chan StreamChunk, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}

	stream, err := httpcall.DoStream(ctx, client, httpcall.Request{
		URL:     baseURL + "/v1/chat/completions",
		Body:    cerebrasBody(req, true),
		Headers: bearer(key),
		Secrets: []string{key},
	})
	if err != nil {
		return nil, classifyCerebras(err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		sse := streamio.NewSSE(stream)
		for {
			data, ok := sse.Next()
			if !ok {
				break
			}
			var chunk StreamChunk
			if json.Unmarshal([]byte(data), &chunk) != nil {
				continue
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := sse.Err(); err != nil {
			ch <- StreamChunk{Error: conduiterr.Wrap(conduiterr.Communication, err, "reading cerebras stream")}
		}
	}()

	return ch, nil
}

// ListModels fetches the live list, falling back to the fixed set when
// the endpoint is unavailable.
func (p *CerebrasProvider) ListModels(ctx context.Context, opts ...CallOption) ([]ModelInfo, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []ModelInfo `json:"data"`
	}
	err = httpcall.Do(ctx, client, httpcall.Request{
		Method:  http.MethodGet,
		URL:     baseURL + "/v1/models",
		Headers: bearer(key),
		Secrets: []string{key},
	}, &out)
	if err != nil {
		if conduiterr.Is(err, conduiterr.Authentication) {
			return nil, err
		}
		return ModelsFromList(p.Name(), cerebrasFallbackModels), nil
	}
	return out.Data, nil
}

// VerifyAuth lists models as a side-effect-free probe.
func (p *CerebrasProvider) VerifyAuth(ctx context.Context, opts ...CallOption) (*AuthCheck, error) {
	key, baseURL, client, err := p.Credentials(opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	err = httpcall.Do(ctx, client, httpcall.Request{
		Method:  http.MethodGet,
		URL:     baseURL + "/v1/models",
		Headers: bearer(key),
		Secrets: []string{key},
	}, nil)
	if err != nil {
		return nil, err
	}
	return &AuthCheck{OK: true, Latency: time.Since(start)}, nil
}
