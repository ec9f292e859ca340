package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/conduitllm/conduit/conduiterr"
)

// OpenAIProvider implements the Provider interface on top of the official
// SDK, which already speaks the normalized wire format.
type OpenAIProvider struct {
	Base
	client openai.Client
}

// NewOpenAI creates an OpenAI adapter. Pass "" for the default endpoint.
func NewOpenAI(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	resolvedBase := "https://api.openai.com"
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
		resolvedBase = baseURL
	}
	return &OpenAIProvider{
		Base:   NewBase("openai", apiKey, resolvedBase, nil),
		client: openai.NewClient(opts...),
	}
}

// Capabilities reports the OpenAI feature set.
func (p *OpenAIProvider) Capabilities(model string) Capabilities {
	return Capabilities{
		Chat:            true,
		Streaming:       true,
		Vision:          true,
		FunctionCalling: true,
		Embeddings:      true,
		ImageGeneration: true,
		TokenizerType:   "cl100k_base",
	}
}

// sdkOptions converts per-call overrides into SDK request options.
func (p *OpenAIProvider) sdkOptions(opts []CallOption) ([]option.RequestOption, error) {
	c := ApplyOptions(opts)
	if c.APIKey == "" && p.apiKey == "" {
		return nil, conduiterr.New(conduiterr.Configuration, "openai: API key is not configured")
	}
	var out []option.RequestOption
	if c.APIKey != "" {
		out = append(out, option.WithAPIKey(c.APIKey))
	}
	if c.BaseURL != "" {
		out = append(out, option.WithBaseURL(c.BaseURL))
	}
	if c.Client != nil {
		out = append(out, option.WithHTTPClient(c.Client))
	}
	return out, nil
}

// classifyOpenAI maps SDK errors into the gateway taxonomy.
func classifyOpenAI(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		kind := conduiterr.FromStatus(apiErr.StatusCode)
		return conduiterr.Wrap(kind, err, "openai API error").WithUpstream(apiErr.Message)
	}
	return conduiterr.Wrap(conduiterr.Communication, err, "calling openai")
}

// Complete sends a chat completion through the SDK.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request, opts ...CallOption) (*Response, error) {
	sdkOpts, err := p.sdkOptions(opts)
	if err != nil {
		return nil, err
	}
	params, err := buildOpenAIParams(req)
	if err != nil {
		return nil, err
	}

	completion, err := p.client.Chat.Completions.New(ctx, params, sdkOpts...)
	if err != nil {
		return nil, classifyOpenAI(err)
	}

	resp := &Response{
		ID:      completion.ID,
		Object:  "chat.completion",
		Created: completion.Created,
		Model:   completion.Model,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	for i, choice := range completion.Choices {
		msg := Message{
			Role:    string(choice.Message.Role),
			Content: choice.Message.Content,
		}
		for _, tc := range choice.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		resp.Choices = append(resp.Choices, Choice{
			Index:        i,
			Message:      msg,
			FinishReason: choice.FinishReason,
		})
	}
	return resp, nil
}

// CompleteStream streams a chat completion; include_usage is requested so
// the terminal chunk carries token counts for billing.
func (p *OpenAIProvider) CompleteStream(ctx context.Context, req Request, opts ...CallOption) (<-chan StreamChunk, error) {
	sdkOpts, err := p.sdkOptions(opts)
	if err != nil {
		return nil, err
	}
	params, err := buildOpenAIParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, sdkOpts...)

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		for stream.Next() {
			chunk := stream.Current()
			sc := StreamChunk{
				ID:      chunk.ID,
				Object:  "chat.completion.chunk",
				Created: chunk.Created,
				Model:   chunk.Model,
			}
			if chunk.Usage.TotalTokens > 0 {
				sc.Usage = &Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			for _, c := range chunk.Choices {
				delta := MessageDelta{
					Role:    c.Delta.Role,
					Content: c.Delta.Content,
				}
				for _, tc := range c.Delta.ToolCalls {
					delta.ToolCalls = append(delta.ToolCalls, ToolCall{
						ID:   tc.ID,
						Type: string(tc.Type),
						Function: FunctionCall{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					})
				}
				sc.Choices = append(sc.Choices, StreamChoice{
					Index:        int(c.Index),
					Delta:        delta,
					FinishReason: c.FinishReason,
				})
			}
			select {
			case ch <- sc:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Error: classifyOpenAI(err)}
		}
	}()

	return ch, nil
}

// Embed sends an embedding request.
func (p *OpenAIProvider) Embed(ctx context.Context, req EmbeddingRequest, opts ...CallOption) (*EmbeddingResponse, error) {
	sdkOpts, err := p.sdkOptions(opts)
	if err != nil {
		return nil, err
	}
	params := openai.EmbeddingNewParams{Model: req.Model}
	switch v := req.Input.(type) {
	case string:
		params.Input = openai.EmbeddingNewParamsInputUnion{OfString: openai.String(v)}
	default:
		params.Input = openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.InputTexts()}
	}
	if req.EncodingFormat == "float" || req.EncodingFormat == "" {
		params.EncodingFormat = openai.EmbeddingNewParamsEncodingFormatFloat
	}
	if req.Dimensions != nil {
		params.Dimensions = openai.Int(int64(*req.Dimensions))
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}

	result, err := p.client.Embeddings.New(ctx, params, sdkOpts...)
	if err != nil {
		return nil, classifyOpenAI(err)
	}

	embeddings := make([]Embedding, len(result.Data))
	for i, d := range result.Data {
		embeddings[i] = Embedding{
			Object:    string(d.Object),
			Embedding: d.Embedding,
			Index:     int(d.Index),
		}
	}
	return &EmbeddingResponse{
		Object: string(result.Object),
		Data:   embeddings,
		Model:  string(result.Model),
		Usage: Usage{
			PromptTokens: int(result.Usage.PromptTokens),
			TotalTokens:  int(result.Usage.TotalTokens),
		},
	}, nil
}

// GenerateImage sends a DALL-E image generation request.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, req ImageRequest, opts ...CallOption) (*ImageResponse, error) {
	sdkOpts, err := p.sdkOptions(opts)
	if err != nil {
		return nil, err
	}
	params := openai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openai.ImageModel(req.Model),
	}
	if req.N != nil {
		params.N = openai.Int(int64(*req.N))
	}
	if req.Size != "" {
		params.Size = openai.ImageGenerateParamsSize(req.Size)
	}
	if req.Quality != "" {
		params.Quality = openai.ImageGenerateParamsQuality(req.Quality)
	}
	if req.ResponseFormat == "b64_json" {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	} else {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatURL
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}

	result, err := p.client.Images.Generate(ctx, params, sdkOpts...)
	if err != nil {
		return nil, classifyOpenAI(err)
	}

	images := make([]GeneratedImage, len(result.Data))
	for i, d := range result.Data {
		images[i] = GeneratedImage{
			URL:           d.URL,
			B64JSON:       d.B64JSON,
			RevisedPrompt: d.RevisedPrompt,
		}
	}
	return &ImageResponse{Created: result.Created, Data: images}, nil
}

// ListModels fetches the live model list.
func (p *OpenAIProvider) ListModels(ctx context.Context, opts ...CallOption) ([]ModelInfo, error) {
	sdkOpts, err := p.sdkOptions(opts)
	if err != nil {
		return nil, err
	}
	page, err := p.client.Models.List(ctx, sdkOpts...)
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	var models []ModelInfo
	for _, m := range page.Data {
		models = append(models, ModelInfo{
			ID:      m.ID,
			Object:  "model",
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

// VerifyAuth lists models as a side-effect-free probe.
func (p *OpenAIProvider) VerifyAuth(ctx context.Context, opts ...CallOption) (*AuthCheck, error) {
	start := time.Now()
	if _, err := p.ListModels(ctx, opts...); err != nil {
		return nil, err
	}
	return &AuthCheck{OK: true, Latency: time.Since(start)}, nil
}

// buildOpenAIParams converts the normalized request into SDK params,
// including multimodal content parts.
func buildOpenAIParams(req Request) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    req.Model,
	}
	if t := ClampTemperature(req.Temperature, 2); t != nil {
		params.Temperature = openai.Float(*t)
	}
	if tp := ClampTopP(req.TopP); tp != nil {
		params.TopP = openai.Float(*tp)
	}
	if req.N != nil {
		params.N = openai.Int(int64(*req.N))
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
	if len(req.Stop) > 0 {
		if len(req.Stop) == 1 {
			params.Stop = openai.ChatCompletionNewParamsStopUnion{OfString: openai.String(req.Stop[0])}
		} else {
			params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
		}
	}
	if len(req.LogitBias) > 0 {
		bias := make(map[string]int64, len(req.LogitBias))
		for k, v := range req.LogitBias {
			bias[k] = int64(v)
		}
		params.LogitBias = bias
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema openai.FunctionParameters
			if len(t.Function.Parameters) > 0 {
				if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
					return params, conduiterr.Wrap(conduiterr.Validation, err, "tool %q has a malformed parameter schema", t.Function.Name)
				}
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Function.Name,
					Description: openai.String(t.Function.Description),
					Parameters:  schema,
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

// buildOpenAIMessages converts normalized messages to the SDK union type,
// preserving multipart vision content.
func buildOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			if len(msg.ContentParts) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.ContentParts))
			for _, part := range msg.ContentParts {
				switch part.Type {
				case ContentTypeImageURL:
					if part.ImageURL != nil {
						parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
							URL:    part.ImageURL.URL,
							Detail: part.ImageURL.Detail,
						}))
					}
				default:
					parts = append(parts, openai.TextContentPart(part.Text))
				}
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}
