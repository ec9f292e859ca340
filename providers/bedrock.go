package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/conduitllm/conduit/conduiterr"
)

// BedrockProvider implements the Provider interface for AWS Bedrock via
// the InvokeModel runtime API. The model prefix picks the body dialect:
// anthropic.* speaks the Claude Messages format, amazon.titan* the Titan
// format, meta.llama* a flattened Llama prompt.
type BedrockProvider struct {
	Base
	client *bedrockruntime.Client
	region string
}

// NewBedrock creates a Bedrock adapter using the AWS credential chain.
// region defaults to us-east-1.
func NewBedrock(region string) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, conduiterr.Wrap(conduiterr.Configuration, err, "bedrock: loading AWS config")
	}
	return &BedrockProvider{
		Base:   NewBase("bedrock", "", "", nil),
		client: bedrockruntime.NewFromConfig(cfg),
		region: region,
	}, nil
}

// Capabilities reports per-family features; only the Claude family
// streams through this adapter.
func (p *BedrockProvider) Capabilities(model string) Capabilities {
	caps := Capabilities{Chat: true}
	if strings.HasPrefix(model, "anthropic.") {
		caps.Streaming = true
		caps.TokenizerType = "claude"
	}
	return caps
}

// Embed is not wired for Bedrock.
func (p *BedrockProvider) Embed(_ context.Context, _ EmbeddingRequest, _ ...CallOption) (*EmbeddingResponse, error) {
	return nil, errUnsupported(p.Name(), "embeddings")
}

// GenerateImage is not wired for Bedrock.
func (p *BedrockProvider) GenerateImage(_ context.Context, _ ImageRequest, _ ...CallOption) (*ImageResponse, error) {
	return nil, errUnsupported(p.Name(), "image generation")
}

// ListModels returns the fixed list of well-known model IDs; enumerating
// live foundation models needs the control-plane API.
func (p *BedrockProvider) ListModels(_ context.Context, _ ...CallOption) ([]ModelInfo, error) {
	return ModelsFromList(p.Name(), []string{
		"anthropic.claude-3-5-sonnet-20241022-v2:0",
		"anthropic.claude-3-5-haiku-20241022-v1:0",
		"anthropic.claude-3-haiku-20240307-v1:0",
		"amazon.titan-text-express-v1",
		"amazon.titan-text-premier-v1:0",
		"meta.llama3-1-70b-instruct-v1:0",
		"meta.llama3-1-8b-instruct-v1:0",
	}), nil
}

// VerifyAuth checks that the AWS credential chain yields credentials. The
// runtime API has no cheap list call, so no request is issued.
func (p *BedrockProvider) VerifyAuth(ctx context.Context, _ ...CallOption) (*AuthCheck, error) {
	start := time.Now()
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(p.region))
	if err != nil {
		return nil, conduiterr.Wrap(conduiterr.Configuration, err, "bedrock: loading AWS config")
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return nil, conduiterr.Wrap(conduiterr.Authentication, err, "bedrock: resolving AWS credentials")
	}
	return &AuthCheck{OK: true, Latency: time.Since(start), Detail: "credential chain resolved"}, nil
}

func classifyBedrock(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ThrottlingException"):
		return conduiterr.Wrap(conduiterr.RateLimited, err, "bedrock invoke throttled")
	case strings.Contains(msg, "ResourceNotFoundException"):
		return conduiterr.Wrap(conduiterr.ModelUnavailable, err, "bedrock model not found")
	case strings.Contains(msg, "AccessDeniedException"), strings.Contains(msg, "UnrecognizedClientException"):
		return conduiterr.Wrap(conduiterr.Authentication, err, "bedrock access denied")
	case strings.Contains(msg, "ValidationException"):
		return conduiterr.Wrap(conduiterr.Validation, err, "bedrock rejected the request")
	default:
		return conduiterr.Wrap(conduiterr.Upstream, err, "bedrock invoke failed")
	}
}

func (p *BedrockProvider) invoke(ctx context.Context, model string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return conduiterr.Wrap(conduiterr.Validation, err, "encoding bedrock request")
	}
	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return classifyBedrock(err)
	}
	if err := json.Unmarshal(output.Body, out); err != nil {
		return conduiterr.Wrap(conduiterr.Upstream, err, "decoding bedrock response")
	}
	return nil
}

// ------------------------------------------------------------------- wire ---

type bedrockClaudeRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
}

type bedrockClaudeResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type bedrockTitanRequest struct {
	InputText            string `json:"inputText"`
	TextGenerationConfig struct {
		MaxTokenCount int      `json:"maxTokenCount,omitempty"`
		Temperature   *float64 `json:"temperature,omitempty"`
		TopP          *float64 `json:"topP,omitempty"`
		StopSequences []string `json:"stopSequences,omitempty"`
	} `json:"textGenerationConfig"`
}

type bedrockTitanResponse struct {
	InputTextTokenCount int `json:"inputTextTokenCount"`
	Results             []struct {
		TokenCount       int    `json:"tokenCount"`
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
	} `json:"results"`
}

type bedrockLlamaRequest struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type bedrockLlamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

func buildBedrockClaudeBody(req Request) bedrockClaudeRequest {
	body := bedrockClaudeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        MaxTokensOrDefault(req.MaxTokens, anthropicDefaultMaxTokens),
		Temperature:      ClampTemperature(req.Temperature, 1),
		TopP:             ClampTopP(req.TopP),
		StopSequences:    CapStop(req.Stop, anthropicMaxStopSequences),
	}
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			body.System = msg.Content
			continue
		}
		role := RoleUser
		if msg.Role == RoleAssistant {
			role = RoleAssistant
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: role, Content: msg.Content})
	}
	return body
}

// Complete dispatches on the model-family prefix.
func (p *BedrockProvider) Complete(ctx context.Context, req Request, opts ...CallOption) (*Response, error) {
	switch {
	case strings.HasPrefix(req.Model, "anthropic."):
		return p.completeClaude(ctx, req)
	case strings.HasPrefix(req.Model, "amazon.titan"):
		return p.completeTitan(ctx, req)
	case strings.HasPrefix(req.Model, "meta.llama"):
		return p.completeLlama(ctx, req)
	default:
		return nil, conduiterr.New(conduiterr.ModelUnavailable, "no bedrock dialect for model %q", req.Model)
	}
}

func (p *BedrockProvider) completeClaude(ctx context.Context, req Request) (*Response, error) {
	var out bedrockClaudeResponse
	if err := p.invoke(ctx, req.Model, buildBedrockClaudeBody(req), &out); err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		ID:      out.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: text.String()},
			FinishReason: mapAnthropicStopReason(out.StopReason),
		}},
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

func (p *BedrockProvider) completeTitan(ctx context.Context, req Request) (*Response, error) {
	var body bedrockTitanRequest
	body.InputText = flattenToPrompt(req.Messages)
	if req.MaxTokens != nil {
		body.TextGenerationConfig.MaxTokenCount = *req.MaxTokens
	}
	body.TextGenerationConfig.Temperature = ClampTemperature(req.Temperature, 1)
	body.TextGenerationConfig.TopP = ClampTopP(req.TopP)
	body.TextGenerationConfig.StopSequences = req.Stop

	var out bedrockTitanResponse
	if err := p.invoke(ctx, req.Model, body, &out); err != nil {
		return nil, err
	}

	resp := &Response{
		ID:      fmt.Sprintf("bedrock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Usage:   Usage{PromptTokens: out.InputTextTokenCount},
	}
	for i, result := range out.Results {
		finish := FinishStop
		if result.CompletionReason == "LENGTH" {
			finish = FinishLength
		}
		resp.Choices = append(resp.Choices, Choice{
			Index:        i,
			Message:      Message{Role: RoleAssistant, Content: result.OutputText},
			FinishReason: finish,
		})
		resp.Usage.CompletionTokens += result.TokenCount
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return resp, nil
}

func (p *BedrockProvider) completeLlama(ctx context.Context, req Request) (*Response, error) {
	var sb strings.Builder
	sb.WriteString("<|begin_of_text|>")
	for _, msg := range req.Messages {
		fmt.Fprintf(&sb, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>\n", msg.Role, msg.Content)
	}
	sb.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	body := bedrockLlamaRequest{
		Prompt:      sb.String(),
		Temperature: ClampTemperature(req.Temperature, 1),
		TopP:        ClampTopP(req.TopP),
	}
	if req.MaxTokens != nil {
		body.MaxGenLen = *req.MaxTokens
	}

	var out bedrockLlamaResponse
	if err := p.invoke(ctx, req.Model, body, &out); err != nil {
		return nil, err
	}

	finish := FinishStop
	if out.StopReason == "length" {
		finish = FinishLength
	}
	return &Response{
		ID:      fmt.Sprintf("bedrock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: out.Generation},
			FinishReason: finish,
		}},
		Usage: Usage{
			PromptTokens:     out.PromptTokenCount,
			CompletionTokens: out.GenerationTokenCount,
			TotalTokens:      out.PromptTokenCount + out.GenerationTokenCount,
		},
	}, nil
}

// CompleteStream streams via InvokeModelWithResponseStream; only the
// Claude family is wired.
func (p *BedrockProvider) CompleteStream(ctx context.Context, req Request, opts ...CallOption) (<-chan StreamChunk, error) {
	if !strings.HasPrefix(req.Model, "anthropic.") {
		return nil, errUnsupported(p.Name(), "streaming for model "+req.Model)
	}

	payload, err := json.Marshal(buildBedrockClaudeBody(req))
	if err != nil {
		return nil, conduiterr.Wrap(conduiterr.Validation, err, "encoding bedrock request")
	}
	output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, classifyBedrock(err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer func() { _ = stream.Close() }()

		id := fmt.Sprintf("bedrock-%d", time.Now().UnixNano())
		created := time.Now().Unix()
		sentRole := false
		var stopReason string
		var usage anthropicUsage

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var evt anthropicStreamEvent
			if json.Unmarshal(chunk.Value.Bytes, &evt) != nil {
				continue
			}
			switch evt.Type {
			case "message_start":
				usage.InputTokens = evt.Message.Usage.InputTokens
			case "content_block_delta":
				delta := MessageDelta{Content: evt.Delta.Text}
				if !sentRole {
					delta.Role = RoleAssistant
					sentRole = true
				}
				select {
				case ch <- StreamChunk{
					ID:      id,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   req.Model,
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
					ID:      id,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   req.Model,
					Choices: []StreamChoice{{Index: 0, FinishReason: mapAnthropicStopReason(stopReason)}},
					Usage:   &final,
				}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Error: classifyBedrock(err)}
		}
	}()

	return ch, nil
}
