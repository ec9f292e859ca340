package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"

	"github.com/conduitllm/conduit/conduiterr"
)

func TestOpenAI_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hey"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}`))
	}))
	defer srv.Close()

	p := NewOpenAI("sk-test", srv.URL+"/v1/")
	resp, err := p.Complete(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Choices[0].Message.Content != "hey" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAI_MissingKey(t *testing.T) {
	p := NewOpenAI("", "")
	_, err := p.Complete(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if !conduiterr.Is(err, conduiterr.Configuration) {
		t.Errorf("err = %v, want Configuration", err)
	}
}

func TestClassifyOpenAI(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want conduiterr.Kind
	}{
		{"401", &openai.Error{StatusCode: 401, Message: "bad key"}, conduiterr.Authentication},
		{"429", &openai.Error{StatusCode: 429, Message: "slow down"}, conduiterr.RateLimited},
		{"404", &openai.Error{StatusCode: 404, Message: "no model"}, conduiterr.ModelUnavailable},
		{"500", &openai.Error{StatusCode: 500, Message: "boom"}, conduiterr.Upstream},
		{"transport", errors.New("connection refused"), conduiterr.Communication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyOpenAI(tt.err); !conduiterr.Is(got, tt.want) {
				t.Errorf("classifyOpenAI = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildOpenAIParams_Stop(t *testing.T) {
	one, err := buildOpenAIParams(Request{Model: "gpt-4o", Stop: []string{"END"}})
	if err != nil {
		t.Fatalf("buildOpenAIParams: %v", err)
	}
	if one.Stop.OfString.Value != "END" {
		t.Errorf("single stop = %+v", one.Stop)
	}

	many, err := buildOpenAIParams(Request{Model: "gpt-4o", Stop: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("buildOpenAIParams: %v", err)
	}
	if len(many.Stop.OfStringArray) != 2 {
		t.Errorf("multi stop = %+v", many.Stop)
	}
}

func TestBuildOpenAIParams_LogitBias(t *testing.T) {
	params, err := buildOpenAIParams(Request{
		Model:     "gpt-4o",
		LogitBias: map[string]float64{"50256": -100},
	})
	if err != nil {
		t.Fatalf("buildOpenAIParams: %v", err)
	}
	if params.LogitBias["50256"] != -100 {
		t.Errorf("logit_bias = %+v", params.LogitBias)
	}
}

func TestBuildOpenAIParams_MalformedToolSchema(t *testing.T) {
	_, err := buildOpenAIParams(Request{
		Model: "gpt-4o",
		Tools: []Tool{{
			Type: "function",
			Function: Function{
				Name:       "lookup",
				Parameters: json.RawMessage(`{not json`),
			},
		}},
	})
	if !conduiterr.Is(err, conduiterr.Validation) {
		t.Errorf("err = %v, want Validation", err)
	}
}

func TestBuildOpenAIMessages_Multipart(t *testing.T) {
	msgs := buildOpenAIMessages([]Message{
		{Role: RoleSystem, Content: "be brief"},
		{
			Role: RoleUser,
			ContentParts: []ContentPart{
				{Type: ContentTypeText, Text: "what is this"},
				{Type: ContentTypeImageURL, ImageURL: &ImageURLPart{URL: "https://example.com/cat.png"}},
			},
		},
	})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].OfSystem == nil {
		t.Error("first message should be a system message")
	}
	user := msgs[1].OfUser
	if user == nil {
		t.Fatal("second message should be a user message")
	}
	parts := user.Content.OfArrayOfContentParts
	if len(parts) != 2 {
		t.Fatalf("got %d content parts", len(parts))
	}
	if parts[0].OfText == nil || parts[0].OfText.Text != "what is this" {
		t.Errorf("text part = %+v", parts[0])
	}
	if parts[1].OfImageURL == nil || parts[1].OfImageURL.ImageURL.URL != "https://example.com/cat.png" {
		t.Errorf("image part = %+v", parts[1])
	}
}
