package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/conduitllm/conduit/conduiterr"
)

func TestAnthropic_SystemExtraction(t *testing.T) {
	p := NewAnthropic("sk-ant-test", "")
	req := Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are kind"},
			{Role: RoleUser, Content: "Hi"},
			{Role: RoleAssistant, Content: "Hello"},
			{Role: RoleUser, Content: "Bye"},
		},
	}
	body, err := p.buildAnthropicBody(context.Background(), req)
	if err != nil {
		t.Fatalf("buildAnthropicBody: %v", err)
	}
	if body.System != "You are kind" {
		t.Errorf("system = %q", body.System)
	}
	if body.MaxTokens != anthropicDefaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", body.MaxTokens, anthropicDefaultMaxTokens)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(body.Messages))
	}
	wantRoles := []string{RoleUser, RoleAssistant, RoleUser}
	wantText := []string{"Hi", "Hello", "Bye"}
	for i, msg := range body.Messages {
		if msg.Role != wantRoles[i] || msg.Content.(string) != wantText[i] {
			t.Errorf("messages[%d] = {%s %v}", i, msg.Role, msg.Content)
		}
	}
}

func TestAnthropic_ToolMapping(t *testing.T) {
	p := NewAnthropic("sk-ant-test", "")
	req := Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []Message{
			{Role: RoleUser, Content: "weather?"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{
				ID:   "toolu_1",
				Type: "function",
				Function: FunctionCall{
					Name:      "get_weather",
					Arguments: `{"city":"Oslo"}`,
				},
			}}},
			{Role: RoleTool, ToolCallID: "toolu_1", Content: "4C, rain"},
		},
	}
	body, err := p.buildAnthropicBody(context.Background(), req)
	if err != nil {
		t.Fatalf("buildAnthropicBody: %v", err)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("got %d messages", len(body.Messages))
	}

	blocks, ok := body.Messages[1].Content.([]interface{})
	if !ok || len(blocks) != 1 {
		t.Fatalf("assistant tool message content = %#v", body.Messages[1].Content)
	}
	use, ok := blocks[0].(anthropicToolUseBlock)
	if !ok || use.Name != "get_weather" || use.ID != "toolu_1" {
		t.Errorf("tool_use block = %#v", blocks[0])
	}

	resultBlocks, ok := body.Messages[2].Content.([]interface{})
	if !ok || len(resultBlocks) != 1 {
		t.Fatalf("tool result content = %#v", body.Messages[2].Content)
	}
	result, ok := resultBlocks[0].(anthropicToolResultBlock)
	if !ok || result.ToolUseID != "toolu_1" || result.Content != "4C, rain" {
		t.Errorf("tool_result block = %#v", resultBlocks[0])
	}
	if body.Messages[2].Role != RoleUser {
		t.Errorf("tool result should travel as a user message, got %q", body.Messages[2].Role)
	}
}

func TestAnthropic_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req anthropicRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.Write([]byte(`{
			"id": "msg_1", "role": "assistant", "model": "claude-3-5-sonnet-20241022",
			"content": [{"type":"text","text":"Hello "},{"type":"text","text":"there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropic("sk-ant-test", srv.URL)
	resp, err := p.Complete(context.Background(), Request{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Choices[0].Message.Content != "Hello there" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != FinishStop {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 5 || resp.Usage.TotalTokens != 17 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropic_CompleteMissingKey(t *testing.T) {
	p := NewAnthropic("", "")
	_, err := p.Complete(context.Background(), Request{Model: "claude-3-haiku-20240307", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if !conduiterr.Is(err, conduiterr.Configuration) {
		t.Errorf("err = %v, want Configuration", err)
	}
}

func TestAnthropic_CompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\n")
		io.WriteString(w, `data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":9}}}`+"\n\n")
		io.WriteString(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`+"\n\n")
		io.WriteString(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`+"\n\n")
		io.WriteString(w, `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`+"\n\n")
		io.WriteString(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer srv.Close()

	p := NewAnthropic("sk-ant-test", srv.URL)
	ch, err := p.CompleteStream(context.Background(), Request{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	var chunks []StreamChunk
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != RoleAssistant {
		t.Error("first chunk should carry the assistant role")
	}
	if chunks[1].Choices[0].Delta.Role != "" {
		t.Error("later chunks should omit the role")
	}
	if got := chunks[0].Choices[0].Delta.Content + chunks[1].Choices[0].Delta.Content; got != "Hello" {
		t.Errorf("streamed content = %q", got)
	}
	last := chunks[2]
	if last.Choices[0].FinishReason != FinishStop {
		t.Errorf("terminal finish_reason = %q", last.Choices[0].FinishReason)
	}
	if last.Usage == nil || last.Usage.PromptTokens != 9 || last.Usage.CompletionTokens != 2 {
		t.Errorf("terminal usage = %+v", last.Usage)
	}
	for _, c := range chunks[:2] {
		if c.Choices[0].FinishReason != "" {
			t.Error("non-terminal chunk carries a finish reason")
		}
	}
}

func TestAnthropic_VerifyAuth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantOK  bool
		wantErr conduiterr.Kind
	}{
		{
			name:   "temperature rejection proves auth",
			status: 400,
			body:   `{"type":"error","error":{"type":"invalid_request_error","message":"temperature: must be <= 1"}}`,
			wantOK: true,
		},
		{
			name:    "unauthorized",
			status:  401,
			body:    `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
			wantErr: conduiterr.Authentication,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			p := NewAnthropic("sk-ant-test", srv.URL)
			check, err := p.VerifyAuth(context.Background())
			if tt.wantOK {
				if err != nil {
					t.Fatalf("VerifyAuth: %v", err)
				}
				if !check.OK {
					t.Error("check.OK = false")
				}
				return
			}
			if !conduiterr.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMapAnthropicStopReason(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"end_turn", FinishStop},
		{"stop_sequence", FinishStop},
		{"max_tokens", FinishLength},
		{"tool_use", FinishToolCalls},
		{"", FinishStop},
	}
	for _, tt := range tests {
		if got := mapAnthropicStopReason(tt.in); got != tt.want {
			t.Errorf("mapAnthropicStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
