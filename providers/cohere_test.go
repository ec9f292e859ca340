package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/conduitllm/conduit/conduiterr"
)

func TestCohere_HistorySplit(t *testing.T) {
	body, err := buildCohereBody(Request{
		Model: "command-r",
		Messages: []Message{
			{Role: RoleSystem, Content: "Be brief"},
			{Role: RoleUser, Content: "Hi"},
			{Role: RoleAssistant, Content: "Hello"},
			{Role: RoleUser, Content: "Bye"},
		},
	})
	if err != nil {
		t.Fatalf("buildCohereBody: %v", err)
	}
	if body.Message != "Bye" {
		t.Errorf("message = %q", body.Message)
	}
	if body.Preamble != "Be brief" {
		t.Errorf("preamble = %q", body.Preamble)
	}
	want := []cohereHistoryEntry{
		{Role: "USER", Message: "Hi"},
		{Role: "CHATBOT", Message: "Hello"},
	}
	if len(body.ChatHistory) != len(want) {
		t.Fatalf("history = %+v", body.ChatHistory)
	}
	for i, w := range want {
		if body.ChatHistory[i] != w {
			t.Errorf("history[%d] = %+v, want %+v", i, body.ChatHistory[i], w)
		}
	}
}

func TestCohere_LastMessageMustBeUser(t *testing.T) {
	var contacted atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		contacted.Store(true)
	}))
	defer srv.Close()

	p := NewCohere("co-test", srv.URL)
	_, err := p.Complete(context.Background(), Request{
		Model: "command-r",
		Messages: []Message{
			{Role: RoleUser, Content: "Hi"},
			{Role: RoleAssistant, Content: "Hello"},
		},
	})
	if !conduiterr.Is(err, conduiterr.Validation) {
		t.Errorf("err = %v, want Validation", err)
	}
	if contacted.Load() {
		t.Error("upstream was contacted despite a validation failure")
	}
}

func TestCohere_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer co-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req cohereRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.Write([]byte(`{"text":"hi there","generation_id":"gen-1","finish_reason":"COMPLETE","meta":{"billed_units":{"input_tokens":4,"output_tokens":2}}}`))
	}))
	defer srv.Close()

	p := NewCohere("co-test", srv.URL)
	resp, err := p.Complete(context.Background(), Request{
		Model:    "command-r",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.ID != "gen-1" || resp.Choices[0].Message.Content != "hi there" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Choices[0].FinishReason != FinishStop {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCohere_CompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"event_type":"stream-start","generation_id":"gen-9"}`+"\n")
		io.WriteString(w, `{"event_type":"text-generation","text":"Hel"}`+"\n")
		io.WriteString(w, `{"event_type":"text-generation","text":"lo"}`+"\n")
		io.WriteString(w, `{"event_type":"stream-end","finish_reason":"COMPLETE","response":{"meta":{"billed_units":{"input_tokens":3,"output_tokens":2}}}}`+"\n")
	}))
	defer srv.Close()

	p := NewCohere("co-test", srv.URL)
	ch, err := p.CompleteStream(context.Background(), Request{
		Model:    "command-r",
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
	for i, chunk := range chunks {
		if chunk.ID != "gen-9" {
			t.Errorf("chunk[%d].ID = %q, want generation_id", i, chunk.ID)
		}
	}
	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason != FinishStop {
		t.Errorf("terminal finish_reason = %q", last.Choices[0].FinishReason)
	}
	if last.Usage == nil || last.Usage.PromptTokens != 3 {
		t.Errorf("terminal usage = %+v", last.Usage)
	}
}

func TestCohere_MalformedFirstLineFailsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "not json at all\n")
		io.WriteString(w, `{"event_type":"text-generation","text":"x"}`+"\n")
	}))
	defer srv.Close()

	p := NewCohere("co-test", srv.URL)
	ch, err := p.CompleteStream(context.Background(), Request{
		Model:    "command-r",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	var sawError bool
	for chunk := range ch {
		if chunk.Error != nil {
			sawError = true
			if !conduiterr.Is(chunk.Error, conduiterr.Upstream) {
				t.Errorf("stream error = %v, want Upstream", chunk.Error)
			}
		}
	}
	if !sawError {
		t.Error("malformed first line should fail the stream")
	}
}

func TestMapCohereFinishReason(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"COMPLETE", FinishStop},
		{"MAX_TOKENS", FinishLength},
		{"ERROR_TOXIC", FinishContentFilter},
		{"ERROR_LIMIT", FinishError},
		{"ERROR", FinishError},
	}
	for _, tt := range tests {
		if got := mapCohereFinishReason(tt.in); got != tt.want {
			t.Errorf("mapCohereFinishReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
