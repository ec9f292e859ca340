package providers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/conduitllm/conduit/conduiterr"
)

func TestGemini_RoleRemap(t *testing.T) {
	p := NewGemini("AIza-test", "")
	contents, err := p.convertMessagesToGemini(context.Background(), []Message{
		{Role: RoleSystem, Content: "S"},
		{Role: RoleUser, Content: "U"},
		{Role: RoleAssistant, Content: "A"},
	})
	if err != nil {
		t.Fatalf("convertMessagesToGemini: %v", err)
	}
	want := []struct{ role, text string }{
		{"user", "S"},
		{"user", "U"},
		{"model", "A"},
	}
	if len(contents) != len(want) {
		t.Fatalf("got %d contents, want %d", len(contents), len(want))
	}
	for i, w := range want {
		if contents[i].Role != w.role || contents[i].Parts[0].Text != w.text {
			t.Errorf("contents[%d] = {%s %q}, want {%s %q}", i, contents[i].Role, contents[i].Parts[0].Text, w.role, w.text)
		}
	}
}

func TestGemini_KeyInQueryNotHeader(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1,"totalTokenCount":2}}`))
	}))
	defer srv.Close()

	p := NewGemini("AIza-test", srv.URL)
	_, err := p.Complete(context.Background(), Request{
		Model:    "gemini-1.5-pro",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotKey != "AIza-test" {
		t.Errorf("key query param = %q", gotKey)
	}
	if gotAuth != "" {
		t.Errorf("Authorization header should be empty, got %q", gotAuth)
	}
}

func TestGemini_SafetyBlockIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"SAFETY"}]}`))
	}))
	defer srv.Close()

	p := NewGemini("AIza-test", srv.URL)
	_, err := p.Complete(context.Background(), Request{
		Model:    "gemini-1.5-pro",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if !conduiterr.Is(err, conduiterr.Validation) {
		t.Errorf("safety block should fail with Validation, got %v", err)
	}
}

func TestGemini_CompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q, want sse", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`+"\n\n")
	}))
	defer srv.Close()

	p := NewGemini("AIza-test", srv.URL)
	ch, err := p.CompleteStream(context.Background(), Request{
		Model:    "gemini-1.5-pro",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
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
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if got := chunks[0].Choices[0].Delta.Content + chunks[1].Choices[0].Delta.Content; got != "Hello" {
		t.Errorf("streamed content = %q", got)
	}
	if chunks[1].Choices[0].FinishReason != FinishStop {
		t.Errorf("terminal finish_reason = %q", chunks[1].Choices[0].FinishReason)
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 5 {
		t.Errorf("terminal usage = %+v", chunks[1].Usage)
	}
}

func TestMapGeminiFinishReason(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"STOP", FinishStop},
		{"MAX_TOKENS", FinishLength},
		{"SAFETY", FinishContentFilter},
		{"RECITATION", FinishContentFilter},
		{"OTHER", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := mapGeminiFinishReason(tt.in); got != tt.want {
			t.Errorf("mapGeminiFinishReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGemini_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"embeddings":[{"values":[0.1,0.2]},{"values":[0.3,0.4]}]}`))
	}))
	defer srv.Close()

	p := NewGemini("AIza-test", srv.URL)
	resp, err := p.Embed(context.Background(), EmbeddingRequest{
		Model: "text-embedding-004",
		Input: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(resp.Data) != 2 || resp.Data[1].Index != 1 {
		t.Errorf("embeddings = %+v", resp.Data)
	}
}
