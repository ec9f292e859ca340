package httpcall

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conduitllm/conduit/conduiterr"
)

func TestDo_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "ConduitLLM/") {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte(`{"id":"resp-1"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	err := Do(context.Background(), srv.Client(), Request{
		URL:  srv.URL,
		Body: map[string]string{"model": "gpt-4o"},
	}, &out)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if out.ID != "resp-1" {
		t.Errorf("out.ID = %q", out.ID)
	}
}

func TestDo_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   conduiterr.Kind
	}{
		{401, conduiterr.Authentication},
		{404, conduiterr.ModelUnavailable},
		{429, conduiterr.RateLimited},
		{500, conduiterr.Upstream},
		{400, conduiterr.Validation},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":"nope"}`))
		}))
		err := Do(context.Background(), srv.Client(), Request{URL: srv.URL}, nil)
		srv.Close()
		if !conduiterr.Is(err, tt.want) {
			t.Errorf("status %d classified as %v, want %v", tt.status, conduiterr.KindOf(err), tt.want)
		}
	}
}

func TestDo_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := Do(context.Background(), srv.Client(), Request{URL: srv.URL}, nil)
	var ce *conduiterr.Error
	if !asConduit(err, &ce) {
		t.Fatalf("expected *conduiterr.Error, got %T", err)
	}
	if ce.RetryAfterSeconds != 7 {
		t.Errorf("RetryAfterSeconds = %d, want 7", ce.RetryAfterSeconds)
	}
}

func TestDo_SanitizesSecrets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad key sk-topsecret"}`))
	}))
	defer srv.Close()

	err := Do(context.Background(), srv.Client(), Request{URL: srv.URL, Secrets: []string{"sk-topsecret"}}, nil)
	var ce *conduiterr.Error
	if !asConduit(err, &ce) {
		t.Fatalf("expected *conduiterr.Error, got %T", err)
	}
	if strings.Contains(ce.Upstream, "sk-topsecret") {
		t.Error("secret leaked into upstream body")
	}
	if !strings.Contains(ce.Upstream, "[REDACTED]") {
		t.Errorf("upstream = %q, want redaction marker", ce.Upstream)
	}
}

func TestDo_RedactsSecretsInConnectionErrors(t *testing.T) {
	// A server that is already closed guarantees a connection error whose
	// text embeds the full request URL, query string included.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	err := Do(context.Background(), http.DefaultClient, Request{
		URL:     srv.URL + "/v1beta/models/gemini-pro:generateContent?key=sk-topsecret",
		Secrets: []string{"sk-topsecret"},
	}, nil)
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if strings.Contains(err.Error(), "sk-topsecret") {
		t.Errorf("secret leaked into error text: %v", err)
	}
	if !conduiterr.Is(err, conduiterr.Communication) {
		t.Errorf("err classified as %v, want Communication", conduiterr.KindOf(err))
	}
}

func TestDo_RedactsSecretsInMalformedResponseErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	var out struct{}
	err := Do(context.Background(), srv.Client(), Request{
		URL:     srv.URL + "/v1beta/models/gemini-pro:generateContent?key=sk-topsecret",
		Secrets: []string{"sk-topsecret"},
	}, &out)
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if strings.Contains(err.Error(), "sk-topsecret") {
		t.Errorf("secret leaked into error text: %v", err)
	}
	if !conduiterr.Is(err, conduiterr.Upstream) {
		t.Errorf("err classified as %v, want Upstream", conduiterr.KindOf(err))
	}
}

func TestDo_RedactsQueryStringWithoutSecretsList(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	err := Do(context.Background(), http.DefaultClient, Request{
		URL: srv.URL + "/v1beta/models/gemini-pro:generateContent?key=sk-topsecret",
	}, nil)
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if strings.Contains(err.Error(), "key=sk-topsecret") {
		t.Errorf("query string leaked into error text: %v", err)
	}
}

func TestDoStream_OpensBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("data: {\"x\":1}\n\n"))
	}))
	defer srv.Close()

	body, err := DoStream(context.Background(), srv.Client(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("DoStream() error: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if !strings.Contains(string(data), `{"x":1}`) {
		t.Errorf("body = %q", data)
	}
}

func TestDoStream_ErrorDrained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	body, err := DoStream(context.Background(), srv.Client(), Request{URL: srv.URL})
	if body != nil {
		t.Error("body should be nil on error")
	}
	if !conduiterr.Is(err, conduiterr.Upstream) {
		t.Errorf("err = %v, want Upstream", err)
	}
}

func TestDo_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	err := Do(ctx, srv.Client(), Request{URL: srv.URL}, nil)
	if !conduiterr.Is(err, conduiterr.Cancelled) {
		t.Errorf("err = %v, want Cancelled", err)
	}
}

func TestSanitize(t *testing.T) {
	got := Sanitize("key=abc token=abc other", []string{"abc", ""})
	if got != "key=[REDACTED] token=[REDACTED] other" {
		t.Errorf("Sanitize() = %q", got)
	}
}

func asConduit(err error, target **conduiterr.Error) bool {
	return errors.As(err, target)
}
