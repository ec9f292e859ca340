package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func exitCodeOf(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	if err != nil {
		return exitConfig
	}
	return 0
}

func TestValidate(t *testing.T) {
	good := `
providers:
  - kind: openai
    api_key: sk-test
model_mappings:
  - alias: gpt4
    provider: openai
    model: gpt-4o
`
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "1 provider(s), 1 mapping(s)") {
		t.Errorf("output = %q", out)
	}
}

func TestValidate_BadConfig(t *testing.T) {
	bad := `
providers:
  - kind: llamafarm
model_mappings:
  - alias: gpt4
    provider: openai
    model: gpt-4o
`
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, "validate", path)
	if got := exitCodeOf(err); got != exitConfig {
		t.Fatalf("exit code = %d, want %d (err %v)", got, exitConfig, err)
	}
}

func TestFlush(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		if r.URL.Path != "/api/batch-spending/flush" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"flushed"}`))
	}))
	defer srv.Close()

	out, err := run(t, "flush", "--server", srv.URL, "--api-key", "master-secret")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if gotKey != "master-secret" {
		t.Errorf("X-API-Key = %q", gotKey)
	}
	if !strings.Contains(out, "flushed") {
		t.Errorf("output = %q", out)
	}
}

func TestFlush_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := run(t, "flush", "--server", srv.URL, "--api-key", "wrong")
	if got := exitCodeOf(err); got != exitAuth {
		t.Fatalf("exit code = %d, want %d (err %v)", got, exitAuth, err)
	}
}

func TestFlush_NetworkError(t *testing.T) {
	// A server that is already closed guarantees a connection error.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := run(t, "flush", "--server", srv.URL, "--api-key", "k")
	if got := exitCodeOf(err); got != exitNetwork {
		t.Fatalf("exit code = %d, want %d (err %v)", got, exitNetwork, err)
	}
}

func TestGroupsCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/groups" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"g-1","name":"acme","balance":"25"}`))
	}))
	defer srv.Close()

	out, err := run(t, "groups", "create", "--server", srv.URL, "--api-key", "k",
		"--name", "acme", "--balance", "25")
	if err != nil {
		t.Fatalf("groups create: %v", err)
	}
	if !strings.Contains(out, `"g-1"`) {
		t.Errorf("output = %q", out)
	}
}
