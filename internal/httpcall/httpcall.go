// Package httpcall is the JSON HTTP helper shared by the REST-based
// provider adapters. It serializes request bodies, applies per-call
// headers, classifies non-2xx responses into the gateway error taxonomy,
// and redacts credentials from surfaced upstream bodies.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/version"
)

// Default timeouts per call class. Providers may override via Request.Timeout.
const (
	DefaultTimeout       = 60 * time.Second
	DefaultStreamTimeout = 300 * time.Second
)

// NewClient returns an HTTP client with pooled connections bounded per host.
// No client-level timeout is set; deadlines are applied per call so that
// streaming responses are not cut off by a non-stream timeout.
func NewClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     64,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Request describes one JSON call to an upstream provider.
type Request struct {
	Method  string
	URL     string
	Body    interface{}
	Headers map[string]string
	// Secrets are redacted from any upstream body or error text surfaced
	// to callers.
	Secrets []string
	// Timeout bounds this call; DefaultTimeout (or DefaultStreamTimeout
	// for DoStream) applies when zero.
	Timeout time.Duration
}

// safeURL strips the query string from the request URL before it is
// embedded in error text. Some vendors carry the API key as a query
// parameter, so the query must never reach a caller-visible message.
func (r Request) safeURL() string {
	if i := strings.IndexByte(r.URL, '?'); i >= 0 {
		return r.URL[:i]
	}
	return r.URL
}

// redact rewrites err's text with the request's secrets and query string
// removed. The original stays in the unwrap chain so context errors keep
// classifying as Cancelled/Timeout.
func (r Request) redact(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ReplaceAll(err.Error(), r.URL, r.safeURL())
	msg = Sanitize(msg, r.Secrets)
	return &redactedError{msg: msg, cause: err}
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

// Do executes a JSON request and decodes the 2xx response body into out
// (skipped when out is nil). Non-2xx responses are classified by status
// code and carry the sanitized body.
func Do(ctx context.Context, client *http.Client, req Request, out interface{}) error {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	body, err := send(ctx, client, req)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	data, readErr := io.ReadAll(body)
	if readErr != nil {
		return conduiterr.Wrap(conduiterr.Communication, req.redact(readErr), "reading response from %s", req.safeURL())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return conduiterr.Wrap(conduiterr.Upstream, req.redact(err), "malformed response from %s", req.safeURL()).
			WithUpstream(Sanitize(truncate(string(data)), req.Secrets))
	}
	return nil
}

// DoStream executes the request and returns the open response body for
// streaming consumption. Closing the returned body releases the per-call
// deadline. Non-2xx responses are drained, classified, and closed before
// returning.
func DoStream(ctx context.Context, client *http.Client, req Request) (io.ReadCloser, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultStreamTimeout
	}
	return send(ctx, client, req)
}

func send(ctx context.Context, client *http.Client, req Request) (io.ReadCloser, error) {
	if req.Method == "" {
		req.Method = http.MethodPost
	}

	var reader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, conduiterr.Wrap(conduiterr.Validation, err, "encoding request body")
		}
		reader = bytes.NewReader(payload)
	}

	callCtx, cancel := context.WithTimeout(ctx, req.Timeout)

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, reader)
	if err != nil {
		cancel()
		return nil, conduiterr.Wrap(conduiterr.Configuration, req.redact(err), "creating request for %s", req.safeURL())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	for k, v := range req.Headers {
		if v == "" {
			httpReq.Header.Del(k)
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, conduiterr.Wrap(conduiterr.Communication, req.redact(err), "calling %s", req.safeURL())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		cancel()
		return nil, classify(resp, Sanitize(string(data), req.Secrets))
	}

	return &deadlineBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// deadlineBody ties the per-call context cancel to body close so callers
// release the deadline timer.
type deadlineBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *deadlineBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

func classify(resp *http.Response, body string) *conduiterr.Error {
	kind := conduiterr.FromStatus(resp.StatusCode)
	err := conduiterr.New(kind, "upstream returned status %d", resp.StatusCode).WithUpstream(truncate(body))
	if kind == conduiterr.RateLimited {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, parseErr := strconv.Atoi(ra); parseErr == nil {
				err.RetryAfterSeconds = secs
			}
		}
	}
	return err
}

// Sanitize removes the given secrets from a body before it is surfaced in
// an error or a log line.
func Sanitize(body string, secrets []string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		body = strings.ReplaceAll(body, s, "[REDACTED]")
	}
	return body
}

func truncate(s string) string {
	const max = 2048
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
