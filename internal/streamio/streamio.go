// Package streamio implements the line-oriented stream readers shared by
// the provider adapters: server-sent events (OpenAI, Anthropic, Gemini,
// Cerebras) and newline-delimited JSON (Cohere).
package streamio

import (
	"bufio"
	"io"
	"strings"
)

// DoneSentinel terminates OpenAI-compatible SSE streams.
const DoneSentinel = "[DONE]"

// maxLineBytes bounds a single stream line; large vision payloads never
// arrive on the response stream, so 1 MiB is generous.
const maxLineBytes = 1 << 20

// SSEScanner yields the payload of each `data:` line of an SSE stream.
// Blank lines, comments, and event-name lines are skipped. The scanner
// stops at the [DONE] sentinel or end of stream.
type SSEScanner struct {
	scanner *bufio.Scanner
	done    bool
}

// NewSSE wraps r in an SSEScanner.
func NewSSE(r io.Reader) *SSEScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &SSEScanner{scanner: s}
}

// Next returns the next data payload. ok is false at [DONE], end of
// stream, or on a read error (check Err).
func (s *SSEScanner) Next() (data string, ok bool) {
	if s.done {
		return "", false
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == DoneSentinel {
			s.done = true
			return "", false
		}
		return payload, true
	}
	s.done = true
	return "", false
}

// Err returns the first read error encountered, if any.
func (s *SSEScanner) Err() error { return s.scanner.Err() }

// NDJSONScanner yields one JSON document per non-blank line. Used for the
// Cohere streaming dialect.
type NDJSONScanner struct {
	scanner *bufio.Scanner
	done    bool
}

// NewNDJSON wraps r in an NDJSONScanner.
func NewNDJSON(r io.Reader) *NDJSONScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &NDJSONScanner{scanner: s}
}

// Next returns the next non-blank line. ok is false at end of stream or on
// a read error (check Err).
func (s *NDJSONScanner) Next() (line []byte, ok bool) {
	if s.done {
		return nil, false
	}
	for s.scanner.Scan() {
		text := strings.TrimSpace(s.scanner.Text())
		if text == "" {
			continue
		}
		return []byte(text), true
	}
	s.done = true
	return nil, false
}

// Err returns the first read error encountered, if any.
func (s *NDJSONScanner) Err() error { return s.scanner.Err() }
