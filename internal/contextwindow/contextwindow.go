// Package contextwindow enforces a per-mapping token budget on chat
// requests before they leave the gateway, trimming the oldest droppable
// messages first.
package contextwindow

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/providers"
)

// DefaultReserve is held back for the completion when the request does
// not set max_tokens.
const DefaultReserve = 512

// perMessageOverhead approximates the tokens each message adds beyond
// its content (role tag and separators in the chat encoding).
const perMessageOverhead = 4

// counter estimates the token count of a piece of text.
type counter func(text string) (int, error)

// Manager trims requests to fit a context budget. Encoders are loaded
// once and shared; the zero value is not usable, call New.
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// New creates a manager.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log, encoders: make(map[string]*tiktoken.Tiktoken)}
}

// charEstimate is the coarse fallback used for tokenizers without a BPE
// encoding: roughly four characters per token.
func charEstimate(text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

// counterFor selects the estimator for a mapping's tokenizer type.
// claude, llama, and unknown types use the character estimate; a BPE
// load failure is returned to the caller so the request can pass
// through unchanged.
func (m *Manager) counterFor(tokenizerType string) (counter, error) {
	switch tokenizerType {
	case "cl100k_base", "p50k_base":
		m.mu.Lock()
		enc, ok := m.encoders[tokenizerType]
		m.mu.Unlock()
		if !ok {
			var err error
			enc, err = tiktoken.GetEncoding(tokenizerType)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			m.encoders[tokenizerType] = enc
			m.mu.Unlock()
		}
		return func(text string) (int, error) {
			return len(enc.Encode(text, nil, nil)), nil
		}, nil
	default:
		return charEstimate, nil
	}
}

// Count estimates tokens in a piece of text, falling back to the
// character estimate when the tokenizer cannot load. Used for billing
// estimates on streams that report no usage.
func (m *Manager) Count(text, tokenizerType string) int {
	count, err := m.counterFor(tokenizerType)
	if err != nil {
		count = charEstimate
	}
	n, err := count(text)
	if err != nil {
		n, _ = charEstimate(text)
	}
	return n
}

// EstimateMessages estimates the prompt tokens of a conversation.
func (m *Manager) EstimateMessages(msgs []providers.Message, tokenizerType string) int {
	total := 0
	for _, msg := range msgs {
		total += m.Count(messageText(msg), tokenizerType) + perMessageOverhead
	}
	return total
}

// messageText flattens a message to the text that counts against the
// budget. Image parts contribute their URL length only.
func messageText(msg providers.Message) string {
	if len(msg.ContentParts) == 0 {
		return msg.Content
	}
	text := msg.Content
	for _, part := range msg.ContentParts {
		if part.Type == providers.ContentTypeText {
			text += part.Text
		} else if part.ImageURL != nil {
			text += part.ImageURL.URL
		}
	}
	return text
}

// Fit returns the request with messages trimmed so the estimated prompt
// fits budget minus the completion reserve. System messages and the
// final user message are never dropped; if removing every droppable
// message still leaves the prompt over budget, Fit fails with a
// Validation error. Estimation failures log and pass the request
// through unchanged.
func (m *Manager) Fit(req providers.Request, budget int, tokenizerType string) (providers.Request, error) {
	if budget <= 0 || len(req.Messages) == 0 {
		return req, nil
	}

	count, err := m.counterFor(tokenizerType)
	if err != nil {
		m.log.Warn("tokenizer unavailable, passing request through",
			"tokenizer", tokenizerType, "error", err)
		return req, nil
	}

	reserve := DefaultReserve
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		reserve = *req.MaxTokens
	}
	allowed := budget - reserve
	if allowed <= 0 {
		return req, conduiterr.New(conduiterr.Validation,
			"completion reserve %d leaves no room in a %d token context", reserve, budget)
	}

	tokens := make([]int, len(req.Messages))
	total := 0
	for i, msg := range req.Messages {
		n, err := count(messageText(msg))
		if err != nil {
			m.log.Warn("token estimation failed, passing request through",
				"tokenizer", tokenizerType, "error", err)
			return req, nil
		}
		tokens[i] = n + perMessageOverhead
		total += tokens[i]
	}
	if total <= allowed {
		return req, nil
	}

	finalUser := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == providers.RoleUser {
			finalUser = i
			break
		}
	}

	protected := make([]bool, len(req.Messages))
	for i, msg := range req.Messages {
		protected[i] = msg.Role == providers.RoleSystem || i == finalUser
	}

	// Drop oldest droppable messages until the prompt fits.
	drop := make([]bool, len(req.Messages))
	dropped := 0
	for i := range req.Messages {
		if total <= allowed {
			break
		}
		if protected[i] {
			continue
		}
		drop[i] = true
		total -= tokens[i]
		dropped++
	}
	if total > allowed {
		return req, conduiterr.New(conduiterr.Validation,
			"prompt needs %d tokens but only %d fit the %d token context", total, allowed, budget)
	}

	kept := make([]providers.Message, 0, len(req.Messages)-dropped)
	for i, msg := range req.Messages {
		if !drop[i] {
			kept = append(kept, msg)
		}
	}
	if dropped > 0 {
		m.log.Info("trimmed conversation to fit context window",
			"dropped", dropped, "kept", len(kept), "budget", budget, "reserve", reserve)
	}
	req.Messages = kept
	return req, nil
}
