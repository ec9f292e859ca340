// Package cache is the read-through response cache consulted before a
// request is dispatched upstream. The in-process Memory implementation
// is the default; Redis backs multi-instance deployments.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/conduitllm/conduit/providers"
)

// Cache stores normalized responses keyed by request fingerprint.
// Implementations treat backend failures as misses.
type Cache interface {
	Get(ctx context.Context, key string) (*providers.Response, bool)
	Set(ctx context.Context, key string, resp *providers.Response)
	Delete(ctx context.Context, key string)
}

// Key fingerprints a chat request. Two requests with the same model,
// messages, and sampling parameters share a cache entry.
func Key(req providers.Request) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(struct {
		Model       string              `json:"model"`
		Messages    []providers.Message `json:"messages"`
		Temperature *float64            `json:"temperature"`
		TopP        *float64            `json:"top_p"`
		MaxTokens   *int                `json:"max_tokens"`
		Stop        []string            `json:"stop"`
	}{req.Model, req.Messages, req.Temperature, req.TopP, req.MaxTokens, req.Stop})
	return hex.EncodeToString(h.Sum(nil))
}
