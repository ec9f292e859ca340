package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	conduit "github.com/conduitllm/conduit"
	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/logging"
	"github.com/conduitllm/conduit/internal/ratelimit"
	"github.com/conduitllm/conduit/internal/virtualkey"
	"github.com/conduitllm/conduit/providers"
)

// serverConfig bundles what the HTTP layer needs.
type serverConfig struct {
	gateway   *conduit.Conduit
	keys      *virtualkey.Store
	ephemeral *virtualkey.EphemeralKeys
	limiter   *ratelimit.PerKey // nil disables rate limiting
	masterKey string
	cors      []string
}

// newRouter builds the HTTP router: public health and metrics, the
// virtual-key-authenticated /v1 data plane, and the master-key /api
// admin plane.
func newRouter(sc serverConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(cors(sc.cors))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"mappings": sc.gateway.Health(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(virtualKeyAuth(sc.keys))
		if sc.limiter != nil {
			r.Use(rateLimit(sc.limiter))
		}
		r.Get("/models", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"object": "list",
				"data":   sc.gateway.Models(),
			})
		})
		r.Post("/chat/completions", chatHandler(sc))
		r.Post("/embeddings", embeddingsHandler(sc))
		r.Post("/images/generations", imagesHandler(sc))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth(sc.masterKey, sc.ephemeral))
		mountAdmin(r, sc)
	})

	return r
}

// requestOptions builds the dispatcher options for an authenticated
// request: the caller's group for billing, the request ID for audit
// idempotency, and a usage bump on completion.
func requestOptions(r *http.Request, sc serverConfig) conduit.RequestOptions {
	key := keyFromContext(r.Context())
	opts := conduit.RequestOptions{
		RequestID:   logging.RequestIDFromContext(r.Context()),
		OverrideKey: r.Header.Get("X-Provider-Key"),
	}
	if key != nil {
		opts.GroupID = key.GroupID
		keyID := key.ID
		opts.OnComplete = func() {
			// The request context may already be done when a stream
			// settles, so the usage bump gets its own.
			_ = sc.keys.RecordUse(context.Background(), keyID)
		}
	}
	return opts
}

func chatHandler(sc serverConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req providers.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, conduiterr.Wrap(conduiterr.Validation, err, "malformed request body"))
			return
		}
		opts := requestOptions(r, sc)

		if req.Stream {
			ch, err := sc.gateway.StreamChatCompletion(r.Context(), req, opts)
			if err != nil {
				writeError(w, err)
				return
			}
			writeSSE(w, ch)
			return
		}

		resp, err := sc.gateway.CreateChatCompletion(r.Context(), req, opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func embeddingsHandler(sc serverConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req providers.EmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, conduiterr.Wrap(conduiterr.Validation, err, "malformed request body"))
			return
		}
		resp, err := sc.gateway.CreateEmbedding(r.Context(), req, requestOptions(r, sc))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func imagesHandler(sc serverConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req providers.ImageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, conduiterr.Wrap(conduiterr.Validation, err, "malformed request body"))
			return
		}
		resp, err := sc.gateway.CreateImage(r.Context(), req, requestOptions(r, sc))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// writeSSE streams chunks as OpenAI-style server-sent events, ending
// with the [DONE] sentinel.
func writeSSE(w http.ResponseWriter, ch <-chan providers.StreamChunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	now := time.Now().Unix()
	for chunk := range ch {
		if chunk.Error != nil {
			payload, _ := json.Marshal(map[string]interface{}{
				"error": map[string]string{
					"message": chunk.Error.Error(),
					"type":    string(conduiterr.KindOf(chunk.Error)),
				},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if chunk.Object == "" {
			chunk.Object = "chat.completion.chunk"
		}
		if chunk.Created == 0 {
			chunk.Created = now
		}
		data, _ := json.Marshal(chunk)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the taxonomy error envelope. Rate-limited
// responses carry a Retry-After hint.
func writeError(w http.ResponseWriter, err error) {
	kind := conduiterr.KindOf(err)
	status := conduiterr.HTTPStatus(kind)
	if status == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": err.Error(),
			"type":    string(kind),
		},
	})
}

// ----------------------------------------------------------- middleware -----

type keyContextKey struct{}

func contextWithKey(ctx context.Context, key *virtualkey.Key) context.Context {
	return context.WithValue(ctx, keyContextKey{}, key)
}

func keyFromContext(ctx context.Context) *virtualkey.Key {
	key, _ := ctx.Value(keyContextKey{}).(*virtualkey.Key)
	return key
}

// virtualKeyAuth authenticates the Bearer virtual key and stores it in
// the request context.
func virtualKeyAuth(keys *virtualkey.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				writeError(w, conduiterr.New(conduiterr.Authentication, "missing bearer virtual key"))
				return
			}
			key, _, err := keys.Authenticate(r.Context(), token)
			if err != nil {
				if conduiterr.Is(err, conduiterr.RateLimited) {
					w.Header().Set("Retry-After", "60")
				}
				writeError(w, err)
				return
			}
			ctx := contextWithKey(r.Context(), key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimit rejects requests once a key's token bucket runs dry.
func rateLimit(limiter *ratelimit.PerKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFromContext(r.Context())
			if key == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow(key.ID) {
				retry := limiter.RetryAfter(key.ID)
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				writeError(w, conduiterr.New(conduiterr.RateLimited, "virtual key rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
