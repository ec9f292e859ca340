package main

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/conduitllm/conduit/conduiterr"
	"github.com/conduitllm/conduit/internal/virtualkey"
)

// adminAuth guards the admin plane with the master key or a single-use
// ephemeral key, both presented via X-API-Key. Ephemeral keys are
// consumed on use and removed once the request completes.
func adminAuth(masterKey string, ephemeral *virtualkey.EphemeralKeys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				writeError(w, conduiterr.New(conduiterr.Authentication, "missing X-API-Key"))
				return
			}
			if masterKey != "" &&
				subtle.ConstantTimeCompare([]byte(presented), []byte(masterKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(presented, "emk-") && ephemeral.Use(presented) {
				defer ephemeral.Remove(presented)
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, conduiterr.New(conduiterr.Authentication, "invalid admin key"))
		})
	}
}

// mountAdmin registers the admin endpoints on an already-authenticated
// router.
func mountAdmin(r chi.Router, sc serverConfig) {
	r.Post("/batch-spending/flush", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Reason   string `json:"reason"`
			Priority string `json:"priority"`
		}
		// An empty body is fine; reason and priority are advisory.
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "manual"
		}
		if body.Priority == "" {
			body.Priority = "Normal"
		}
		if err := sc.gateway.FlushBilling(req.Context(), body.Reason, body.Priority); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
	})

	r.Post("/groups", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Name    string `json:"name"`
			Balance string `json:"balance"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Name == "" {
			writeError(w, conduiterr.New(conduiterr.Validation, "name is required"))
			return
		}
		balance := decimal.Zero
		if body.Balance != "" {
			var err error
			balance, err = decimal.NewFromString(body.Balance)
			if err != nil {
				writeError(w, conduiterr.Wrap(conduiterr.Validation, err, "malformed balance"))
				return
			}
		}
		group, err := sc.keys.CreateGroup(req.Context(), body.Name, balance)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, group)
	})

	r.Post("/groups/{id}/credit", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Amount string `json:"amount"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, conduiterr.Wrap(conduiterr.Validation, err, "malformed request body"))
			return
		}
		amount, err := decimal.NewFromString(body.Amount)
		if err != nil || amount.Sign() <= 0 {
			writeError(w, conduiterr.New(conduiterr.Validation, "amount must be a positive decimal"))
			return
		}
		groupID := chi.URLParam(req, "id")
		if err := sc.keys.Credit(req.Context(), groupID, amount); err != nil {
			writeError(w, err)
			return
		}
		balance, err := sc.keys.Balance(req.Context(), groupID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
	})

	r.Get("/groups/{id}/balance", func(w http.ResponseWriter, req *http.Request) {
		balance, err := sc.keys.Balance(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
	})

	r.Get("/groups/{id}/keys", func(w http.ResponseWriter, req *http.Request) {
		keys, err := sc.keys.Keys(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, keys)
	})

	r.Post("/keys", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Name    string `json:"name"`
			GroupID string `json:"group_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.GroupID == "" {
			writeError(w, conduiterr.New(conduiterr.Validation, "group_id is required"))
			return
		}
		secret, key, err := sc.keys.CreateKey(req.Context(), body.Name, body.GroupID)
		if err != nil {
			writeError(w, err)
			return
		}
		// The secret is returned exactly once; only its hash is stored.
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"key":    key,
			"secret": secret,
		})
	})

	r.Post("/keys/{id}/disable", func(w http.ResponseWriter, req *http.Request) {
		if err := sc.keys.SetEnabled(req.Context(), chi.URLParam(req, "id"), false); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
	})

	r.Post("/keys/{id}/enable", func(w http.ResponseWriter, req *http.Request) {
		if err := sc.keys.SetEnabled(req.Context(), chi.URLParam(req, "id"), true); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
	})

	r.Post("/ephemeral-keys", func(w http.ResponseWriter, _ *http.Request) {
		token, expires, err := sc.ephemeral.Issue()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"key":        token,
			"expires_at": expires.UTC().Format(time.RFC3339),
		})
	})

	r.Get("/providers/{name}/models", func(w http.ResponseWriter, req *http.Request) {
		models, err := sc.gateway.ProviderModels(req.Context(), chi.URLParam(req, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": models})
	})

	r.Get("/providers/{name}/verify", func(w http.ResponseWriter, req *http.Request) {
		check, err := sc.gateway.VerifyProvider(req.Context(), chi.URLParam(req, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, check)
	})
}
