// Package api exposes the ingestion pipeline over HTTP. All state
// changes go through the same gateway, resolver, and store code paths
// the CLI uses; the handlers only translate requests and responses.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/harborwell/intake-cli/internal/guardrail"
	"github.com/harborwell/intake-cli/internal/ingest"
	"github.com/harborwell/intake-cli/internal/resolve"
	"github.com/harborwell/intake-cli/internal/store"
)

const maxIngestBodySize = 10 << 20 // 10MB

// Deps carries the services the handlers operate on. Token, when set,
// gates every /v1 route behind a bearer check.
type Deps struct {
	Store    store.Store
	Gateway  *ingest.Gateway
	Resolver *resolve.Resolver
	Guard    *guardrail.Enforcer
	Token    string
}

// NewHandler builds the HTTP routing tree.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(bearerAuth(deps.Token))
		}

		r.Post("/ingest", handleIngest(deps))
		r.Post("/batches/{batchID}/undo", handleUndoBatch(deps))

		r.Get("/approvals", handleListApprovals(deps))
		r.Post("/approvals/{id}/approve", handleApprove(deps))
		r.Post("/approvals/{id}/reject", handleReject(deps))

		r.Get("/jobs", handleListJobs(deps))
		r.Post("/jobs/{id}/replay", handleReplayJob(deps))

		r.Get("/quotas/{userID}", handleGetQuota(deps))
		r.Post("/quotas/{userID}/grant", handleGrantQuota(deps))

		r.Get("/ledger", handleListLedger(deps))
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// queryInt parses an integer query parameter, returning def when the
// parameter is absent or unparseable.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
