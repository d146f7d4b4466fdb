package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/harborwell/intake-cli/internal/ingest"
	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/store"
)

type ingestRequest struct {
	UserID  string            `json:"user_id"`
	BatchID string            `json:"batch_id,omitempty"`
	Events  []ingest.Envelope `json:"events"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		if len(req.Events) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "events must not be empty")
			return
		}

		res, err := deps.Gateway.IngestBatch(r.Context(), req.UserID, req.BatchID, req.Events)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ingest failed: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

func handleUndoBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user query parameter is required")
			return
		}

		res, err := deps.Gateway.UndoBatch(r.Context(), userID, chi.URLParam(r, "batchID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "undo failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListApprovals(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user query parameter is required")
			return
		}

		suggestions, err := deps.Store.ListPendingSuggestions(r.Context(), userID, queryInt(r, "limit", 50))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "list approvals: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"approvals": suggestions})
	}
}

type approveRequest struct {
	DisplayName string `json:"display_name,omitempty"`
	BatchID     string `json:"batch_id,omitempty"`
}

func handleApprove(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req approveRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		res, err := deps.Resolver.Approve(r.Context(), chi.URLParam(r, "id"), req.DisplayName, req.BatchID)
		if eris.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "suggestion not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "approve failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"contact": res.Contact,
			"created": res.Created,
			"linked":  res.Linked,
		})
	}
}

func handleReject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rejected, err := deps.Resolver.Reject(r.Context(), chi.URLParam(r, "id"))
		if eris.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "suggestion not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reject failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events_rejected": rejected})
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.JobFilter{
			Status:  model.JobStatus(q.Get("status")),
			Kind:    model.JobKind(q.Get("kind")),
			BatchID: q.Get("batch"),
			Limit:   queryInt(r, "limit", 100),
		}

		jobs, err := deps.Store.ListJobs(r.Context(), q.Get("user"), filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "list jobs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

func handleReplayJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Store.ReplayJob(r.Context(), id); err != nil {
			if eris.Is(err, store.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "no terminally failed job %s", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "replay failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	}
}

func handleGetQuota(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		remaining, err := deps.Guard.Remaining(r.Context(), userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "get quota: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "remaining": remaining})
	}
}

type grantRequest struct {
	Units int64 `json:"units"`
}

func handleGrantQuota(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req grantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		userID := chi.URLParam(r, "userID")
		if err := deps.Guard.Grant(r.Context(), userID, req.Units); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "grant failed: %v", err)
			return
		}

		remaining, err := deps.Guard.Remaining(r.Context(), userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "get quota: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "remaining": remaining})
	}
}

func handleListLedger(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := q.Get("user")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user query parameter is required")
			return
		}

		entries, err := deps.Store.ListLedger(r.Context(), userID, q.Get("batch"), queryInt(r, "limit", 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "list ledger: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}
