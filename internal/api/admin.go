package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callpipe/callpipe/internal/storage"
)

// jobView is the operator-facing job shape. Zero times render as empty
// strings rather than the zero-time RFC3339 text.
type jobView struct {
	ID            string `json:"id"`
	CallRecordID  string `json:"call_record_id"`
	TenantID      string `json:"tenant_id"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	MaxAttempts   int    `json:"max_attempts"`
	RunAfter      string `json:"run_after,omitempty"`
	WorkerID      string `json:"worker_id,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorKind string `json:"last_error_kind,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toJobView(j storage.Job) jobView {
	fmtT := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}
	return jobView{
		ID:            j.ID,
		CallRecordID:  j.CallRecordID,
		TenantID:      j.TenantID,
		Status:        j.Status,
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		RunAfter:      fmtT(j.RunAfter),
		WorkerID:      j.WorkerID,
		LastError:     j.LastError,
		LastErrorKind: j.LastErrorKind,
		CreatedAt:     fmtT(j.CreatedAt),
		UpdatedAt:     fmtT(j.UpdatedAt),
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		limit := parseIntParam(r, "limit", 50, 500)

		jobs, err := deps.Store.ListJobs(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing jobs: %v", err)
			return
		}

		views := make([]jobView, len(jobs))
		for i, j := range jobs {
			views[i] = toJobView(j)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

func handleRetryJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.RetryJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusConflict, "invalid_request_error", "job not found or not retryable")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrying job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "retrying", "id": id})
	}
}

func handleBulkRetry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		var req struct {
			Statuses []string `json:"statuses"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		n, err := deps.Store.RetryJobs(req.Statuses)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "bulk retry: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"retried": n})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountJobs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting jobs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"pending":         counts.Pending,
			"claimed":         counts.Claimed,
			"running":         counts.Running,
			"succeeded":       counts.Succeeded,
			"retry_scheduled": counts.RetryScheduled,
			"failed":          counts.Failed,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
