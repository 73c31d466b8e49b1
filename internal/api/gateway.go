package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/callpipe/callpipe/internal/cdr"
	"github.com/callpipe/callpipe/internal/storage"
)

const maxWebhookBodySize = 1 << 20 // 1MB

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Store *storage.Store
	// MaxAttempts is copied onto each enqueued job.
	MaxAttempts int
	// AdminToken guards /admin; empty leaves it open.
	AdminToken string
}

// NewHandler builds the full routing tree: the per-tenant webhook, the health
// probe, and the operator admin endpoints.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(TenantBasicAuth(deps.Store))
		r.Post("/webhook", handleWebhook(deps))
	})

	r.Route("/admin", func(r chi.Router) {
		if deps.AdminToken != "" {
			r.Use(BearerAuth(deps.AdminToken))
		}
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/retry", handleRetryJob(deps))
		r.Post("/jobs/retry", handleBulkRetry(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleWebhook accepts one call-completion event for the authenticated
// tenant. The upsert and the enqueue share a transaction: a failure on either
// rolls back both, so a malformed or half-failed event never leaves a record
// without its job or vice versa.
func handleWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := tenantFromContext(r.Context())
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "no tenant on request")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		defer r.Body.Close()

		fields, err := parseEventBody(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unparseable event body: %v", err)
			return
		}

		ev, err := cdr.FromFields(fields)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid event: %v", err)
			return
		}

		tx, err := deps.Store.Begin()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "starting transaction: %v", err)
			return
		}
		defer tx.Rollback()

		rec, created, err := deps.Store.UpsertCallRecord(tx, tenant.ID, ev)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "persisting call record: %v", err)
			return
		}

		resp := map[string]any{
			"call_record_id": rec.ID,
			"created":        created,
			"status":         "accepted",
		}
		if ev.RecordingRef != "" {
			jobID, enqueued, err := deps.Store.EnqueueJobOnce(tx, rec.ID, tenant.ID, deps.MaxAttempts)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "enqueueing job: %v", err)
				return
			}
			resp["job_id"] = jobID
			resp["status"] = "queued"
			if !enqueued {
				slog.Debug("duplicate webhook, job already queued",
					"tenant", tenant.ID, "call_id", ev.CallID, "job_id", jobID)
			}
		}

		if err := tx.Commit(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "committing event: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// parseEventBody flattens a JSON or urlencoded-form body into the string
// field map the alias table works on. Nested JSON values are ignored; vendors
// send flat payloads.
func parseEventBody(r *http.Request) (map[string]string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		fields := make(map[string]string, len(r.PostForm))
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				fields[k] = vs[0]
			}
		}
		return fields, nil
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case bool:
			fields[k] = fmt.Sprintf("%t", val)
		}
	}
	return fields, nil
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
