package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/seedbox_ingest/internal/cache"
	"github.com/italolelis/seedbox_ingest/internal/logctx"
	"github.com/italolelis/seedbox_ingest/internal/scheduler"
	"github.com/italolelis/seedbox_ingest/internal/telemetry"
	"github.com/italolelis/seedbox_ingest/internal/transfer"
)

// Scheduler is the read and re-rank surface the ops routes need.
type Scheduler interface {
	Get(id string) (scheduler.WorkItem, bool)
	Counts() scheduler.Counts
	UpdateItemPriority(id string, p scheduler.Priority) bool
}

// Progress exposes transfer progress.
type Progress interface {
	ProgressInfo(id string) (transfer.ProgressInfo, bool)
}

// CacheStats exposes per-tier cache counters.
type CacheStats interface {
	Stats() map[string]cache.TierStats
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Scheduler scheduler.Counts           `json:"scheduler"`
	Cache     map[string]cache.TierStats `json:"cache"`
}

// TransferResponse is the body of GET /transfers/{id}.
type TransferResponse struct {
	ID        string                 `json:"id"`
	Status    scheduler.Status       `json:"status,omitempty"`
	Priority  string                 `json:"priority,omitempty"`
	CreatedAt time.Time              `json:"created_at,omitzero"`
	Error     string                 `json:"error,omitempty"`
	Progress  *transfer.ProgressInfo `json:"progress,omitempty"`
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

// OpsHandler serves the operational HTTP routes.
type OpsHandler struct {
	sched     Scheduler
	progress  Progress
	cache     CacheStats
	telemetry *telemetry.Telemetry
}

func NewOpsHandler(sched Scheduler, progress Progress, cache CacheStats, t *telemetry.Telemetry) *OpsHandler {
	return &OpsHandler{
		sched:     sched,
		progress:  progress,
		cache:     cache,
		telemetry: t,
	}
}

// Routes mounts the ops endpoints on a chi router.
func (h *OpsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(h.telemetry.Middleware)

	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", h.telemetry.Handler())
	r.Get("/stats", h.HandleStats)
	r.Get("/transfers/{id}", h.HandleTransfer)
	r.Put("/transfers/{id}/priority", h.HandlePriority)

	return r
}

func (h *OpsHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *OpsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Scheduler: h.sched.Counts(),
		Cache:     map[string]cache.TierStats{},
	}

	if h.cache != nil {
		resp.Cache = h.cache.Stats()
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleTransfer reports scheduler status and byte progress for one item.
// Either half may be missing; the route 404s only when both are.
func (h *OpsHandler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp := TransferResponse{ID: id}

	item, scheduled := h.sched.Get(id)
	if scheduled {
		resp.Status = item.Status
		resp.Priority = item.Priority.String()
		resp.CreatedAt = item.CreatedAt

		if item.Err != nil {
			resp.Error = item.Err.Error()
		}
	}

	info, tracked := h.progress.ProgressInfo(id)
	if tracked {
		resp.Progress = &info
	}

	if !scheduled && !tracked {
		http.Error(w, "transfer not found", http.StatusNotFound)

		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandlePriority re-ranks a pending item. Active and terminal items are
// left untouched and answered with 409.
func (h *OpsHandler) HandlePriority(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	p, err := scheduler.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if _, ok := h.sched.Get(id); !ok {
		http.Error(w, "transfer not found", http.StatusNotFound)

		return
	}

	if !h.sched.UpdateItemPriority(id, p) {
		http.Error(w, "transfer is not pending", http.StatusConflict)

		return
	}

	logger.Info("transfer priority updated", "transfer_id", id, "priority", p.String())

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
