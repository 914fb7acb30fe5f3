package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/services"
)

// JobStatusResponse reports the latest job state for one (task, target) pair.
type JobStatusResponse struct {
	Task            string `json:"task"`
	Target          string `json:"target"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	LastCompletedAt string `json:"last_completed_at,omitempty"`
}

// JobsHandler serves job status queries.
type JobsHandler struct {
	scheduler services.Scheduler
	logger    *zap.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(scheduler services.Scheduler, logger *zap.Logger) *JobsHandler {
	return &JobsHandler{scheduler: scheduler, logger: logger}
}

// RegisterRoutes registers the jobs handler's routes on the given mux.
func (h *JobsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/jobs/status", h.Status)
}

// Status handles GET /api/jobs/status?task=&target=
// A pair that was never enqueued reports status "none", not 404: pollers
// ask before the first run.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	task := r.URL.Query().Get("task")
	target := r.URL.Query().Get("target")
	if task == "" || target == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_params", "Both task and target query parameters are required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	info, err := h.scheduler.Status(r.Context(), task, target)
	if err != nil {
		h.logger.Error("Failed to query job status",
			zap.String("task", task),
			zap.String("target", target),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to query job status"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	data := JobStatusResponse{
		Task:   task,
		Target: target,
		Status: string(info.Status),
		Error:  info.Error,
	}
	if info.LastCompletedAt != nil {
		data.LastCompletedAt = info.LastCompletedAt.Format(time.RFC3339)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
