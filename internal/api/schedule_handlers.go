package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ScheduleHandler serves the /api/schedules routes.
type ScheduleHandler struct {
	schedules ScheduleService
	logger    *zap.Logger
}

// NewScheduleHandler builds a ScheduleHandler. A nil service disables the routes.
func NewScheduleHandler(schedules ScheduleService, logger *zap.Logger) *ScheduleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleHandler{schedules: schedules, logger: logger}
}

func (h *ScheduleHandler) available(w http.ResponseWriter) bool {
	if h.schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return false
	}
	return true
}

// List returns every schedule ordered by creation time.
func (h *ScheduleHandler) List(w http.ResponseWriter, _ *http.Request) {
	if !h.available(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": h.schedules.List()})
}

// Get returns one schedule.
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	sched, err := h.schedules.Get(chi.URLParam(r, "schedule_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// Create registers a new schedule.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	var in crawler.ScheduleInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched, err := h.schedules.Create(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// Update applies a partial edit.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	var upd crawler.ScheduleUpdate
	if err := decodeBody(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched, err := h.schedules.Update(r.Context(), chi.URLParam(r, "schedule_id"), upd)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// Toggle flips the enabled flag.
func (h *ScheduleHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	sched, err := h.schedules.Toggle(r.Context(), chi.URLParam(r, "schedule_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// Delete removes a schedule.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	if err := h.schedules.Delete(r.Context(), chi.URLParam(r, "schedule_id")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunNow starts a task from the schedule immediately.
func (h *ScheduleHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	taskID, err := h.schedules.RunNow(r.Context(), chi.URLParam(r, "schedule_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}
