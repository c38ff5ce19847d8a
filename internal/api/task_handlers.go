package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 200
	maxBodyBytes      = 1 << 20
	heartbeatInterval = 15 * time.Second
)

// TaskHandler serves the /api/tasks routes.
type TaskHandler struct {
	tasks     TaskService
	settings  SettingsView
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewTaskHandler builds a TaskHandler.
func NewTaskHandler(tasks TaskService, settings SettingsView, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{tasks: tasks, settings: settings, logger: logger, heartbeat: heartbeatInterval}
}

type createTaskRequest struct {
	Targets *[]crawler.Target `json:"user_list"`
}

// CreateTask starts a task for the posted targets, or the configured ones when
// the body omits them.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	settings, err := h.settings.Load(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	targets := settings.Targets
	if req.Targets != nil {
		targets = *req.Targets
	}
	if len(crawler.NormalizeTargets(targets)) == 0 {
		writeError(w, http.StatusBadRequest, "user_list is empty")
		return
	}
	summary, err := h.tasks.CreateTask(r.Context(), settings, targets)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// ListTasks returns one page of task history, newest first.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parseLimitOffset(w, r, defaultListLimit, maxListLimit)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.tasks.ListTasks(offset, limit))
}

// GetTask returns the full task record.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	detail, err := h.tasks.GetTaskDetail(chi.URLParam(r, "task_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetLogs returns the retained log lines of a task.
func (h *TaskHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	logs, err := h.tasks.GetLogs(id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "logs": logs})
}

// CancelTask requests cancellation and returns the task as it stands.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	summary, err := h.tasks.CancelTask(chi.URLParam(r, "task_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

type snapshotMessage struct {
	Type string             `json:"type"`
	Task crawler.TaskDetail `json:"task"`
}

// Stream sends a snapshot of the task followed by its live events as
// Server-Sent Events. The stream ends when the task finishes or the client
// goes away.
func (h *TaskHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := chi.URLParam(r, "task_id")
	sub, err := h.tasks.Subscribe(id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer h.tasks.Unsubscribe(id, sub.Handle)
	metrics.StreamOpened()
	defer metrics.StreamClosed()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", snapshotMessage{Type: "snapshot", Task: sub.Snapshot}); err != nil {
		h.logger.Debug("stream write failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.Events:
			if !open {
				return
			}
			if err := writeEvent(w, evt.Type, evt); err != nil {
				h.logger.Debug("stream write failed", zap.String("task_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// decodeBody reads an optional JSON body into dst. An empty body is not an error.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseLimitOffset(w http.ResponseWriter, r *http.Request, defLimit, maxLimit int) (int, int, bool) {
	q := r.URL.Query()
	limit := defLimit
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return 0, 0, false
		}
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return 0, 0, false
		}
		offset = v
	}
	return limit, offset, true
}
