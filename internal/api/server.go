package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/manager"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

const defaultRequestTimeout = 30 * time.Second

// TaskService is the task manager surface the handlers need.
type TaskService interface {
	CreateTask(ctx context.Context, settings crawler.DownloaderSettings, targets []crawler.Target) (crawler.TaskSummary, error)
	ListTasks(offset, limit int) crawler.TaskList
	GetTaskDetail(id string) (crawler.TaskDetail, error)
	GetLogs(id string) ([]crawler.LogEntry, error)
	CancelTask(id string) (crawler.TaskSummary, error)
	Subscribe(id string) (manager.Subscription, error)
	Unsubscribe(id string, handle uint64)
}

// ScheduleService is the scheduler surface the handlers need.
type ScheduleService interface {
	List() []crawler.Schedule
	Get(id string) (crawler.Schedule, error)
	Create(ctx context.Context, in crawler.ScheduleInput) (crawler.Schedule, error)
	Update(ctx context.Context, id string, upd crawler.ScheduleUpdate) (crawler.Schedule, error)
	Toggle(ctx context.Context, id string) (crawler.Schedule, error)
	Delete(ctx context.Context, id string) error
	RunNow(ctx context.Context, id string) (string, error)
}

// SettingsView supplies task defaults and their redacted form for display.
type SettingsView interface {
	crawler.SettingsSource
	Redacted() crawler.DownloaderSettings
}

// Server wires HTTP handlers to the task manager and scheduler.
type Server struct {
	router   chi.Router
	settings SettingsView
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. schedules may be
// nil when the scheduler is disabled; its routes then answer 503.
func NewServer(
	tasks TaskService,
	schedules ScheduleService,
	settings SettingsView,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{settings: settings, logger: logger}
	th := NewTaskHandler(tasks, settings, logger)
	sh := NewScheduleHandler(schedules, logger)

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Metrics.Enabled {
		r.Use(metrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// streams outlive any request timeout
		r.Get("/tasks/{task_id}/stream", th.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))
			r.Get("/settings", s.getSettings)

			r.Post("/tasks", th.CreateTask)
			r.Get("/tasks", th.ListTasks)
			r.Get("/tasks/{task_id}", th.GetTask)
			r.Get("/tasks/{task_id}/logs", th.GetLogs)
			r.Post("/tasks/{task_id}/cancel", th.CancelTask)

			r.Get("/schedules", sh.List)
			r.Post("/schedules", sh.Create)
			r.Get("/schedules/{schedule_id}", sh.Get)
			r.Put("/schedules/{schedule_id}", sh.Update)
			r.Delete("/schedules/{schedule_id}", sh.Delete)
			r.Post("/schedules/{schedule_id}/toggle", sh.Toggle)
			r.Post("/schedules/{schedule_id}/run", sh.RunNow)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Redacted())
}

type requestIDKey struct{}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP statuses. Unexpected errors
// are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, crawler.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
