package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/manager"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/settings"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
)

func TestServer_HealthEndpoints(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, newFakeTasks(), config.Config{})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := serve(server, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, newFakeTasks(), config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := newTestServer(t, newFakeTasks(), cfg)

	rec := serve(server, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/api/tasks?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// health endpoints stay open
	rec = serve(server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_SettingsAreRedacted(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, newFakeTasks(), config.Config{})
	rec := serve(server, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got crawler.DownloaderSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Empty(t, got.Cookie)
	require.Equal(t, 2, got.MaxTasks)
	require.Len(t, got.Targets, 1)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, newFakeTasks(), config.Config{Metrics: config.MetricsConfig{Enabled: true}})
	_ = serve(server, http.MethodGet, "/healthz", "")
	rec := serve(server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "orchestrator_http_requests_total")
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	tasks.panicOnList = true
	server := newTestServer(t, tasks, config.Config{})

	rec := serve(server, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestCreateTask_UsesConfiguredTargetsWhenBodyIsEmpty(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	server := newTestServer(t, tasks, config.Config{})

	rec := serve(server, http.MethodPost, "/api/tasks", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"task_id":"task-1"`)

	calls := tasks.Created()
	require.Len(t, calls, 1)
	require.Equal(t, "https://example.com/u/configured", calls[0].targets[0].URL)
	require.Equal(t, "cookie", calls[0].settings.Cookie)
}

func TestCreateTask_BodyTargetsOverrideSettings(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	server := newTestServer(t, tasks, config.Config{})

	rec := serve(server, http.MethodPost, "/api/tasks", `{"user_list":[{"name":"a","url":"id-a"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	calls := tasks.Created()
	require.Len(t, calls, 1)
	require.Equal(t, []crawler.Target{{Name: "a", URL: "id-a"}}, calls[0].targets)
}

func TestCreateTask_RejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: "{invalid", want: "invalid request body"},
		{name: "unknown field", body: `{"urls":[]}`, want: "invalid request body"},
		{name: "empty list", body: `{"user_list":[]}`, want: "user_list is empty"},
		{name: "blank urls", body: `{"user_list":[{"name":"x","url":"  "}]}`, want: "user_list is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tasks := newFakeTasks()
			server := newTestServer(t, tasks, config.Config{})
			rec := serve(server, http.MethodPost, "/api/tasks", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
			require.Empty(t, tasks.Created())
		})
	}
}

func TestCreateTask_MapsServiceErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "validation", err: fmt.Errorf("%w: %w", crawler.ErrValidation, crawler.ErrNoTargets), code: http.StatusBadRequest},
		{name: "closed", err: manager.ErrClosed, code: http.StatusServiceUnavailable},
		{name: "unexpected", err: errors.New("disk on fire"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tasks := newFakeTasks()
			tasks.createErr = tt.err
			server := newTestServer(t, tasks, config.Config{})
			rec := serve(server, http.MethodPost, "/api/tasks", "")
			require.Equal(t, tt.code, rec.Code)
			require.NotContains(t, rec.Body.String(), "disk on fire")
		})
	}
}

func TestListTasks_Pagination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      string
		code       int
		wantLimit  int
		wantOffset int
	}{
		{name: "defaults", query: "", code: http.StatusOK, wantLimit: 50},
		{name: "explicit", query: "?limit=10&offset=20", code: http.StatusOK, wantLimit: 10, wantOffset: 20},
		{name: "clamped", query: "?limit=1000", code: http.StatusOK, wantLimit: 200},
		{name: "bad limit", query: "?limit=abc", code: http.StatusBadRequest},
		{name: "zero limit", query: "?limit=0", code: http.StatusBadRequest},
		{name: "negative offset", query: "?offset=-1", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tasks := newFakeTasks()
			server := newTestServer(t, tasks, config.Config{})
			rec := serve(server, http.MethodGet, "/api/tasks"+tt.query, "")
			require.Equal(t, tt.code, rec.Code)
			if tt.code != http.StatusOK {
				return
			}
			var got crawler.TaskList
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			require.Equal(t, tt.wantLimit, got.Limit)
			require.Equal(t, tt.wantOffset, got.Offset)
		})
	}
}

func TestTaskRoutes_NotFound(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, newFakeTasks(), config.Config{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/tasks/missing"},
		{http.MethodGet, "/api/tasks/missing/logs"},
		{http.MethodPost, "/api/tasks/missing/cancel"},
		{http.MethodGet, "/api/tasks/missing/stream"},
	} {
		rec := serve(server, tc.method, tc.path, "")
		require.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
}

func TestTaskRoutes_DetailLogsCancel(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	tasks.put(crawler.TaskDetail{
		TaskSummary: crawler.TaskSummary{ID: "t1", Status: crawler.TaskStatusRunning},
		Logs:        []crawler.LogEntry{{Level: "info", Message: "started"}},
	})
	server := newTestServer(t, tasks, config.Config{})

	rec := serve(server, http.MethodGet, "/api/tasks/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = serve(server, http.MethodGet, "/api/tasks/t1/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "started")

	rec = serve(server, http.MethodPost, "/api/tasks/t1/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"t1"}, tasks.Cancelled())
}

func TestStream_SendsSnapshotThenEvents(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	tasks.put(crawler.TaskDetail{TaskSummary: crawler.TaskSummary{ID: "t1", Status: crawler.TaskStatusRunning}})
	server := newTestServer(t, tasks, config.Config{})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/tasks/t1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	name, data := readSSE(t, reader)
	require.Equal(t, "snapshot", name)
	require.Contains(t, data, `"type":"snapshot"`)
	require.Contains(t, data, `"task_id":"t1"`)

	events := tasks.events("t1")
	events <- crawler.TaskEvent{TaskID: "t1", Type: crawler.EventUserStarted, Message: "crawling a"}
	name, data = readSSE(t, reader)
	require.Equal(t, crawler.EventUserStarted, name)
	require.Contains(t, data, "crawling a")

	events <- crawler.TaskEvent{TaskID: "t1", Type: crawler.EventTaskCompleted}
	close(events)
	name, _ = readSSE(t, reader)
	require.Equal(t, crawler.EventTaskCompleted, name)

	require.Eventually(t, func() bool { return tasks.unsubscribed.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestStream_ClientDisconnectUnsubscribes(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	tasks.put(crawler.TaskDetail{TaskSummary: crawler.TaskSummary{ID: "t1", Status: crawler.TaskStatusRunning}})
	server := newTestServer(t, tasks, config.Config{})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/tasks/t1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	name, _ := readSSE(t, bufio.NewReader(resp.Body))
	require.Equal(t, "snapshot", name)

	cancel()
	_ = resp.Body.Close()
	require.Eventually(t, func() bool { return tasks.unsubscribed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleRoutes_Lifecycle(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	server, _ := newSchedulerServer(t, tasks)

	rec := serve(server, http.MethodPost, "/api/schedules",
		`{"name":"nightly","cron_expr":"0 3 * * *","user_list":[{"name":"a","url":"id-a"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created crawler.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, created.Enabled)
	require.NotNil(t, created.NextRunAt)

	rec = serve(server, http.MethodGet, "/api/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "nightly")

	rec = serve(server, http.MethodPut, "/api/schedules/"+created.ID, `{"name":"renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "renamed")

	rec = serve(server, http.MethodPost, "/api/schedules/"+created.ID+"/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"enabled":false`)

	rec = serve(server, http.MethodPost, "/api/schedules/"+created.ID+"/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"task_id":"task-1"`)
	require.Len(t, tasks.Created(), 1)

	rec = serve(server, http.MethodDelete, "/api/schedules/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(server, http.MethodGet, "/api/schedules/"+created.ID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleRoutes_Validation(t *testing.T) {
	t.Parallel()

	server, _ := newSchedulerServer(t, newFakeTasks())
	tests := []struct {
		name string
		body string
	}{
		{name: "bad cron", body: `{"name":"x","cron_expr":"not cron","user_list":[{"url":"id"}]}`},
		{name: "no name", body: `{"cron_expr":"* * * * *","user_list":[{"url":"id"}]}`},
		{name: "no targets", body: `{"name":"x","cron_expr":"* * * * *","user_list":[]}`},
		{name: "bad json", body: `{`},
	}
	for _, tt := range tests {
		rec := serve(server, http.MethodPost, "/api/schedules", tt.body)
		require.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
	}
}

func TestScheduleRoutes_DisabledScheduler(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, newFakeTasks(), config.Config{})
	rec := serve(server, http.MethodGet, "/api/schedules", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func newTestServer(t *testing.T, tasks *fakeTasks, cfg config.Config) *Server {
	t.Helper()
	return NewServer(tasks, nil, testSettings(), cfg, zap.NewNop())
}

func newSchedulerServer(t *testing.T, tasks *fakeTasks) (*Server, *scheduler.Service) {
	t.Helper()
	src := testSettings()
	svc := scheduler.New(memory.NewScheduleStore(), src, tasks, fixedClock{}, &counterIDs{}, scheduler.Config{}, zap.NewNop())
	require.NoError(t, svc.Load(context.Background()))
	return NewServer(tasks, svc, src, config.Config{}, zap.NewNop()), svc
}

func testSettings() *settings.Source {
	return settings.NewSource(crawler.DownloaderSettings{
		Cookie:   "cookie",
		MaxTasks: 2,
		Targets:  []crawler.Target{{Name: "configured", URL: "https://example.com/u/configured"}},
	}, zap.NewNop())
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// readSSE returns the next event name and data line, skipping heartbeats.
func readSSE(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

type counterIDs struct{ n atomic.Int64 }

func (g *counterIDs) NewID() (string, error) {
	return fmt.Sprintf("sched-%d", g.n.Add(1)), nil
}

type createCall struct {
	settings crawler.DownloaderSettings
	targets  []crawler.Target
}

type fakeTasks struct {
	mu          sync.Mutex
	details     map[string]crawler.TaskDetail
	streams     map[string]chan crawler.TaskEvent
	created     []createCall
	cancelled   []string
	createErr   error
	panicOnList bool

	unsubscribed atomic.Int32
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{
		details: make(map[string]crawler.TaskDetail),
		streams: make(map[string]chan crawler.TaskEvent),
	}
}

func (f *fakeTasks) put(d crawler.TaskDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[d.ID] = d
}

func (f *fakeTasks) events(id string) chan crawler.TaskEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.streams[id]
	if !ok {
		ch = make(chan crawler.TaskEvent, 8)
		f.streams[id] = ch
	}
	return ch
}

func (f *fakeTasks) Created() []createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]createCall(nil), f.created...)
}

func (f *fakeTasks) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeTasks) CreateTask(_ context.Context, s crawler.DownloaderSettings, targets []crawler.Target) (crawler.TaskSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return crawler.TaskSummary{}, f.createErr
	}
	f.created = append(f.created, createCall{settings: s, targets: targets})
	return crawler.TaskSummary{ID: fmt.Sprintf("task-%d", len(f.created)), Status: crawler.TaskStatusPending}, nil
}

func (f *fakeTasks) ListTasks(offset, limit int) crawler.TaskList {
	if f.panicOnList {
		panic("boom")
	}
	return crawler.TaskList{Items: []crawler.TaskSummary{}, Offset: offset, Limit: limit}
}

func (f *fakeTasks) GetTaskDetail(id string) (crawler.TaskDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.details[id]
	if !ok {
		return crawler.TaskDetail{}, fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	return d, nil
}

func (f *fakeTasks) GetLogs(id string) ([]crawler.LogEntry, error) {
	d, err := f.GetTaskDetail(id)
	if err != nil {
		return nil, err
	}
	return d.Logs, nil
}

func (f *fakeTasks) CancelTask(id string) (crawler.TaskSummary, error) {
	d, err := f.GetTaskDetail(id)
	if err != nil {
		return crawler.TaskSummary{}, err
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
	return d.TaskSummary, nil
}

func (f *fakeTasks) Subscribe(id string) (manager.Subscription, error) {
	d, err := f.GetTaskDetail(id)
	if err != nil {
		return manager.Subscription{}, err
	}
	return manager.Subscription{Handle: 1, Snapshot: d, Events: f.events(id)}, nil
}

func (f *fakeTasks) Unsubscribe(string, uint64) {
	f.unsubscribed.Add(1)
}
