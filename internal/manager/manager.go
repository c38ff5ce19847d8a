// Package manager owns the crawl task lifecycle: creation, the in-memory task
// index, persistence round-trips, cancellation and live event subscriptions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/worker"
)

// ErrClosed is returned by CreateTask after Shutdown.
var ErrClosed = errors.New("task manager is shut down")

const (
	defaultLogFlushInterval = time.Second
	defaultLogHistoryLimit  = 2000
	defaultStoreTimeout     = 10 * time.Second
	defaultHistoryLimit     = 200
	defaultListLimit        = 50
	maxListLimit            = 200

	restartError  = "task interrupted by service restart"
	shutdownError = "task cancelled by service shutdown"
)

// Log levels recorded on task log entries.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Runner executes one crawl job. *worker.Pool satisfies it.
type Runner interface {
	Run(ctx context.Context, job worker.Job) (crawler.TaskResult, error)
}

// Config tunes persistence batching.
type Config struct {
	// LogFlushInterval is the minimum spacing between log-driven upserts.
	LogFlushInterval time.Duration
	// LogHistoryLimit caps the log entries kept per task (oldest dropped).
	LogHistoryLimit int
	// StoreTimeout bounds every store call made from a background goroutine.
	StoreTimeout time.Duration
	// HistoryLimit caps the tasks kept in memory. Finished tasks beyond it
	// are forgotten oldest first, matching the store's eviction.
	HistoryLimit int
}

// Manager coordinates task execution. The index map is guarded by mu; each
// task's state is guarded by its own entry lock so tasks never contend.
type Manager struct {
	store  crawler.TaskStore
	runner Runner
	broker *progress.Broker
	sink   progress.Emitter
	clock  crawler.Clock
	ids    crawler.IDGenerator
	cfg    Config
	logger *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	mu        sync.Mutex
	task      crawler.Task
	signal    *worker.CancelSignal
	reason    string
	lastFlush time.Time
}

// New constructs a Manager. sink may be nil.
func New(
	store crawler.TaskStore,
	runner Runner,
	broker *progress.Broker,
	sink progress.Emitter,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.LogFlushInterval <= 0 {
		cfg.LogFlushInterval = defaultLogFlushInterval
	}
	if cfg.LogHistoryLimit <= 0 {
		cfg.LogHistoryLimit = defaultLogHistoryLimit
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if broker == nil {
		broker = progress.NewBroker(0, logger)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		runner:     runner,
		broker:     broker,
		sink:       sink,
		clock:      clock,
		ids:        ids,
		cfg:        cfg,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		entries:    make(map[string]*entry),
	}
}

// Startup loads persisted history. Tasks left running (or pending) by a
// previous process are marked cancelled and persisted immediately.
func (m *Manager) Startup(ctx context.Context) error {
	if err := m.store.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure task store: %w", err)
	}
	tasks, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	now := m.clock.Now()
	recovered := 0
	m.mu.Lock()
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			task.Status = crawler.TaskStatusCancelled
			task.Error = restartError
			task.EndedAt = crawler.TimePtr(now)
			task.Logs = append(task.Logs, crawler.LogEntry{Timestamp: now, Level: LevelWarning, Message: restartError})
			if err := m.store.Upsert(ctx, task); err != nil {
				m.logger.Warn("persist recovered task", zap.String("task_id", task.ID), zap.Error(err))
			}
			recovered++
		}
		m.entries[task.ID] = &entry{task: task}
	}
	m.mu.Unlock()
	m.trimHistory()
	m.logger.Info("task history loaded", zap.Int("tasks", len(tasks)), zap.Int("recovered", recovered))
	return nil
}

// CreateTask persists a pending task and starts its worker pool in the
// background. It returns as soon as the task is registered.
func (m *Manager) CreateTask(ctx context.Context, settings crawler.DownloaderSettings, targets []crawler.Target) (crawler.TaskSummary, error) {
	targets = crawler.NormalizeTargets(targets)
	if len(targets) == 0 {
		return crawler.TaskSummary{}, fmt.Errorf("%w: %w", crawler.ErrValidation, crawler.ErrNoTargets)
	}
	id, err := m.ids.NewID()
	if err != nil {
		return crawler.TaskSummary{}, fmt.Errorf("generate task id: %w", err)
	}
	snapshot := settings.Clone()
	snapshot.Targets = crawler.CloneTargets(targets)
	task := crawler.Task{
		ID:        id,
		Status:    crawler.TaskStatusPending,
		CreatedAt: m.clock.Now(),
		Settings:  snapshot,
		Targets:   crawler.CloneTargets(targets),
		Logs:      []crawler.LogEntry{},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return crawler.TaskSummary{}, ErrClosed
	}
	if err := m.store.Upsert(ctx, task); err != nil {
		return crawler.TaskSummary{}, fmt.Errorf("persist task: %w", err)
	}
	e := &entry{task: task, signal: worker.NewCancelSignal()}
	m.entries[id] = e
	m.wg.Add(1)
	go m.run(e)

	m.logger.Info("task created", zap.String("task_id", id), zap.Int("targets", len(targets)))
	return task.Summary(), nil
}

// ListTasks pages through tasks newest first. limit is clamped to [1, 200]
// with 50 as the default.
func (m *Manager) ListTasks(offset, limit int) crawler.TaskList {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	m.mu.RLock()
	summaries := make([]crawler.TaskSummary, 0, len(m.entries))
	for _, e := range m.entries {
		e.mu.Lock()
		summaries = append(summaries, e.task.Summary())
		e.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID > summaries[j].ID
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})

	total := len(summaries)
	items := []crawler.TaskSummary{}
	if offset < total {
		items = summaries[offset:min(offset+limit, total)]
	}
	return crawler.TaskList{
		Items:   items,
		Total:   total,
		Offset:  offset,
		Limit:   limit,
		HasMore: offset+len(items) < total,
	}
}

// GetTaskDetail returns the full task with secrets redacted.
func (m *Manager) GetTaskDetail(id string) (crawler.TaskDetail, error) {
	e, err := m.lookup(id)
	if err != nil {
		return crawler.TaskDetail{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Detail(), nil
}

// GetLogs returns a copy of the task's log entries.
func (m *Manager) GetLogs(id string) ([]crawler.LogEntry, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]crawler.LogEntry{}, e.task.Logs...), nil
}

// CancelTask requests cooperative cancellation. Cancelling a task that is
// not active is a no-op; the current summary is returned either way.
func (m *Manager) CancelTask(id string) (crawler.TaskSummary, error) {
	e, err := m.lookup(id)
	if err != nil {
		return crawler.TaskSummary{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signal != nil && !e.task.Status.IsTerminal() && !e.signal.Cancelled() {
		e.signal.Cancel()
		m.appendLogLocked(e, m.clock.Now(), LevelWarning, "cancellation requested")
		m.logger.Info("task cancellation requested", zap.String("task_id", id))
	}
	return e.task.Summary(), nil
}

// Subscription is a live view of one task: a snapshot plus the events that
// follow it. Events is closed when the task ends or on Unsubscribe.
type Subscription struct {
	Handle   uint64
	Snapshot crawler.TaskDetail
	Events   <-chan crawler.TaskEvent
}

// Subscribe registers an observer. The channel is registered before the
// snapshot is taken; events published in between may appear in both.
func (m *Manager) Subscribe(id string) (Subscription, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Subscription{}, err
	}
	sub := m.broker.Subscribe(id)
	e.mu.Lock()
	snapshot := e.task.Detail()
	terminal := e.task.Status.IsTerminal()
	e.mu.Unlock()
	if terminal {
		m.broker.Unsubscribe(id, sub.ID)
	}
	return Subscription{Handle: sub.ID, Snapshot: snapshot, Events: sub.C}, nil
}

// Unsubscribe releases an observer. Unknown handles are ignored.
func (m *Manager) Unsubscribe(id string, handle uint64) {
	m.broker.Unsubscribe(id, handle)
}

// Shutdown cancels every active task and waits for their workers to finish
// or ctx to expire, whichever comes first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	active := 0
	for _, e := range m.entries {
		e.mu.Lock()
		if e.signal != nil && !e.task.Status.IsTerminal() {
			if e.reason == "" {
				e.reason = shutdownError
			}
			e.signal.Cancel()
			active++
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()
	m.logger.Info("task manager shutting down", zap.Int("active", active))

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancelBase()
		return nil
	case <-ctx.Done():
		m.cancelBase()
		return fmt.Errorf("wait for tasks: %w", ctx.Err())
	}
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	return e, nil
}

func (m *Manager) run(e *entry) {
	defer m.wg.Done()

	e.mu.Lock()
	id := e.task.ID
	signal := e.signal
	settings := e.task.Settings.Clone()
	targets := crawler.CloneTargets(e.task.Targets)
	logger := m.logger.With(zap.String("task_id", id))
	if signal.Cancelled() {
		e.mu.Unlock()
		m.finish(e, crawler.TaskResult{Users: []crawler.TargetResult{}}, nil, logger)
		return
	}
	now := m.clock.Now()
	e.task.Status = crawler.TaskStatusRunning
	e.task.StartedAt = crawler.TimePtr(now)
	m.appendLogLocked(e, now, LevelInfo, "task started")
	m.persistLocked(e, logger)
	e.mu.Unlock()
	m.publish(crawler.TaskEvent{
		TaskID:    id,
		Type:      crawler.EventTaskStatus,
		Timestamp: now,
		Message:   "task running",
		Data:      map[string]any{"status": string(crawler.TaskStatusRunning)},
	})

	result, err := m.execute(worker.Job{
		TaskID:   id,
		Settings: settings,
		Targets:  targets,
		Cancel:   signal,
		Emit:     func(evt crawler.TaskEvent) { m.record(e, evt, logger) },
	}, logger)
	m.finish(e, result, err, logger)
}

// execute runs the job, turning a runner panic into a task failure.
func (m *Manager) execute(job worker.Job, logger *zap.Logger) (result crawler.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task runner panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			result, err = crawler.TaskResult{}, fmt.Errorf("runner panic: %v", r)
		}
	}()
	return m.runner.Run(m.baseCtx, job)
}

// record turns a worker event into a log entry, persists at most once per
// flush interval and fans the event out.
func (m *Manager) record(e *entry, evt crawler.TaskEvent, logger *zap.Logger) {
	e.mu.Lock()
	if e.task.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	m.appendLogLocked(e, evt.Timestamp, levelFor(evt), evt.Message)
	if m.clock.Now().Sub(e.lastFlush) >= m.cfg.LogFlushInterval {
		m.persistLocked(e, logger)
	}
	e.mu.Unlock()
	m.publish(evt)
}

func (m *Manager) finish(e *entry, result crawler.TaskResult, runErr error, logger *zap.Logger) {
	now := m.clock.Now()
	e.mu.Lock()
	id := e.task.ID
	cancelled := e.signal != nil && e.signal.Cancelled()

	status, eventType, message := crawler.TaskStatusSuccess, crawler.EventTaskCompleted, "task completed"
	switch {
	case runErr != nil:
		status, eventType = crawler.TaskStatusFailed, crawler.EventTaskFailed
		e.task.Error = runErr.Error()
		message = "task failed: " + runErr.Error()
	case cancelled:
		status, eventType, message = crawler.TaskStatusCancelled, crawler.EventTaskCancelled, "task cancelled"
		e.task.Error = e.reason
	case result.Total > 0 && result.Failed == result.Total:
		status, eventType = crawler.TaskStatusFailed, crawler.EventTaskFailed
		e.task.Error = "all targets failed"
		message = "task failed: all targets failed"
	}
	if runErr == nil {
		if result.Users == nil {
			result.Users = []crawler.TargetResult{}
		}
		e.task.Result = result.Clone()
	}
	level := LevelInfo
	if status != crawler.TaskStatusSuccess {
		level = LevelError
		if status == crawler.TaskStatusCancelled {
			level = LevelWarning
		}
	}
	m.appendLogLocked(e, now, level, message)
	e.task.Status = status
	e.task.EndedAt = crawler.TimePtr(now)
	e.signal = nil
	m.persistLocked(e, logger)
	data := map[string]any{"status": string(status)}
	if e.task.Result != nil {
		data["result"] = e.task.Result.Clone()
	}
	if e.task.Error != "" {
		data["error"] = e.task.Error
	}
	e.mu.Unlock()

	logger.Info("task finished", zap.String("status", string(status)), zap.Error(runErr))
	m.publish(crawler.TaskEvent{TaskID: id, Type: eventType, Timestamp: now, Message: message, Data: data})
	m.broker.CloseTask(id)
	m.trimHistory()
}

// trimHistory forgets the oldest finished tasks once the index holds more
// than HistoryLimit entries. Running and pending tasks are never dropped.
func (m *Manager) trimHistory() {
	m.mu.Lock()
	over := len(m.entries) - m.cfg.HistoryLimit
	if over <= 0 {
		m.mu.Unlock()
		return
	}
	finished := make([]crawler.TaskSummary, 0, len(m.entries))
	for _, e := range m.entries {
		e.mu.Lock()
		if e.task.Status.IsTerminal() {
			finished = append(finished, e.task.Summary())
		}
		e.mu.Unlock()
	}
	sort.Slice(finished, func(i, j int) bool {
		if finished[i].CreatedAt.Equal(finished[j].CreatedAt) {
			return finished[i].ID < finished[j].ID
		}
		return finished[i].CreatedAt.Before(finished[j].CreatedAt)
	})
	evicted := finished[:min(over, len(finished))]
	for _, s := range evicted {
		delete(m.entries, s.ID)
	}
	m.mu.Unlock()

	for _, s := range evicted {
		m.broker.RemoveTask(s.ID)
	}
	if len(evicted) > 0 {
		m.logger.Debug("task history trimmed", zap.Int("evicted", len(evicted)))
	}
}

func (m *Manager) appendLogLocked(e *entry, ts time.Time, level, message string) {
	e.task.Logs = append(e.task.Logs, crawler.LogEntry{Timestamp: ts, Level: level, Message: message})
	if over := len(e.task.Logs) - m.cfg.LogHistoryLimit; over > 0 {
		e.task.Logs = append([]crawler.LogEntry(nil), e.task.Logs[over:]...)
	}
}

func (m *Manager) persistLocked(e *entry, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.store.Upsert(ctx, e.task); err != nil {
		logger.Warn("persist task", zap.Error(err))
		return
	}
	e.lastFlush = m.clock.Now()
}

func (m *Manager) publish(evt crawler.TaskEvent) {
	m.broker.Publish(evt)
	if m.sink != nil {
		m.sink.Emit(evt)
	}
}

func levelFor(evt crawler.TaskEvent) string {
	if evt.Type == crawler.EventCrawlerLog {
		level, _ := evt.Data["level"].(string)
		switch strings.ToLower(level) {
		case "error", "critical", "fatal":
			return LevelError
		case "warn", "warning":
			return LevelWarning
		default:
			return LevelInfo
		}
	}
	switch evt.Type {
	case crawler.EventUserFailed, crawler.EventTaskFailed:
		return LevelError
	case crawler.EventTaskCancelled:
		return LevelWarning
	default:
		return LevelInfo
	}
}
