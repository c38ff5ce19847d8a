// Package scheduler triggers crawl tasks from cron schedules and manages the
// schedule registry.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

const defaultTickInterval = 30 * time.Second

// TaskCreator starts crawl tasks. *manager.Manager satisfies it.
type TaskCreator interface {
	CreateTask(ctx context.Context, settings crawler.DownloaderSettings, targets []crawler.Target) (crawler.TaskSummary, error)
}

// Config controls the tick loop.
type Config struct {
	TickInterval time.Duration
	// Location is the zone cron expressions are evaluated in. Defaults to UTC.
	Location *time.Location
}

// Service owns the schedule registry. Every mutation is written to the store
// before the registry changes, so a failed write leaves the registry as it was.
type Service struct {
	store    crawler.ScheduleStore
	settings crawler.SettingsSource
	tasks    TaskCreator
	clock    crawler.Clock
	ids      crawler.IDGenerator
	parser   cron.Parser
	cfg      Config
	logger   *zap.Logger

	mu        sync.Mutex
	schedules map[string]crawler.Schedule

	loopMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Service.
func New(
	store crawler.ScheduleStore,
	settings crawler.SettingsSource,
	tasks TaskCreator,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		settings:  settings,
		tasks:     tasks,
		clock:     clock,
		ids:       ids,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:       cfg,
		logger:    logger,
		schedules: make(map[string]crawler.Schedule),
	}
}

// Load reads persisted schedules and recomputes next-run for every enabled
// one from the current time. Fires missed while the process was down are
// not replayed.
func (s *Service) Load(ctx context.Context) error {
	if err := s.store.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure schedule store: %w", err)
	}
	records, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.Enabled {
			next, err := s.nextRun(rec.CronExpr, now)
			if err != nil {
				s.logger.Warn("schedule has invalid cron expression", zap.String("schedule_id", rec.ID), zap.Error(err))
				rec.NextRunAt = nil
			} else {
				rec.NextRunAt = &next
			}
			if err := s.store.Upsert(ctx, rec); err != nil {
				s.logger.Warn("persist schedule next run", zap.String("schedule_id", rec.ID), zap.Error(err))
			}
		} else {
			rec.NextRunAt = nil
		}
		s.schedules[rec.ID] = rec
	}
	s.logger.Info("schedules loaded", zap.Int("schedules", len(records)))
	return nil
}

// Start loads schedules and starts the tick loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(s.stopCh, s.doneCh)
	return nil
}

// Stop ends the tick loop and waits for an in-flight tick or ctx expiry.
func (s *Service) Stop(ctx context.Context) error {
	s.loopMu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.loopMu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduler loop: %w", ctx.Err())
	}
}

func (s *Service) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.safeTick(stopCh)
		}
	}
}

func (s *Service) safeTick(stopCh <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	s.Tick(ctx, s.clock.Now())
}

// Tick fires every enabled schedule whose next run is at or before now and
// returns how many tasks were created. A failing schedule is logged and
// keeps its next run, so the following tick retries it.
func (s *Service) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []string
	for id, rec := range s.schedules {
		if rec.Enabled && rec.NextRunAt != nil && !rec.NextRunAt.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(due)

	fired := 0
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		taskID, err := s.execute(ctx, id, now, true)
		metrics.ObserveScheduleRun(err == nil)
		if err != nil {
			s.logger.Error("scheduled run failed", zap.String("schedule_id", id), zap.Error(err))
			continue
		}
		fired++
		s.logger.Info("schedule triggered task", zap.String("schedule_id", id), zap.String("task_id", taskID))
	}
	return fired
}

// RunNow triggers a schedule immediately without touching its next run.
func (s *Service) RunNow(ctx context.Context, id string) (string, error) {
	return s.execute(ctx, id, s.clock.Now(), false)
}

// execute creates a task for schedule id. When advance is set and the task
// was created, the next run is recomputed from now. A failed run leaves the
// record untouched.
func (s *Service) execute(ctx context.Context, id string, now time.Time, advance bool) (string, error) {
	rec, err := s.Get(id)
	if err != nil {
		return "", err
	}
	var (
		summary crawler.TaskSummary
		runErr  error
	)
	settings, err := s.settings.Load(ctx)
	if err != nil {
		runErr = fmt.Errorf("load settings: %w", err)
	} else {
		summary, runErr = s.tasks.CreateTask(ctx, settings, rec.Targets)
		if runErr != nil {
			runErr = fmt.Errorf("create task: %w", runErr)
		}
	}
	if runErr != nil {
		return "", runErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.schedules[id]
	if !ok {
		// deleted while the task was being created
		return summary.ID, nil
	}
	next := current.Clone()
	next.LastRunAt = crawler.TimePtr(now)
	next.LastTaskID = summary.ID
	next.UpdatedAt = now
	if advance && next.Enabled {
		if at, err := s.nextRun(next.CronExpr, now); err == nil {
			next.NextRunAt = &at
		}
	}
	if err := s.commitLocked(ctx, next); err != nil {
		return summary.ID, err
	}
	return summary.ID, nil
}

// List returns every schedule, newest first.
func (s *Service) List() []crawler.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Schedule, 0, len(s.schedules))
	for _, rec := range s.schedules {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Get returns one schedule.
func (s *Service) Get(id string) (crawler.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.schedules[id]
	if !ok {
		return crawler.Schedule{}, fmt.Errorf("schedule %s: %w", id, crawler.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Create validates and stores a new schedule.
func (s *Service) Create(ctx context.Context, in crawler.ScheduleInput) (crawler.Schedule, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return crawler.Schedule{}, fmt.Errorf("%w: schedule name is required", crawler.ErrValidation)
	}
	expr := strings.TrimSpace(in.CronExpr)
	if err := s.Validate(expr); err != nil {
		return crawler.Schedule{}, err
	}
	targets := crawler.NormalizeTargets(in.Targets)
	if len(targets) == 0 {
		return crawler.Schedule{}, fmt.Errorf("%w: %w", crawler.ErrValidation, crawler.ErrNoTargets)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Schedule{}, fmt.Errorf("generate schedule id: %w", err)
	}
	now := s.clock.Now()
	rec := crawler.Schedule{
		ID:        id,
		Name:      name,
		Enabled:   in.Enabled == nil || *in.Enabled,
		CronExpr:  expr,
		Targets:   targets,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.refreshNextRun(&rec, now); err != nil {
		return crawler.Schedule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(ctx, rec); err != nil {
		return crawler.Schedule{}, err
	}
	s.logger.Info("schedule created", zap.String("schedule_id", id), zap.String("cron", expr))
	return rec.Clone(), nil
}

// Update applies a partial edit. Next run is recomputed when enabled and
// cleared when disabled.
func (s *Service) Update(ctx context.Context, id string, upd crawler.ScheduleUpdate) (crawler.Schedule, error) {
	var expr string
	if upd.CronExpr != nil {
		expr = strings.TrimSpace(*upd.CronExpr)
		if err := s.Validate(expr); err != nil {
			return crawler.Schedule{}, err
		}
	}
	var targets []crawler.Target
	if upd.Targets != nil {
		targets = crawler.NormalizeTargets(*upd.Targets)
		if len(targets) == 0 {
			return crawler.Schedule{}, fmt.Errorf("%w: %w", crawler.ErrValidation, crawler.ErrNoTargets)
		}
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return crawler.Schedule{}, fmt.Errorf("%w: schedule name is required", crawler.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.schedules[id]
	if !ok {
		return crawler.Schedule{}, fmt.Errorf("schedule %s: %w", id, crawler.ErrNotFound)
	}
	rec := current.Clone()
	if upd.CronExpr != nil {
		rec.CronExpr = expr
	}
	if upd.Name != nil {
		rec.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Targets != nil {
		rec.Targets = targets
	}
	if upd.Enabled != nil {
		rec.Enabled = *upd.Enabled
	}
	now := s.clock.Now()
	rec.UpdatedAt = now
	if err := s.refreshNextRun(&rec, now); err != nil {
		return crawler.Schedule{}, err
	}
	if err := s.commitLocked(ctx, rec); err != nil {
		return crawler.Schedule{}, err
	}
	return rec.Clone(), nil
}

// Toggle flips the enabled flag.
func (s *Service) Toggle(ctx context.Context, id string) (crawler.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.schedules[id]
	if !ok {
		return crawler.Schedule{}, fmt.Errorf("schedule %s: %w", id, crawler.ErrNotFound)
	}
	rec := current.Clone()
	rec.Enabled = !rec.Enabled
	now := s.clock.Now()
	rec.UpdatedAt = now
	if err := s.refreshNextRun(&rec, now); err != nil {
		return crawler.Schedule{}, err
	}
	if err := s.commitLocked(ctx, rec); err != nil {
		return crawler.Schedule{}, err
	}
	return rec.Clone(), nil
}

// Delete removes a schedule from the store and then the registry.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, crawler.ErrNotFound)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	delete(s.schedules, id)
	s.logger.Info("schedule deleted", zap.String("schedule_id", id))
	return nil
}

// Validate reports whether expr is a well-formed five-field cron expression
// or descriptor (e.g. @daily).
func (s *Service) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("%w: cron expression is required", crawler.ErrValidation)
	}
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: invalid cron expression %q: %w", crawler.ErrValidation, expr, err)
	}
	return nil
}

func (s *Service) nextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	next := sched.Next(from.In(s.cfg.Location))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires", expr)
	}
	return next.UTC(), nil
}

func (s *Service) refreshNextRun(rec *crawler.Schedule, now time.Time) error {
	if !rec.Enabled {
		rec.NextRunAt = nil
		return nil
	}
	next, err := s.nextRun(rec.CronExpr, now)
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrValidation, err)
	}
	rec.NextRunAt = &next
	return nil
}

func (s *Service) commitLocked(ctx context.Context, rec crawler.Schedule) error {
	if err := s.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}
	s.schedules[rec.ID] = rec.Clone()
	return nil
}
