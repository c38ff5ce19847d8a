package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// PrometheusSink exports task and target outcomes derived from task events.
type PrometheusSink struct {
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	targets       *prometheus.CounterVec
	items         *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_started_total",
			Help: "Tasks that transitioned to running.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_finished_total",
			Help: "Tasks that reached a terminal state partitioned by status.",
		}, []string{"status"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_tasks_running",
			Help: "Tasks currently running.",
		}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_targets_total",
			Help: "Crawled targets partitioned by outcome.",
		}, []string{"outcome"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_items_total",
			Help: "Content items seen by completed targets partitioned by disposition.",
		}, []string{"disposition"}),
		tracker: &taskTracker{running: make(map[string]struct{})},
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksFinished,
		s.tasksRunning,
		s.targets,
		s.items,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register task event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []crawler.TaskEvent) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt crawler.TaskEvent) {
	switch evt.Type {
	case crawler.EventTaskStatus:
		if status, _ := evt.Data["status"].(string); status == string(crawler.TaskStatusRunning) {
			s.tasksStarted.Inc()
			if s.tracker.start(evt.TaskID) {
				s.tasksRunning.Inc()
			}
		}
	case crawler.EventTaskCompleted, crawler.EventTaskFailed, crawler.EventTaskCancelled:
		status, _ := evt.Data["status"].(string)
		if status == "" {
			status = "unknown"
		}
		s.tasksFinished.WithLabelValues(status).Inc()
		if s.tracker.complete(evt.TaskID) {
			s.tasksRunning.Dec()
		}
	case crawler.EventUserCompleted:
		s.targets.WithLabelValues(crawler.TargetStatusOK).Inc()
		s.items.WithLabelValues("new").Add(number(evt.Data["new"]))
		s.items.WithLabelValues("skipped").Add(number(evt.Data["skipped"]))
	case crawler.EventUserFailed:
		s.targets.WithLabelValues(crawler.TargetStatusFailed).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func number(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
