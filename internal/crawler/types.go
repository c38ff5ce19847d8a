// Package crawler defines core types shared across subsystems.
package crawler

import (
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave the status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Target is one profile to crawl. URL holds either a resolvable profile URL or
// a raw provider identity.
type Target struct {
	Name string `json:"name" mapstructure:"name"`
	URL  string `json:"url" mapstructure:"url"`
}

// IsURL reports whether the target must be resolved through the provider.
func (t Target) IsURL() bool {
	u := strings.TrimSpace(t.URL)
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// NormalizeTargets trims entries and drops the ones without a URL.
func NormalizeTargets(in []Target) []Target {
	out := make([]Target, 0, len(in))
	for _, t := range in {
		t.Name = strings.TrimSpace(t.Name)
		t.URL = strings.TrimSpace(t.URL)
		if t.URL == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// DownloaderSettings is the settings snapshot a task runs with.
type DownloaderSettings struct {
	Targets              []Target `json:"user_list" mapstructure:"user_list"`
	Cookie               string   `json:"cookie" mapstructure:"cookie"`
	MaxTasks             int      `json:"max_tasks" mapstructure:"max_tasks"`
	PageCounts           int      `json:"page_counts" mapstructure:"page_counts"`
	MaxCounts            int      `json:"max_counts,omitempty" mapstructure:"max_counts"`
	Timeout              int      `json:"timeout" mapstructure:"timeout"`
	MaxRetries           int      `json:"max_retries" mapstructure:"max_retries"`
	MaxConnections       int      `json:"max_connections" mapstructure:"max_connections"`
	Mode                 string   `json:"mode" mapstructure:"mode"`
	Music                bool     `json:"music" mapstructure:"music"`
	Cover                bool     `json:"cover" mapstructure:"cover"`
	Desc                 bool     `json:"desc" mapstructure:"desc"`
	Folderize            bool     `json:"folderize" mapstructure:"folderize"`
	Naming               string   `json:"naming" mapstructure:"naming"`
	Interval             string   `json:"interval" mapstructure:"interval"`
	UpdateExif           bool     `json:"update_exif" mapstructure:"update_exif"`
	IncrementalMode      bool     `json:"incremental_mode" mapstructure:"incremental_mode"`
	IncrementalThreshold int      `json:"incremental_threshold" mapstructure:"incremental_threshold"`
	DownloadPath         string   `json:"download_path" mapstructure:"download_path"`
}

// Clone returns a deep copy so snapshots never share the target slice.
func (s DownloaderSettings) Clone() DownloaderSettings {
	cp := s
	cp.Targets = CloneTargets(s.Targets)
	return cp
}

// Redacted returns a copy with secrets cleared.
func (s DownloaderSettings) Redacted() DownloaderSettings {
	cp := s.Clone()
	cp.Cookie = ""
	return cp
}

// CloneTargets copies a target list.
func CloneTargets(src []Target) []Target {
	if len(src) == 0 {
		return []Target{}
	}
	dst := make([]Target, len(src))
	copy(dst, src)
	return dst
}

// LogEntry is one line of a task's log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// TargetResult is the outcome of crawling one target.
type TargetResult struct {
	Nickname string `json:"nickname"`
	Success  bool   `json:"success"`
	New      int    `json:"new"`
	Skipped  int    `json:"skipped"`
	Status   string `json:"status"`
}

// Target result status markers.
const (
	TargetStatusOK     = "ok"
	TargetStatusFailed = "failed"
)

// TaskResult aggregates per-target outcomes.
type TaskResult struct {
	Total        int            `json:"total"`
	Success      int            `json:"success"`
	Failed       int            `json:"failed"`
	TotalNew     int            `json:"total_new"`
	TotalSkipped int            `json:"total_skipped"`
	Users        []TargetResult `json:"users"`
}

// Add folds one target outcome into the aggregate.
func (r *TaskResult) Add(tr TargetResult) {
	r.Users = append(r.Users, tr)
	if tr.Success {
		r.Success++
		r.TotalNew += tr.New
		r.TotalSkipped += tr.Skipped
		return
	}
	r.Failed++
}

// Clone returns a deep copy of the result.
func (r *TaskResult) Clone() *TaskResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Users = append([]TargetResult(nil), r.Users...)
	return &cp
}

// Task is the full record owned by the task manager and persisted by the store.
type Task struct {
	ID        string             `json:"task_id"`
	Status    TaskStatus         `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Error     string             `json:"error,omitempty"`
	Settings  DownloaderSettings `json:"settings"`
	Targets   []Target           `json:"user_list"`
	Result    *TaskResult        `json:"result,omitempty"`
	Logs      []LogEntry         `json:"logs"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (t Task) Clone() Task {
	cp := t
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.EndedAt = cloneTime(t.EndedAt)
	cp.Settings = t.Settings.Clone()
	cp.Targets = CloneTargets(t.Targets)
	cp.Result = t.Result.Clone()
	cp.Logs = append([]LogEntry(nil), t.Logs...)
	return cp
}

// Summary projects the task onto its list view.
func (t Task) Summary() TaskSummary {
	return TaskSummary{
		ID:        t.ID,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		StartedAt: cloneTime(t.StartedAt),
		EndedAt:   cloneTime(t.EndedAt),
		Error:     t.Error,
		Result:    t.Result.Clone(),
	}
}

// Detail projects the task onto its detail view with secrets redacted.
func (t Task) Detail() TaskDetail {
	return TaskDetail{
		TaskSummary: t.Summary(),
		Settings:    t.Settings.Redacted(),
		Targets:     CloneTargets(t.Targets),
		Logs:        append([]LogEntry{}, t.Logs...),
	}
}

// TaskSummary is the list view of a task.
type TaskSummary struct {
	ID        string      `json:"task_id"`
	Status    TaskStatus  `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Error     string      `json:"error,omitempty"`
	Result    *TaskResult `json:"result,omitempty"`
}

// TaskDetail is the full view of a task.
type TaskDetail struct {
	TaskSummary
	Settings DownloaderSettings `json:"settings"`
	Targets  []Target           `json:"user_list"`
	Logs     []LogEntry         `json:"logs"`
}

// TaskList is one page of task history.
type TaskList struct {
	Items   []TaskSummary `json:"items"`
	Total   int           `json:"total"`
	Offset  int           `json:"offset"`
	Limit   int           `json:"limit"`
	HasMore bool          `json:"has_more"`
}

// TaskEvent is an ephemeral event broadcast to live subscribers.
type TaskEvent struct {
	TaskID    string         `json:"task_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
}

// Event types emitted by the worker pool and the task manager.
const (
	EventUserStarted    = "user_started"
	EventItemSkipped    = "item_skipped"
	EventItemDownloaded = "item_downloaded"
	EventUserInfo       = "user_info"
	EventUserProgress   = "user_progress"
	EventUserCompleted  = "user_completed"
	EventUserFailed     = "user_failed"
	EventCrawlerLog     = "crawler_log"
	EventTaskStatus     = "task_status"
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventTaskCancelled  = "task_cancelled"
)

// IsTerminalEvent reports whether the event type marks the end of a task.
func IsTerminalEvent(eventType string) bool {
	switch eventType {
	case EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		return true
	default:
		return false
	}
}

// Schedule is a cron-triggered recurring task definition.
type Schedule struct {
	ID         string     `json:"schedule_id"`
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	CronExpr   string     `json:"cron_expr"`
	Targets    []Target   `json:"user_list"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastTaskID string     `json:"last_task_id,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
}

// Clone returns a deep copy of the schedule.
func (s Schedule) Clone() Schedule {
	cp := s
	cp.Targets = CloneTargets(s.Targets)
	cp.LastRunAt = cloneTime(s.LastRunAt)
	cp.NextRunAt = cloneTime(s.NextRunAt)
	return cp
}

// ScheduleInput describes a new schedule. Enabled defaults to true.
type ScheduleInput struct {
	Name     string   `json:"name"`
	CronExpr string   `json:"cron_expr"`
	Targets  []Target `json:"user_list"`
	Enabled  *bool    `json:"enabled"`
}

// ScheduleUpdate carries a partial schedule edit; nil fields are left as-is.
type ScheduleUpdate struct {
	Name     *string   `json:"name"`
	CronExpr *string   `json:"cron_expr"`
	Targets  *[]Target `json:"user_list"`
	Enabled  *bool     `json:"enabled"`
}

// PageParams controls how a provider pages through a target's content.
type PageParams struct {
	PageCounts int
	MaxCounts  int
}

// Profile is the provider's view of a target.
type Profile struct {
	Nickname string
}

// ContentItem is one post returned by the provider.
type ContentItem struct {
	ID         string         `json:"id"`
	CreateTime string         `json:"create_time"`
	Desc       string         `json:"desc,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return TimePtr(*t)
}
