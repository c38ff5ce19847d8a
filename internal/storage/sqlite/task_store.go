package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const defaultHistoryLimit = 200

// TaskStore keeps the newest tasks up to a history limit. Settings are
// written with the cookie cleared.
type TaskStore struct {
	db     *sql.DB
	limit  int
	now    func() time.Time
	logger *zap.Logger
}

// NewTaskStore wraps db. limit <= 0 selects the default of 200.
func NewTaskStore(db *sql.DB, limit int, logger *zap.Logger) *TaskStore {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskStore{db: db, limit: limit, now: time.Now, logger: logger}
}

// Ensure creates the tasks table.
func (s *TaskStore) Ensure(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id        TEXT PRIMARY KEY,
			status         TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			started_at     TEXT,
			ended_at       TEXT,
			error          TEXT,
			settings_json  TEXT NOT NULL,
			user_list_json TEXT NOT NULL,
			result_json    TEXT,
			logs_json      TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at DESC);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return nil
}

// LoadAll returns up to the history limit, newest first. Rows that fail to
// decode are logged and skipped.
func (s *TaskStore) LoadAll(ctx context.Context) ([]crawler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, status, created_at, started_at, ended_at, error,
		       settings_json, user_list_json, result_json, logs_json
		FROM tasks
		ORDER BY created_at DESC, task_id DESC
		LIMIT ?`, s.limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []crawler.Task
	for rows.Next() {
		var r taskRow
		if err := rows.Scan(&r.id, &r.status, &r.createdAt, &r.startedAt, &r.endedAt, &r.errMsg,
			&r.settings, &r.targets, &r.result, &r.logs); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		task, err := r.decode()
		if err != nil {
			s.logger.Warn("skip invalid persisted task row", zap.String("task_id", r.id), zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Upsert writes task and evicts the oldest rows beyond the history limit in
// one transaction.
func (s *TaskStore) Upsert(ctx context.Context, task crawler.Task) error {
	settings := task.Settings.Redacted()
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	targetsJSON, err := json.Marshal(crawler.CloneTargets(task.Targets))
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	var resultJSON any
	if task.Result != nil {
		raw, err := json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		resultJSON = string(raw)
	}
	logs := task.Logs
	if logs == nil {
		logs = []crawler.LogEntry{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, status, created_at, started_at, ended_at, error,
			settings_json, user_list_json, result_json, logs_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			error = excluded.error,
			settings_json = excluded.settings_json,
			user_list_json = excluded.user_list_json,
			result_json = excluded.result_json,
			logs_json = excluded.logs_json,
			updated_at = excluded.updated_at`,
		task.ID, string(task.Status), formatTime(task.CreatedAt),
		formatTimePtr(task.StartedAt), formatTimePtr(task.EndedAt), nullString(task.Error),
		string(settingsJSON), string(targetsJSON), resultJSON, string(logsJSON),
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE task_id NOT IN (
			SELECT task_id FROM tasks ORDER BY created_at DESC, task_id DESC LIMIT ?
		)`, s.limit)
	if err != nil {
		return fmt.Errorf("evict old tasks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task upsert: %w", err)
	}
	return nil
}

type taskRow struct {
	id        string
	status    string
	createdAt string
	startedAt sql.NullString
	endedAt   sql.NullString
	errMsg    sql.NullString
	settings  string
	targets   string
	result    sql.NullString
	logs      string
}

func (r taskRow) decode() (crawler.Task, error) {
	status := crawler.TaskStatus(r.status)
	switch status {
	case crawler.TaskStatusPending, crawler.TaskStatusRunning, crawler.TaskStatusSuccess,
		crawler.TaskStatusFailed, crawler.TaskStatusCancelled:
	default:
		return crawler.Task{}, fmt.Errorf("unknown status %q", r.status)
	}
	task := crawler.Task{ID: r.id, Status: status, Error: r.errMsg.String}
	var err error
	if task.CreatedAt, err = parseTime(r.createdAt); err != nil {
		return crawler.Task{}, err
	}
	if task.StartedAt, err = parseTimePtr(r.startedAt); err != nil {
		return crawler.Task{}, err
	}
	if task.EndedAt, err = parseTimePtr(r.endedAt); err != nil {
		return crawler.Task{}, err
	}
	if err := json.Unmarshal([]byte(r.settings), &task.Settings); err != nil {
		return crawler.Task{}, fmt.Errorf("decode settings: %w", err)
	}
	task.Settings.Cookie = ""
	if err := json.Unmarshal([]byte(r.targets), &task.Targets); err != nil {
		return crawler.Task{}, fmt.Errorf("decode targets: %w", err)
	}
	if r.result.Valid && r.result.String != "" {
		task.Result = &crawler.TaskResult{}
		if err := json.Unmarshal([]byte(r.result.String), task.Result); err != nil {
			return crawler.Task{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(r.logs), &task.Logs); err != nil {
		return crawler.Task{}, fmt.Errorf("decode logs: %w", err)
	}
	return task, nil
}
