package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const defaultHistoryLimit = 200

// TaskStore keeps the newest tasks up to a history limit.
type TaskStore struct {
	pool   Pool
	limit  int
	logger *zap.Logger
}

// NewTaskStore wraps pool. limit <= 0 selects the default of 200.
func NewTaskStore(pool Pool, limit int, logger *zap.Logger) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskStore{pool: pool, limit: limit, logger: logger}, nil
}

// Ensure creates the tasks table.
func (s *TaskStore) Ensure(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id    TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			record     JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at DESC);`)
	if err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return nil
}

// LoadAll returns up to the history limit, newest first. Undecodable
// records are logged and skipped.
func (s *TaskStore) LoadAll(ctx context.Context) ([]crawler.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, record
		FROM tasks
		ORDER BY created_at DESC, task_id DESC
		LIMIT $1;`, s.limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []crawler.Task
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		var task crawler.Task
		if err := json.Unmarshal(raw, &task); err != nil || task.ID != id {
			s.logger.Warn("skip invalid persisted task row", zap.String("task_id", id), zap.Error(err))
			continue
		}
		task.Settings.Cookie = ""
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Upsert writes a redacted copy of task, then trims history.
func (s *TaskStore) Upsert(ctx context.Context, task crawler.Task) error {
	rec := task.Clone()
	rec.Settings.Cookie = ""
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, status, created_at, record, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (task_id) DO UPDATE
		SET status = EXCLUDED.status,
		    created_at = EXCLUDED.created_at,
		    record = EXCLUDED.record,
		    updated_at = now();`,
		rec.ID, string(rec.Status), rec.CreatedAt, raw)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", rec.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		DELETE FROM tasks
		WHERE task_id NOT IN (
			SELECT task_id FROM tasks ORDER BY created_at DESC, task_id DESC LIMIT $1
		);`, s.limit)
	if err != nil {
		return fmt.Errorf("evict old tasks: %w", err)
	}
	return nil
}
