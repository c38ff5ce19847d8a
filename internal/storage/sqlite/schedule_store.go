package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ScheduleStore persists schedule definitions.
type ScheduleStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewScheduleStore wraps db.
func NewScheduleStore(db *sql.DB, logger *zap.Logger) *ScheduleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleStore{db: db, logger: logger}
}

// Ensure creates the schedules table.
func (s *ScheduleStore) Ensure(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS schedules (
			schedule_id    TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			enabled        INTEGER NOT NULL,
			cron_expr      TEXT NOT NULL,
			user_list_json TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			last_run_at    TEXT,
			last_task_id   TEXT,
			next_run_at    TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_created_at ON schedules(created_at DESC);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schedules table: %w", err)
	}
	return nil
}

// LoadAll returns every schedule, newest first, skipping rows that fail to decode.
func (s *ScheduleStore) LoadAll(ctx context.Context) ([]crawler.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT schedule_id, name, enabled, cron_expr, user_list_json, created_at,
		       updated_at, last_run_at, last_task_id, next_run_at
		FROM schedules
		ORDER BY created_at DESC, schedule_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []crawler.Schedule
	for rows.Next() {
		var (
			rec                  crawler.Schedule
			targets              string
			createdAt, updatedAt string
			lastRun, nextRun     sql.NullString
			lastTask             sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Enabled, &rec.CronExpr, &targets,
			&createdAt, &updatedAt, &lastRun, &lastTask, &nextRun); err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		if err := decodeSchedule(&rec, targets, createdAt, updatedAt, lastRun, nextRun); err != nil {
			s.logger.Warn("skip invalid persisted schedule row", zap.String("schedule_id", rec.ID), zap.Error(err))
			continue
		}
		rec.LastTaskID = lastTask.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a schedule.
func (s *ScheduleStore) Upsert(ctx context.Context, rec crawler.Schedule) error {
	targets, err := json.Marshal(crawler.CloneTargets(rec.Targets))
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (schedule_id, name, enabled, cron_expr, user_list_json,
			created_at, updated_at, last_run_at, last_task_id, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(schedule_id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			cron_expr = excluded.cron_expr,
			user_list_json = excluded.user_list_json,
			updated_at = excluded.updated_at,
			last_run_at = excluded.last_run_at,
			last_task_id = excluded.last_task_id,
			next_run_at = excluded.next_run_at`,
		rec.ID, rec.Name, rec.Enabled, rec.CronExpr, string(targets),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		formatTimePtr(rec.LastRunAt), nullString(rec.LastTaskID), formatTimePtr(rec.NextRunAt),
	)
	if err != nil {
		return fmt.Errorf("upsert schedule %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a schedule. Unknown ids are not an error.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE schedule_id = ?`, id); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

func decodeSchedule(rec *crawler.Schedule, targets, createdAt, updatedAt string, lastRun, nextRun sql.NullString) error {
	var err error
	if err = json.Unmarshal([]byte(targets), &rec.Targets); err != nil {
		return fmt.Errorf("decode targets: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return err
	}
	if rec.LastRunAt, err = parseTimePtr(lastRun); err != nil {
		return err
	}
	if rec.NextRunAt, err = parseTimePtr(nextRun); err != nil {
		return err
	}
	return nil
}
