package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ScheduleStore persists schedule definitions.
type ScheduleStore struct {
	pool   Pool
	logger *zap.Logger
}

// NewScheduleStore wraps pool.
func NewScheduleStore(pool Pool, logger *zap.Logger) (*ScheduleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleStore{pool: pool, logger: logger}, nil
}

// Ensure creates the schedules table.
func (s *ScheduleStore) Ensure(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schedules (
			schedule_id TEXT PRIMARY KEY,
			created_at  TIMESTAMPTZ NOT NULL,
			record      JSONB NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("create schedules table: %w", err)
	}
	return nil
}

// LoadAll returns every schedule, newest first.
func (s *ScheduleStore) LoadAll(ctx context.Context) ([]crawler.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT schedule_id, record
		FROM schedules
		ORDER BY created_at DESC, schedule_id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []crawler.Schedule
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		var rec crawler.Schedule
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ID != id {
			s.logger.Warn("skip invalid persisted schedule row", zap.String("schedule_id", id), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a schedule.
func (s *ScheduleStore) Upsert(ctx context.Context, rec crawler.Schedule) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (schedule_id, created_at, record)
		VALUES ($1, $2, $3)
		ON CONFLICT (schedule_id) DO UPDATE
		SET record = EXCLUDED.record;`,
		rec.ID, rec.CreatedAt, raw)
	if err != nil {
		return fmt.Errorf("upsert schedule %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a schedule. Unknown ids are not an error.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE schedule_id = $1;`, id); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}
