package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ScheduleStore keeps schedules in a map.
type ScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]crawler.Schedule
}

// NewScheduleStore constructs an empty ScheduleStore.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{schedules: make(map[string]crawler.Schedule)}
}

// Ensure implements crawler.ScheduleStore.
func (s *ScheduleStore) Ensure(context.Context) error {
	return nil
}

// LoadAll returns schedules newest first.
func (s *ScheduleStore) LoadAll(context.Context) ([]crawler.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Upsert implements crawler.ScheduleStore.
func (s *ScheduleStore) Upsert(_ context.Context, schedule crawler.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[schedule.ID] = schedule.Clone()
	return nil
}

// Delete implements crawler.ScheduleStore. Deleting an unknown id is not an error.
func (s *ScheduleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}
