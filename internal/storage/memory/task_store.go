// Package memory provides in-memory task and schedule stores for development
// and tests. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const defaultHistoryLimit = 200

// TaskStore keeps the newest tasks up to a history limit.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]crawler.Task
	limit int
}

// NewTaskStore constructs a TaskStore. limit <= 0 selects the default of 200.
func NewTaskStore(limit int) *TaskStore {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &TaskStore{tasks: make(map[string]crawler.Task), limit: limit}
}

// Ensure implements crawler.TaskStore.
func (s *TaskStore) Ensure(context.Context) error {
	return nil
}

// LoadAll returns stored tasks newest first.
func (s *TaskStore) LoadAll(context.Context) ([]crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

// Upsert stores a redacted copy of task and evicts the oldest rows beyond the limit.
func (s *TaskStore) Upsert(_ context.Context, task crawler.Task) error {
	cp := task.Clone()
	cp.Settings.Cookie = ""
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[cp.ID] = cp
	if len(s.tasks) <= s.limit {
		return nil
	}
	all := make([]crawler.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	sortNewestFirst(all)
	for _, old := range all[s.limit:] {
		delete(s.tasks, old.ID)
	}
	return nil
}

// Get returns a stored task.
func (s *TaskStore) Get(id string) (crawler.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return crawler.Task{}, false
	}
	return task.Clone(), true
}

func sortNewestFirst(tasks []crawler.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
