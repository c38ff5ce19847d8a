package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestTaskStoreUpsertRedactsAndEvicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore(2)
	require.NoError(t, store.Ensure(ctx))

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Upsert(ctx, crawler.Task{
			ID:        fmt.Sprintf("task-%d", i),
			Status:    crawler.TaskStatusSuccess,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Settings:  crawler.DownloaderSettings{Cookie: "secret"},
		}))
	}
	// re-upserting keeps a single row
	require.NoError(t, store.Upsert(ctx, crawler.Task{ID: "task-2", Status: crawler.TaskStatusFailed, CreatedAt: base.Add(2 * time.Minute)}))

	tasks, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "task-2", tasks[0].ID)
	require.Equal(t, crawler.TaskStatusFailed, tasks[0].Status)
	require.Equal(t, "task-1", tasks[1].ID)
	require.Empty(t, tasks[1].Settings.Cookie)

	_, ok := store.Get("task-0")
	require.False(t, ok)
}

func TestScheduleStoreCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewScheduleStore()
	require.NoError(t, store.Ensure(ctx))

	now := time.Now().UTC()
	sched := crawler.Schedule{ID: "s1", Name: "nightly", CronExpr: "0 3 * * *", CreatedAt: now, Targets: []crawler.Target{{URL: "a"}}}
	require.NoError(t, store.Upsert(ctx, sched))
	require.NoError(t, store.Upsert(ctx, crawler.Schedule{ID: "s2", CreatedAt: now.Add(time.Second)}))

	sched.Targets[0].URL = "mutated"
	all, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "s2", all[0].ID)
	require.Equal(t, "a", all[1].Targets[0].URL)

	require.NoError(t, store.Delete(ctx, "s1"))
	require.NoError(t, store.Delete(ctx, "missing"))
	all, err = store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
