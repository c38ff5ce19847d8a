package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/tagging"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeProvider struct {
	mu          sync.Mutex
	resolved    map[string]string
	resolveErr  error
	profiles    map[string]string
	profileErrs map[string]error
	pages       map[string][][]crawler.ContentItem
	downloads   map[string][]crawler.ContentItem
	profileHits []string
	onDownload  func(identity string)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		resolved:    map[string]string{},
		profiles:    map[string]string{},
		profileErrs: map[string]error{},
		pages:       map[string][][]crawler.ContentItem{},
		downloads:   map[string][]crawler.ContentItem{},
	}
}

func (f *fakeProvider) ResolveIdentities(_ context.Context, urls []string) ([]string, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if id, ok := f.resolved[u]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeProvider) FetchProfile(_ context.Context, identity string) (crawler.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileHits = append(f.profileHits, identity)
	if err := f.profileErrs[identity]; err != nil {
		return crawler.Profile{}, err
	}
	return crawler.Profile{Nickname: f.profiles[identity]}, nil
}

func (f *fakeProvider) StreamContent(_ context.Context, identity string, _ crawler.PageParams) (crawler.ContentStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &sliceStream{pages: append([][]crawler.ContentItem(nil), f.pages[identity]...)}, nil
}

func (f *fakeProvider) Download(_ context.Context, items []crawler.ContentItem, destination string) error {
	identity := filepath.Base(destination)
	f.mu.Lock()
	f.downloads[identity] = append(f.downloads[identity], items...)
	hook := f.onDownload
	f.mu.Unlock()
	if hook != nil {
		hook(identity)
	}
	return nil
}

func (f *fakeProvider) TargetDir(root, identity string, _ crawler.Profile) string {
	return filepath.Join(root, identity)
}

func (f *fakeProvider) downloaded(identity string) []crawler.ContentItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.ContentItem(nil), f.downloads[identity]...)
}

type sliceStream struct {
	pages [][]crawler.ContentItem
	pos   int
}

func (s *sliceStream) Next(context.Context) ([]crawler.ContentItem, error) {
	if s.pos >= len(s.pages) {
		return nil, io.EOF
	}
	page := s.pages[s.pos]
	s.pos++
	return page, nil
}

func (s *sliceStream) Close() error { return nil }

type eventLog struct {
	mu     sync.Mutex
	events []crawler.TaskEvent
}

func (l *eventLog) emit(evt crawler.TaskEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) ofType(typ string) []crawler.TaskEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []crawler.TaskEvent
	for _, evt := range l.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func items(times ...string) []crawler.ContentItem {
	out := make([]crawler.ContentItem, len(times))
	for i, ts := range times {
		out[i] = crawler.ContentItem{ID: fmt.Sprintf("item-%s", ts), CreateTime: ts}
	}
	return out
}

func stamp(i int) string {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute).Format(tagging.FileTimeLayout)
}

func baseSettings(t *testing.T) crawler.DownloaderSettings {
	t.Helper()
	return crawler.DownloaderSettings{
		Cookie:       "session=abc",
		MaxTasks:     2,
		PageCounts:   20,
		DownloadPath: t.TempDir(),
	}
}

func newTestPool(provider crawler.Provider, processor PostProcessor) *Pool {
	return New(provider, processor, fixedClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, Config{PageDelay: -1}, nil)
}

func TestRunIncrementalStopsAtThreshold(t *testing.T) {
	t.Parallel()

	settings := baseSettings(t)
	settings.IncrementalMode = true
	settings.IncrementalThreshold = 3

	dir := filepath.Join(settings.DownloadPath, "user-a")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 10; i < 20; i++ {
		name := stamp(i) + "_video.mp4"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	provider := newFakeProvider()
	provider.profiles["user-a"] = "Alice"
	provider.pages["user-a"] = [][]crawler.ContentItem{
		// one duplicate, then new items reset the counter
		items(stamp(30), stamp(10), stamp(29)),
		// new item, then a run of duplicates that hits the threshold mid-page
		items(stamp(28), stamp(11), stamp(12), stamp(13), stamp(14), stamp(15)),
		items(stamp(27)),
	}

	events := &eventLog{}
	pool := newTestPool(provider, nil)
	result, err := pool.Run(context.Background(), Job{
		TaskID:   "task-1",
		Settings: settings,
		Targets:  []crawler.Target{{URL: "user-a"}},
		Emit:     events.emit,
	})
	require.NoError(t, err)

	require.Equal(t, 1, result.Total)
	require.Equal(t, 1, result.Success)
	require.Zero(t, result.Failed)
	// one earlier skip plus exactly the threshold
	require.Equal(t, 1+3, result.TotalSkipped)
	require.Equal(t, 3, result.TotalNew)
	require.Equal(t, "Alice", result.Users[0].Nickname)
	require.Equal(t, crawler.TargetStatusOK, result.Users[0].Status)

	got := provider.downloaded("user-a")
	require.Len(t, got, 3)
	for _, item := range got {
		require.NotEqual(t, stamp(27), item.CreateTime, "paging continued past the threshold")
	}
	require.Len(t, events.ofType(crawler.EventItemSkipped), 4)
	info := events.ofType(crawler.EventUserInfo)
	require.Len(t, info, 1)
	require.Equal(t, 3, info[0].Data["consecutive_existing_count"])
	for _, evt := range events.events {
		require.Equal(t, "task-1", evt.TaskID)
		require.Equal(t, "user-a", evt.Data["target"])
	}
}

func TestRunIncrementalOffDownloadsEverything(t *testing.T) {
	t.Parallel()

	settings := baseSettings(t)
	dir := filepath.Join(settings.DownloadPath, "user-a")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, stamp(1)+"_v.mp4"), nil, 0o600))

	provider := newFakeProvider()
	provider.pages["user-a"] = [][]crawler.ContentItem{items(stamp(1), stamp(2)), {}, items(stamp(3))}

	result, err := newTestPool(provider, nil).Run(context.Background(), Job{
		TaskID:   "task-1",
		Settings: settings,
		Targets:  []crawler.Target{{URL: "user-a"}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, result.TotalNew)
	require.Zero(t, result.TotalSkipped)
	require.Equal(t, "unknown", result.Users[0].Nickname)
}

func TestRunPartialFailureKeepsSiblings(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.profileErrs["user-bad-with-a-long-identity"] = errors.New("profile unavailable")
	provider.pages["user-a"] = [][]crawler.ContentItem{items(stamp(1))}
	provider.pages["user-b"] = [][]crawler.ContentItem{items(stamp(2), stamp(3))}

	events := &eventLog{}
	result, err := newTestPool(provider, nil).Run(context.Background(), Job{
		TaskID:   "task-1",
		Settings: baseSettings(t),
		Targets: []crawler.Target{
			{URL: "user-a"},
			{URL: "user-bad-with-a-long-identity"},
			{URL: "user-b"},
		},
		Emit: events.emit,
	})
	require.NoError(t, err)
	require.Equal(t, 3, result.Total)
	require.Equal(t, 2, result.Success)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, result.Total, result.Success+result.Failed)
	require.Equal(t, 3, result.TotalNew)

	failed := events.ofType(crawler.EventUserFailed)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].Data["error"], "profile unavailable")
	for _, u := range result.Users {
		if !u.Success {
			require.Equal(t, "user-bad-with-a", u.Nickname)
			require.Equal(t, crawler.TargetStatusFailed, u.Status)
		}
	}
}

func TestRunResolvesAndDeduplicatesTargets(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.resolved["https://example.com/u/1"] = "user-b"
	provider.resolved["https://example.com/u/2"] = "user-a"

	result, err := newTestPool(provider, nil).Run(context.Background(), Job{
		TaskID:   "task-1",
		Settings: baseSettings(t),
		Targets: []crawler.Target{
			{URL: "user-a"},
			{URL: " https://example.com/u/1 "},
			{URL: "https://example.com/u/2"},
			{URL: "user-a"},
			{URL: "   "},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Total)
	require.ElementsMatch(t, []string{"user-a", "user-b"}, provider.profileHits)
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	pool := newTestPool(newFakeProvider(), nil)

	noCookie := baseSettings(t)
	noCookie.Cookie = "  "
	_, err := pool.Run(context.Background(), Job{TaskID: "t", Settings: noCookie, Targets: []crawler.Target{{URL: "a"}}})
	require.ErrorIs(t, err, crawler.ErrValidation)
	require.ErrorIs(t, err, crawler.ErrMissingCredential)

	_, err = pool.Run(context.Background(), Job{
		TaskID:   "t",
		Settings: baseSettings(t),
		Targets:  []crawler.Target{{URL: "https://example.com/unknown"}},
	})
	require.ErrorIs(t, err, crawler.ErrValidation)
	require.ErrorIs(t, err, crawler.ErrNoTargets)

	failing := newFakeProvider()
	failing.resolveErr = errors.New("resolver offline")
	_, err = newTestPool(failing, nil).Run(context.Background(), Job{
		TaskID:   "t",
		Settings: baseSettings(t),
		Targets:  []crawler.Target{{URL: "https://example.com/u/1"}},
	})
	require.ErrorContains(t, err, "resolver offline")
	require.NotErrorIs(t, err, crawler.ErrValidation)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	signal := NewCancelSignal()
	signal.Cancel()
	signal.Cancel()

	result, err := newTestPool(provider, nil).Run(context.Background(), Job{
		TaskID:   "task-1",
		Settings: baseSettings(t),
		Targets:  []crawler.Target{{URL: "user-a"}, {URL: "user-b"}},
		Cancel:   signal,
	})
	require.NoError(t, err)
	require.Zero(t, result.Total)
	require.Empty(t, result.Users)
	require.Empty(t, provider.profileHits)
}

func TestRunCancelledMidRunKeepsPartialResult(t *testing.T) {
	t.Parallel()

	settings := baseSettings(t)
	settings.MaxTasks = 1

	signal := NewCancelSignal()
	provider := newFakeProvider()
	provider.pages["user-a"] = [][]crawler.ContentItem{items(stamp(1)), items(stamp(2)), items(stamp(3))}
	provider.pages["user-b"] = [][]crawler.ContentItem{items(stamp(4))}
	provider.onDownload = func(string) { signal.Cancel() }

	result, err := newTestPool(provider, nil).Run(context.Background(), Job{
		TaskID:   "task-1",
		Settings: settings,
		Targets:  []crawler.Target{{URL: "user-a"}, {URL: "user-b"}},
		Cancel:   signal,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	require.Equal(t, 1, result.Success)
	require.Equal(t, 1, result.TotalNew)
	// whichever target acquired the slot first downloads one page, the other never starts
	require.Equal(t, 1, len(provider.downloaded("user-a"))+len(provider.downloaded("user-b")))
	require.Len(t, provider.profileHits, 1)
}

type recordingProcessor struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recordingProcessor) ProcessDownloaded(_ context.Context, dir string, items []crawler.ContentItem) tagging.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[filepath.Base(dir)] += len(items)
	return tagging.Stats{Items: len(items), UpdatedFiles: len(items)}
}

func TestRunTagsDownloadedItems(t *testing.T) {
	t.Parallel()

	settings := baseSettings(t)
	settings.UpdateExif = true

	provider := newFakeProvider()
	provider.pages["user-a"] = [][]crawler.ContentItem{items(stamp(1), stamp(2)), items(stamp(3))}
	provider.pages["user-b"] = nil

	proc := &recordingProcessor{}
	events := &eventLog{}
	_, err := newTestPool(provider, proc).Run(context.Background(), Job{
		TaskID:   "task-1",
		Settings: settings,
		Targets:  []crawler.Target{{URL: "user-a"}, {URL: "user-b"}},
		Emit:     events.emit,
	})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"user-a": 3}, proc.calls)
	require.Len(t, events.ofType(crawler.EventUserInfo), 2)
}

func TestRunBoundsConcurrentTargets(t *testing.T) {
	t.Parallel()

	settings := baseSettings(t)
	settings.MaxTasks = 2

	var (
		mu          sync.Mutex
		inFlight    int
		maxInFlight int
	)
	provider := newFakeProvider()
	provider.onDownload = func(string) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}
	targets := make([]crawler.Target, 0, 6)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("user-%d", i)
		provider.pages[id] = [][]crawler.ContentItem{items(stamp(i))}
		targets = append(targets, crawler.Target{URL: id})
	}

	result, err := newTestPool(provider, nil).Run(context.Background(), Job{
		TaskID:   "task-1",
		Settings: settings,
		Targets:  targets,
	})
	require.NoError(t, err)
	require.Equal(t, 6, result.Success)
	require.LessOrEqual(t, maxInFlight, 2)
}

type chattyProvider struct {
	*fakeProvider
}

func (c chattyProvider) FetchProfile(ctx context.Context, identity string) (crawler.Profile, error) {
	crawler.EmitLog(ctx, "warning", "provider", "GET /v1/users/"+identity+" failed (attempt 1/3), retrying")
	return c.fakeProvider.FetchProfile(ctx, identity)
}

func TestRunForwardsProviderLogsAsTaskEvents(t *testing.T) {
	t.Parallel()

	provider := chattyProvider{fakeProvider: newFakeProvider()}
	provider.profiles["user-a"] = "alice"
	events := &eventLog{}

	_, err := newTestPool(provider, nil).Run(context.Background(), Job{
		TaskID:   "task-7",
		Settings: baseSettings(t),
		Targets:  []crawler.Target{{URL: "user-a"}},
		Emit:     events.emit,
	})
	require.NoError(t, err)

	logs := events.ofType(crawler.EventCrawlerLog)
	require.Len(t, logs, 1)
	require.Equal(t, "task-7", logs[0].TaskID)
	require.Equal(t, "warning", logs[0].Data["level"])
	require.Equal(t, "provider", logs[0].Data["logger"])
	require.Contains(t, logs[0].Message, "retrying")
}
