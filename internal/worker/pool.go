// Package worker runs one crawl task across its targets under a bounded
// number of concurrent target workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-orchestrator/internal/tagging"
)

const (
	defaultMaxTasks             = 3
	defaultIncrementalThreshold = 20
	defaultPageDelay            = 2 * time.Second
	unknownNickname             = "unknown"
	shortIDLen                  = 15
)

// PostProcessor tags downloaded media after a target finishes paging.
type PostProcessor interface {
	ProcessDownloaded(ctx context.Context, dir string, items []crawler.ContentItem) tagging.Stats
}

// Config controls the pool.
type Config struct {
	// PageDelay is the minimum spacing between successive page fetches of one
	// target. Zero selects the default, negative disables pacing.
	PageDelay time.Duration
	// PageWaitObserver, when set, receives every pacing wait that blocked.
	PageWaitObserver func(key string, waited time.Duration)
}

// Job is one task execution request.
type Job struct {
	TaskID   string
	Settings crawler.DownloaderSettings
	Targets  []crawler.Target
	Cancel   *CancelSignal
	Emit     func(crawler.TaskEvent)
}

// Pool executes jobs against a crawl provider.
type Pool struct {
	provider  crawler.Provider
	processor PostProcessor
	clock     crawler.Clock
	pacer     *ratelimit.Limiter
	logger    *zap.Logger
}

// New constructs a Pool. processor may be nil to disable tagging.
func New(provider crawler.Provider, processor PostProcessor, clock crawler.Clock, cfg Config, logger *zap.Logger) *Pool {
	if cfg.PageDelay == 0 {
		cfg.PageDelay = defaultPageDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		provider:  provider,
		processor: processor,
		clock:     clock,
		pacer:     ratelimit.New(ratelimit.Config{Interval: cfg.PageDelay, Observe: cfg.PageWaitObserver}),
		logger:    logger,
	}
}

// Run executes job and returns the aggregated result. It returns an error
// wrapping crawler.ErrValidation when the job has no credential or no
// resolvable target. A cancelled job returns the partial result of the
// targets that ran; Total then counts only those targets.
func (p *Pool) Run(ctx context.Context, job Job) (crawler.TaskResult, error) {
	if job.Cancel == nil {
		job.Cancel = NewCancelSignal()
	}
	if job.Emit == nil {
		job.Emit = func(crawler.TaskEvent) {}
	}
	settings := job.Settings
	if strings.TrimSpace(settings.Cookie) == "" {
		return crawler.TaskResult{}, fmt.Errorf("%w: %w", crawler.ErrValidation, crawler.ErrMissingCredential)
	}
	ctx = crawler.WithCredential(ctx, settings.Cookie)
	ctx = crawler.WithLogFunc(ctx, func(level, source, message string) {
		p.emit(job, crawler.EventCrawlerLog, message, map[string]any{"level": level, "logger": source})
	})
	identities, err := p.resolve(ctx, job.Targets)
	if err != nil {
		return crawler.TaskResult{}, err
	}
	if len(identities) == 0 {
		return crawler.TaskResult{}, fmt.Errorf("%w: %w", crawler.ErrValidation, crawler.ErrNoTargets)
	}
	if settings.DownloadPath != "" {
		if err := os.MkdirAll(settings.DownloadPath, 0o755); err != nil {
			return crawler.TaskResult{}, fmt.Errorf("create download path: %w", err)
		}
	}

	logger := p.logger.With(zap.String("task_id", job.TaskID))
	logger.Info("crawl started", zap.Int("targets", len(identities)), zap.Int("max_tasks", maxTasks(settings)))

	// gate is cancelled when the signal fires; it only guards waits
	// (semaphore, pacing), never provider calls.
	gate, stopGate := context.WithCancel(ctx)
	defer stopGate()
	go func() {
		select {
		case <-job.Cancel.Done():
			stopGate()
		case <-gate.Done():
		}
	}()

	sem := semaphore.NewWeighted(int64(maxTasks(settings)))
	var (
		mu     sync.Mutex
		result crawler.TaskResult
		wg     sync.WaitGroup
	)
	for _, identity := range identities {
		if job.Cancel.Cancelled() {
			break
		}
		wg.Add(1)
		go func(identity string) {
			defer wg.Done()
			if job.Cancel.Cancelled() {
				return
			}
			if err := sem.Acquire(gate, 1); err != nil {
				return
			}
			defer sem.Release(1)
			if job.Cancel.Cancelled() {
				return
			}
			tr := p.runTarget(ctx, gate, job, identity, logger.With(zap.String("target", identity)))
			mu.Lock()
			result.Add(tr)
			mu.Unlock()
		}(identity)
	}
	wg.Wait()

	result.Total = len(result.Users)
	logger.Info("crawl finished",
		zap.Int("processed", result.Total),
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
		zap.Bool("cancelled", job.Cancel.Cancelled()),
	)
	return result, nil
}

// resolve splits targets into raw identities and URLs, resolves the URLs in
// bulk and de-duplicates in first-seen order.
func (p *Pool) resolve(ctx context.Context, targets []crawler.Target) ([]string, error) {
	var ids, urls []string
	for _, t := range crawler.NormalizeTargets(targets) {
		if t.IsURL() {
			urls = append(urls, t.URL)
			continue
		}
		ids = append(ids, t.URL)
	}
	if len(urls) > 0 {
		resolved, err := p.provider.ResolveIdentities(ctx, urls)
		if err != nil {
			return nil, fmt.Errorf("resolve target urls: %w", err)
		}
		ids = append(ids, resolved...)
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func (p *Pool) runTarget(ctx, gate context.Context, job Job, identity string, logger *zap.Logger) (tr crawler.TargetResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("target worker panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			tr = p.failTarget(job, identity, fmt.Errorf("panic: %v", r))
		}
	}()
	tr, err := p.crawlTarget(ctx, gate, job, identity, logger)
	if err != nil {
		logger.Warn("target failed", zap.Error(err))
		return p.failTarget(job, identity, err)
	}
	return tr
}

func (p *Pool) failTarget(job Job, identity string, err error) crawler.TargetResult {
	short := identity
	if len(short) > shortIDLen {
		short = short[:shortIDLen]
	}
	p.emit(job, crawler.EventUserFailed, fmt.Sprintf("target %s failed: %v", short, err), map[string]any{
		"target": identity,
		"error":  err.Error(),
	})
	return crawler.TargetResult{Nickname: short, Status: crawler.TargetStatusFailed}
}

// crawlTarget pages through one target. With incremental mode on, paging
// stops once IncrementalThreshold consecutive items already exist on disk;
// new items seen earlier on that page are still downloaded. This is a
// heuristic that assumes the provider returns items newest first, so
// out-of-order content can stop paging early and under-fetch.
func (p *Pool) crawlTarget(ctx, gate context.Context, job Job, identity string, logger *zap.Logger) (crawler.TargetResult, error) {
	settings := job.Settings
	profile, err := p.provider.FetchProfile(ctx, identity)
	if err != nil {
		return crawler.TargetResult{}, fmt.Errorf("fetch profile: %w", err)
	}
	nickname := profile.Nickname
	if nickname == "" {
		nickname = unknownNickname
	}
	dir := p.provider.TargetDir(settings.DownloadPath, identity, profile)
	p.emit(job, crawler.EventUserStarted, "started target "+nickname, map[string]any{
		"target":   identity,
		"nickname": nickname,
	})

	threshold := settings.IncrementalThreshold
	if threshold <= 0 {
		threshold = defaultIncrementalThreshold
	}
	var existing map[string]struct{}
	if settings.IncrementalMode {
		existing = tagging.ExistingTimes(dir)
		logger.Debug("existing items scanned", zap.Int("existing", len(existing)))
	}

	stream, err := p.provider.StreamContent(ctx, identity, crawler.PageParams{
		PageCounts: settings.PageCounts,
		MaxCounts:  settings.MaxCounts,
	})
	if err != nil {
		return crawler.TargetResult{}, fmt.Errorf("open content stream: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			logger.Debug("close content stream", zap.Error(cerr))
		}
	}()

	paceKey := job.TaskID + "/" + identity
	defer p.pacer.Forget(paceKey)

	var (
		processed, newCount, skipped, consecutive int
		downloaded                                []crawler.ContentItem
	)
	for {
		if job.Cancel.Cancelled() {
			logger.Info("target stopped by cancellation")
			break
		}
		if err := p.pacer.Wait(gate, paceKey); err != nil {
			if job.Cancel.Cancelled() {
				continue
			}
			return crawler.TargetResult{}, err
		}
		page, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return crawler.TargetResult{}, fmt.Errorf("fetch page: %w", err)
		}
		if len(page) == 0 {
			continue
		}

		fresh := page
		pageSkipped := 0
		stop := false
		if settings.IncrementalMode {
			fresh = make([]crawler.ContentItem, 0, len(page))
			for _, item := range page {
				if _, ok := existing[item.CreateTime]; !ok {
					fresh = append(fresh, item)
					consecutive = 0
					continue
				}
				skipped++
				pageSkipped++
				consecutive++
				p.emit(job, crawler.EventItemSkipped, "skipped existing item "+item.CreateTime, map[string]any{
					"target":      identity,
					"nickname":    nickname,
					"create_time": item.CreateTime,
				})
				if consecutive >= threshold {
					stop = true
					break
				}
			}
		}

		if len(fresh) > 0 {
			if err := p.provider.Download(ctx, fresh, dir); err != nil {
				return crawler.TargetResult{}, fmt.Errorf("download %d items: %w", len(fresh), err)
			}
			newCount += len(fresh)
			downloaded = append(downloaded, fresh...)
			p.emit(job, crawler.EventItemDownloaded, fmt.Sprintf("%s: downloaded %d items", nickname, len(fresh)), map[string]any{
				"target":           identity,
				"nickname":         nickname,
				"batch_downloaded": len(fresh),
				"new_total":        newCount,
				"skipped_total":    skipped,
			})
		}
		processed += len(fresh) + pageSkipped
		p.emit(job, crawler.EventUserProgress, fmt.Sprintf("%s: processed %d items", nickname, processed), map[string]any{
			"target":    identity,
			"nickname":  nickname,
			"processed": processed,
			"new":       newCount,
			"skipped":   skipped,
		})
		if stop {
			p.emit(job, crawler.EventUserInfo,
				fmt.Sprintf("%s: %d consecutive existing items, stopping incremental crawl", nickname, consecutive),
				map[string]any{
					"target":                     identity,
					"nickname":                   nickname,
					"threshold":                  threshold,
					"consecutive_existing_count": consecutive,
				})
			break
		}
	}

	if settings.UpdateExif && len(downloaded) > 0 && p.processor != nil {
		p.emit(job, crawler.EventUserInfo, nickname+": updating media timestamps", map[string]any{
			"target":   identity,
			"nickname": nickname,
		})
		stats := p.processor.ProcessDownloaded(ctx, dir, downloaded)
		p.emit(job, crawler.EventUserInfo,
			fmt.Sprintf("%s: media timestamps updated, scanned %d, matched %d, updated %d in %.2fs",
				nickname, stats.FilesScanned, stats.MatchedFiles, stats.UpdatedFiles, stats.ElapsedSeconds),
			map[string]any{
				"target":     identity,
				"nickname":   nickname,
				"exif_stats": stats,
			})
	}

	p.emit(job, crawler.EventUserCompleted, fmt.Sprintf("%s: finished, %d new, %d skipped", nickname, newCount, skipped), map[string]any{
		"target":   identity,
		"nickname": nickname,
		"new":      newCount,
		"skipped":  skipped,
		"success":  true,
	})
	return crawler.TargetResult{
		Nickname: nickname,
		Success:  true,
		New:      newCount,
		Skipped:  skipped,
		Status:   crawler.TargetStatusOK,
	}, nil
}

func (p *Pool) emit(job Job, eventType, message string, data map[string]any) {
	job.Emit(crawler.TaskEvent{
		TaskID:    job.TaskID,
		Type:      eventType,
		Timestamp: p.clock.Now(),
		Message:   message,
		Data:      data,
	})
}

func maxTasks(s crawler.DownloaderSettings) int {
	if s.MaxTasks <= 0 {
		return defaultMaxTasks
	}
	return s.MaxTasks
}
