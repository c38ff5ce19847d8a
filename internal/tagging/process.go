package tagging

import (
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// FileTimeLayout is the timestamp prefix providers put on downloaded file names.
const FileTimeLayout = "2006-01-02 15-04-05"

// DefaultChunkSize bounds how many files go into one exiftool call.
const DefaultChunkSize = 50

var fileTimePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}-\d{2}-\d{2})`)

// FileTime extracts the timestamp prefix of a file name.
func FileTime(name string) (string, bool) {
	m := fileTimePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExistingTimes lists the timestamp prefixes of the files directly inside dir.
// A missing or unreadable directory yields an empty set.
func ExistingTimes(dir string) map[string]struct{} {
	out := make(map[string]struct{})
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ts, ok := FileTime(entry.Name()); ok {
			out[ts] = struct{}{}
		}
	}
	return out
}

// ParseCreateTime interprets an item's create time, either in FileTimeLayout
// (wall clock in loc) or as unix seconds/milliseconds.
func ParseCreateTime(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	if strings.Contains(raw, "-") && strings.Contains(raw, " ") {
		ts, err := time.ParseInLocation(FileTimeLayout, raw, loc)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, false
	}
	if n > 1e10 {
		n /= 1000
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).In(loc), true
}

// Stats summarizes one ProcessDownloaded pass.
type Stats struct {
	Items          int           `json:"aweme_items"`
	FilesScanned   int           `json:"files_scanned"`
	MatchedFiles   int           `json:"matched_files"`
	UpdatedFiles   int           `json:"updated_files"`
	TimeGroups     int           `json:"time_groups"`
	Elapsed        time.Duration `json:"-"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
}

// Processor matches downloaded files to their source items and tags them.
type Processor struct {
	tagger    Tagger
	chunkSize int
	loc       *time.Location
	logger    *zap.Logger
}

// NewProcessor builds a Processor. loc is the zone file name prefixes are written in.
func NewProcessor(tagger Tagger, chunkSize int, loc *time.Location, logger *zap.Logger) *Processor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{tagger: tagger, chunkSize: chunkSize, loc: loc, logger: logger}
}

// ProcessDownloaded walks dir, groups files whose name prefix matches an
// item's create time and tags each group. Tagging failures only lower
// UpdatedFiles; they never abort the pass.
func (p *Processor) ProcessDownloaded(ctx context.Context, dir string, items []crawler.ContentItem) (stats Stats) {
	start := time.Now()
	stats = Stats{Items: len(items)}
	defer func() {
		stats.Elapsed = time.Since(start)
		stats.ElapsedSeconds = math.Round(stats.Elapsed.Seconds()*100) / 100
	}()

	if len(items) == 0 {
		return stats
	}
	if _, err := os.Stat(dir); err != nil {
		return stats
	}

	byPrefix := make(map[string]time.Time, len(items)*2)
	for _, item := range items {
		ts, ok := ParseCreateTime(item.CreateTime, p.loc)
		if !ok {
			continue
		}
		byPrefix[item.CreateTime] = ts
		byPrefix[ts.In(p.loc).Format(FileTimeLayout)] = ts
	}
	if len(byPrefix) == 0 {
		return stats
	}

	groups := make(map[int64][]string)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if d.IsDir() {
			return nil
		}
		stats.FilesScanned++
		prefix, ok := FileTime(d.Name())
		if !ok {
			return nil
		}
		ts, ok := byPrefix[prefix]
		if !ok {
			return nil
		}
		groups[ts.Unix()] = append(groups[ts.Unix()], path)
		stats.MatchedFiles++
		return nil
	})
	if walkErr != nil {
		p.logger.Warn("scan downloaded files", zap.String("dir", dir), zap.Error(walkErr))
	}

	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	stats.TimeGroups = len(groups)
	for _, k := range keys {
		stats.UpdatedFiles += p.TagGroup(ctx, groups[k], time.Unix(k, 0))
	}
	return stats
}

// TagGroup tags paths sharing one timestamp in chunks. A failed chunk is
// retried file by file. It returns how many files were updated.
func (p *Processor) TagGroup(ctx context.Context, paths []string, ts time.Time) int {
	updated := 0
	for i := 0; i < len(paths); i += p.chunkSize {
		end := min(i+p.chunkSize, len(paths))
		chunk := paths[i:end]
		if ctx.Err() != nil {
			return updated
		}
		err := p.tagger.TagBatch(ctx, chunk, ts)
		if err == nil {
			updated += len(chunk)
			continue
		}
		p.logger.Debug("batch tag failed, retrying per file", zap.Int("files", len(chunk)), zap.Error(err))
		for _, path := range chunk {
			if err := p.tagger.TagFile(ctx, path, ts); err != nil {
				p.logger.Debug("file tag failed", zap.String("path", path), zap.Error(err))
				continue
			}
			updated++
		}
	}
	return updated
}
