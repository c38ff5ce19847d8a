// Package tagging writes content creation times into downloaded media
// metadata with exiftool.
package tagging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Tagger stamps files with a creation timestamp.
type Tagger interface {
	// TagBatch updates every path in one external call.
	TagBatch(ctx context.Context, paths []string, ts time.Time) error
	// TagFile updates a single path.
	TagFile(ctx context.Context, path string, ts time.Time) error
}

const (
	exifTimeLayout      = "2006:01:02 15:04:05-07:00"
	defaultBatchTimeout = 120 * time.Second
	defaultFileTimeout  = 30 * time.Second
)

var exifTimeTags = []string{
	"CreateDate",
	"ModifyDate",
	"DateTimeOriginal",
	"TrackCreateDate",
	"TrackModifyDate",
	"MediaCreateDate",
	"MediaModifyDate",
}

// ExifToolConfig configures the exiftool binary wrapper.
type ExifToolConfig struct {
	Path         string
	Location     *time.Location
	BatchTimeout time.Duration
	FileTimeout  time.Duration
}

// ExifTool implements Tagger by shelling out to exiftool.
type ExifTool struct {
	cfg    ExifToolConfig
	logger *zap.Logger
}

// NewExifTool fills defaults and returns the wrapper.
func NewExifTool(cfg ExifToolConfig, logger *zap.Logger) *ExifTool {
	if cfg.Path == "" {
		cfg.Path = "exiftool"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = defaultFileTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExifTool{cfg: cfg, logger: logger}
}

// TagBatch implements Tagger.
func (e *ExifTool) TagBatch(ctx context.Context, paths []string, ts time.Time) error {
	if len(paths) == 0 {
		return nil
	}
	return e.run(ctx, e.cfg.BatchTimeout, e.args(paths, ts))
}

// TagFile implements Tagger.
func (e *ExifTool) TagFile(ctx context.Context, path string, ts time.Time) error {
	return e.run(ctx, e.cfg.FileTimeout, e.args([]string{path}, ts))
}

func (e *ExifTool) args(paths []string, ts time.Time) []string {
	stamp := ts.In(e.cfg.Location).Format(exifTimeLayout)
	args := make([]string, 0, 1+len(exifTimeTags)+len(paths))
	args = append(args, "-overwrite_original")
	for _, tag := range exifTimeTags {
		args = append(args, "-"+tag+"="+stamp)
	}
	return append(args, paths...)
}

func (e *ExifTool) run(ctx context.Context, timeout time.Duration, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.cfg.Path, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("exiftool timed out after %s: %w", timeout, ctx.Err())
		}
		if msg != "" {
			return fmt.Errorf("exiftool: %w: %s", err, msg)
		}
		return fmt.Errorf("exiftool: %w", err)
	}
	return nil
}
