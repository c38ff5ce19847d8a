// Package settings serves the global downloader settings new tasks start with.
package settings

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Source holds the current settings and swaps them atomically on reload.
// It satisfies crawler.SettingsSource.
type Source struct {
	current atomic.Pointer[crawler.DownloaderSettings]
	logger  *zap.Logger
}

// NewSource seeds a Source with initial.
func NewSource(initial crawler.DownloaderSettings, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{logger: logger}
	cp := initial.Clone()
	s.current.Store(&cp)
	return s
}

// Load returns a copy of the current settings.
func (s *Source) Load(context.Context) (crawler.DownloaderSettings, error) {
	return s.current.Load().Clone(), nil
}

// Redacted returns the current settings with the cookie cleared.
func (s *Source) Redacted() crawler.DownloaderSettings {
	return s.current.Load().Redacted()
}

// Replace installs next as the settings for tasks created from now on.
// Running tasks keep the snapshot they started with.
func (s *Source) Replace(next crawler.DownloaderSettings) {
	cp := next.Clone()
	prev := s.current.Swap(&cp)
	s.logger.Info("downloader settings reloaded",
		zap.Int("max_tasks", cp.MaxTasks),
		zap.Int("targets", len(cp.Targets)),
		zap.Bool("cookie_changed", prev.Cookie != cp.Cookie),
	)
}
