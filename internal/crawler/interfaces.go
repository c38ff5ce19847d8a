package crawler

import (
	"context"
	"time"
)

// Provider is the site-specific crawl capability the orchestrator drives.
// Implementations own identity resolution, paging and media download.
type Provider interface {
	// ResolveIdentities maps profile URLs to provider identities. Unresolvable
	// URLs are omitted from the result.
	ResolveIdentities(ctx context.Context, urls []string) ([]string, error)
	FetchProfile(ctx context.Context, identity string) (Profile, error)
	// StreamContent opens a finite, non-restartable page stream.
	StreamContent(ctx context.Context, identity string, params PageParams) (ContentStream, error)
	// Download writes the media for items into destination.
	Download(ctx context.Context, items []ContentItem, destination string) error
	// TargetDir returns where a target's media is stored under root.
	TargetDir(root, identity string, profile Profile) string
}

// ContentStream yields pages of content items. Next returns io.EOF once the
// provider has no more pages.
type ContentStream interface {
	Next(ctx context.Context) ([]ContentItem, error)
	Close() error
}

// TaskStore persists task rows for history.
type TaskStore interface {
	Ensure(ctx context.Context) error
	LoadAll(ctx context.Context) ([]Task, error)
	Upsert(ctx context.Context, task Task) error
}

// ScheduleStore persists schedule definitions.
type ScheduleStore interface {
	Ensure(ctx context.Context) error
	LoadAll(ctx context.Context) ([]Schedule, error)
	Upsert(ctx context.Context, schedule Schedule) error
	Delete(ctx context.Context, id string) error
}

// SettingsSource supplies the current global downloader settings.
type SettingsSource interface {
	Load(ctx context.Context) (DownloaderSettings, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and schedule IDs.
type IDGenerator interface {
	NewID() (string, error)
}
