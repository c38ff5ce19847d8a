// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// EnvPrefix is prepended to every environment override, e.g.
// ORCHESTRATOR_SERVER_PORT or ORCHESTRATOR_DOWNLOADER_COOKIE.
const EnvPrefix = "ORCHESTRATOR"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Auth       AuthConfig                 `mapstructure:"auth"`
	Logging    LoggingConfig              `mapstructure:"logging"`
	Storage    StorageConfig              `mapstructure:"storage"`
	Scheduler  SchedulerConfig            `mapstructure:"scheduler"`
	Worker     WorkerConfig               `mapstructure:"worker"`
	Events     EventsConfig               `mapstructure:"events"`
	Downloader crawler.DownloaderSettings `mapstructure:"downloader"`
	Provider   ProviderConfig             `mapstructure:"provider"`
	PubSub     PubSubConfig               `mapstructure:"pubsub"`
	Metrics    MetricsConfig              `mapstructure:"metrics"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig selects where task history and schedules live.
type StorageConfig struct {
	Driver       string `mapstructure:"driver"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// SchedulerConfig controls the cron tick loop.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Timezone     string        `mapstructure:"timezone"`
}

// WorkerConfig tunes the crawl worker pool and media tagging.
type WorkerConfig struct {
	PageDelay        time.Duration `mapstructure:"page_delay"`
	TagChunkSize     int           `mapstructure:"tag_chunk_size"`
	ExifToolPath     string        `mapstructure:"exiftool_path"`
	TagTimeout       time.Duration `mapstructure:"tag_timeout"`
	TagFileTimeout   time.Duration `mapstructure:"tag_file_timeout"`
	Timezone         string        `mapstructure:"timezone"`
	LogFlushInterval time.Duration `mapstructure:"log_flush_interval"`
	LogHistoryLimit  int           `mapstructure:"log_history_limit"`
}

// EventsConfig sizes the live subscriber buffers and the sink batching hub.
type EventsConfig struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	HubBuffer        int           `mapstructure:"hub_buffer"`
	BatchEvents      int           `mapstructure:"batch_events"`
	BatchWait        time.Duration `mapstructure:"batch_wait"`
}

// ProviderConfig points at the crawl provider sidecar.
type ProviderConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig toggles the Prometheus endpoint and sink.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	return decode(v)
}

// WatchDownloader re-reads the config file whenever it changes and hands the
// new downloader settings to apply. Invalid edits are reported to onError and
// otherwise ignored.
func WatchDownloader(path string, apply func(crawler.DownloaderSettings), onError func(error)) error {
	if path == "" {
		return fmt.Errorf("config path is required to watch")
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		apply(cfg.Downloader)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Downloader.Targets = crawler.NormalizeTargets(cfg.Downloader.Targets)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "data/orchestrator.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.history_limit", 200)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", "30s")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("worker.page_delay", "2s")
	v.SetDefault("worker.tag_chunk_size", 50)
	v.SetDefault("worker.exiftool_path", "exiftool")
	v.SetDefault("worker.tag_timeout", "120s")
	v.SetDefault("worker.tag_file_timeout", "30s")
	v.SetDefault("worker.timezone", "UTC")
	v.SetDefault("worker.log_flush_interval", "1s")
	v.SetDefault("worker.log_history_limit", 2000)
	v.SetDefault("events.subscriber_buffer", 256)
	v.SetDefault("events.hub_buffer", 1024)
	v.SetDefault("events.batch_events", 256)
	v.SetDefault("events.batch_wait", "500ms")
	v.SetDefault("downloader.cookie", "")
	v.SetDefault("downloader.max_tasks", 3)
	v.SetDefault("downloader.page_counts", 20)
	v.SetDefault("downloader.max_counts", 0)
	v.SetDefault("downloader.timeout", 20)
	v.SetDefault("downloader.max_retries", 4)
	v.SetDefault("downloader.max_connections", 10)
	v.SetDefault("downloader.mode", "post")
	v.SetDefault("downloader.naming", "{create}_{desc}")
	v.SetDefault("downloader.folderize", true)
	v.SetDefault("downloader.update_exif", true)
	v.SetDefault("downloader.incremental_mode", true)
	v.SetDefault("downloader.incremental_threshold", 20)
	v.SetDefault("downloader.download_path", "downloads")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.timeout", "60s")
	v.SetDefault("provider.max_attempts", 3)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, sqlite, postgres; got %q", c.Storage.Driver)
	}
	if c.Storage.HistoryLimit <= 0 {
		return fmt.Errorf("storage.history_limit must be > 0")
	}
	if c.Scheduler.Enabled && c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0 when the scheduler is enabled")
	}
	if _, err := loadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if _, err := loadLocation(c.Worker.Timezone); err != nil {
		return fmt.Errorf("worker.timezone: %w", err)
	}
	if c.Worker.TagChunkSize <= 0 {
		return fmt.Errorf("worker.tag_chunk_size must be > 0")
	}
	if c.Downloader.MaxTasks <= 0 {
		return fmt.Errorf("downloader.max_tasks must be > 0")
	}
	if c.Downloader.IncrementalThreshold <= 0 {
		return fmt.Errorf("downloader.incremental_threshold must be > 0")
	}
	if c.Downloader.PageCounts <= 0 {
		return fmt.Errorf("downloader.page_counts must be > 0")
	}
	if strings.TrimSpace(c.Provider.BaseURL) == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// SchedulerLocation resolves the zone cron expressions are evaluated in.
func (c Config) SchedulerLocation() *time.Location {
	loc, err := loadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WorkerLocation resolves the zone media timestamps are written in.
func (c Config) WorkerLocation() *time.Location {
	loc, err := loadLocation(c.Worker.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func loadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", name, err)
	}
	return loc, nil
}
