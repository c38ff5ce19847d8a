// Package main wires together the crawl orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/api"
	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/logging"
	"github.com/JakeFAU/crawl-orchestrator/internal/manager"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress/sinks"
	"github.com/JakeFAU/crawl-orchestrator/internal/provider/remote"
	memorypublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/settings"
	memorystore "github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/sqlite"
	"github.com/JakeFAU/crawl-orchestrator/internal/tagging"
	"github.com/JakeFAU/crawl-orchestrator/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, *cfgPath, logger); err != nil {
		logger.Error("orchestrator exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, cfgPath string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metrics.Init()
	}
	clock := system.New()
	idGen := uuid.New()

	stores, err := openStores(ctx, cfg, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer stores.close()

	source := settings.NewSource(cfg.Downloader, logger.Named("settings"))
	if cfgPath != "" {
		watchErr := config.WatchDownloader(cfgPath, source.Replace, func(err error) {
			logger.Warn("config reload rejected", zap.Error(err))
		})
		if watchErr != nil {
			logger.Warn("config watch unavailable", zap.Error(watchErr))
		}
	}

	provider, err := remote.New(remote.Config{
		BaseURL:     cfg.Provider.BaseURL,
		Timeout:     cfg.Provider.Timeout,
		MaxAttempts: cfg.Provider.MaxAttempts,
	}, logger.Named("provider"))
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}

	tagger := tagging.NewExifTool(tagging.ExifToolConfig{
		Path:         cfg.Worker.ExifToolPath,
		Location:     cfg.WorkerLocation(),
		BatchTimeout: cfg.Worker.TagTimeout,
		FileTimeout:  cfg.Worker.TagFileTimeout,
	}, logger.Named("exiftool"))
	processor := tagging.NewProcessor(tagger, cfg.Worker.TagChunkSize, cfg.WorkerLocation(), logger.Named("tagging"))

	workerCfg := worker.Config{PageDelay: cfg.Worker.PageDelay}
	if cfg.Metrics.Enabled {
		workerCfg.PageWaitObserver = metrics.ObservePageWait
	}
	pool := worker.New(provider, processor, clock, workerCfg, logger.Named("worker"))

	publisher, closePublisher, err := newPublisher(ctx, cfg, logger.Named("publisher"))
	if err != nil {
		return err
	}
	defer closePublisher()

	eventSinks := []progress.Sink{
		sinks.NewLogSink(logger.Named("events")),
		sinks.NewNotifySink(publisher, cfg.PubSub.TopicName, logger.Named("notify")),
	}
	if cfg.Metrics.Enabled {
		promSink, err := sinks.NewPrometheusSink(nil)
		if err != nil {
			return fmt.Errorf("init prometheus sink: %w", err)
		}
		eventSinks = append(eventSinks, promSink)
	}
	hub := progress.NewHub(progress.HubConfig{
		BufferSize:     cfg.Events.HubBuffer,
		MaxBatchEvents: cfg.Events.BatchEvents,
		MaxBatchWait:   cfg.Events.BatchWait,
		Logger:         logger.Named("hub"),
	}, eventSinks...)
	broker := progress.NewBroker(cfg.Events.SubscriberBuffer, logger.Named("broker"))

	mgr := manager.New(stores.tasks, pool, broker, hub, clock, idGen, manager.Config{
		LogFlushInterval: cfg.Worker.LogFlushInterval,
		LogHistoryLimit:  cfg.Worker.LogHistoryLimit,
		HistoryLimit:     cfg.Storage.HistoryLimit,
	}, logger.Named("manager"))
	if err := mgr.Startup(ctx); err != nil {
		return fmt.Errorf("task manager startup: %w", err)
	}

	var sched *scheduler.Service
	var scheduleAPI api.ScheduleService
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(stores.schedules, source, mgr, clock, idGen, scheduler.Config{
			TickInterval: cfg.Scheduler.TickInterval,
			Location:     cfg.SchedulerLocation(),
		}, logger.Named("scheduler"))
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler start: %w", err)
		}
		scheduleAPI = sched
	}

	apiServer := api.NewServer(mgr, scheduleAPI, source, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port), zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("scheduler stop error", zap.Error(err))
		}
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("task manager shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

type storeSet struct {
	tasks     crawler.TaskStore
	schedules crawler.ScheduleStore
	close     func()
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (storeSet, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Storage.SQLitePath})
		if err != nil {
			return storeSet{}, fmt.Errorf("open sqlite: %w", err)
		}
		return storeSet{
			tasks:     sqlite.NewTaskStore(db, cfg.Storage.HistoryLimit, logger),
			schedules: sqlite.NewScheduleStore(db, logger),
			close: func() {
				if err := db.Close(); err != nil {
					logger.Warn("close sqlite", zap.Error(err))
				}
			},
		}, nil
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{DSN: cfg.Storage.DSN, MaxConns: cfg.Storage.MaxConns})
		if err != nil {
			return storeSet{}, fmt.Errorf("connect postgres: %w", err)
		}
		tasks, err := postgres.NewTaskStore(pool, cfg.Storage.HistoryLimit, logger)
		if err != nil {
			pool.Close()
			return storeSet{}, err
		}
		schedules, err := postgres.NewScheduleStore(pool, logger)
		if err != nil {
			pool.Close()
			return storeSet{}, err
		}
		return storeSet{tasks: tasks, schedules: schedules, close: pool.Close}, nil
	default:
		logger.Warn("using in-memory storage; task history and schedules are lost on restart")
		return storeSet{
			tasks:     memorystore.NewTaskStore(cfg.Storage.HistoryLimit),
			schedules: memorystore.NewScheduleStore(),
			close:     func() {},
		}, nil
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		return memorypublisher.New(memorypublisher.WithLogger(logger)), func() {}, nil
	}
	pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			logger.Warn("close pubsub publisher", zap.Error(err))
		}
	}, nil
}
