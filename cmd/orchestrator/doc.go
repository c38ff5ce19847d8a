// Package main hosts the crawl orchestrator entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, settings, task and schedule endpoints plus a
//     Server-Sent Events stream of live task progress.
//   - Task manager: internal/manager owns the task registry, persists every transition through the configured
//     TaskStore (memory, sqlite or postgres) and runs each task on the crawl worker pool in its own goroutine.
//   - Worker pool: internal/worker validates the cookie, resolves targets through the provider sidecar, pages through
//     each target's content with incremental stop, downloads new items and tags them with exiftool in batches.
//   - Events: every task event is fanned out to live subscribers by progress.Broker and batched by progress.Hub into
//     the log, Prometheus and Pub/Sub notification sinks.
//   - Scheduler: internal/scheduler evaluates cron schedules on a tick loop and creates tasks through the manager.
//   - Configuration: Viper reads the config file and ORCHESTRATOR_* environment overrides; edits to the downloader
//     section of the file are picked up for tasks created afterwards.
//
// Operational notes:
//   - On startup, tasks a previous process left pending or running are marked cancelled.
//   - SIGINT/SIGTERM drains the HTTP server, stops the scheduler, cancels running tasks and flushes event sinks
//     within server.shutdown_timeout.
//   - Run locally: go run ./cmd/orchestrator -config config.yaml (or rely solely on env overrides).
package main
