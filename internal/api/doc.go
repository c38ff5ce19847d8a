// Package api hosts the HTTP server, middleware, and REST handlers for the
// orchestrator. Notable routes:
//   - GET /healthz and /readyz for health checks, GET /metrics for Prometheus.
//   - GET /api/settings for the redacted downloader defaults.
//   - /api/tasks for creating, listing, inspecting and cancelling tasks, and
//     GET /api/tasks/{task_id}/stream for live events over Server-Sent Events.
//   - /api/schedules for cron schedule management.
package api
