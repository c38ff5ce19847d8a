// Package progress moves task events from the task manager to their
// consumers. Broker fans events out to live per-observer channels; Hub
// batches them on a background goroutine for pluggable sinks such as
// Prometheus metrics, structured logs or completion notifications.
package progress
