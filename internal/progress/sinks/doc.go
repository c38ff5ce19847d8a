// Package sinks implements task event consumers for the progress Hub:
// structured logging, Prometheus counters and completion notifications.
package sinks
