package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// LogSink writes every task event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event at a level derived from its type.
func (s *LogSink) Consume(_ context.Context, batch []crawler.TaskEvent) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("type", evt.Type),
			zap.Time("event_ts", evt.Timestamp),
		}
		if target, ok := evt.Data["target"].(string); ok && target != "" {
			fields = append(fields, zap.String("target", target))
		}
		if ce := s.logger.Check(levelFor(evt.Type), evt.Message); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(eventType string) zapcore.Level {
	switch eventType {
	case crawler.EventUserFailed, crawler.EventTaskFailed:
		return zapcore.ErrorLevel
	case crawler.EventItemSkipped, crawler.EventTaskCancelled:
		return zapcore.WarnLevel
	case crawler.EventItemDownloaded, crawler.EventUserProgress:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
