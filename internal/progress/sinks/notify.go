package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Notification is the payload published when a task reaches a terminal state.
type Notification struct {
	TaskID    string         `json:"task_id"`
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// NotifySink forwards terminal task events to a Publisher topic.
type NotifySink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink builds a sink that publishes to topic.
func NewNotifySink(publisher crawler.Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes every terminal event in the batch. Non-terminal events are ignored.
func (s *NotifySink) Consume(ctx context.Context, batch []crawler.TaskEvent) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !crawler.IsTerminalEvent(evt.Type) {
			continue
		}
		msg := Notification{
			TaskID:    evt.TaskID,
			Event:     evt.Type,
			Timestamp: evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Message:   evt.Message,
			Data:      evt.Data,
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for task %s: %w", evt.Type, evt.TaskID, err))
			continue
		}
		s.logger.Debug("task notification published",
			zap.String("task_id", evt.TaskID),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
