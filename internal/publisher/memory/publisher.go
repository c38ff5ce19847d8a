// Package memory keeps task notifications in process. It is the default
// publisher when no Pub/Sub project is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const defaultCapacity = 512

// Message is one recorded notification with its JSON encoding.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher records notifications in a bounded ring, newest last.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	capacity int
	seq      int
	logger   *zap.Logger
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithCapacity bounds how many messages are retained.
func WithCapacity(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithLogger logs each publish at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a memory Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{capacity: defaultCapacity, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish encodes payload as JSON, records it and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	if over := len(p.messages) - p.capacity; over > 0 {
		p.messages = append([]Message(nil), p.messages[over:]...)
	}
	p.logger.Debug("notification recorded", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

// Messages returns a copy of the retained messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
