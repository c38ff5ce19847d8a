package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const defaultSubscriberBuffer = 256

// Subscription is one observer's live view of a task's events. C is closed
// when the task ends or the subscription is cancelled.
type Subscription struct {
	ID     uint64
	TaskID string
	C      <-chan crawler.TaskEvent
}

// Broker fans task events out to per-observer channels. Each task has its
// own topic and lock so registry operations on different tasks never contend.
// Publish never blocks: a subscriber whose buffer is full loses the event.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic

	buffer      int
	nextID      atomic.Uint64
	dropped     atomic.Int64
	dropLimiter rateLimiter
	logger      *zap.Logger
}

type topic struct {
	mu     sync.Mutex
	subs   map[uint64]chan crawler.TaskEvent
	closed bool
}

// NewBroker creates a Broker whose subscriber channels hold buffer events.
func NewBroker(buffer int, logger *zap.Logger) *Broker {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		topics:      make(map[string]*topic),
		buffer:      buffer,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		logger:      logger,
	}
}

func (b *Broker) topic(taskID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[uint64]chan crawler.TaskEvent)}
		b.topics[taskID] = t
	}
	return t
}

// Subscribe registers a new observer for taskID. Subscribing to a task that
// already ended yields a closed channel.
func (b *Broker) Subscribe(taskID string) Subscription {
	t := b.topic(taskID)
	ch := make(chan crawler.TaskEvent, b.buffer)
	id := b.nextID.Add(1)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
	} else {
		t.subs[id] = ch
	}
	return Subscription{ID: id, TaskID: taskID, C: ch}
}

// Unsubscribe removes the observer and closes its channel. Unknown handles are ignored.
func (b *Broker) Unsubscribe(taskID string, id uint64) {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
}

// Publish delivers evt to every current subscriber of evt.TaskID.
func (b *Broker) Publish(evt crawler.TaskEvent) {
	b.mu.Lock()
	t, ok := b.topics[evt.TaskID]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			if b.dropLimiter.Allow(time.Now()) {
				count := b.dropped.Swap(0)
				b.logger.Warn("task events dropped for slow subscriber",
					zap.String("task_id", evt.TaskID),
					zap.Int64("dropped", count),
				)
			}
		}
	}
}

// CloseTask ends every subscription of taskID and rejects new ones with a
// closed channel.
func (b *Broker) CloseTask(taskID string) {
	t := b.topic(taskID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of live observers for taskID.
func (b *Broker) Subscribers(taskID string) int {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// RemoveTask drops the topic of a task that is no longer tracked, closing
// any subscriptions still attached to it.
func (b *Broker) RemoveTask(taskID string) {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	delete(b.topics, taskID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// Topics returns the number of tasks the broker currently tracks.
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
