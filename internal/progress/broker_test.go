package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestBrokerDeliversSameSequenceToEverySubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker(16, nil)
	first := b.Subscribe("task-1")
	second := b.Subscribe("task-1")
	other := b.Subscribe("task-2")
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, 2, b.Subscribers("task-1"))

	types := []string{crawler.EventUserStarted, crawler.EventItemDownloaded, crawler.EventUserCompleted}
	for _, typ := range types {
		b.Publish(sampleEvent("task-1", typ))
	}

	for _, sub := range []Subscription{first, second} {
		for _, typ := range types {
			select {
			case evt := <-sub.C:
				require.Equal(t, typ, evt.Type)
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d missed %s", sub.ID, typ)
			}
		}
	}
	require.Empty(t, other.C)
}

func TestBrokerCloseTaskEndsSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewBroker(4, nil)
	sub := b.Subscribe("task-1")
	b.Publish(sampleEvent("task-1", crawler.EventTaskCompleted))
	b.CloseTask("task-1")

	evt, ok := <-sub.C
	require.True(t, ok)
	require.Equal(t, crawler.EventTaskCompleted, evt.Type)
	_, ok = <-sub.C
	require.False(t, ok)
	require.Zero(t, b.Subscribers("task-1"))

	late := b.Subscribe("task-1")
	_, ok = <-late.C
	require.False(t, ok)

	// Publishing after close is a no-op.
	b.Publish(sampleEvent("task-1", crawler.EventTaskStatus))
	b.CloseTask("task-1")
}

func TestBrokerUnsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker(4, nil)
	keep := b.Subscribe("task-1")
	drop := b.Subscribe("task-1")

	b.Unsubscribe("task-1", drop.ID)
	b.Unsubscribe("task-1", drop.ID)
	b.Unsubscribe("missing", 42)
	_, ok := <-drop.C
	require.False(t, ok)

	b.Publish(sampleEvent("task-1", crawler.EventUserStarted))
	require.Len(t, keep.C, 1)
	require.Equal(t, 1, b.Subscribers("task-1"))
}

func TestBrokerPublishSkipsFullSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker(1, nil)
	slow := b.Subscribe("task-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(sampleEvent("task-1", crawler.EventItemDownloaded))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	require.Len(t, slow.C, 1)
}

func TestBrokerRemoveTaskForgetsTopic(t *testing.T) {
	t.Parallel()

	b := NewBroker(4, nil)
	sub := b.Subscribe("task-1")
	b.Subscribe("task-2")
	require.Equal(t, 2, b.Topics())

	b.RemoveTask("task-1")
	b.RemoveTask("missing")
	_, ok := <-sub.C
	require.False(t, ok)
	require.Equal(t, 1, b.Topics())
	require.Zero(t, b.Subscribers("task-1"))
}
