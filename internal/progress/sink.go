package progress

import (
	"context"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Sink consumes batches of task events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.TaskEvent) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// task manager can remain agnostic about how events are buffered or persisted.
type Emitter interface {
	Emit(evt crawler.TaskEvent)
}
