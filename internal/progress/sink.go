package progress

import "context"

// Sink receives flushed event batches from the Hub. A batch holds events
// from any mix of runs and municipalities in emit order. Consume must honor
// the context deadline; a sink that overruns it delays every other sink in
// the same flush. Close is called exactly once, after the final flush.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the write side the crawl workers see: fire one event and move
// on. The Hub satisfies it; tests substitute a recorder.
type Emitter interface {
	Emit(evt Event)
}
