package progress

import "context"

// Sink consumes batches of progress events. Consume may be called
// concurrently and must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. *Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
