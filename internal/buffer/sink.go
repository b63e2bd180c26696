package buffer

import "context"

// Sink receives assembled batches from a Processor.
//
// The processor calls Export from a single goroutine, one batch at a time,
// so implementations need no protection against concurrent calls from the
// same processor. ctx carries the processor's export timeout; a sink that
// keeps running past it is reported as timed out. The batch slice is not
// touched by the processor after Export returns.
//
// Retrying is the sink's business: the processor discards the batch
// whatever the outcome.
type Sink[T any] interface {
	Export(ctx context.Context, batch []T) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc[T any] func(ctx context.Context, batch []T) error

// Export calls f(ctx, batch).
func (f SinkFunc[T]) Export(ctx context.Context, batch []T) error {
	return f(ctx, batch)
}
