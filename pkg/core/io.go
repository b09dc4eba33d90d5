package core

import "context"

// Source produces input units. Fetch returns up to count units starting at
// offset; an empty result or io.EOF signals that the source is exhausted.
type Source interface {
	Fetch(ctx context.Context, offset, count int) ([]any, error)
}

type SourceFunc func(ctx context.Context, offset, count int) ([]any, error)

func (f SourceFunc) Fetch(ctx context.Context, offset, count int) ([]any, error) {
	return f(ctx, offset, count)
}

// Sink receives output units.
type Sink interface {
	Write(units []any) error
}

type SinkFunc func(units []any) error

func (f SinkFunc) Write(units []any) error { return f(units) }

// Flusher is implemented by sinks that buffer writes.
type Flusher interface {
	Flush() error
}

// ReadCounter is implemented by sources that track consumed bytes.
type ReadCounter interface {
	BytesRead() int64
}

// WriteCounter is implemented by sinks that track written bytes.
type WriteCounter interface {
	BytesWritten() int64
}
