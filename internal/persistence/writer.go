package persistence

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue serialises journal writes on one goroutine. The journal is
// best effort: when the queue is full new writes are dropped.
type WriterQueue struct {
	logger  *slog.Logger
	queue   chan writeCmd
	dropped atomic.Uint64
	done    chan struct{}
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 256
	}

	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
		done:   make(chan struct{}),
	}
}

func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) bool {
	select {
	case w.queue <- writeCmd{name: name, fn: fn}:
		return true
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.logger.Warn("db writer queue full, dropping write", "cmd", name, "dropped", n)
		}

		return false
	}
}

func (w *WriterQueue) Dropped() uint64 {
	return w.dropped.Load()
}

// Start runs the writer until ctx is done. Writes still queued at that
// point are executed with a short grace period before Done is closed.
func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				w.drain()

				return
			case cmd := <-w.queue:
				w.runWithRetry(ctx, cmd)
			}
		}
	}()
}

func (w *WriterQueue) Done() <-chan struct{} {
	return w.done
}

// Flush blocks until every write queued before the call has run.
func (w *WriterQueue) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	cmd := writeCmd{name: "flush", fn: func(context.Context) error {
		close(barrier)

		return nil
	}}
	select {
	case w.queue <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriterQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case cmd := <-w.queue:
			w.runWithRetry(ctx, cmd)
		default:
			return
		}
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := cmd.fn(ctx); err != nil {
			w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
			if attempt == maxAttempts {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}

			continue
		}

		return
	}
}
