package db

import (
	"context"
	"sync"
	"time"
)

// DefaultChannelCapacity is the buffer size for queued writes.
const DefaultChannelCapacity = 100

// WriteOperation is one queued write.
type WriteOperation struct {
	Data      any
	Timestamp time.Time
}

// WriteHandler applies a queued write. Handlers report their own errors.
type WriteHandler func(op WriteOperation) error

// AsyncWriter applies writes on a background goroutine so the generation
// worker never waits on disk.
type AsyncWriter struct {
	writes  chan WriteOperation
	handler WriteHandler
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewAsyncWriter creates a writer with the given buffer capacity. onError may be nil.
func NewAsyncWriter(handler WriteHandler, capacity int, onError func(error)) *AsyncWriter {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		writes:  make(chan WriteOperation, capacity),
		handler: handler,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the background goroutine. Calling it twice is a no-op.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case op := <-w.writes:
			w.apply(op)
		}
	}
}

func (w *AsyncWriter) drain() {
	for {
		select {
		case op := <-w.writes:
			w.apply(op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) apply(op WriteOperation) {
	if err := w.handler(op); err != nil && w.onError != nil {
		w.onError(err)
	}
}

// Write queues data without blocking. It returns false when the buffer is full.
func (w *AsyncWriter) Write(data any) bool {
	select {
	case w.writes <- WriteOperation{Data: data, Timestamp: time.Now()}:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued writes.
func (w *AsyncWriter) Pending() int {
	return len(w.writes)
}

// Started reports whether Start has been called.
func (w *AsyncWriter) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Stop drains queued writes and waits for the goroutine, up to timeout.
// It reports whether the drain finished in time.
func (w *AsyncWriter) Stop(timeout time.Duration) bool {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
