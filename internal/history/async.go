package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 5 * time.Second
)

// Async queues events and delivers them to the wrapped sink on one goroutine,
// so lifecycle transitions never wait on a slow database. When the queue is
// full the event is dropped and logged.
type Async struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewAsync starts the delivery goroutine for sink.
func NewAsync(sink Sink, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:    sink,
		logger:  logger,
		timeout: defaultSendTimeout,
		queue:   make(chan Event, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// Send enqueues e. It never blocks and only fails after Close.
func (a *Async) Send(_ context.Context, e Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return io.ErrClosedPipe
	}
	select {
	case a.queue <- e:
	default:
		a.logger.Warn("history queue full, dropping event", "type", e.Type)
	}
	return nil
}

// Close drains queued events (bounded by ctx) and closes the wrapped sink.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c, ok := a.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Send(ctx, e); err != nil {
			a.logger.Warn("history sink send failed", "type", e.Type, "error", err)
		}
		cancel()
	}
}
