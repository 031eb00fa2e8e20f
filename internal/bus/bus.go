// Package bus provides the in-process publish/subscribe dispatcher all
// engine components communicate through. A single dispatch goroutine drains
// a bounded queue, so handler execution is serialized: no handler is ever
// invoked concurrently with itself, and events are delivered in publish
// order. Handler-originated publishes that find the queue full spill to an
// overflow buffer the dispatcher re-injects, so the dispatcher never blocks
// on its own queue. The bus holds no event after delivery.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// DefaultQueueSize bounds the dispatch queue. Publish blocks only when the
// queue itself is full, never on handler execution.
const DefaultQueueSize = 1024

// dispatchCtxKey marks the context handlers run under, so Publish can tell
// a handler-originated publish from an external one.
type dispatchCtxKey struct{}

// Handler processes one event. Returning an error does not stop delivery to
// other handlers; the bus logs it and publishes a HandlerFailed event.
type Handler func(ctx context.Context, ev domain.Event) error

// Bus is the in-process event dispatcher.
type Bus struct {
	queue  chan domain.Event
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[domain.EventKind][]namedHandler
	closed   bool

	// overflow holds handler-published events that found the queue full.
	// The dispatcher re-injects them as capacity frees, so a handler's
	// Publish never blocks the goroutine that would drain the queue.
	omu      sync.Mutex
	overflow []domain.Event
}

type namedHandler struct {
	name string
	fn   Handler
}

// New creates a Bus with the given queue capacity; size <= 0 uses
// DefaultQueueSize.
func New(size int, logger *slog.Logger) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		queue:    make(chan domain.Event, size),
		handlers: make(map[domain.EventKind][]namedHandler),
		logger:   logger.With(slog.String("component", "bus")),
	}
}

// Subscribe registers a handler for one event kind. Registration order is
// delivery order for that kind. The name identifies the handler in logs.
func (b *Bus) Subscribe(kind domain.EventKind, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], namedHandler{name: name, fn: h})
	b.logger.Debug("handler subscribed",
		slog.String("kind", string(kind)),
		slog.String("handler", name),
	)
}

// Publish enqueues an event for asynchronous delivery. It never waits for
// handlers. External publishers block when the queue is at capacity, giving
// the feeds backpressure; a publish from inside a handler instead spills to
// the overflow buffer, because the publisher is running on the dispatch
// goroutine and blocking it would freeze the only consumer.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	select {
	case b.queue <- ev:
		return nil
	default:
	}

	if ctx.Value(dispatchCtxKey{}) != nil {
		b.omu.Lock()
		b.overflow = append(b.overflow, ev)
		depth := len(b.overflow)
		b.omu.Unlock()
		b.logger.Warn("queue full, event spilled to overflow",
			slog.String("kind", string(ev.Kind())),
			slog.Int("overflow_depth", depth),
		)
		return nil
	}

	select {
	case b.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until the context is cancelled, dispatching each
// event to its kind's handlers in registration order. A handler error or
// panic is recovered, logged, and surfaced as a HandlerFailed event; it
// neither stops delivery to later handlers nor halts the bus.
func (b *Bus) Run(ctx context.Context) error {
	b.logger.Info("bus started")
	defer b.logger.Info("bus stopped")

	// Handlers run under a marked context so their publishes take the
	// overflow path instead of blocking this goroutine.
	dispatchCtx := context.WithValue(ctx, dispatchCtxKey{}, struct{}{})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.queue:
			b.dispatch(dispatchCtx, ev)
			b.refill()
		}
	}
}

// refill moves spilled events back into the queue, oldest first, keeping
// delivery order within the overflow. Whatever does not fit waits for the
// next dispatch cycle.
func (b *Bus) refill() {
	b.omu.Lock()
	defer b.omu.Unlock()
	for len(b.overflow) > 0 {
		select {
		case b.queue <- b.overflow[0]:
			b.overflow = b.overflow[1:]
		default:
			return
		}
	}
	b.overflow = nil
}

func (b *Bus) dispatch(ctx context.Context, ev domain.Event) {
	b.mu.RLock()
	handlers := b.handlers[ev.Kind()]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.invoke(ctx, h, ev); err != nil {
			b.logger.Error("event handler failed",
				slog.String("kind", string(ev.Kind())),
				slog.String("handler", h.name),
				slog.String("error", err.Error()),
			)
			// Surface the failure as an event, unless the failing event is
			// itself a HandlerFailed (which would recurse).
			if ev.Kind() != domain.KindHandlerFailed {
				failed := domain.HandlerFailed{
					EventMeta:  domain.NewEventMeta(),
					FailedKind: ev.Kind(),
					Err:        err.Error(),
				}
				select {
				case b.queue <- failed:
				default:
					// Queue full under failure storm; the log line above is
					// the durable record.
				}
			}
		}
	}
}

// invoke runs one handler with panic recovery.
func (b *Bus) invoke(ctx context.Context, h namedHandler, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.name, r)
		}
	}()
	return h.fn(ctx, ev)
}

// QueueDepth reports the number of events waiting for dispatch.
func (b *Bus) QueueDepth() int { return len(b.queue) }
