package events

import (
	"log/slog"
	"sync"

	"github.com/cibofdevs/envpilot-sub000/internal/domain"
)

// Handler consumes a status-change event. Handlers run on the bus goroutine
// and are responsible for their own error handling.
type Handler func(domain.StatusChangeEvent)

// Bus carries status-change events from the reconciliation engine to
// subscribers. Publish never blocks the publisher: a full buffer drops the
// event with a warning rather than back-pressuring the engine.
type Bus struct {
	logger *slog.Logger
	ch     chan domain.StatusChangeEvent
	done   chan struct{}

	mu       sync.RWMutex
	handlers []Handler

	closeOnce sync.Once
}

// NewBus returns a running bus with the given buffer size.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		logger: logger,
		ch:     make(chan domain.StatusChangeEvent, buffer),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish enqueues an event without blocking. Events published after Close
// are discarded.
func (b *Bus) Publish(evt domain.StatusChangeEvent) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.ch <- evt:
	default:
		if b.logger != nil {
			b.logger.Warn("event buffer full, dropping status change",
				"deployment_id", evt.DeploymentID, "status", evt.NewStatus)
		}
	}
}

// Close stops the bus; events already buffered are still delivered.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *Bus) run() {
	for {
		select {
		case evt := <-b.ch:
			b.dispatch(evt)
		case <-b.done:
			for {
				select {
				case evt := <-b.ch:
					b.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(evt domain.StatusChangeEvent) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}
