// Package invalidation is the process-wide "session ended" broadcast. Stores
// holding per-user state subscribe to it and reset themselves; the session
// never needs to know who they are.
package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventSessionEnded is published whenever the active user goes away or
// changes.
const EventSessionEnded = "session.ended"

// Handler resets one collaborator. Returned errors are logged only.
type Handler func(ctx context.Context) error

var (
	publishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carepulse_invalidation_publishes_total",
		Help: "Total number of invalidation events published.",
	}, []string{"event"})

	handlerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carepulse_invalidation_handler_failures_total",
		Help: "Total number of invalidation handlers that failed or panicked.",
	}, []string{"event"})
)

type subscription struct {
	id int
	h  Handler
}

// Bus delivers events to subscribers synchronously in registration order.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subscription
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers h for event. The returned func removes it and may be
// called more than once.
func (b *Bus) Subscribe(event string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[event]
			for i, s := range list {
				if s.id == id {
					b.subs[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish runs every handler for event and returns how many completed
// without error. Handlers run without the bus lock held, so they may
// subscribe or publish themselves.
func (b *Bus) Publish(ctx context.Context, event string) int {
	b.mu.Lock()
	list := make([]subscription, len(b.subs[event]))
	copy(list, b.subs[event])
	b.mu.Unlock()

	publishesTotal.WithLabelValues(event).Inc()

	ok := 0
	for i, s := range list {
		if err := b.run(ctx, s.h); err != nil {
			handlerFailuresTotal.WithLabelValues(event).Inc()
			b.logger.Warn("invalidation handler failed",
				slog.String("event", event),
				slog.Int("handler", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		ok++
	}

	b.logger.Debug("invalidation published",
		slog.String("event", event),
		slog.Int("handlers", len(list)),
		slog.Int("succeeded", ok),
	)
	return ok
}

// Invalidate publishes EventSessionEnded.
func (b *Bus) Invalidate(ctx context.Context) {
	b.Publish(ctx, EventSessionEnded)
}

// Len returns the number of handlers registered for event.
func (b *Bus) Len(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

func (b *Bus) run(ctx context.Context, h Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(ctx)
}
