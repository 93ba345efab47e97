package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"petstore-platform/shared/logger"
)

type ProjectionFunc func(ctx context.Context, ev Event) error

// Registry dispatches events to the projection registered for their kind. It implements Handler.
type Registry struct {
	log      logger.Logger
	handlers map[EventKind]ProjectionFunc
	mu       sync.RWMutex
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		log:      log,
		handlers: make(map[EventKind]ProjectionFunc),
	}
}

// Register panics on an unknown kind: that is a wiring bug, not a runtime condition.
func (r *Registry) Register(kind EventKind, fn ProjectionFunc) {
	if !kind.Known() {
		panic(fmt.Sprintf("messaging: cannot register projection for unknown event kind %q", kind))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
	r.log.Debug("Registered projection",
		logger.String("event_kind", string(kind)))
}

func (r *Registry) Handle(ctx context.Context, ev Event) error {
	if !ev.Kind.Known() {
		r.log.WarnCtx(ctx, "Ignoring unknown event kind",
			logger.String("event_kind", string(ev.Kind)),
			logger.String("event_id", ev.ID))
		return nil
	}

	r.mu.RLock()
	fn, exists := r.handlers[ev.Kind]
	r.mu.RUnlock()

	if !exists {
		r.log.DebugCtx(ctx, "No projection registered for event kind",
			logger.String("event_kind", string(ev.Kind)),
			logger.String("event_id", ev.ID))
		return nil
	}

	r.log.DebugCtx(ctx, "Routing event to projection",
		logger.String("event_kind", string(ev.Kind)),
		logger.String("event_id", ev.ID))

	return fn(ctx, ev)
}

func (r *Registry) Registered() []EventKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]EventKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
