package events

import (
	"context"

	"github.com/phrazzld/taskflow/internal/domain"
)

// EventHandler defines an interface for components that consume committed
// lifecycle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *domain.LifecycleEvent) error
}

// HandlerFunc adapts an ordinary function to EventHandler.
type HandlerFunc func(ctx context.Context, event *domain.LifecycleEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// The Publisher emits each event only after it has been durably appended.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *domain.LifecycleEvent) error
}
