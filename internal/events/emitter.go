package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/taskflow/internal/domain"
)

// Fanout delivers each committed event to every registered handler.
type Fanout struct {
	mu       sync.RWMutex
	handlers []EventHandler
	logger   *slog.Logger
}

var _ EventEmitter = (*Fanout)(nil)

// NewFanout creates a Fanout with no handlers.
func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger.With(slog.String("component", "event_fanout"))}
}

// Register adds handler. Handlers receive events in registration order.
func (f *Fanout) Register(handler EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

// EmitEvent hands event to every handler, including those after a failing
// one. The failures are joined into the returned error.
func (f *Fanout) EmitEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	f.mu.RLock()
	handlers := append([]EventHandler(nil), f.handlers...)
	f.mu.RUnlock()

	var errs []error
	for i, h := range handlers {
		if err := h.HandleEvent(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("handler %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		f.logger.Debug("event delivery incomplete",
			slog.String("event_id", event.ID),
			slog.Int("failed", len(errs)),
			slog.Int("handlers", len(handlers)))
	}
	return errors.Join(errs...)
}
