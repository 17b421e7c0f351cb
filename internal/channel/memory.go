package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/phrazzld/taskflow/internal/domain"
)

// ErrBackendNotStarted is returned when publishing before Start.
var ErrBackendNotStarted = errors.New("channel backend not started")

// MemoryBroker delivers messages within a single process.
type MemoryBroker struct {
	mu        sync.RWMutex
	sink      Sink
	listening map[string]bool
}

var _ Backend = (*MemoryBroker)(nil)

// NewMemoryBroker creates an in-process backend.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{listening: make(map[string]bool)}
}

// Start implements Backend.
func (b *MemoryBroker) Start(_ context.Context, sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
	return nil
}

// Publish implements Backend. Messages for projects nobody listens to are dropped.
func (b *MemoryBroker) Publish(_ context.Context, ev *domain.LifecycleEvent) error {
	b.mu.RLock()
	sink, listening := b.sink, b.listening[ev.ProjectID]
	b.mu.RUnlock()

	if sink == nil {
		return ErrBackendNotStarted
	}
	if listening {
		sink.Deliver(ev)
	}
	return nil
}

// Listen implements Backend.
func (b *MemoryBroker) Listen(_ context.Context, projectID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listening[projectID] = true
	return nil
}

// Unlisten implements Backend.
func (b *MemoryBroker) Unlisten(_ context.Context, projectID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listening, projectID)
	return nil
}

// Listening reports whether projectID currently has a subscription.
func (b *MemoryBroker) Listening(projectID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listening[projectID]
}

// Close implements Backend.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listening = make(map[string]bool)
	return nil
}
