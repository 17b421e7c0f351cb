// Package channel fans lifecycle events out to listeners attached to a
// project. Delivery is best-effort: a message published while nobody listens
// is gone, and a listener that cannot keep up is flagged as lagged so its
// owner can catch up from the durable event log.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
)

// ErrRegistryClosed is returned by Subscribe after Close.
var ErrRegistryClosed = errors.New("channel registry is closed")

// DefaultListenerBuffer is used when a non-positive buffer is configured.
const DefaultListenerBuffer = 256

// Sink receives messages from a Backend.
type Sink interface {
	// Deliver hands a message published on a project channel to local listeners.
	Deliver(ev *domain.LifecycleEvent)

	// Resync reports that the backend may have missed messages, for example
	// after a reconnect. Every listener is flagged as lagged.
	Resync()
}

// Backend transports messages between publishers and listening processes.
type Backend interface {
	// Start begins delivering received messages to sink.
	Start(ctx context.Context, sink Sink) error

	// Publish broadcasts ev on its project's channel.
	Publish(ctx context.Context, ev *domain.LifecycleEvent) error

	// Listen subscribes this process to a project's channel.
	Listen(ctx context.Context, projectID string) error

	// Unlisten drops the subscription taken by Listen.
	Unlisten(ctx context.Context, projectID string) error

	// Close releases backend resources.
	Close() error
}

// Registry tracks listeners per project. The backend subscription for a
// project is taken by its first listener and released with its last.
type Registry struct {
	backend Backend
	buffer  int
	logger  *slog.Logger

	// subMu orders backend Listen/Unlisten calls. mu guards the listener
	// sets and is never held across a backend call, so delivery does not
	// wait on a slow subscribe.
	subMu    sync.Mutex
	mu       sync.Mutex
	projects map[string]map[*Listener]struct{}
	closed   bool
}

// NewRegistry creates a Registry over backend. bufferSize bounds each
// listener's queue of undelivered messages.
func NewRegistry(backend Backend, bufferSize int, logger *slog.Logger) *Registry {
	if bufferSize <= 0 {
		bufferSize = DefaultListenerBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend:  backend,
		buffer:   bufferSize,
		logger:   logger.With("component", "channel_registry"),
		projects: make(map[string]map[*Listener]struct{}),
	}
}

// Start connects the registry to its backend.
func (r *Registry) Start(ctx context.Context) error {
	return r.backend.Start(ctx, r)
}

// Publish broadcasts ev through the backend.
func (r *Registry) Publish(ctx context.Context, ev *domain.LifecycleEvent) error {
	if ev == nil || ev.ProjectID == "" {
		return fmt.Errorf("publish: event has no project")
	}
	return r.backend.Publish(ctx, ev)
}

// Subscribe attaches a new listener to projectID. The caller must Close it.
func (r *Registry) Subscribe(ctx context.Context, projectID string) (*Listener, error) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	closed, first := r.closed, len(r.projects[projectID]) == 0
	r.mu.Unlock()

	if closed {
		return nil, ErrRegistryClosed
	}
	if first {
		if err := r.backend.Listen(ctx, projectID); err != nil {
			return nil, fmt.Errorf("listen on project %s: %w", projectID, err)
		}
		r.logger.Debug("project channel opened", "project_id", projectID)
	}

	l := &Listener{
		id:        uuid.New(),
		projectID: projectID,
		ch:        make(chan *domain.LifecycleEvent, r.buffer),
		lagCh:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		registry:  r,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	listeners := r.projects[projectID]
	if listeners == nil {
		listeners = make(map[*Listener]struct{})
		r.projects[projectID] = listeners
	}
	listeners[l] = struct{}{}
	return l, nil
}

// ListenerCount returns the number of listeners attached to projectID.
func (r *Registry) ListenerCount(projectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.projects[projectID])
}

// Deliver implements Sink.
func (r *Registry) Deliver(ev *domain.LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for l := range r.projects[ev.ProjectID] {
		if !l.offer(ev) {
			r.logger.Warn("listener lagged, dropping live message",
				"project_id", ev.ProjectID,
				"listener_id", l.id,
				"event_id", ev.ID)
		}
	}
}

// Resync implements Sink.
func (r *Registry) Resync() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, listeners := range r.projects {
		for l := range listeners {
			l.markLagged()
		}
	}
}

func (r *Registry) detach(l *Listener) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	listeners := r.projects[l.projectID]
	if _, ok := listeners[l]; !ok {
		r.mu.Unlock()
		return
	}
	delete(listeners, l)
	last := len(listeners) == 0
	if last {
		delete(r.projects, l.projectID)
	}
	closed := r.closed
	r.mu.Unlock()

	if !last || closed {
		return
	}
	if err := r.backend.Unlisten(context.Background(), l.projectID); err != nil {
		r.logger.Error("failed to unlisten project channel",
			"project_id", l.projectID,
			"error", err)
		return
	}
	r.logger.Debug("project channel closed", "project_id", l.projectID)
}

// Close detaches every listener and closes the backend.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var all []*Listener
	for _, listeners := range r.projects {
		for l := range listeners {
			all = append(all, l)
		}
	}
	r.mu.Unlock()

	for _, l := range all {
		l.Close()
	}
	return r.backend.Close()
}

// Listener receives live messages for one project.
type Listener struct {
	id        uuid.UUID
	projectID string
	ch        chan *domain.LifecycleEvent
	lagCh     chan struct{}
	registry  *Registry

	done      chan struct{}
	closeOnce sync.Once
}

// ID identifies the listener in logs.
func (l *Listener) ID() uuid.UUID { return l.id }

// C returns the channel of live messages.
func (l *Listener) C() <-chan *domain.LifecycleEvent { return l.ch }

// Lagged is signalled when messages were dropped because the buffer was
// full or the backend lost messages. The owner should re-read the durable
// log from its last position.
func (l *Listener) Lagged() <-chan struct{} { return l.lagCh }

// Done is closed once the listener has been detached.
func (l *Listener) Done() <-chan struct{} { return l.done }

// offer enqueues ev without blocking. It reports false and flags the
// listener as lagged when the buffer is full. Called with the registry lock held.
func (l *Listener) offer(ev *domain.LifecycleEvent) bool {
	select {
	case l.ch <- ev:
		return true
	default:
		l.markLagged()
		return false
	}
}

func (l *Listener) markLagged() {
	select {
	case l.lagCh <- struct{}{}:
	default:
	}
}

// Close detaches the listener. It is safe to call more than once.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		l.registry.detach(l)
		close(l.done)
	})
}
