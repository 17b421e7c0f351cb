package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(project, id string) *domain.LifecycleEvent {
	return &domain.LifecycleEvent{
		ID:        id,
		Type:      domain.EventTypeLifecycle,
		TaskID:    uuid.New(),
		ProjectID: project,
		UserID:    uuid.New(),
		TaskType:  domain.TaskTypeImageCharacter,
		TS:        time.Now().UTC(),
		Payload:   domain.ProcessingPayload{},
	}
}

func newTestRegistry(t *testing.T, buffer int) (*Registry, *MemoryBroker) {
	t.Helper()
	broker := NewMemoryBroker()
	r := NewRegistry(broker, buffer, quietLogger())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r, broker
}

func receive(t *testing.T, l *Listener) *domain.LifecycleEvent {
	t.Helper()
	select {
	case ev := <-l.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestRegistry_FirstAndLastListenerToggleBackend(t *testing.T) {
	ctx := context.Background()
	r, broker := newTestRegistry(t, 4)

	assert.False(t, broker.Listening("p1"))

	a, err := r.Subscribe(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, broker.Listening("p1"))

	b, err := r.Subscribe(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.ListenerCount("p1"))

	a.Close()
	assert.True(t, broker.Listening("p1"), "one listener remains")

	b.Close()
	assert.False(t, broker.Listening("p1"))
	assert.Equal(t, 0, r.ListenerCount("p1"))

	// Closing twice is harmless.
	b.Close()
	select {
	case <-b.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestRegistry_DeliversOnlyToProjectListeners(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 4)

	p1, err := r.Subscribe(ctx, "p1")
	require.NoError(t, err)
	defer p1.Close()
	p2, err := r.Subscribe(ctx, "p2")
	require.NoError(t, err)
	defer p2.Close()

	require.NoError(t, r.Publish(ctx, testEvent("p1", "1")))

	got := receive(t, p1)
	assert.Equal(t, "1", got.ID)
	select {
	case ev := <-p2.C():
		t.Fatalf("unexpected message on p2: %v", ev.ID)
	default:
	}
}

func TestRegistry_PublishWithoutListenersIsDropped(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 4)

	require.NoError(t, r.Publish(ctx, testEvent("p1", "1")))

	l, err := r.Subscribe(ctx, "p1")
	require.NoError(t, err)
	defer l.Close()

	select {
	case <-l.C():
		t.Fatal("message published before subscribing must not be delivered")
	default:
	}
}

func TestRegistry_FullBufferFlagsLag(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 2)

	l, err := r.Subscribe(ctx, "p1")
	require.NoError(t, err)
	defer l.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, r.Publish(ctx, testEvent("p1", string(rune('0'+i)))))
	}

	select {
	case <-l.Lagged():
	default:
		t.Fatal("listener should be flagged as lagged")
	}
	assert.Equal(t, "1", receive(t, l).ID)
	assert.Equal(t, "2", receive(t, l).ID)
}

func TestRegistry_ResyncFlagsEveryListener(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 2)

	a, err := r.Subscribe(ctx, "p1")
	require.NoError(t, err)
	defer a.Close()
	b, err := r.Subscribe(ctx, "p2")
	require.NoError(t, err)
	defer b.Close()

	r.Resync()

	for _, l := range []*Listener{a, b} {
		select {
		case <-l.Lagged():
		default:
			t.Fatalf("listener %s not flagged", l.ID())
		}
	}
}

func TestRegistry_ClosedRejectsSubscribe(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 2)

	l, err := r.Subscribe(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, r.Close())
	<-l.Done()

	_, err = r.Subscribe(ctx, "p1")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

type failingBackend struct {
	*MemoryBroker
}

func (failingBackend) Listen(context.Context, string) error {
	return errors.New("connection refused")
}

func TestRegistry_ListenFailureIsReturned(t *testing.T) {
	r := NewRegistry(failingBackend{NewMemoryBroker()}, 2, quietLogger())
	require.NoError(t, r.Start(context.Background()))

	_, err := r.Subscribe(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, r.ListenerCount("p1"))
}

func TestMemoryBroker_PublishBeforeStart(t *testing.T) {
	b := NewMemoryBroker()
	err := b.Publish(context.Background(), testEvent("p1", "1"))
	assert.ErrorIs(t, err, ErrBackendNotStarted)
}

func TestRegistry_PublishRejectsEventWithoutProject(t *testing.T) {
	r, _ := newTestRegistry(t, 2)
	err := r.Publish(context.Background(), testEvent("", "1"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no project"))
}
