package channel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phrazzld/taskflow/internal/domain"
)

// MaxNotifyPayload is the largest message sent inline. PostgreSQL rejects
// NOTIFY payloads of 8000 bytes or more; bigger events travel as a reference
// to their durable row.
const MaxNotifyPayload = 7900

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("postgres broker is closed")

// EventGetter resolves an event reference back to the stored event.
type EventGetter interface {
	Get(ctx context.Context, projectID string, id int64) (*domain.LifecycleEvent, error)
}

type eventRef struct {
	ProjectID string `json:"projectId"`
	ID        int64  `json:"id"`
}

type envelope struct {
	Event *domain.LifecycleEvent `json:"event,omitempty"`
	Ref   *eventRef              `json:"ref,omitempty"`
}

type command struct {
	sql    string
	result chan error
}

// PostgresBroker carries messages over PostgreSQL LISTEN/NOTIFY so every
// server process sharing the database sees every broadcast. One dedicated
// connection listens; publishing goes through the pool.
type PostgresBroker struct {
	pool           *pgxpool.Pool
	events         EventGetter
	logger         *slog.Logger
	reconnectDelay time.Duration

	mu        sync.Mutex
	sink      Sink
	channels  map[string]string // project ID -> channel name
	projects  map[string]string // channel name -> project ID
	pending   []command
	interrupt context.CancelFunc
	stop      context.CancelFunc
	done      chan struct{}
}

var _ Backend = (*PostgresBroker)(nil)

// NewPostgresBroker creates a broker on pool. events resolves messages that
// were too large to send inline.
func NewPostgresBroker(pool *pgxpool.Pool, events EventGetter, logger *slog.Logger) *PostgresBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBroker{
		pool:           pool,
		events:         events,
		logger:         logger.With("component", "postgres_broker"),
		reconnectDelay: time.Second,
		channels:       make(map[string]string),
		projects:       make(map[string]string),
	}
}

// ChannelName maps a project ID onto a valid PostgreSQL channel identifier.
func ChannelName(projectID string) string {
	sum := sha256.Sum256([]byte(projectID))
	return "taskflow_events_" + hex.EncodeToString(sum[:12])
}

// Start implements Backend. The listening connection lives until ctx is
// cancelled or Close is called.
func (b *PostgresBroker) Start(ctx context.Context, sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done != nil {
		return fmt.Errorf("postgres broker already started")
	}
	runCtx, stop := context.WithCancel(ctx)
	b.sink = sink
	b.stop = stop
	b.done = make(chan struct{})

	go b.run(runCtx)
	return nil
}

// Publish implements Backend.
func (b *PostgresBroker) Publish(ctx context.Context, ev *domain.LifecycleEvent) error {
	data, err := encodeMessage(ev)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelName(ev.ProjectID), string(data))
	if err != nil {
		return fmt.Errorf("notify project %s: %w", ev.ProjectID, err)
	}
	return nil
}

// Listen implements Backend.
func (b *PostgresBroker) Listen(ctx context.Context, projectID string) error {
	name := ChannelName(projectID)

	b.mu.Lock()
	if b.sink == nil {
		b.mu.Unlock()
		return ErrBackendNotStarted
	}
	b.channels[projectID] = name
	b.projects[name] = projectID
	b.mu.Unlock()

	if err := b.exec(ctx, "LISTEN "+pgx.Identifier{name}.Sanitize()); err != nil {
		b.forget(projectID)
		return err
	}
	return nil
}

// Unlisten implements Backend. Notifications for the project are ignored
// from the moment it returns; the UNLISTEN itself is issued asynchronously.
func (b *PostgresBroker) Unlisten(_ context.Context, projectID string) error {
	b.forget(projectID)
	_, err := b.enqueue("UNLISTEN " + pgx.Identifier{ChannelName(projectID)}.Sanitize())
	return err
}

// Close implements Backend.
func (b *PostgresBroker) Close() error {
	b.mu.Lock()
	stop, done := b.stop, b.done
	b.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	<-done
	return nil
}

func (b *PostgresBroker) forget(projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name, ok := b.channels[projectID]; ok {
		delete(b.projects, name)
		delete(b.channels, projectID)
	}
}

// enqueue hands a statement to the listening connection.
func (b *PostgresBroker) enqueue(sql string) (command, error) {
	cmd := command{sql: sql, result: make(chan error, 1)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done == nil {
		return cmd, ErrBackendNotStarted
	}
	b.pending = append(b.pending, cmd)
	if b.interrupt != nil {
		b.interrupt()
	}
	return cmd, nil
}

// exec queues a statement for the listening connection and waits for it.
func (b *PostgresBroker) exec(ctx context.Context, sql string) error {
	cmd, err := b.enqueue(sql)
	if err != nil {
		return err
	}

	b.mu.Lock()
	done := b.done
	b.mu.Unlock()

	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrBrokerClosed
	}
}

func (b *PostgresBroker) run(ctx context.Context) {
	defer close(b.done)

	reconnect := false
	for {
		err := b.session(ctx, reconnect)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("notification connection lost, reconnecting",
			"error", err,
			"delay", b.reconnectDelay)
		reconnect = true

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.reconnectDelay):
		}
	}
}

// listenConn is the part of the listening connection used to subscribe.
type listenConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// relisten subscribes conn to every channel in use. After a reconnect the
// sink is resynced only once the subscriptions are back, so replay covers
// everything published while nothing was listening.
func (b *PostgresBroker) relisten(ctx context.Context, conn listenConn, reconnect bool) error {
	b.mu.Lock()
	names := make([]string, 0, len(b.channels))
	for _, name := range b.channels {
		names = append(names, name)
	}
	sink := b.sink
	b.mu.Unlock()

	for _, name := range names {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{name}.Sanitize()); err != nil {
			return fmt.Errorf("relisten %s: %w", name, err)
		}
	}
	if reconnect {
		sink.Resync()
	}
	return nil
}

// session holds one listening connection until it fails or ctx ends.
func (b *PostgresBroker) session(ctx context.Context, reconnect bool) error {
	pooled, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	conn := pooled.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	if err := b.relisten(ctx, conn, reconnect); err != nil {
		return err
	}

	for {
		b.mu.Lock()
		cmds := b.pending
		b.pending = nil
		var waitCtx context.Context
		var cancel context.CancelFunc
		if len(cmds) == 0 {
			waitCtx, cancel = context.WithCancel(ctx)
			b.interrupt = cancel
		}
		b.mu.Unlock()

		if len(cmds) > 0 {
			if err := runCommands(ctx, conn, cmds); err != nil {
				return err
			}
			continue
		}

		n, err := conn.WaitForNotification(waitCtx)
		b.mu.Lock()
		b.interrupt = nil
		b.mu.Unlock()
		interrupted := waitCtx.Err() != nil
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if interrupted && !conn.IsClosed() {
				continue
			}
			return err
		}
		b.dispatch(ctx, n)
	}
}

func runCommands(ctx context.Context, conn *pgx.Conn, cmds []command) error {
	for i, c := range cmds {
		_, err := conn.Exec(ctx, c.sql)
		c.result <- err
		if err != nil && conn.IsClosed() {
			for _, rest := range cmds[i+1:] {
				rest.result <- err
			}
			return err
		}
	}
	return nil
}

func (b *PostgresBroker) dispatch(ctx context.Context, n *pgconn.Notification) {
	b.mu.Lock()
	projectID, ok := b.projects[n.Channel]
	sink := b.sink
	b.mu.Unlock()
	if !ok {
		return
	}

	ev, err := b.decode(ctx, []byte(n.Payload))
	if err != nil {
		b.logger.Error("dropping undecodable notification",
			"channel", n.Channel,
			"project_id", projectID,
			"error", err)
		sink.Resync()
		return
	}
	if ev.ProjectID != projectID {
		return
	}
	sink.Deliver(ev)
}

func (b *PostgresBroker) decode(ctx context.Context, data []byte) (*domain.LifecycleEvent, error) {
	ev, ref, err := decodeMessage(data)
	if err != nil {
		return nil, err
	}
	switch {
	case ev != nil:
		return ev, nil
	case ref != nil:
		if b.events == nil {
			return nil, fmt.Errorf("cannot resolve event reference %d", ref.ID)
		}
		return b.events.Get(ctx, ref.ProjectID, ref.ID)
	default:
		return nil, fmt.Errorf("empty notification envelope")
	}
}

// encodeMessage renders ev inline, or as a reference when the inline form
// would exceed MaxNotifyPayload.
func encodeMessage(ev *domain.LifecycleEvent) ([]byte, error) {
	data, err := json.Marshal(envelope{Event: ev})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if len(data) <= MaxNotifyPayload {
		return data, nil
	}

	seq, ok := ev.Seq()
	if !ok {
		return nil, fmt.Errorf("event %q is %d bytes and has no durable id to reference", ev.ID, len(data))
	}
	return json.Marshal(envelope{Ref: &eventRef{ProjectID: ev.ProjectID, ID: seq}})
}

// decodeMessage splits a notification into an inline event or a reference.
func decodeMessage(data []byte) (*domain.LifecycleEvent, *eventRef, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, err
	}
	return env.Event, env.Ref, nil
}
