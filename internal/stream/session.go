package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/channel"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/platform/logger"
)

// Defaults applied to a zero Config.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultReplayPageSize    = 500
)

// ErrReplayFailed is returned by Open when the event log cannot be read.
var ErrReplayFailed = errors.New("event replay failed")

// EventSource reads a project's durable event log.
type EventSource interface {
	ListEventsAfter(ctx context.Context, projectID string, afterID int64, limit int, userID uuid.UUID) ([]*domain.LifecycleEvent, error)
}

// Subscriber attaches live listeners to a project channel.
type Subscriber interface {
	Subscribe(ctx context.Context, projectID string) (*channel.Listener, error)
}

// Config tunes a Session.
type Config struct {
	HeartbeatInterval time.Duration
	ReplayPageSize    int
	DedupWindow       time.Duration
	DedupMaxEntries   int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReplayPageSize <= 0 {
		c.ReplayPageSize = DefaultReplayPageSize
	}
	return c
}

// Request identifies the client of a Session.
type Request struct {
	ProjectID string
	UserID    uuid.UUID
	// Cursor is the last event id the client has seen; 0 replays everything.
	Cursor int64
}

// Session is one client's replay-then-live view of a project's events.
type Session struct {
	req      Request
	cfg      Config
	source   EventSource
	listener *channel.Listener
	dedup    *Deduper
	logger   *slog.Logger

	backlog   []*domain.LifecycleEvent
	highWater int64
	sent      int
}

// Open attaches a live listener for req.ProjectID and then reads the events
// after req.Cursor. Messages published in between wait in the listener. A
// replay failure detaches the listener and is returned wrapped in
// ErrReplayFailed.
func Open(ctx context.Context, source EventSource, sub Subscriber, req Request, cfg Config, log *slog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	log = logger.FromContextOrDefault(ctx, log).With(
		"component", "event_stream",
		"project_id", req.ProjectID,
		"user_id", req.UserID)

	l, err := sub.Subscribe(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("subscribe to project %s: %w", req.ProjectID, err)
	}

	s := &Session{
		req:       req,
		cfg:       cfg,
		source:    source,
		listener:  l,
		dedup:     NewDeduper(cfg.DedupWindow, cfg.DedupMaxEntries),
		logger:    log,
		highWater: req.Cursor,
	}

	backlog, err := s.readAfter(ctx, req.Cursor)
	if err != nil {
		l.Close()
		return nil, err
	}
	s.backlog = backlog

	log.Info("event stream opened",
		"cursor", req.Cursor,
		"replayed", len(backlog),
		"listener_id", l.ID())
	return s, nil
}

// Close detaches the session's listener.
func (s *Session) Close() {
	s.listener.Close()
	s.logger.Info("event stream closed", "sent", s.sent)
}

// Run writes the replayed backlog and then live events to w until ctx is
// done or the channel registry shuts down. It returns nil in both cases and
// an error only when writing to the client fails.
func (s *Session) Run(ctx context.Context, w FlushWriter) error {
	for _, ev := range s.backlog {
		if err := s.emit(w, ev); err != nil {
			return err
		}
	}
	s.backlog = nil
	w.Flush()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.listener.Done():
			s.logger.Debug("listener detached, ending stream")
			return nil

		case ev := <-s.listener.C():
			if err := s.emit(w, ev); err != nil {
				return err
			}
			w.Flush()

		case <-s.listener.Lagged():
			if err := s.catchUp(ctx, w); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

		case now := <-ticker.C:
			if err := WriteHeartbeat(w, now); err != nil {
				return err
			}
			w.Flush()
		}
	}
}

// catchUp re-reads the log after the newest event this session has written.
// Live messages still buffered in the listener are removed by the deduper.
func (s *Session) catchUp(ctx context.Context, w FlushWriter) error {
	missed, err := s.readAfter(ctx, s.highWater)
	if err != nil {
		return err
	}
	s.logger.Warn("listener lagged, replayed from event log",
		"after_id", s.highWater,
		"replayed", len(missed))
	for _, ev := range missed {
		if err := s.emit(w, ev); err != nil {
			return err
		}
	}
	w.Flush()
	return nil
}

// readAfter pages through the caller's events with id > afterID.
func (s *Session) readAfter(ctx context.Context, afterID int64) ([]*domain.LifecycleEvent, error) {
	var out []*domain.LifecycleEvent
	cursor := afterID
	for {
		page, err := s.source.ListEventsAfter(ctx, s.req.ProjectID, cursor, s.cfg.ReplayPageSize, s.req.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReplayFailed, err)
		}
		out = append(out, page...)
		if len(page) < s.cfg.ReplayPageSize {
			return out, nil
		}
		last, ok := page[len(page)-1].Seq()
		if !ok || last <= cursor {
			return out, nil
		}
		cursor = last
	}
}

// emit writes ev unless it belongs to another user, is not streamable or
// duplicates an event already written.
func (s *Session) emit(w FlushWriter, ev *domain.LifecycleEvent) error {
	if ev == nil || ev.UserID != s.req.UserID || !ev.Type.Streamable() {
		return nil
	}
	if s.dedup.Seen(ev) {
		s.logger.Debug("dropped duplicate event",
			"event_id", ev.ID,
			"task_id", ev.TaskID)
		return nil
	}
	if err := WriteEvent(w, ev); err != nil {
		return fmt.Errorf("write event %s: %w", ev.ID, err)
	}
	s.sent++
	if seq, ok := ev.Seq(); ok && seq > s.highWater {
		s.highWater = seq
	}
	return nil
}
