package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/platform/logger"
	"github.com/phrazzld/taskflow/internal/store"
)

const eventColumns = `project_id, id, type, task_id, user_id, task_type, target_type,
	target_id, episode_id, payload, created_at`

// PostgresEventStore implements store.EventStore. Event ids are allocated
// from a per-project counter row in the same statement as the insert, so the
// counter lock is held until the surrounding transaction commits and ids
// become visible in allocation order.
type PostgresEventStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresEventStore creates a new PostgreSQL event log.
func NewPostgresEventStore(db store.DBTX, logger *slog.Logger) *PostgresEventStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresEventStore{
		db:     db,
		logger: logger.With(slog.String("component", "event_store")),
	}
}

var _ store.EventStore = (*PostgresEventStore)(nil)

func scanEvent(row rowScanner) (*domain.LifecycleEvent, error) {
	var (
		ev        domain.LifecycleEvent
		id        int64
		typ       string
		taskType  string
		episodeID sql.NullString
		payload   []byte
		createdAt time.Time
	)
	err := row.Scan(&ev.ProjectID, &id, &typ, &ev.TaskID, &ev.UserID, &taskType,
		&ev.TargetType, &ev.TargetID, &episodeID, &payload, &createdAt)
	if err != nil {
		return nil, err
	}

	p, err := domain.UnmarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", id, err)
	}
	ev.ID = strconv.FormatInt(id, 10)
	ev.Type = domain.EventType(typ)
	ev.TaskType = domain.TaskType(taskType)
	ev.EpisodeID = nullString(episodeID)
	ev.Payload = p
	ev.TS = createdAt.UTC()
	return &ev, nil
}

func collectEvents(rows *sql.Rows) ([]*domain.LifecycleEvent, error) {
	defer func() { _ = rows.Close() }()

	var events []*domain.LifecycleEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// Append implements store.EventStore.Append.
func (s *PostgresEventStore) Append(ctx context.Context, ev *domain.LifecycleEvent) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if ev.ProjectID == "" {
		return fmt.Errorf("%w: event project ID cannot be empty", store.ErrInvalidEntity)
	}
	payload, err := domain.MarshalPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	query := `
		WITH next AS (
			INSERT INTO task_event_counters (project_id, last_id)
			VALUES ($1, 1)
			ON CONFLICT (project_id)
			DO UPDATE SET last_id = task_event_counters.last_id + 1
			RETURNING last_id
		)
		INSERT INTO task_events (project_id, id, type, task_id, user_id, task_type,
			target_type, target_id, episode_id, payload, created_at)
		SELECT $1, next.last_id, $2, $3, $4, $5, $6, $7, $8, $9, $10 FROM next
		RETURNING id
	`
	var id int64
	err = s.db.QueryRowContext(ctx, query,
		ev.ProjectID,
		string(ev.Type),
		ev.TaskID,
		ev.UserID,
		string(ev.TaskType),
		ev.TargetType,
		ev.TargetID,
		ev.EpisodeID,
		[]byte(payload),
		ev.TS,
	).Scan(&id)
	if err != nil {
		log.Error("failed to append event",
			slog.String("error", err.Error()),
			slog.String("project_id", ev.ProjectID),
			slog.String("task_id", ev.TaskID.String()))
		return store.NewStoreError("event", "append", "insert failed", MapError(err))
	}

	ev.ID = strconv.FormatInt(id, 10)
	return nil
}

// ListAfter implements store.EventStore.ListAfter.
func (s *PostgresEventStore) ListAfter(ctx context.Context, projectID string, afterID int64, limit int, userID uuid.UUID) ([]*domain.LifecycleEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM task_events WHERE project_id = $1 AND id > $2`
	args := []any{projectID, afterID}
	if userID != uuid.Nil {
		args = append(args, userID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to list events",
			slog.String("error", err.Error()),
			slog.String("project_id", projectID),
			slog.Int64("after_id", afterID))
		return nil, MapError(err)
	}
	return collectEvents(rows)
}

// ListByTask implements store.EventStore.ListByTask.
func (s *PostgresEventStore) ListByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*domain.LifecycleEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM task_events WHERE task_id = $1 ORDER BY id ASC`
	args := []any{taskID}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $2`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	return collectEvents(rows)
}

// Get implements store.EventStore.Get.
func (s *PostgresEventStore) Get(ctx context.Context, projectID string, id int64) (*domain.LifecycleEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM task_events WHERE project_id = $1 AND id = $2`

	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, projectID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrEventNotFound
		}
		return nil, MapError(err)
	}
	return ev, nil
}

// WithTx implements store.EventStore.WithTx.
func (s *PostgresEventStore) WithTx(tx *sql.Tx) store.EventStore {
	return &PostgresEventStore{db: tx, logger: s.logger}
}
