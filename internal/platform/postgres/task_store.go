package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/platform/logger"
	"github.com/phrazzld/taskflow/internal/store"
)

const taskColumns = `id, user_id, project_id, type, target_type, target_id, episode_id,
	status, progress, payload, result, error_code, error_message, dismissed,
	heartbeat_at, started_at, finished_at, created_at, updated_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

var _ store.TaskStore = (*PostgresTaskStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t                      domain.Task
		typ, status            string
		episodeID              sql.NullString
		payload, result        []byte
		errorCode, errorMsg    sql.NullString
		heartbeat, start, fini sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.ProjectID, &typ, &t.TargetType, &t.TargetID, &episodeID,
		&status, &t.Progress, &payload, &result, &errorCode, &errorMsg, &t.Dismissed,
		&heartbeat, &start, &fini, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = domain.TaskType(typ)
	t.Status = domain.TaskStatus(status)
	t.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	t.EpisodeID = nullString(episodeID)
	t.ErrorCode = nullString(errorCode)
	t.ErrorMessage = nullString(errorMsg)
	t.HeartbeatAt = nullTime(heartbeat)
	t.StartedAt = nullTime(start)
	t.FinishedAt = nullTime(fini)
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func collectTasks(rows *sql.Rows) ([]*domain.Task, error) {
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// Create implements store.TaskStore.Create.
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (id, user_id, project_id, type, target_type, target_id, episode_id,
			status, progress, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.UserID,
		task.ProjectID,
		string(task.Type),
		task.TargetType,
		task.TargetID,
		task.EpisodeID,
		string(task.Status),
		task.Progress,
		[]byte(task.Payload),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()),
			slog.String("task_type", string(task.Type)))
		return MapError(err)
	}

	log.Debug("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("project_id", task.ProjectID))
	return nil
}

// GetByID implements store.TaskStore.GetByID.
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, MapError(err)
	}
	return t, nil
}

// Query implements store.TaskStore.Query.
func (s *PostgresTaskStore) Query(ctx context.Context, f store.TaskFilter) ([]*domain.Task, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.UserID != uuid.Nil {
		add("user_id = $%d", f.UserID)
	}
	if f.TargetType != "" {
		add("target_type = $%d", f.TargetType)
	}
	if len(f.TargetIDs) > 0 {
		add("target_id = ANY($%d)", f.TargetIDs)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", types)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(f.Statuses))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if f.LatestPerTarget {
		query = `SELECT DISTINCT ON (target_type, target_id) ` + taskColumns + ` FROM tasks`
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.LatestPerTarget {
		query = `SELECT ` + taskColumns + ` FROM (` + query +
			` ORDER BY target_type, target_id, updated_at DESC, id DESC) latest`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if !f.Unbounded {
		args = append(args, f.NormalizedLimit())
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to query tasks",
			slog.String("error", err.Error()),
			slog.String("project_id", f.ProjectID))
		return nil, MapError(err)
	}
	return collectTasks(rows)
}

func statusStrings(statuses []domain.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Transition implements store.TaskStore.Transition. The UPDATE is guarded by
// the set of statuses allowed to reach tr.To, so concurrent writers cannot
// move a task backwards or out of a terminal state.
func (s *PostgresTaskStore) Transition(ctx context.Context, id uuid.UUID, tr domain.Transition) (*domain.Task, error) {
	from := domain.SourceStatuses(tr.To)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: no status may transition to %s", store.ErrTransitionDenied, tr.To)
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var set string
	args := []any{id, statusStrings(from), string(tr.To), at}
	switch tr.To {
	case domain.TaskStatusProcessing:
		set = `started_at = $4, heartbeat_at = $4`
	case domain.TaskStatusCompleted:
		var result []byte
		if len(tr.Result) > 0 {
			result = tr.Result
		}
		args = append(args, result)
		set = `progress = 100, result = $5, finished_at = $4`
	default:
		args = append(args, tr.ErrorCode, tr.ErrorMessage)
		set = `error_code = $5, error_message = $6, finished_at = $4`
	}

	query := `
		UPDATE tasks
		SET status = $3, updated_at = $4, ` + set + `
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + taskColumns

	t, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, id, tr.To)
	}
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to transition task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()),
			slog.String("to", string(tr.To)))
		return nil, MapError(err)
	}
	return t, nil
}

// explainMiss distinguishes a missing task from a refused status change
// after a guarded UPDATE matched no rows.
func (s *PostgresTaskStore) explainMiss(ctx context.Context, id uuid.UUID, to domain.TaskStatus) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrTaskNotFound
	}
	if err != nil {
		return MapError(err)
	}
	return fmt.Errorf("%w: %s -> %s", store.ErrTransitionDenied, status, to)
}

// UpdateProgress implements store.TaskStore.UpdateProgress.
func (s *PostgresTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, payload json.RawMessage, at time.Time) (*domain.Task, error) {
	query := `
		UPDATE tasks
		SET progress = $2, heartbeat_at = $3, updated_at = $3, payload = COALESCE($4::jsonb, payload)
		WHERE id = $1 AND status = 'processing'
		RETURNING ` + taskColumns

	var replacement any
	if len(payload) > 0 {
		replacement = []byte(payload)
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id, progress, at, replacement))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, id, domain.TaskStatusProcessing)
	}
	if err != nil {
		return nil, MapError(err)
	}
	return t, nil
}

// Touch implements store.TaskStore.Touch.
func (s *PostgresTaskStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET heartbeat_at = $2 WHERE id = $1 AND status = 'processing'`, id, at)
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, "task"); err != nil {
		if store.IsNotFoundError(err) {
			return s.explainMiss(ctx, id, domain.TaskStatusProcessing)
		}
		return err
	}
	return nil
}

// DismissFailed implements store.TaskStore.DismissFailed. Rows are locked in
// id order so concurrent bulk dismissals cannot deadlock.
func (s *PostgresTaskStore) DismissFailed(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]*domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}

	query := `
		WITH locked AS (
			SELECT id FROM tasks
			WHERE id = ANY($1::uuid[]) AND user_id = $2 AND status = 'failed' AND NOT dismissed
			ORDER BY id
			FOR UPDATE
		)
		UPDATE tasks t
		SET dismissed = TRUE, updated_at = $3
		FROM locked
		WHERE t.id = locked.id
		RETURNING ` + prefixColumns("t.")

	rows, err := s.db.QueryContext(ctx, query, idStrings, userID, time.Now().UTC())
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to dismiss tasks",
			slog.String("error", err.Error()),
			slog.String("user_id", userID.String()),
			slog.Int("count", len(ids)))
		return nil, MapError(err)
	}
	return collectTasks(rows)
}

func prefixColumns(prefix string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ListPending implements store.TaskStore.ListPending.
func (s *PostgresTaskStore) ListPending(ctx context.Context) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, MapError(err)
	}
	return collectTasks(rows)
}

// ListProcessing implements store.TaskStore.ListProcessing.
func (s *PostgresTaskStore) ListProcessing(ctx context.Context, staleFor time.Duration) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'processing'`
	var args []any
	if staleFor > 0 {
		query += ` AND COALESCE(heartbeat_at, updated_at) < $1`
		args = append(args, time.Now().UTC().Add(-staleFor))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	return collectTasks(rows)
}

// WithTx implements store.TaskStore.WithTx.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{db: tx, logger: s.logger}
}
