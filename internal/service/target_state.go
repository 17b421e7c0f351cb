package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/payload"
	"github.com/phrazzld/taskflow/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	// targetBatchSize bounds the target ids of a single query.
	targetBatchSize = 50

	// targetQueryConcurrency bounds the batch queries in flight.
	targetQueryConcurrency = 4
)

type targetKey struct {
	targetType string
	targetID   string
}

// targetBatch is a set of targets of one type sharing a task type filter.
type targetBatch struct {
	targetType string
	types      []domain.TaskType
	targetIDs  []string
}

var (
	activeStatuses  = []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusProcessing}
	settledStatuses = []domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed}
)

// QueryTaskTargetStates implements TaskService. Targets are queried in
// batches per target type and task type filter. Each batch reads every
// active task of its targets and the latest completed or failed one, so a
// busy target cannot hide another's state. States are returned in request
// order.
func (s *taskServiceImpl) QueryTaskTargetStates(
	ctx context.Context,
	userID uuid.UUID,
	projectID string,
	targets []domain.TargetQuery,
) ([]domain.TargetState, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("%w: projectId is required", domain.ErrValidation)
	}
	if len(targets) == 0 {
		return []domain.TargetState{}, nil
	}

	batches := batchTargets(targets)
	results := make([][]*domain.Task, 2*len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(targetQueryConcurrency)
	for i, b := range batches {
		filter := store.TaskFilter{
			ProjectID:  projectID,
			UserID:     userID,
			TargetType: b.targetType,
			TargetIDs:  b.targetIDs,
			Types:      b.types,
			Unbounded:  true,
		}
		active := filter
		active.Statuses = activeStatuses
		settled := filter
		settled.Statuses = settledStatuses
		settled.LatestPerTarget = true

		for j, f := range []store.TaskFilter{active, settled} {
			g.Go(func() error {
				tasks, err := s.tasks.Query(gctx, f)
				if err != nil {
					return err
				}
				results[2*i+j] = tasks
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, NewTaskServiceError("query_target_states", "failed to query target tasks", err)
	}

	byTarget := make(map[targetKey][]*domain.Task)
	for _, tasks := range results {
		for _, t := range tasks {
			k := targetKey{t.TargetType, t.TargetID}
			byTarget[k] = append(byTarget[k], t)
		}
	}

	stageOf := func(t *domain.Task) domain.StageInfo { return payload.Stage(t.Payload) }
	states := make([]domain.TargetState, 0, len(targets))
	for _, q := range targets {
		states = append(states, domain.DeriveTargetState(q, byTarget[targetKey{q.TargetType, q.TargetID}], stageOf))
	}
	return states, nil
}

// batchTargets groups distinct target ids by target type and task type
// filter into batches of at most targetBatchSize.
func batchTargets(targets []domain.TargetQuery) []targetBatch {
	type groupKey struct {
		targetType string
		types      string
	}
	type group struct {
		types []domain.TaskType
		ids   []string
		seen  map[string]bool
	}

	groups := make(map[groupKey]*group)
	var order []groupKey
	for _, q := range targets {
		types := distinctTypes(q.Types)
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		k := groupKey{q.TargetType, strings.Join(names, ",")}
		g, ok := groups[k]
		if !ok {
			g = &group{types: types, seen: make(map[string]bool)}
			groups[k] = g
			order = append(order, k)
		}
		if g.seen[q.TargetID] {
			continue
		}
		g.seen[q.TargetID] = true
		g.ids = append(g.ids, q.TargetID)
	}

	var batches []targetBatch
	for _, k := range order {
		g := groups[k]
		for start := 0; start < len(g.ids); start += targetBatchSize {
			end := min(start+targetBatchSize, len(g.ids))
			batches = append(batches, targetBatch{targetType: k.targetType, types: g.types, targetIDs: g.ids[start:end]})
		}
	}
	return batches
}

// distinctTypes returns types sorted and without duplicates.
func distinctTypes(types []domain.TaskType) []domain.TaskType {
	if len(types) == 0 {
		return nil
	}
	out := slices.Clone(types)
	slices.Sort(out)
	return slices.Compact(out)
}
