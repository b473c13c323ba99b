package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/dagflow/types"
)

// MemoryRepository is an in-memory RunStore. Step runs are kept apart from
// their run and joined on read.
type MemoryRepository struct {
	triggerRuns map[string]types.TriggerRun
	runs        map[string]types.WorkflowRun
	stepRuns    map[string]types.StepRun
	runSteps    map[string][]string          // run id -> step run ids in creation order
	stepIndex   map[string]map[string]string // run id -> step id -> step run id
	ids         idSource
	mu          sync.RWMutex
}

// NewMemoryRepository creates a MemoryRepository. A nil generator selects a
// snowflake generator.
func NewMemoryRepository(generate generator.Generator) *MemoryRepository {
	return &MemoryRepository{
		triggerRuns: make(map[string]types.TriggerRun),
		runs:        make(map[string]types.WorkflowRun),
		stepRuns:    make(map[string]types.StepRun),
		runSteps:    make(map[string][]string),
		stepIndex:   make(map[string]map[string]string),
		ids:         newIDSource(generate),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

func (s *MemoryRepository) CreateTriggerRun(ctx context.Context, triggerID string, output map[string]interface{}) (types.TriggerRun, error) {
	return withContext(ctx, func() (types.TriggerRun, error) {
		id, err := s.ids.next()
		if err != nil {
			return types.TriggerRun{}, err
		}
		tr := types.TriggerRun{ID: id, TriggerID: triggerID, Output: emptyIfNil(output), CreatedAt: nowMillis()}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.triggerRuns[id] = tr
		return tr, nil
	})
}

// GetTriggerRun retrieves a trigger run by id.
func (s *MemoryRepository) GetTriggerRun(ctx context.Context, id string) (types.TriggerRun, error) {
	return getItem(ctx, &s.mu, s.triggerRuns, id, ErrTriggerRunNotFound)
}

func (s *MemoryRepository) CreateRun(ctx context.Context, templateID string, triggerRun types.TriggerRun) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		id, err := s.ids.next()
		if err != nil {
			return types.WorkflowRun{}, err
		}
		now := nowMillis()
		run := types.WorkflowRun{
			ID:         id,
			TemplateID: templateID,
			TriggerRun: triggerRun,
			Status:     types.WorkflowStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if triggerRun.ID != "" {
			if _, ok := s.triggerRuns[triggerRun.ID]; !ok {
				s.triggerRuns[triggerRun.ID] = triggerRun
			}
		}
		s.runs[id] = run
		return run, nil
	})
}

func (s *MemoryRepository) ChangeExecutionStatus(ctx context.Context, runID string, status types.WorkflowStatus) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		run, ok := s.runs[runID]
		if !ok {
			return types.WorkflowRun{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, runID)
		}
		changed, err := checkTransition(runID, run.Status, status)
		if err != nil {
			return types.WorkflowRun{}, err
		}
		if changed {
			run.Status = status
			run.UpdatedAt = nowMillis()
			s.runs[runID] = run
		}
		return run, nil
	})
}

func (s *MemoryRepository) GetExecutionStatus(ctx context.Context, runID string) (types.WorkflowStatus, error) {
	run, err := getItem(ctx, &s.mu, s.runs, runID, ErrRunNotFound)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

func (s *MemoryRepository) CreateStepRun(ctx context.Context, stepID, runID string, status types.StepRunStatus) (types.StepRun, error) {
	return withContext(ctx, func() (types.StepRun, error) {
		id, err := s.ids.next()
		if err != nil {
			return types.StepRun{}, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.runs[runID]; !ok {
			return types.StepRun{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, runID)
		}
		if _, dup := s.stepIndex[runID][stepID]; dup {
			return types.StepRun{}, fmt.Errorf("%w: run=%s step=%s", ErrStepRunExists, runID, stepID)
		}

		now := nowMillis()
		sr := types.StepRun{
			ID:        id,
			StepID:    stepID,
			RunID:     runID,
			Status:    status,
			Output:    map[string]interface{}{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.stepRuns[id] = sr
		if s.stepIndex[runID] == nil {
			s.stepIndex[runID] = make(map[string]string)
		}
		s.stepIndex[runID][stepID] = id
		s.runSteps[runID] = append(s.runSteps[runID], id)
		return sr, nil
	})
}

func (s *MemoryRepository) UpdateStepRunStatus(ctx context.Context, stepRunID string, status types.StepRunStatus, output map[string]interface{}) (types.StepRun, error) {
	return withContext(ctx, func() (types.StepRun, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		sr, ok := s.stepRuns[stepRunID]
		if !ok {
			return types.StepRun{}, fmt.Errorf("%w: id=%s", ErrStepRunNotFound, stepRunID)
		}
		sr.Status = status
		sr.Output = emptyIfNil(output)
		sr.UpdatedAt = nowMillis()
		s.stepRuns[stepRunID] = sr
		return sr, nil
	})
}

func (s *MemoryRepository) GetRunDetails(ctx context.Context, runID string) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		run, ok := s.runs[runID]
		if !ok {
			return types.WorkflowRun{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, runID)
		}
		ids := s.runSteps[runID]
		run.StepRuns = make([]types.StepRun, 0, len(ids))
		for _, id := range ids {
			run.StepRuns = append(run.StepRuns, s.stepRuns[id])
		}
		return run, nil
	})
}

// ClearFinished removes terminal runs together with their step runs.
func (s *MemoryRepository) ClearFinished(ctx context.Context) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, run := range s.runs {
			if !run.Status.IsTerminal() {
				continue
			}
			for _, srID := range s.runSteps[id] {
				delete(s.stepRuns, srID)
			}
			delete(s.runSteps, id)
			delete(s.stepIndex, id)
			delete(s.runs, id)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *MemoryRepository) Close() error { return nil }
