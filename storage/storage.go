// Package storage persists workflow runs and their step runs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/dagflow/types"
)

var (
	ErrRunNotFound        = errors.New("workflow run not found")
	ErrTriggerRunNotFound = errors.New("trigger run not found")
	ErrStepRunNotFound    = errors.New("step run not found")
	ErrStepRunExists      = errors.New("step run already exists for this run and step")
	ErrRunFinalized       = errors.New("workflow run already reached a terminal status")
)

// RunRepository is everything the engine needs from persistence.
type RunRepository interface {
	// ChangeExecutionStatus moves a run to status. A terminal run only accepts
	// its own status again.
	ChangeExecutionStatus(ctx context.Context, runID string, status types.WorkflowStatus) (types.WorkflowRun, error)

	GetExecutionStatus(ctx context.Context, runID string) (types.WorkflowStatus, error)

	// CreateStepRun fails with ErrStepRunExists when (runID, stepID) was already created.
	CreateStepRun(ctx context.Context, stepID, runID string, status types.StepRunStatus) (types.StepRun, error)

	UpdateStepRunStatus(ctx context.Context, stepRunID string, status types.StepRunStatus, output map[string]interface{}) (types.StepRun, error)
}

// RunStore adds the operations used by whoever creates runs and reports on them.
type RunStore interface {
	RunRepository

	CreateTriggerRun(ctx context.Context, triggerID string, output map[string]interface{}) (types.TriggerRun, error)

	// CreateRun creates a PENDING run of templateID fired by triggerRun.
	CreateRun(ctx context.Context, templateID string, triggerRun types.TriggerRun) (types.WorkflowRun, error)

	// GetRunDetails returns the run with its step runs in creation order.
	GetRunDetails(ctx context.Context, runID string) (types.WorkflowRun, error)

	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// checkTransition reports whether a run may move from current to next.
// changed is false when the write would be a no-op on a terminal run.
func checkTransition(runID string, current, next types.WorkflowStatus) (changed bool, err error) {
	if !current.IsTerminal() {
		return true, nil
	}
	if current == next {
		return false, nil
	}
	return false, fmt.Errorf("%w: run=%s status=%s requested=%s", ErrRunFinalized, runID, current, next)
}

func emptyIfNil(output map[string]interface{}) map[string]interface{} {
	if output == nil {
		return map[string]interface{}{}
	}
	return output
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// idSource hands out snowflake ids rendered as decimal strings.
type idSource struct {
	generate generator.Generator
}

func newIDSource(generate generator.Generator) idSource {
	if generate == nil {
		generate = generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	}
	return idSource{generate: generate}
}

func (s idSource) next() (string, error) {
	id, err := s.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strconv.FormatUint(id, 10), nil
}
