package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dagflow/types"
)

type failingGenerator struct{}

func (failingGenerator) NextID() (uint64, error) { return 0, errors.New("clock moved backwards") }

func TestMemoryRepository(t *testing.T) {
	testRunStore(t, NewMemoryRepository(nil))
}

func TestMemoryRepositoryWithGenerator(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRepository(generator.NewSnowflake(time.Now().Add(-1*time.Second), 7))

	a, err := store.CreateTriggerRun(ctx, "t", nil)
	require.NoError(t, err)
	b, err := store.CreateTriggerRun(ctx, "t", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotNil(t, a.Output)

	got, err := store.GetTriggerRun(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = store.GetTriggerRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrTriggerRunNotFound)

	failing := NewMemoryRepository(failingGenerator{})
	_, err = failing.CreateRun(ctx, "tpl", types.TriggerRun{})
	assert.ErrorContains(t, err, "clock moved backwards")
}

func TestMemoryRepositoryCreateRunKeepsTriggerRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRepository(nil)

	tr := types.TriggerRun{ID: "external", TriggerID: "webhook", Output: map[string]interface{}{"a": 1}}
	run, err := store.CreateRun(ctx, "tpl", tr)
	require.NoError(t, err)
	assert.Equal(t, tr, run.TriggerRun)

	got, err := store.GetTriggerRun(ctx, "external")
	require.NoError(t, err)
	assert.Equal(t, "webhook", got.TriggerID)
}

func TestMemoryRepositoryClearFinished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRepository(nil)

	done, err := store.CreateRun(ctx, "tpl", types.TriggerRun{})
	require.NoError(t, err)
	sr, err := store.CreateStepRun(ctx, "step1", done.ID, types.StepRunStatusRunning)
	require.NoError(t, err)
	_, err = store.ChangeExecutionStatus(ctx, done.ID, types.WorkflowStatusCompleted)
	require.NoError(t, err)

	active, err := store.CreateRun(ctx, "tpl", types.TriggerRun{})
	require.NoError(t, err)
	_, err = store.ChangeExecutionStatus(ctx, active.ID, types.WorkflowStatusRunning)
	require.NoError(t, err)

	require.NoError(t, store.ClearFinished(ctx))

	_, err = store.GetRunDetails(ctx, done.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = store.UpdateStepRunStatus(ctx, sr.ID, types.StepRunStatusCompleted, nil)
	assert.ErrorIs(t, err, ErrStepRunNotFound)

	status, err := store.GetExecutionStatus(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusRunning, status)
}
