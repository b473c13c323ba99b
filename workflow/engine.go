// Package workflow executes one workflow run against its template.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/dagflow/events"
	"github.com/songzhibin97/dagflow/plugin"
	"github.com/songzhibin97/dagflow/resolver"
	"github.com/songzhibin97/dagflow/storage"
	"github.com/songzhibin97/dagflow/types"
)

var (
	// ErrPluginNotFound indicates a step type with no registered plugin.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrPluginExecution indicates a plugin failed or panicked.
	ErrPluginExecution = errors.New("plugin execution failed")
	// ErrEntryPointNotFound indicates the template entry point is not one of its steps.
	ErrEntryPointNotFound = errors.New("cannot find valid entry point step")
	// ErrNilRepository indicates the engine was built without a run repository.
	ErrNilRepository = errors.New("run repository is required")
	// ErrNilPlugins indicates the engine was built without a plugin source.
	ErrNilPlugins = errors.New("plugin registry is required")
)

// NextStepKey is the output field a plugin sets to pick the single step that follows it.
const NextStepKey = "nextStepId"

const tracerName = "github.com/songzhibin97/dagflow/workflow"

// PluginSource resolves a step type to a plugin. *plugin.Registry satisfies it.
type PluginSource interface {
	Get(id string) (plugin.Entry, bool)
}

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithStepTimeout bounds every plugin execution. Zero disables the bound.
func WithStepTimeout(d time.Duration) Option {
	return func(e *WorkflowEngine) {
		e.stepTimeout = d
	}
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus events.Publisher) Option {
	return func(e *WorkflowEngine) {
		e.eventBus = bus
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *WorkflowEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *WorkflowEngine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WorkflowEngine drives a single run to COMPLETED or FAILED. Build a new
// engine for every run; an engine is not reusable once Execute returns.
type WorkflowEngine struct {
	template types.WorkflowTemplate
	repo     storage.RunRepository
	plugins  PluginSource

	steps      map[string]types.Step
	successors map[string][]string

	mu              sync.Mutex
	run             types.WorkflowRun
	dependencyCount map[string]int

	stepTimeout time.Duration
	eventBus    events.Publisher
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewWorkflowEngine prepares the execution of run. The template is expected to
// have passed validate.ValidateTemplate.
func NewWorkflowEngine(template types.WorkflowTemplate, run types.WorkflowRun, repo storage.RunRepository, plugins PluginSource, opts ...Option) (*WorkflowEngine, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	if plugins == nil {
		return nil, ErrNilPlugins
	}

	e := &WorkflowEngine{
		template:   template,
		repo:       repo,
		plugins:    plugins,
		steps:      make(map[string]types.Step, len(template.Steps)),
		successors: make(map[string][]string, len(template.Steps)),
		run:        run,
		logger:     zap.NewNop(),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
	}
	e.run.StepRuns = append([]types.StepRun(nil), run.StepRuns...)

	for _, step := range template.Steps {
		e.steps[step.ID] = step
	}
	for _, conn := range template.Connections {
		e.successors[conn.FromStepID] = append(e.successors[conn.FromStepID], conn.ToStepID)
	}

	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("run_id", run.ID))
	return e, nil
}

// Execute runs the template from its entry point and records the final run
// status. The returned error is the first failure of the step tree.
func (e *WorkflowEngine) Execute(ctx context.Context) (types.WorkflowStatus, error) {
	entry, ok := e.steps[e.template.EntryPointID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrEntryPointNotFound, e.template.EntryPointID)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("run_id", e.run.ID),
		attribute.String("template_id", e.template.ID),
	))
	defer span.End()

	e.countDependencies()

	if _, err := e.repo.ChangeExecutionStatus(ctx, e.run.ID, types.WorkflowStatusRunning); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("mark run running: %w", err)
	}
	e.setStatus(types.WorkflowStatusRunning)
	e.logger.Info("run started", zap.String("entry_point", entry.ID))
	e.publish(ctx, events.RunStarted, "", nil)

	runErr := e.executeStep(ctx, entry)

	// Final status is recorded even when the caller's context is done.
	finalCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if _, err := e.repo.ChangeExecutionStatus(finalCtx, e.run.ID, types.WorkflowStatusFailed); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("mark run failed: %w", err))
		}
		e.setStatus(types.WorkflowStatusFailed)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		e.logger.Error("run failed", zap.Error(runErr))
		e.publish(finalCtx, events.RunFailed, "", map[string]interface{}{"error": runErr.Error()})
		return types.WorkflowStatusFailed, runErr
	}

	if _, err := e.repo.ChangeExecutionStatus(finalCtx, e.run.ID, types.WorkflowStatusCompleted); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("mark run completed: %w", err)
	}
	e.setStatus(types.WorkflowStatusCompleted)
	e.logger.Info("run completed", zap.Int("step_runs", len(e.StepRuns())))
	e.publish(finalCtx, events.RunCompleted, "", nil)
	return types.WorkflowStatusCompleted, nil
}

// Run returns a snapshot of the run as the engine sees it.
func (e *WorkflowEngine) Run() types.WorkflowRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	run := e.run
	run.StepRuns = append([]types.StepRun(nil), e.run.StepRuns...)
	return run
}

// StepRuns returns a snapshot of the step runs created so far, in creation order.
func (e *WorkflowEngine) StepRuns() []types.StepRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.StepRun(nil), e.run.StepRuns...)
}

func (e *WorkflowEngine) executeStep(ctx context.Context, step types.Step) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	status, err := e.repo.GetExecutionStatus(ctx, e.run.ID)
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	// A sibling branch already failed the run.
	if status == types.WorkflowStatusFailed {
		e.logger.Debug("run already failed, step not started", zap.String("step_id", step.ID))
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("run_id", e.run.ID),
		attribute.String("step_id", step.ID),
		attribute.String("plugin", step.Type),
	))
	defer span.End()

	stepRun, err := e.repo.CreateStepRun(ctx, step.ID, e.run.ID, types.StepRunStatusRunning)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("create step run for %s: %w", step.ID, err)
	}
	priorRuns := e.appendStepRun(stepRun)
	e.logger.Debug("step started", zap.String("step_id", step.ID), zap.String("plugin", step.Type))
	e.publish(ctx, events.StepStarted, step.ID, nil)

	output, err := e.runPlugin(ctx, step, priorRuns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.failStep(ctx, step, stepRun, err)
	}

	completed, err := e.repo.UpdateStepRunStatus(ctx, stepRun.ID, types.StepRunStatusCompleted, output)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("complete step run %s: %w", step.ID, err)
	}
	completed.Output = output
	e.replaceStepRun(completed)
	e.publish(ctx, events.StepCompleted, step.ID, output)

	ready := e.release(e.nextSteps(step, output))
	if len(ready) == 0 {
		return nil
	}

	// Siblings are not cancelled when one fails; each stops at its own status check.
	var g errgroup.Group
	for _, next := range ready {
		g.Go(func() error {
			return e.executeStep(ctx, next)
		})
	}
	return g.Wait()
}

func (e *WorkflowEngine) runPlugin(ctx context.Context, step types.Step, stepRuns []types.StepRun) (map[string]interface{}, error) {
	inputs, err := resolver.ResolveInputs(step.Inputs, stepRuns, e.run.TriggerRun)
	if err != nil {
		return nil, fmt.Errorf("resolve inputs of step %s: %w", step.ID, err)
	}

	entry, ok := e.plugins.Get(step.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s (step %s)", ErrPluginNotFound, step.Type, step.ID)
	}
	instance, err := entry.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPluginExecution, err)
	}

	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	output, err := invoke(ctx, instance, inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: step %s (%s): %w", ErrPluginExecution, step.ID, step.Type, err)
	}
	if output == nil {
		output = map[string]interface{}{}
	}
	return output, nil
}

func invoke(ctx context.Context, p plugin.Plugin, inputs map[string]interface{}) (output map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			output, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Execute(ctx, inputs)
}

// failStep records the failure of step and of the run, then returns cause.
func (e *WorkflowEngine) failStep(ctx context.Context, step types.Step, stepRun types.StepRun, cause error) error {
	ctx = context.WithoutCancel(ctx)
	e.logger.Error("step failed",
		zap.String("step_id", step.ID),
		zap.String("plugin", step.Type),
		zap.Error(cause),
	)

	err := cause
	failed, uerr := e.repo.UpdateStepRunStatus(ctx, stepRun.ID, types.StepRunStatusFailed, map[string]interface{}{})
	if uerr != nil {
		err = errors.Join(err, fmt.Errorf("mark step run failed: %w", uerr))
	} else {
		e.replaceStepRun(failed)
	}
	if _, serr := e.repo.ChangeExecutionStatus(ctx, e.run.ID, types.WorkflowStatusFailed); serr != nil {
		err = errors.Join(err, fmt.Errorf("mark run failed: %w", serr))
	}
	e.publish(ctx, events.StepFailed, step.ID, map[string]interface{}{"error": cause.Error()})
	return err
}

// nextSteps lists the steps that follow step. A string NextStepKey naming any
// existing step makes it the only next step, connected or not; naming no step
// ends the branch.
func (e *WorkflowEngine) nextSteps(step types.Step, output map[string]interface{}) []string {
	target, ok := output[NextStepKey].(string)
	if !ok {
		return e.successors[step.ID]
	}
	if _, exists := e.steps[target]; !exists {
		e.logger.Debug("next step names no step, branch ends", zap.String("step_id", step.ID), zap.String("next_step_id", target))
		return nil
	}
	return []string{target}
}

// release decrements the dependency count of every id and returns the steps
// whose count reached zero with this call.
func (e *WorkflowEngine) release(ids []string) []types.Step {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ready []types.Step
	for _, id := range ids {
		step, ok := e.steps[id]
		if !ok {
			continue
		}
		if e.dependencyCount[id] <= 0 {
			continue
		}
		e.dependencyCount[id]--
		if e.dependencyCount[id] == 0 {
			ready = append(ready, step)
		}
	}
	return ready
}

func (e *WorkflowEngine) countDependencies() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dependencyCount = make(map[string]int, len(e.steps))
	for id := range e.steps {
		e.dependencyCount[id] = 0
	}
	for _, conn := range e.template.Connections {
		_, fromOK := e.steps[conn.FromStepID]
		_, toOK := e.steps[conn.ToStepID]
		if fromOK && toOK {
			e.dependencyCount[conn.ToStepID]++
		}
	}
}

// appendStepRun records sr and returns the step runs visible to its inputs.
func (e *WorkflowEngine) appendStepRun(sr types.StepRun) []types.StepRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.run.StepRuns = append(e.run.StepRuns, sr)
	return append([]types.StepRun(nil), e.run.StepRuns...)
}

func (e *WorkflowEngine) replaceStepRun(sr types.StepRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.run.StepRuns {
		if e.run.StepRuns[i].ID == sr.ID {
			e.run.StepRuns[i] = sr
			return
		}
	}
}

func (e *WorkflowEngine) setStatus(status types.WorkflowStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.run.Status = status
}

func (e *WorkflowEngine) publish(ctx context.Context, eventType, stepID string, data map[string]interface{}) {
	if e.eventBus == nil {
		return
	}
	err := e.eventBus.Publish(ctx, events.Event{
		Type:   eventType,
		RunID:  e.run.ID,
		StepID: stepID,
		Data:   data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}
