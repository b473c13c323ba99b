package types

// TemplateStatus is the editing state of a workflow template.
type TemplateStatus string

const (
	TemplateStatusDraft     TemplateStatus = "DRAFT"
	TemplateStatusPublished TemplateStatus = "PUBLISHED"
)

// WorkflowStatus is the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "PENDING"
	WorkflowStatusRunning   WorkflowStatus = "RUNNING"
	WorkflowStatusCompleted WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed    WorkflowStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// StepRunStatus is the lifecycle state of a single step execution.
type StepRunStatus string

const (
	StepRunStatusPending   StepRunStatus = "PENDING"
	StepRunStatusRunning   StepRunStatus = "RUNNING"
	StepRunStatusCompleted StepRunStatus = "COMPLETED"
	StepRunStatusFailed    StepRunStatus = "FAILED"
)

// WorkflowTemplate is the user-authored definition of a workflow graph.
type WorkflowTemplate struct {
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name"`
	Status       TemplateStatus   `json:"status"`
	EntryPointID string           `json:"entryPointId"`
	Steps        []Step           `json:"steps"`
	Connections  []StepConnection `json:"connections"`
	Triggers     []Trigger        `json:"triggers"`
}

// Step returns the step with the given id.
func (t WorkflowTemplate) Step(id string) (Step, bool) {
	for _, step := range t.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}

// Step is a node of the workflow graph. Type names the plugin that executes it.
type Step struct {
	ID                    string                 `json:"id"`
	Name                  string                 `json:"name"`
	Type                  string                 `json:"type"`
	Inputs                map[string]interface{} `json:"inputs,omitempty"`
	VisualizationMetadata map[string]interface{} `json:"visualizationMetadata"`
	IsConfigured          bool                   `json:"isConfigured"`
}

// StepConnection is a directed edge between two steps.
type StepConnection struct {
	ID         string `json:"id"`
	FromStepID string `json:"fromStepId"`
	ToStepID   string `json:"toStepId"`
}

// Trigger describes the external event class that can start a run.
type Trigger struct {
	ID                    string                 `json:"id"`
	Type                  string                 `json:"type"`
	Inputs                interface{}            `json:"inputs"`
	VisualizationMetadata map[string]interface{} `json:"visualizationMetadata"`
	IsEnabled             bool                   `json:"isEnabled"`
	IsConfigured          bool                   `json:"isConfigured"`
}

// TriggerRun is the captured payload of one trigger firing. It is immutable once created.
type TriggerRun struct {
	ID        string                 `json:"id"`
	TriggerID string                 `json:"triggerId"`
	Output    map[string]interface{} `json:"output"`
	CreatedAt int64                  `json:"createdAt"`
}

// WorkflowRun is one execution of a template.
type WorkflowRun struct {
	ID         string         `json:"id"`
	TemplateID string         `json:"templateId,omitempty"`
	TriggerRun TriggerRun     `json:"triggerRun"`
	Status     WorkflowStatus `json:"status"`
	StepRuns   []StepRun      `json:"stepRuns,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

// StepRun is the execution record of one step within one run.
type StepRun struct {
	ID        string                 `json:"id"`
	StepID    string                 `json:"stepId"`
	RunID     string                 `json:"runId"`
	Status    StepRunStatus          `json:"status"`
	Output    map[string]interface{} `json:"output"`
	CreatedAt int64                  `json:"createdAt"`
	UpdatedAt int64                  `json:"updatedAt"`
}
