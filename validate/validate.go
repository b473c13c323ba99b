// Package validate proves that a workflow template is a well-formed, fully
// connected DAG before it may be published or run.
package validate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/dagflow/types"
)

// Failure reasons reported through TemplateInvalidError.
const (
	ReasonStructure          = "Template structure is invalid"
	ReasonEntryPointMissing  = "Entry point ID must refer to an existing step"
	ReasonEntryPointIsTarget = "Entry point must not be a target of any connection"
	ReasonCycle              = "Workflow connections must form a valid DAG"
	ReasonDisconnected       = "All steps must be connected to the workflow"
	ReasonNoTrigger          = "At least one trigger is required for the workflow"
	ReasonVisualMetadata     = "Cannot validate visual metadata"
)

// ErrTemplateInvalid matches every TemplateInvalidError under errors.Is.
var ErrTemplateInvalid = errors.New("template invalid")

// TemplateInvalidError carries the human readable reason a template was rejected.
type TemplateInvalidError struct {
	Reason string
}

func (e *TemplateInvalidError) Error() string { return e.Reason }

func (e *TemplateInvalidError) Is(target error) bool { return target == ErrTemplateInvalid }

func invalid(reason string) error {
	return &TemplateInvalidError{Reason: reason}
}

func missingInputs(stepID string) error {
	return invalid(fmt.Sprintf("Step %s is missing required inputs", stepID))
}

var (
	//go:embed schema/template.json
	templateSchemaJSON string
	//go:embed schema/visualization.json
	visualizationSchemaJSON string

	templateSchema      = jsonschema.MustCompileString("template.json", templateSchemaJSON)
	visualizationSchema = jsonschema.MustCompileString("visualization.json", visualizationSchemaJSON)
)

// ValidateTemplate runs every check in order and returns the first violation
// as a *TemplateInvalidError.
func ValidateTemplate(t types.WorkflowTemplate) error {
	t = withEmptyCollections(t)
	checks := []func(types.WorkflowTemplate) error{
		validateStructure,
		validateEntryPoint,
		validateConnections,
		validateTriggers,
		validateSteps,
	}
	for _, check := range checks {
		if err := check(t); err != nil {
			return err
		}
	}
	return nil
}

// CanBePublished reports whether t validates and every trigger and step is configured.
func CanBePublished(t types.WorkflowTemplate) bool {
	if ValidateTemplate(t) != nil {
		return false
	}
	for _, trigger := range t.Triggers {
		if !trigger.IsConfigured {
			return false
		}
	}
	for _, step := range t.Steps {
		if !step.IsConfigured {
			return false
		}
	}
	return true
}

// ParseTemplate checks the raw JSON document against the template structure
// and decodes it. The result still has to pass ValidateTemplate.
func ParseTemplate(data []byte) (types.WorkflowTemplate, error) {
	doc, err := decodeJSON(data)
	if err != nil {
		return types.WorkflowTemplate{}, invalid(ReasonStructure)
	}
	return decodeDocument(doc)
}

// ParseTemplateYAML is ParseTemplate for YAML documents.
func ParseTemplateYAML(data []byte) (types.WorkflowTemplate, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return types.WorkflowTemplate{}, invalid(ReasonStructure)
	}
	doc, err := normalize(raw)
	if err != nil {
		return types.WorkflowTemplate{}, invalid(ReasonStructure)
	}
	return decodeDocument(doc)
}

func decodeDocument(doc interface{}) (types.WorkflowTemplate, error) {
	if err := templateSchema.Validate(doc); err != nil {
		return types.WorkflowTemplate{}, invalid(ReasonStructure)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return types.WorkflowTemplate{}, invalid(ReasonStructure)
	}
	var t types.WorkflowTemplate
	if err := json.Unmarshal(data, &t); err != nil {
		return types.WorkflowTemplate{}, invalid(ReasonStructure)
	}
	return t, nil
}

func validateStructure(t types.WorkflowTemplate) error {
	doc, err := normalize(t)
	if err != nil {
		return invalid(ReasonStructure)
	}
	if err := templateSchema.Validate(doc); err != nil {
		return invalid(ReasonStructure)
	}
	return nil
}

func validateEntryPoint(t types.WorkflowTemplate) error {
	if _, ok := t.Step(t.EntryPointID); !ok {
		return invalid(ReasonEntryPointMissing)
	}
	for _, conn := range t.Connections {
		if conn.ToStepID == t.EntryPointID {
			return invalid(ReasonEntryPointIsTarget)
		}
	}
	return nil
}

func validateConnections(t types.WorkflowTemplate) error {
	adjacency := make(map[string][]string, len(t.Steps))
	for _, conn := range t.Connections {
		adjacency[conn.FromStepID] = append(adjacency[conn.FromStepID], conn.ToStepID)
	}

	visited := make(map[string]bool, len(t.Steps))
	onStack := make(map[string]bool)
	var hasCycle func(node string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		onStack[node] = true
		for _, next := range adjacency[node] {
			if onStack[next] {
				return true
			}
			if !visited[next] && hasCycle(next) {
				return true
			}
		}
		onStack[node] = false
		return false
	}
	for _, step := range t.Steps {
		if !visited[step.ID] && hasCycle(step.ID) {
			return invalid(ReasonCycle)
		}
	}

	// A connection to or from an unknown id counts as disconnected too.
	stepIDs := make(map[string]bool, len(t.Steps))
	for _, step := range t.Steps {
		stepIDs[step.ID] = true
	}
	for _, conn := range t.Connections {
		if !stepIDs[conn.FromStepID] || !stepIDs[conn.ToStepID] {
			return invalid(ReasonDisconnected)
		}
	}
	reached := make(map[string]bool, len(t.Steps))
	stack := []string{t.EntryPointID}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[node] {
			continue
		}
		reached[node] = true
		stack = append(stack, adjacency[node]...)
	}
	for id := range stepIDs {
		if !reached[id] {
			return invalid(ReasonDisconnected)
		}
	}
	for id := range reached {
		if !stepIDs[id] {
			return invalid(ReasonDisconnected)
		}
	}
	return nil
}

func validateTriggers(t types.WorkflowTemplate) error {
	if len(t.Triggers) == 0 {
		return invalid(ReasonNoTrigger)
	}
	for _, trigger := range t.Triggers {
		if err := ValidateVisualizationMetadata(trigger.VisualizationMetadata); err != nil {
			return err
		}
	}
	return nil
}

func validateSteps(t types.WorkflowTemplate) error {
	for _, step := range t.Steps {
		if err := ValidateVisualizationMetadata(step.VisualizationMetadata); err != nil {
			return err
		}
		// An empty inputs object is accepted; only a missing one is rejected.
		if step.Inputs == nil {
			return missingInputs(step.ID)
		}
	}
	return nil
}

// ValidateVisualizationMetadata checks the editor metadata carried by steps and
// triggers: a numeric position and a string label.
func ValidateVisualizationMetadata(metadata map[string]interface{}) error {
	doc, err := normalize(metadata)
	if err != nil {
		return invalid(ReasonVisualMetadata)
	}
	if err := visualizationSchema.Validate(doc); err != nil {
		return invalid(ReasonVisualMetadata)
	}
	return nil
}

// withEmptyCollections treats nil collections as empty ones; in Go the two are
// indistinguishable to the author of a template.
func withEmptyCollections(t types.WorkflowTemplate) types.WorkflowTemplate {
	if t.Steps == nil {
		t.Steps = []types.Step{}
	}
	if t.Connections == nil {
		t.Connections = []types.StepConnection{}
	}
	if t.Triggers == nil {
		t.Triggers = []types.Trigger{}
	}
	return t
}

func normalize(value interface{}) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return decodeJSON(data)
}

func decodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
