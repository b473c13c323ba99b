package plugins

import (
	"context"
	"fmt"

	"github.com/songzhibin97/dagflow/plugin"
	"github.com/songzhibin97/dagflow/rules"
)

const (
	ConditionalID     = "conditional"
	ConditionalRuleID = "conditional-rules"

	// NextStepKey is the output field the engine reads to narrow fan-out to one step.
	NextStepKey = "nextStepId"
	// NextStepEvent is the rule event type that selects the next step through params.stepId.
	NextStepEvent = "nextStep"
)

var conditionalInputs = plugin.Schema{
	"type":       "object",
	"properties": plugin.Schema{"targetStepId": plugin.Schema{"type": "string", "minLength": 1}},
	"required":   []string{"targetStepId"},
}

var conditionalSchema = plugin.MustCompile("conditional.json", conditionalInputs)

// Conditional routes the run to inputs.targetStepId.
type Conditional struct{}

func (Conditional) Info() plugin.Info {
	return plugin.Info{
		ID:          ConditionalID,
		Name:        "Conditional",
		Description: "Routes execution to the configured target step",
		Inputs: plugin.Schema{
			"type": "object",
			"properties": plugin.Schema{
				"targetStepId": plugin.DynamicField(plugin.Schema{"type": "string", "minLength": 1}),
			},
			"required": []string{"targetStepId"},
		},
		Outputs: plugin.Schema{
			"type":       "object",
			"properties": plugin.Schema{NextStepKey: plugin.Schema{"type": "string", "minLength": 1}},
		},
	}
}

func (Conditional) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	var in struct {
		TargetStepID string `json:"targetStepId"`
	}
	if err := plugin.Decode(conditionalSchema, inputs, &in); err != nil {
		return nil, err
	}
	return map[string]interface{}{NextStepKey: in.TargetStepID}, nil
}

var conditionalRulesInputs = plugin.Schema{
	"type": "object",
	"properties": plugin.Schema{
		"facts": plugin.Schema{"type": "object"},
		"rules": plugin.Schema{
			"type": "array",
			"items": plugin.Schema{
				"type": "object",
				"properties": plugin.Schema{
					"condition": plugin.Schema{"type": "string", "minLength": 1},
					"event": plugin.Schema{
						"type": "object",
						"properties": plugin.Schema{
							"type":   plugin.Schema{"type": "string", "minLength": 1},
							"params": plugin.Schema{"type": "object"},
						},
						"required": []string{"type"},
					},
				},
				"required": []string{"condition", "event"},
			},
		},
	},
	"required": []string{"facts", "rules"},
}

var conditionalRulesSchema = plugin.MustCompile("conditional-rules.json", conditionalRulesInputs)

// ConditionalRules evaluates expression rules against facts. Every fired event
// is reported under its type; the first nextStep event with a stepId param
// selects the next step.
type ConditionalRules struct {
	evaluator rules.Evaluator
}

// NewConditionalRules uses evaluator, or a fresh expr evaluator when nil.
func NewConditionalRules(evaluator rules.Evaluator) ConditionalRules {
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	return ConditionalRules{evaluator: evaluator}
}

func (ConditionalRules) Info() plugin.Info {
	return plugin.Info{
		ID:          ConditionalRuleID,
		Name:        "Conditional Rules",
		Description: "Evaluates rules against facts and determines the next step",
		Inputs:      conditionalRulesInputs,
		Outputs: plugin.Schema{
			"type":                 "object",
			"properties":           plugin.Schema{NextStepKey: plugin.Schema{"type": "string", "minLength": 1}},
			"additionalProperties": true,
		},
	}
}

func (c ConditionalRules) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	var in struct {
		Facts map[string]interface{} `json:"facts"`
		Rules []rules.Rule           `json:"rules"`
	}
	if err := plugin.Decode(conditionalRulesSchema, inputs, &in); err != nil {
		return nil, err
	}

	evaluator := c.evaluator
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	fired, err := rules.Run(evaluator, in.Rules, in.Facts)
	if err != nil {
		return nil, fmt.Errorf("evaluate rules: %w", err)
	}

	out := make(map[string]interface{}, len(fired)+1)
	for _, event := range fired {
		if _, seen := out[event.Type]; !seen {
			out[event.Type] = nonNil(event.Params)
		}
	}
	for _, event := range fired {
		if event.Type != NextStepEvent {
			continue
		}
		if stepID, ok := event.Params["stepId"].(string); ok && stepID != "" {
			out[NextStepKey] = stepID
			break
		}
	}
	return out, nil
}
