package types

import (
	"errors"
	"fmt"
)

// InputSource tags a dynamic input declaration.
type InputSource string

const (
	InputSourceStaticValue   InputSource = "static_value"
	InputSourceStepOutput    InputSource = "step_output"
	InputSourceTriggerOutput InputSource = "trigger_output"
)

// InputSourceKey is the reserved field that marks an object as a dynamic input.
const InputSourceKey = "inputSource"

var (
	ErrUnknownInputSource = errors.New("unknown input source")
	ErrMalformedInput     = errors.New("malformed dynamic input")
)

// DynamicInput is one of StaticValue, StepOutputRef or TriggerOutputRef.
type DynamicInput interface {
	Source() InputSource
	// Encode returns the JSON-like form stored in a step's inputs.
	Encode() map[string]interface{}
}

// StaticValue is a literal configured by the user.
type StaticValue struct {
	Value interface{}
}

// StepOutputRef points at a path inside a prior step run's output.
type StepOutputRef struct {
	StepID     string
	OutputPath string
}

// TriggerOutputRef points at a path inside the trigger run's output.
type TriggerOutputRef struct {
	OutputPath string
}

func (StaticValue) Source() InputSource      { return InputSourceStaticValue }
func (StepOutputRef) Source() InputSource    { return InputSourceStepOutput }
func (TriggerOutputRef) Source() InputSource { return InputSourceTriggerOutput }

func (v StaticValue) Encode() map[string]interface{} {
	return map[string]interface{}{
		InputSourceKey: string(InputSourceStaticValue),
		"staticValue":  v.Value,
	}
}

func (r StepOutputRef) Encode() map[string]interface{} {
	return map[string]interface{}{
		InputSourceKey: string(InputSourceStepOutput),
		"stepDetails": map[string]interface{}{
			"stepId":     r.StepID,
			"outputPath": r.OutputPath,
		},
	}
}

func (r TriggerOutputRef) Encode() map[string]interface{} {
	return map[string]interface{}{
		InputSourceKey: string(InputSourceTriggerOutput),
		"triggerDetails": map[string]interface{}{
			"outputPath": r.OutputPath,
		},
	}
}

// DecodeDynamicInput decodes obj into its variant. The boolean result is false
// when obj carries no string inputSource field, in which case obj is plain data.
func DecodeDynamicInput(obj map[string]interface{}) (DynamicInput, bool, error) {
	raw, ok := obj[InputSourceKey]
	if !ok {
		return nil, false, nil
	}
	source, ok := raw.(string)
	if !ok {
		return nil, false, nil
	}

	switch InputSource(source) {
	case InputSourceStaticValue:
		return StaticValue{Value: obj["staticValue"]}, true, nil
	case InputSourceStepOutput:
		details, err := detailsOf(obj, "stepDetails")
		if err != nil {
			return nil, true, err
		}
		stepID, _ := details["stepId"].(string)
		if stepID == "" {
			return nil, true, fmt.Errorf("%w: stepDetails.stepId is required", ErrMalformedInput)
		}
		path, _ := details["outputPath"].(string)
		return StepOutputRef{StepID: stepID, OutputPath: path}, true, nil
	case InputSourceTriggerOutput:
		details, err := detailsOf(obj, "triggerDetails")
		if err != nil {
			return nil, true, err
		}
		path, _ := details["outputPath"].(string)
		return TriggerOutputRef{OutputPath: path}, true, nil
	default:
		return nil, true, fmt.Errorf("%w: %q", ErrUnknownInputSource, source)
	}
}

func detailsOf(obj map[string]interface{}, key string) (map[string]interface{}, error) {
	details, ok := obj[key].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object", ErrMalformedInput, key)
	}
	return details, nil
}
