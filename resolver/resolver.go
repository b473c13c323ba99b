// Package resolver rewrites a step's declared inputs into concrete values.
package resolver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/songzhibin97/dagflow/types"
)

var (
	// ErrUnresolvedReference is returned when a step_output input points at a
	// step that has no run yet.
	ErrUnresolvedReference = errors.New("cannot find stepRun id for input lookup")
	// ErrInvalidInputSource wraps decoding failures of tagged inputs.
	ErrInvalidInputSource = errors.New("invalid dynamic input")
)

// Resolve walks value and replaces every dynamic input declaration with the
// data it refers to. Literals pass through unchanged. Resolve never mutates value.
func Resolve(value interface{}, stepRuns []types.StepRun, triggerRun types.TriggerRun) (interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		input, tagged, err := types.DecodeDynamicInput(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInputSource, err)
		}
		if tagged {
			return resolveInput(input, stepRuns, triggerRun)
		}
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			resolved, err := Resolve(item, stepRuns, triggerRun)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, stepRuns, triggerRun)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveInputs resolves a step's inputs map. A nil map resolves to an empty one.
func ResolveInputs(inputs map[string]interface{}, stepRuns []types.StepRun, triggerRun types.TriggerRun) (map[string]interface{}, error) {
	if inputs == nil {
		return map[string]interface{}{}, nil
	}
	resolved, err := Resolve(inputs, stepRuns, triggerRun)
	if err != nil {
		return nil, err
	}
	if out, ok := resolved.(map[string]interface{}); ok {
		return out, nil
	}
	// The whole inputs object was itself a dynamic input.
	return map[string]interface{}{"value": resolved}, nil
}

func resolveInput(input types.DynamicInput, stepRuns []types.StepRun, triggerRun types.TriggerRun) (interface{}, error) {
	switch in := input.(type) {
	case types.StaticValue:
		return in.Value, nil
	case types.StepOutputRef:
		for _, run := range stepRuns {
			if run.StepID == in.StepID {
				return Lookup(run.Output, in.OutputPath), nil
			}
		}
		return nil, fmt.Errorf("%w: step %s", ErrUnresolvedReference, in.StepID)
	case types.TriggerOutputRef:
		return Lookup(triggerRun.Output, in.OutputPath), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidInputSource, input)
	}
}

// Lookup follows a dot-separated path through nested maps and slices.
// Missing keys, out-of-range indexes and non-container intermediates yield nil.
func Lookup(data interface{}, path string) interface{} {
	current := data
	for _, key := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			current = node[key]
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}
