package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dagflow/types"
)

func TestResolveLiterals(t *testing.T) {
	for _, literal := range []interface{}{"text", 42, 3.5, true, nil} {
		got, err := Resolve(literal, nil, types.TriggerRun{})
		require.NoError(t, err)
		assert.Equal(t, literal, got)
	}
}

func TestResolveStaticValue(t *testing.T) {
	inputs := map[string]interface{}{
		"name": types.StaticValue{Value: "pippo"}.Encode(),
	}

	got, err := ResolveInputs(inputs, nil, types.TriggerRun{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "pippo"}, got)
}

func TestResolveStepOutput(t *testing.T) {
	stepRuns := []types.StepRun{
		{ID: "sr1", StepID: "step1", Output: map[string]interface{}{
			"hello": "world",
			"nested": map[string]interface{}{
				"items": []interface{}{"a", map[string]interface{}{"id": "b"}},
			},
		}},
	}

	tests := []struct {
		name string
		path string
		want interface{}
	}{
		{name: "top level", path: "hello", want: "world"},
		{name: "array index", path: "nested.items.0", want: "a"},
		{name: "through array", path: "nested.items.1.id", want: "b"},
		{name: "missing key", path: "nope", want: nil},
		{name: "missing intermediate", path: "nope.deeper", want: nil},
		{name: "index out of range", path: "nested.items.7", want: nil},
		{name: "scalar intermediate", path: "hello.length", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs := map[string]interface{}{
				"value": types.StepOutputRef{StepID: "step1", OutputPath: tt.path}.Encode(),
			}
			got, err := ResolveInputs(inputs, stepRuns, types.TriggerRun{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got["value"])
		})
	}
}

func TestResolveUnresolvedStep(t *testing.T) {
	inputs := map[string]interface{}{
		"name": types.StepOutputRef{StepID: "ghost", OutputPath: "hello"}.Encode(),
	}

	_, err := ResolveInputs(inputs, []types.StepRun{{StepID: "step1"}}, types.TriggerRun{})
	assert.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestResolveTriggerOutput(t *testing.T) {
	trigger := types.TriggerRun{ID: "tr1", Output: map[string]interface{}{"foo": "bar"}}
	inputs := map[string]interface{}{
		"value": types.TriggerOutputRef{OutputPath: "foo"}.Encode(),
	}

	got, err := ResolveInputs(inputs, nil, trigger)
	require.NoError(t, err)
	assert.Equal(t, "bar", got["value"])
}

func TestResolveNestedStructures(t *testing.T) {
	trigger := types.TriggerRun{Output: map[string]interface{}{"user": map[string]interface{}{"email": "a@b.c"}}}
	stepRuns := []types.StepRun{{StepID: "s1", Output: map[string]interface{}{"n": 7}}}
	inputs := map[string]interface{}{
		"recipients": []interface{}{
			types.TriggerOutputRef{OutputPath: "user.email"}.Encode(),
			"static@b.c",
		},
		"body": map[string]interface{}{
			"count": types.StepOutputRef{StepID: "s1", OutputPath: "n"}.Encode(),
			"title": "report",
		},
	}

	got, err := ResolveInputs(inputs, stepRuns, trigger)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"recipients": []interface{}{"a@b.c", "static@b.c"},
		"body":       map[string]interface{}{"count": 7, "title": "report"},
	}, got)

	// the declaration is untouched
	body := inputs["body"].(map[string]interface{})
	_, stillTagged := body["count"].(map[string]interface{})
	assert.True(t, stillTagged)
}

func TestResolveInvalidSource(t *testing.T) {
	inputs := map[string]interface{}{
		"x": map[string]interface{}{types.InputSourceKey: "secret_store"},
	}

	_, err := ResolveInputs(inputs, nil, types.TriggerRun{})
	assert.ErrorIs(t, err, ErrInvalidInputSource)
}

func TestResolveInputsNil(t *testing.T) {
	got, err := ResolveInputs(nil, nil, types.TriggerRun{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
