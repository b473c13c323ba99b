package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDynamicInput(t *testing.T) {
	tests := []struct {
		name    string
		obj     map[string]interface{}
		want    DynamicInput
		tagged  bool
		wantErr error
	}{
		{
			name:   "plain object",
			obj:    map[string]interface{}{"name": "pippo"},
			tagged: false,
		},
		{
			name:   "non string tag is plain data",
			obj:    map[string]interface{}{InputSourceKey: 42},
			tagged: false,
		},
		{
			name:   "static value",
			obj:    StaticValue{Value: "pippo"}.Encode(),
			want:   StaticValue{Value: "pippo"},
			tagged: true,
		},
		{
			name:   "step output",
			obj:    StepOutputRef{StepID: "step1", OutputPath: "hello"}.Encode(),
			want:   StepOutputRef{StepID: "step1", OutputPath: "hello"},
			tagged: true,
		},
		{
			name:   "trigger output",
			obj:    TriggerOutputRef{OutputPath: "body.foo"}.Encode(),
			want:   TriggerOutputRef{OutputPath: "body.foo"},
			tagged: true,
		},
		{
			name:    "step output without details",
			obj:     map[string]interface{}{InputSourceKey: "step_output"},
			tagged:  true,
			wantErr: ErrMalformedInput,
		},
		{
			name: "step output without step id",
			obj: map[string]interface{}{
				InputSourceKey: "step_output",
				"stepDetails":  map[string]interface{}{"outputPath": "x"},
			},
			tagged:  true,
			wantErr: ErrMalformedInput,
		},
		{
			name:    "unknown source",
			obj:     map[string]interface{}{InputSourceKey: "env_var"},
			tagged:  true,
			wantErr: ErrUnknownInputSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, tagged, err := DecodeDynamicInput(tt.obj)
			assert.Equal(t, tt.tagged, tagged)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWorkflowStatusIsTerminal(t *testing.T) {
	assert.False(t, WorkflowStatusPending.IsTerminal())
	assert.False(t, WorkflowStatusRunning.IsTerminal())
	assert.True(t, WorkflowStatusCompleted.IsTerminal())
	assert.True(t, WorkflowStatusFailed.IsTerminal())
}

func TestTemplateStep(t *testing.T) {
	tpl := WorkflowTemplate{Steps: []Step{{ID: "a"}, {ID: "b", Type: "no-op"}}}

	step, ok := tpl.Step("b")
	assert.True(t, ok)
	assert.Equal(t, "no-op", step.Type)

	_, ok = tpl.Step("missing")
	assert.False(t, ok)
}
