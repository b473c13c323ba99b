package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dagflow/types"
)

var nameSchema = MustCompile("name.json", Schema{
	"type": "object",
	"properties": Schema{
		"name":  Schema{"type": "string", "minLength": 1},
		"count": Schema{"type": "integer", "minimum": 0},
	},
	"required": []string{"name"},
})

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(nameSchema, map[string]interface{}{"name": "pippo"}))
	assert.NoError(t, Check(nameSchema, map[string]interface{}{"name": "pippo", "count": 3}))

	assert.ErrorIs(t, Check(nameSchema, map[string]interface{}{}), ErrInvalidInput)
	assert.ErrorIs(t, Check(nameSchema, map[string]interface{}{"name": ""}), ErrInvalidInput)
	assert.ErrorIs(t, Check(nameSchema, map[string]interface{}{"name": "x", "count": -1}), ErrInvalidInput)
	// Go typed maps are normalised rather than rejected by the validator.
	assert.NoError(t, Check(nameSchema, map[string]string{"name": "typed"}))
}

func TestDecode(t *testing.T) {
	var in struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, Decode(nameSchema, map[string]interface{}{"name": "pippo", "count": 2}, &in))
	assert.Equal(t, "pippo", in.Name)
	assert.Equal(t, 2, in.Count)

	assert.ErrorIs(t, Decode(nameSchema, nil, &in), ErrInvalidInput)
}

func TestCompileRejectsBrokenSchema(t *testing.T) {
	_, err := Compile("broken.json", Schema{"type": 12})
	assert.Error(t, err)
	assert.Panics(t, func() { MustCompile("broken.json", Schema{"type": 12}) })
}

func TestDynamicField(t *testing.T) {
	field := MustCompile("dynamic.json", DynamicField(Schema{"type": "string"}))

	valid := []interface{}{
		types.StaticValue{Value: "pippo"}.Encode(),
		types.StepOutputRef{StepID: "step1", OutputPath: "hello"}.Encode(),
		types.TriggerOutputRef{OutputPath: "body.name"}.Encode(),
	}
	for _, v := range valid {
		assert.NoError(t, Check(field, v), "%v", v)
	}

	invalid := []interface{}{
		"pippo",
		types.StaticValue{Value: 12}.Encode(),
		map[string]interface{}{"inputSource": "step_output"},
		types.StepOutputRef{StepID: "", OutputPath: "hello"}.Encode(),
		map[string]interface{}{"inputSource": "unknown"},
	}
	for _, v := range invalid {
		assert.ErrorIs(t, Check(field, v), ErrInvalidInput, "%v", v)
	}
}
