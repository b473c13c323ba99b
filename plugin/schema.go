package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidInput is returned by Check and Decode when a value does not match its schema.
var ErrInvalidInput = errors.New("invalid input provided")

// Compile compiles s under the resource name name.
func Compile(name string, s Schema) (*jsonschema.Schema, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("plugin: marshal schema %s: %w", name, err)
	}
	compiled, err := jsonschema.CompileString(name, string(data))
	if err != nil {
		return nil, fmt.Errorf("plugin: compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// MustCompile panics if the schema does not compile. Meant for package-level vars.
func MustCompile(name string, s Schema) *jsonschema.Schema {
	compiled, err := Compile(name, s)
	if err != nil {
		panic(err)
	}
	return compiled
}

// Check validates value against sch. Go values are normalised through JSON first.
func Check(sch *jsonschema.Schema, value interface{}) error {
	doc, err := normalize(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Decode validates inputs against sch and unmarshals them into dst.
func Decode(sch *jsonschema.Schema, inputs map[string]interface{}, dst interface{}) error {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	if err := Check(sch, inputs); err != nil {
		return err
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func normalize(value interface{}) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// DynamicField wraps field so the user can supply it as a static value, a prior
// step's output or the trigger's output.
func DynamicField(field Schema) Schema {
	details := func(props Schema, required ...string) Schema {
		return Schema{"type": "object", "properties": props, "required": required}
	}
	nonEmpty := Schema{"type": "string", "minLength": 1}

	return Schema{
		"type":     "object",
		"required": []string{"inputSource"},
		"oneOf": []interface{}{
			Schema{
				"properties": Schema{
					"inputSource": Schema{"const": "static_value"},
					"staticValue": field,
				},
				"required": []string{"inputSource", "staticValue"},
			},
			Schema{
				"properties": Schema{
					"inputSource": Schema{"const": "step_output"},
					"stepDetails": details(Schema{"stepId": nonEmpty, "outputPath": nonEmpty}, "stepId", "outputPath"),
				},
				"required": []string{"inputSource", "stepDetails"},
			},
			Schema{
				"properties": Schema{
					"inputSource":    Schema{"const": "trigger_output"},
					"triggerDetails": details(Schema{"outputPath": nonEmpty}, "outputPath"),
				},
				"required": []string{"inputSource", "triggerDetails"},
			},
		},
	}
}
