package plugins

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/songzhibin97/dagflow/plugin"
)

const (
	HelloWorldID    = "hello-world"
	NoOpID          = "no-op"
	UUIDGeneratorID = "uuid-generator"
	RandomNumberID  = "random-number-generator"
)

var helloWorldInputs = plugin.Schema{
	"type":       "object",
	"properties": plugin.Schema{"name": plugin.Schema{"type": "string", "minLength": 1}},
	"required":   []string{"name"},
}

var helloWorldSchema = plugin.MustCompile("hello-world.json", helloWorldInputs)

// HelloWorld greets inputs.name.
type HelloWorld struct{}

func (HelloWorld) Info() plugin.Info {
	return plugin.Info{
		ID:          HelloWorldID,
		Name:        "Hello World",
		Description: "Takes a name as input and returns greetings",
		Inputs: plugin.Schema{
			"type":       "object",
			"properties": plugin.Schema{"name": plugin.DynamicField(plugin.Schema{"type": "string", "minLength": 1})},
			"required":   []string{"name"},
		},
		Outputs: plugin.Schema{
			"type":       "object",
			"properties": plugin.Schema{"greetings": plugin.Schema{"type": "string"}},
		},
	}
}

func (HelloWorld) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := plugin.Decode(helloWorldSchema, inputs, &in); err != nil {
		return nil, err
	}
	return map[string]interface{}{"greetings": "Hello " + in.Name}, nil
}

var noOpSchema = plugin.MustCompile("no-op.json", emptyObject)

// NoOp does nothing and can be used as a placeholder.
type NoOp struct{}

func (NoOp) Info() plugin.Info {
	return plugin.Info{
		ID:          NoOpID,
		Name:        "No Operation",
		Description: "Does nothing and can be used as a placeholder",
		Inputs:      emptyObject,
		Outputs:     emptyObject,
	}
}

func (NoOp) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	if err := plugin.Check(noOpSchema, nonNil(inputs)); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

// UUIDGenerator returns a random (version 4) UUID.
type UUIDGenerator struct{}

func (UUIDGenerator) Info() plugin.Info {
	return plugin.Info{
		ID:          UUIDGeneratorID,
		Name:        "UUID Generator",
		Description: "Generates a UUID",
		Inputs:      emptyObject,
		Outputs: plugin.Schema{
			"type":       "object",
			"properties": plugin.Schema{"uuid": plugin.Schema{"type": "string", "format": "uuid"}},
		},
	}
}

func (UUIDGenerator) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate uuid: %w", err)
	}
	return map[string]interface{}{"uuid": id.String()}, nil
}

var randomNumberInputs = plugin.Schema{
	"type": "object",
	"properties": plugin.Schema{
		"min": plugin.Schema{"type": "integer"},
		"max": plugin.Schema{"type": "integer"},
	},
	"required": []string{"min", "max"},
}

var randomNumberSchema = plugin.MustCompile("random-number-generator.json", randomNumberInputs)

// RandomNumber draws an integer uniformly from [min, max].
type RandomNumber struct {
	intN func(n int64) int64
}

func NewRandomNumber() RandomNumber {
	return RandomNumber{intN: rand.Int64N}
}

func (RandomNumber) Info() plugin.Info {
	return plugin.Info{
		ID:          RandomNumberID,
		Name:        "Random Number Generator",
		Description: "Generates a random number within a specified range",
		Inputs: plugin.Schema{
			"type": "object",
			"properties": plugin.Schema{
				"min": plugin.DynamicField(plugin.Schema{"type": "integer"}),
				"max": plugin.DynamicField(plugin.Schema{"type": "integer"}),
			},
			"required": []string{"min", "max"},
		},
		Outputs: plugin.Schema{
			"type":       "object",
			"properties": plugin.Schema{"randomNumber": plugin.Schema{"type": "integer"}},
		},
	}
}

func (r RandomNumber) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	var in struct {
		Min int64 `json:"min"`
		Max int64 `json:"max"`
	}
	if err := plugin.Decode(randomNumberSchema, inputs, &in); err != nil {
		return nil, err
	}
	if in.Max < in.Min {
		return nil, fmt.Errorf("%w: max %d is below min %d", plugin.ErrInvalidInput, in.Max, in.Min)
	}
	span := in.Max - in.Min
	if span < 0 || span == math.MaxInt64 {
		return nil, fmt.Errorf("%w: range %d..%d does not fit in int64", plugin.ErrInvalidInput, in.Min, in.Max)
	}
	intN := r.intN
	if intN == nil {
		intN = rand.Int64N
	}
	return map[string]interface{}{"randomNumber": in.Min + intN(span+1)}, nil
}

func nonNil(inputs map[string]interface{}) map[string]interface{} {
	if inputs == nil {
		return map[string]interface{}{}
	}
	return inputs
}
