package plugins

import (
	"context"
	"time"

	"github.com/songzhibin97/dagflow/plugin"
)

const WaitID = "wait"

var waitInputs = plugin.Schema{
	"type": "object",
	"properties": plugin.Schema{
		"milliseconds": plugin.Schema{"type": "number", "minimum": 0, "title": "Milliseconds"},
	},
	"required": []string{"milliseconds"},
}

var waitSchema = plugin.MustCompile("wait.json", waitInputs)

// Wait pauses for inputs.milliseconds, or until ctx is done.
type Wait struct{}

func (Wait) Info() plugin.Info {
	return plugin.Info{
		ID:          WaitID,
		Name:        "Wait",
		Description: "Pauses for a specified number of milliseconds",
		Inputs: plugin.Schema{
			"type": "object",
			"properties": plugin.Schema{
				"milliseconds": plugin.DynamicField(plugin.Schema{"type": "number", "minimum": 0}),
			},
			"required": []string{"milliseconds"},
		},
		Outputs: emptyObject,
	}
}

func (Wait) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	var in struct {
		Milliseconds float64 `json:"milliseconds"`
	}
	if err := plugin.Decode(waitSchema, inputs, &in); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Duration(in.Milliseconds * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]interface{}{}, nil
	}
}
