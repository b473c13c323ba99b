// Package plugin defines the contract every step implementation satisfies and
// the registry the engine dispatches through.
package plugin

import (
	"context"
	"fmt"
)

// Schema is a JSON schema document.
type Schema map[string]interface{}

// Info is the static description of a plugin.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// Inputs is the user-facing input schema. Fields may accept dynamic inputs, see DynamicField.
	Inputs  Schema `json:"inputs"`
	Outputs Schema `json:"outputs"`
}

// Validate ensures the info block is usable as a registry key.
func (i Info) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("plugin: id is required")
	}
	if i.Name == "" {
		return fmt.Errorf("plugin: name is required for %s", i.ID)
	}
	return nil
}

// Plugin is an executable unit of step logic.
type Plugin interface {
	// Info has no side effects.
	Info() Info

	// Execute runs the plugin against already resolved inputs. Implementations
	// re-validate the structure of inputs but never resolve input sources.
	Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)
}

// Factory constructs a fresh plugin instance.
type Factory func() Plugin

// Func adapts a function to the Plugin interface.
type Func struct {
	Meta Info
	Fn   func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)
}

func (f Func) Info() Info { return f.Meta }

func (f Func) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	return f.Fn(ctx, inputs)
}
