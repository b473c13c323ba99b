// Package plugins holds the step implementations compiled into dagflow.
package plugins

import (
	"github.com/songzhibin97/dagflow/plugin"
)

// Catalog returns a factory for every built-in plugin, keyed by plugin id.
func Catalog() plugin.Catalog {
	return plugin.Catalog{
		HelloWorldID:      func() plugin.Plugin { return HelloWorld{} },
		NoOpID:            func() plugin.Plugin { return NoOp{} },
		WaitID:            func() plugin.Plugin { return Wait{} },
		UUIDGeneratorID:   func() plugin.Plugin { return UUIDGenerator{} },
		RandomNumberID:    func() plugin.Plugin { return NewRandomNumber() },
		HTTPRequestID:     func() plugin.Plugin { return NewHTTPRequest(nil) },
		ConditionalID:     func() plugin.Plugin { return Conditional{} },
		ConditionalRuleID: func() plugin.Plugin { return NewConditionalRules(nil) },
	}
}

// NewRegistry registers every built-in plugin.
func NewRegistry(opts ...plugin.Option) *plugin.Registry {
	return plugin.NewRegistryFromCatalog(Catalog(), opts...)
}

var emptyObject = plugin.Schema{"type": "object"}
