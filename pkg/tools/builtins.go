package tools

import (
	"github.com/meridianhq/meridian/pkg/config"
)

// RegisterBuiltins registers the builtin web tools. web_search requires a
// configured upstream endpoint; without one it still registers but every
// invocation reports an upstream error, which planners route around.
func RegisterBuiltins(r *Registry, overrides map[string]*config.ToolConfig) error {
	var endpoint, apiKey string
	if ov, ok := overrides["web_search"]; ok && ov != nil {
		endpoint = ov.Endpoint
		apiKey = ov.APIKey
	}

	if err := r.Register(WebSearchDescriptor, NewWebSearchTool(endpoint, apiKey)); err != nil {
		return err
	}
	if err := r.Register(FetchURLDescriptor, NewFetchURLTool()); err != nil {
		return err
	}
	return nil
}
