// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"fmt"
)

// Tool is a callable capability exposed to the model. Implementations
// must be safe for concurrent use; Execute may be called from multiple
// turns at once.
type Tool interface {
	// Name returns the tool's unique identifier.
	Name() string
	// Description explains the tool to the model.
	Description() string
	// Parameters returns the JSON schema for the tool's arguments.
	Parameters() map[string]any
	// Execute runs the tool. The returned string is fed back to the
	// model verbatim.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Func adapts a closure into a Tool. Most built-in tools are
// constructed this way.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolParameters  map[string]any
	Handler         func(ctx context.Context, args map[string]any) (string, error)
}

func (f *Func) Name() string { return f.ToolName }

func (f *Func) Description() string { return f.ToolDescription }

func (f *Func) Parameters() map[string]any { return f.ToolParameters }

func (f *Func) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.Handler(ctx, args)
}

// Registry holds available tools.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry, replacing any existing tool
// with the same name.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name, or nil if not registered.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// List returns all tool definitions in the format the LLM expects.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.order {
		t := r.tools[name]
		params := t.Parameters()
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool by name with given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Execute(ctx, args)
}

// requireString extracts a non-empty string argument or returns an error
// naming the missing field.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}
