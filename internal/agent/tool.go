// Package agent runs a bounded think-act loop: the model plans one
// action per step over a JSON protocol, registered tools execute the
// actions, and the loop ends on an explicit completion or when the step
// budget runs out.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Parameter describes one tool argument for the system prompt. The
// schema is advisory context for the model, not validated at call time.
type Parameter struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Tool is a named capability the agent can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]Parameter
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// FuncTool adapts a plain function to the Tool interface.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolParameters  map[string]Parameter
	Handler         func(ctx context.Context, args map[string]interface{}) (string, error)
}

func (t *FuncTool) Name() string                     { return t.ToolName }
func (t *FuncTool) Description() string              { return t.ToolDescription }
func (t *FuncTool) Parameters() map[string]Parameter { return t.ToolParameters }
func (t *FuncTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return t.Handler(ctx, args)
}

// ToolRegistry holds the agent's available tools.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool under its name.
func (r *ToolRegistry) Register(t Tool) {
	if _, seen := r.tools[t.Name()]; !seen {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	return append([]string(nil), r.order...)
}

// Describe renders every tool's signature for the system prompt.
func (r *ToolRegistry) Describe() string {
	var lines []string
	for _, name := range r.order {
		t := r.tools[name]
		params := make([]string, 0, len(t.Parameters()))
		for pname, p := range t.Parameters() {
			params = append(params, fmt.Sprintf("%s: %s (%s)", pname, p.Type, p.Description))
		}
		sort.Strings(params)
		lines = append(lines, fmt.Sprintf("- %s(%s): %s",
			name, strings.Join(params, ", "), t.Description()))
	}
	return strings.Join(lines, "\n")
}
