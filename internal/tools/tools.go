// Package tools defines the tool catalog offered to the model and the
// registry that executes calls against it.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/nugget/knotwright/internal/llm"
)

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Result is the outcome of a tool call. Content is shown to the model
// verbatim; Created and Modified name the knots the call touched.
type Result struct {
	Content  string   `json:"content"`
	Created  []string `json:"created,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// Text wraps plain content in a Result.
func Text(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...)}
}

// Registry holds available tools. It is not safe for concurrent
// registration; build it before handing it to sessions.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates a registry preloaded with the control tools every
// session needs.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	r.registerControlTools()
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// AllToolNames returns the registered tool names, sorted.
func (r *Registry) AllToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog returns the tool definitions sent to the model, sorted by name
// so prompts are stable between turns.
func (r *Registry) Catalog() []llm.Tool {
	names := r.AllToolNames()
	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llm.Tool{Name: t.Name, Description: t.Description, Parameters: params})
	}
	return out
}

// FilteredCopy returns a registry containing only the named tools.
// Unknown names are skipped. Control tools are always kept.
func (r *Registry) FilteredCopy(include []string) *Registry {
	keep := make(map[string]bool, len(include))
	for _, name := range include {
		keep[name] = true
	}
	out := &Registry{tools: make(map[string]*Tool, len(include))}
	for name, t := range r.tools {
		if keep[name] || IsControlTool(name) {
			out.tools[name] = t
		}
	}
	return out
}

// FilteredCopyExcluding returns a registry without the named tools.
// Control tools cannot be excluded.
func (r *Registry) FilteredCopyExcluding(exclude []string) *Registry {
	drop := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		drop[name] = true
	}
	out := &Registry{tools: make(map[string]*Tool, len(r.tools))}
	for name, t := range r.tools {
		if !drop[name] || IsControlTool(name) {
			out.tools[name] = t
		}
	}
	return out
}

// Execute runs a tool by name. Unknown tools yield *ErrToolUnavailable;
// a panicking handler is reported as an error.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (res Result, err error) {
	tool := r.tools[name]
	if tool == nil || tool.Handler == nil {
		return Result{}, &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if p := recover(); p != nil {
			res = Result{}
			err = fmt.Errorf("tool %s panicked: %v", name, p)
		}
	}()
	return tool.Handler(ctx, args)
}

// stringArg returns a trimmed string argument, accepting numbers the
// model sometimes sends unquoted.
func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return ""
	}
}
