// Package tools implements the tool registry: named handlers with
// declared argument schemas, dispatched by the agent loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/clipsmith/clipsmith/internal/llm"
	"github.com/clipsmith/clipsmith/internal/telemetry"
)

// Handler executes one tool call. It always returns a human-readable
// string; failures are reported in the string itself, prefixed with ❌,
// so the model can observe and recover from them.
type Handler func(ctx context.Context, args map[string]any) string

// Descriptor declares a tool: its name, a description shown to the
// model, a JSON-Schema object describing its arguments, and the handler.
type Descriptor struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler
}

// InvokeHook observes completed tool invocations. Used by the output
// post-processor; must not block.
type InvokeHook func(name string, args map[string]any, result string)

// Registry maps tool names to descriptors and validates arguments
// before dispatch. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Descriptor
	schemas map[string]*gojsonschema.Schema
	hooks   []InvokeHook
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Descriptor),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool. A duplicate name is a configuration error and
// is surfaced at startup rather than silently overwritten.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tools: descriptor has no name")
	}
	if d.Handler == nil {
		return fmt.Errorf("tools: %s has no handler", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tools: %s registered twice", d.Name)
	}

	if d.Schema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.Schema))
		if err != nil {
			return fmt.Errorf("tools: %s schema: %w", d.Name, err)
		}
		r.schemas[d.Name] = compiled
	}

	r.tools[d.Name] = d
	return nil
}

// MustRegister is Register for static startup catalogs.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Definitions returns the catalog in the provider-neutral form. The
// adapters project it into their own wire dialects.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, d := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Schema,
		})
	}
	return defs
}

// AddInvokeHook registers an observer called after every successful
// lookup and dispatch, including ones whose handler reported a ❌
// failure.
func (r *Registry) AddInvokeHook(h InvokeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Invoke looks up a tool, validates the arguments against its declared
// schema, and runs the handler. The result is always a string; the
// model sees unknown names, bad arguments, and handler panics as ❌
// observations, never as job failures.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result string) {
	r.mu.RLock()
	d, ok := r.tools[name]
	schema := r.schemas[name]
	hooks := r.hooks
	r.mu.RUnlock()

	if !ok {
		telemetry.ToolInvocations.WithLabelValues(name, "unknown").Inc()
		return fmt.Sprintf("❌ Unknown tool: %s", name)
	}

	if schema != nil {
		if args == nil {
			args = map[string]any{}
		}
		res, err := schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			telemetry.ToolInvocations.WithLabelValues(name, "invalid").Inc()
			return fmt.Sprintf("❌ Invalid arguments: %v", err)
		}
		if !res.Valid() {
			telemetry.ToolInvocations.WithLabelValues(name, "invalid").Inc()
			return fmt.Sprintf("❌ Invalid arguments: %s", formatValidationErrors(res))
		}
	}

	defer func() {
		outcome := "ok"
		if rec := recover(); rec != nil {
			result = fmt.Sprintf("❌ Tool %s panicked: %v", name, rec)
			outcome = "panic"
		} else if strings.HasPrefix(result, "❌") || strings.HasPrefix(result, "Error") {
			outcome = "error"
		}
		telemetry.ToolInvocations.WithLabelValues(name, outcome).Inc()
		for _, h := range hooks {
			h(name, args, result)
		}
	}()

	return d.Handler(ctx, args)
}

func formatValidationErrors(res *gojsonschema.Result) string {
	msgs := make([]byte, 0, 64)
	for i, e := range res.Errors() {
		if i > 0 {
			msgs = append(msgs, "; "...)
		}
		msgs = append(msgs, e.String()...)
	}
	return string(msgs)
}

// ObjectSchema builds a JSON-Schema object declaration from property
// definitions and a required list. Shared by the builtin tool catalog.
func ObjectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// StringArg reads a string argument, returning "" when absent or of
// the wrong type.
func StringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// FloatArg reads a numeric argument. JSON numbers decode as float64,
// but handlers also accept json.Number and integer values.
func FloatArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// StringSliceArg reads an array-of-strings argument.
func StringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
