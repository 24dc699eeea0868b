package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quillhq/quill/internal/llm"
)

// CanonicalOrder fixes the order tool schemas are presented to the model.
// Changing this order changes the prompt prefix and invalidates the
// backend's KV cache, so it is append-only.
var CanonicalOrder = []string{
	"websearch",
	"python_coder",
	"rag",
	"file_reader",
	"file_writer",
	"file_navigator",
	"shell_exec",
	"memory",
}

// Registry holds the registered tools, their compiled validation schemas,
// and the model-facing schema copies with injected parameters stripped.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	compiled  map[string]*jsonschema.Schema
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. The tool's parameter schema is compiled once here;
// a schema that does not compile is a programming error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: %s already registered", name)
	}

	params, err := parameterSchema(t.Schema())
	if err != nil {
		return fmt.Errorf("tools: %s: %w", name, err)
	}
	sch, err := jsonschema.CompileString(name+".json", string(params))
	if err != nil {
		return fmt.Errorf("tools: %s: compile schema: %w", name, err)
	}

	r.tools[name] = t
	r.compiled[name] = sch
	r.order = append(r.order, name)
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// Validate checks arguments against the tool's full schema (including
// injected parameters). Returns a descriptive error for the model on
// mismatch.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	sch, ok := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}

	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// Execute validates and runs a tool. Validation failures come back as
// error results so the model can correct itself on the next iteration.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return Errf("unknown tool: %s", name), nil
	}
	if err := r.Validate(name, args); err != nil {
		return Errf("%s: %s", name, err.Error()), nil
	}
	return t.Execute(ctx, args)
}

// NativeSchemas returns the model-facing tool schemas in canonical order,
// with the runtime-injected session_id parameter stripped.
func (r *Registry) NativeSchemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ToolSchema, 0, len(CanonicalOrder))
	for _, name := range CanonicalOrder {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		stripped, err := stripInjected(t.Schema())
		if err != nil {
			continue
		}
		out = append(out, llm.ToolSchema{
			Name:        name,
			Description: t.Description(),
			Parameters:  stripped,
		})
	}
	return out
}

// Descriptions returns name/description/schema triples for the tools
// listing endpoint. Schemas are the model-facing (stripped) copies.
func (r *Registry) Descriptions() []map[string]any {
	schemas := r.NativeSchemas()
	out := make([]map[string]any, 0, len(schemas))
	for _, s := range schemas {
		var params any
		_ = json.Unmarshal(s.Parameters, &params)
		out = append(out, map[string]any{
			"name":        s.Name,
			"description": s.Description,
			"parameters":  params,
		})
	}
	return out
}

// parameterSchema extracts the "parameters" object from a full tool schema
// document {name, description, parameters}.
func parameterSchema(schema json.RawMessage) (json.RawMessage, error) {
	var doc struct {
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	if len(doc.Parameters) == 0 {
		return nil, fmt.Errorf("schema has no parameters object")
	}
	return doc.Parameters, nil
}

// stripInjected removes session_id from properties and required. The model
// never sees injected parameters; the runtime fills them at dispatch.
func stripInjected(schema json.RawMessage) (json.RawMessage, error) {
	params, err := parameterSchema(schema)
	if err != nil {
		return nil, err
	}

	var p struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	delete(p.Properties, "session_id")
	required := make([]string, 0, len(p.Required))
	for _, name := range p.Required {
		if name != "session_id" {
			required = append(required, name)
		}
	}

	out := map[string]any{
		"type":       p.Type,
		"properties": rawMap(p.Properties),
		"required":   required,
	}
	return json.Marshal(out)
}

func rawMap(in map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			out[k] = val
		}
	}
	return out
}
