package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// ToolHandler runs a tool. Arguments have already been validated against the
// tool's input schema. Returning an *Error picks the JSON-RPC error code;
// any other error is reported as an internal error.
type ToolHandler func(ctx context.Context, params CallToolParams) (CallToolResult, error)

// Tool is a named, schema-described operation a server exposes.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     ToolHandler
}

// Descriptor returns the wire form of the tool.
func (t Tool) Descriptor() ToolDescriptor {
	return ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
}

// emptyObjectSchema is used for tools registered without an input schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

type registeredTool struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// ToolRegistry maps tool names to descriptors and handlers. Registered tools
// are immutable; the registry is safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]*registeredTool)}
	if err := r.Register(tools...); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds tools. Names must be unique and schemas must compile.
func (r *ToolRegistry) Register(tools ...Tool) error {
	compiled := make([]*registeredTool, 0, len(tools))
	for _, tool := range tools {
		rt, err := compileTool(tool)
		if err != nil {
			return err
		}
		compiled = append(compiled, rt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(compiled))
	for _, rt := range compiled {
		if _, exists := r.tools[rt.tool.Name]; exists || seen[rt.tool.Name] {
			return fmt.Errorf("tool %q already registered", rt.tool.Name)
		}
		seen[rt.tool.Name] = true
	}
	for _, rt := range compiled {
		r.tools[rt.tool.Name] = rt
	}
	return nil
}

func compileTool(tool Tool) (*registeredTool, error) {
	if tool.Name == "" {
		return nil, errors.New("tool name cannot be empty")
	}
	if tool.Handler == nil {
		return nil, fmt.Errorf("tool %q has no handler", tool.Name)
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = emptyObjectSchema
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid input schema for tool %q: %w", tool.Name, err)
	}
	return &registeredTool{tool: tool, schema: schema}, nil
}

// Lookup returns the tool registered under name.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return rt.tool, true
}

// Names returns every registered tool name, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns a page of descriptors sorted by name, starting after cursor.
// The returned cursor is empty on the last page.
func (r *ToolRegistry) List(cursor string, limit int) ([]ToolDescriptor, string) {
	names := r.Names()

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(names, cursor)
		if start < len(names) && names[start] == cursor {
			start++
		}
	}
	end := len(names)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	page := make([]ToolDescriptor, 0, end-start)
	for _, name := range names[start:end] {
		if rt, ok := r.tools[name]; ok {
			page = append(page, rt.tool.Descriptor())
		}
	}

	next := ""
	if end < len(names) {
		next = names[end-1]
	}
	return page, next
}

// Validate checks arguments against the tool's schema and returns the
// validation messages. Absent arguments are validated as an empty object.
func (r *ToolRegistry) Validate(name string, arguments json.RawMessage) ([]string, error) {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q not registered", name)
	}

	if len(arguments) == 0 || string(arguments) == "null" {
		arguments = json.RawMessage(`{}`)
	}

	result, err := rt.schema.Validate(gojsonschema.NewBytesLoader(arguments))
	if err != nil {
		return []string{err.Error()}, nil
	}
	if result.Valid() {
		return nil, nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	return messages, nil
}

// NewTypedTool builds a tool whose input schema is reflected from T. The
// handler receives the arguments decoded into T.
func NewTypedTool[T any](name, description string, handler func(ctx context.Context, input T) (CallToolResult, error)) (Tool, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Anonymous:      true,
	}
	schema := reflector.Reflect(new(T))
	schema.Version = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		return Tool{}, fmt.Errorf("reflect input schema for tool %q: %w", name, err)
	}

	return Tool{
		Name:        name,
		Description: description,
		InputSchema: raw,
		Handler: func(ctx context.Context, params CallToolParams) (CallToolResult, error) {
			var input T
			if len(params.Arguments) > 0 {
				if err := json.Unmarshal(params.Arguments, &input); err != nil {
					return CallToolResult{}, NewError(ErrorCodeInvalidParams, "Invalid arguments", err.Error())
				}
			}
			return handler(ctx, input)
		},
	}, nil
}

// NewTextResult wraps text as a single-item tool result.
func NewTextResult(text string) CallToolResult {
	return CallToolResult{Content: []ToolResultContent{{Type: "text", Text: text}}}
}

// NewToolResult wraps texts as a tool result, flagged as a tool-level error
// when isError is set.
func NewToolResult(isError bool, texts ...string) CallToolResult {
	content := make([]ToolResultContent, 0, len(texts))
	for _, text := range texts {
		content = append(content, ToolResultContent{Type: "text", Text: text})
	}
	return CallToolResult{Content: content, IsError: isError}
}
