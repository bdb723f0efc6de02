package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	return NewTextResult("ok"), nil
}

func TestToolRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		tools   []Tool
		wantErr string
	}{
		{
			name:  "valid tools",
			tools: []Tool{{Name: "a", Handler: noopHandler}, {Name: "b", Handler: noopHandler}},
		},
		{
			name:    "empty name",
			tools:   []Tool{{Handler: noopHandler}},
			wantErr: "tool name cannot be empty",
		},
		{
			name:    "missing handler",
			tools:   []Tool{{Name: "a"}},
			wantErr: "has no handler",
		},
		{
			name:    "duplicate in one call",
			tools:   []Tool{{Name: "a", Handler: noopHandler}, {Name: "a", Handler: noopHandler}},
			wantErr: "already registered",
		},
		{
			name:    "schema does not compile",
			tools:   []Tool{{Name: "a", Handler: noopHandler, InputSchema: json.RawMessage(`{"type": 12}`)}},
			wantErr: "invalid input schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewToolRegistry(tt.tools...)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToolRegistry_RegisterIsAtomic(t *testing.T) {
	r, err := NewToolRegistry(Tool{Name: "a", Handler: noopHandler})
	require.NoError(t, err)

	err = r.Register(Tool{Name: "b", Handler: noopHandler}, Tool{Name: "a", Handler: noopHandler})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, r.Names())
}

func TestToolRegistry_List(t *testing.T) {
	r, err := NewToolRegistry(
		Tool{Name: "c", Handler: noopHandler},
		Tool{Name: "a", Handler: noopHandler},
		Tool{Name: "d", Handler: noopHandler},
		Tool{Name: "b", Handler: noopHandler},
	)
	require.NoError(t, err)

	page, next := r.List("", 3)
	require.Len(t, page, 3)
	assert.Equal(t, "a", page[0].Name)
	assert.Equal(t, "c", page[2].Name)
	assert.Equal(t, "c", next)

	page, next = r.List(next, 3)
	require.Len(t, page, 1)
	assert.Equal(t, "d", page[0].Name)
	assert.Empty(t, next)

	all, next := r.List("", 0)
	assert.Len(t, all, 4)
	assert.Empty(t, next)
}

func TestToolRegistry_Validate(t *testing.T) {
	r, err := NewToolRegistry(Tool{
		Name:        "add",
		Handler:     noopHandler,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
	})
	require.NoError(t, err)

	problems, err := r.Validate("add", json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Empty(t, problems)

	problems, err = r.Validate("add", json.RawMessage(`{"a":"one"}`))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(problems), 2)

	problems, err = r.Validate("add", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, problems, "absent arguments are checked against required fields")

	_, err = r.Validate("missing", nil)
	assert.Error(t, err)
}

type weatherInput struct {
	City  string `json:"city" jsonschema:"description=City name"`
	Units string `json:"units,omitempty" jsonschema:"enum=metric,enum=imperial"`
}

func TestNewTypedTool(t *testing.T) {
	tool, err := NewTypedTool("weather", "Get weather", func(ctx context.Context, in weatherInput) (CallToolResult, error) {
		if in.City == "" {
			return CallToolResult{}, errors.New("city is required")
		}
		return NewTextResult(in.City + "/" + in.Units), nil
	})
	require.NoError(t, err)

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal(tool.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")
	assert.NotContains(t, schema, "$id")
	assert.Contains(t, schema["properties"], "city")
	assert.Equal(t, []interface{}{"city"}, schema["required"])

	r, err := NewToolRegistry(tool)
	require.NoError(t, err)

	problems, err := r.Validate("weather", json.RawMessage(`{"city":"Oslo","units":"kelvin"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, problems)

	result, err := tool.Handler(context.Background(), CallToolParams{
		Name:      "weather",
		Arguments: json.RawMessage(`{"city":"Oslo","units":"metric"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Oslo/metric", result.Content[0].Text)

	_, err = tool.Handler(context.Background(), CallToolParams{Arguments: json.RawMessage(`{"city":5}`)})
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrorCodeInvalidParams, rpcErr.Code)
}

func TestNewToolResult(t *testing.T) {
	result := NewToolResult(true, "first", "second")
	assert.True(t, result.IsError)
	assert.Equal(t, []ToolResultContent{{Type: "text", Text: "first"}, {Type: "text", Text: "second"}}, result.Content)

	assert.Equal(t, CallToolResult{Content: []ToolResultContent{{Type: "text", Text: "x"}}}, NewTextResult("x"))
}
