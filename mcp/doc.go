// Package mcp invokes tools exposed by another process over its standard
// streams, and exposes tools the same way. Messages are JSON-RPC 2.0, one
// JSON object per newline-terminated line.
//
// A server registers tools and serves them on stdin/stdout:
//
//	package main
//
//	import (
//		"context"
//		"encoding/json"
//		"os"
//
//		"github.com/shaharia-lab/toolpipe/mcp"
//		"github.com/shaharia-lab/toolpipe/observability"
//	)
//
//	func main() {
//		greet := mcp.Tool{
//			Name:        "greet",
//			Description: "Greet user",
//			InputSchema: json.RawMessage(`{
//				"type": "object",
//				"properties": {"name": {"type": "string"}},
//				"required": ["name"]
//			}`),
//			Handler: func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
//				var input struct {
//					Name string `json:"name"`
//				}
//				if err := json.Unmarshal(params.Arguments, &input); err != nil {
//					return mcp.CallToolResult{}, err
//				}
//				return mcp.NewTextResult("Hello, " + input.Name + "!"), nil
//			},
//		}
//
//		tools, err := mcp.NewToolRegistry(greet)
//		if err != nil {
//			panic(err)
//		}
//		base, err := mcp.NewBaseServer(
//			mcp.UseLogger(observability.NewDefaultLogger()),
//			mcp.UseServerInfo("greeter", "1.0.0"),
//			mcp.UseTools(tools),
//		)
//		if err != nil {
//			panic(err)
//		}
//		if err := mcp.NewStdIOServer(base, os.Stdin, os.Stdout).Run(context.Background()); err != nil {
//			panic(err)
//		}
//	}
//
// A client launches the server as a subprocess and calls its tools:
//
//	client := mcp.NewStdIOClient(mcp.StdIOClientConfig{
//		Command: "./greeter",
//	})
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Disconnect(ctx)
//
//	result, err := client.CallTool(ctx, "greet", map[string]string{"name": "Ada"})
//
// A Pool keeps several such connections and hands them out round-robin.
package mcp
