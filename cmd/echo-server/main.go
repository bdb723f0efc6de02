// Command echo-server is a stdio tool server exposing echo, sleep and fail
// tools. It speaks the protocol on stdin/stdout and logs to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaharia-lab/toolpipe/mcp"
	"github.com/shaharia-lab/toolpipe/observability"
)

const version = "0.1.0"

type sleepInput struct {
	Milliseconds int    `json:"milliseconds" jsonschema:"minimum=0,maximum=600000,description=How long to sleep"`
	Message      string `json:"message,omitempty" jsonschema:"description=Text returned after sleeping"`
}

type failInput struct {
	Code    int    `json:"code,omitempty" jsonschema:"description=JSON-RPC error code to fail with"`
	Message string `json:"message,omitempty"`
}

func main() {
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		base.SetLevel(lvl)
	}
	logger := observability.NewLogrusLogger(base)

	tools, err := buildTools()
	if err != nil {
		logger.WithErr(err).Error("Failed to build tools")
		os.Exit(1)
	}

	server, err := mcp.NewBaseServer(
		mcp.UseLogger(logger),
		mcp.UseServerInfo("echo-server", version),
		mcp.UseTools(tools),
	)
	if err != nil {
		logger.WithErr(err).Error("Failed to create server")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := mcp.NewStdIOServer(server, os.Stdin, os.Stdout).Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithErr(err).Error("Server stopped with an error")
		os.Exit(1)
	}
}

func buildTools() (*mcp.ToolRegistry, error) {
	echo := mcp.Tool{
		Name:        "echo",
		Description: "Return the given text unchanged.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "Text to echo"},
				"upper": {"type": "boolean", "description": "Upper-case the text"}
			},
			"required": ["text"]
		}`),
		Handler: func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
			var input struct {
				Text  string `json:"text"`
				Upper bool   `json:"upper"`
			}
			if err := json.Unmarshal(params.Arguments, &input); err != nil {
				return mcp.CallToolResult{}, err
			}
			if input.Upper {
				input.Text = strings.ToUpper(input.Text)
			}
			return mcp.NewTextResult(input.Text), nil
		},
	}

	sleep, err := mcp.NewTypedTool("sleep", "Sleep for a number of milliseconds, then answer.",
		func(ctx context.Context, input sleepInput) (mcp.CallToolResult, error) {
			timer := time.NewTimer(time.Duration(input.Milliseconds) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return mcp.CallToolResult{}, ctx.Err()
			}
			text := input.Message
			if text == "" {
				text = fmt.Sprintf("slept %dms", input.Milliseconds)
			}
			return mcp.NewTextResult(text), nil
		})
	if err != nil {
		return nil, err
	}

	fail, err := mcp.NewTypedTool("fail", "Fail with the given error code.",
		func(ctx context.Context, input failInput) (mcp.CallToolResult, error) {
			if input.Message == "" {
				input.Message = "requested failure"
			}
			if input.Code == 0 {
				return mcp.CallToolResult{}, fmt.Errorf("%s", input.Message)
			}
			return mcp.CallToolResult{}, mcp.NewError(input.Code, input.Message, nil)
		})
	if err != nil {
		return nil, err
	}

	return mcp.NewToolRegistry(echo, sleep, fail)
}
