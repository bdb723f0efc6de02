package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/shaharia-lab/toolpipe/observability"
)

const (
	defaultServerName    = "toolpipe-server"
	defaultServerVersion = "0.1.0"
	toolsPageSize        = 100
)

// ServerConfig holds all configuration for BaseServer
type ServerConfig struct {
	logger          observability.Logger
	protocolVersion string
	serverName      string
	serverVersion   string
	capabilities    Capabilities
	tools           *ToolRegistry
}

// ServerConfigOption is a function that modifies ServerConfig
type ServerConfigOption func(*ServerConfig)

// UseLogger sets a custom logger
func UseLogger(logger observability.Logger) ServerConfigOption {
	return func(c *ServerConfig) {
		c.logger = logger
	}
}

// UseServerInfo sets server name and version
func UseServerInfo(name, version string) ServerConfigOption {
	return func(c *ServerConfig) {
		c.serverName = name
		c.serverVersion = version
	}
}

// UseProtocolVersion sets the only protocol version the server accepts
func UseProtocolVersion(version string) ServerConfigOption {
	return func(c *ServerConfig) {
		c.protocolVersion = version
	}
}

// UseCapabilities replaces the advertised capabilities
func UseCapabilities(capabilities Capabilities) ServerConfigOption {
	return func(c *ServerConfig) {
		c.capabilities = capabilities
	}
}

// UseTools sets the tool registry served by tools/list and tools/call
func UseTools(registry *ToolRegistry) ServerConfigOption {
	return func(c *ServerConfig) {
		c.tools = registry
	}
}

// methodHandler answers one request method. A non-nil *Error becomes the
// error response.
type methodHandler func(ctx context.Context, req *Request) (interface{}, *Error)

// BaseServer implements the protocol methods independent of the transport.
type BaseServer struct {
	protocolVersion string
	logger          observability.Logger
	serverInfo      Implementation
	capabilities    Capabilities
	tools           *ToolRegistry
	handlers        map[string]methodHandler

	initialized atomic.Bool

	clientMu           sync.RWMutex
	clientInfo         Implementation
	clientCapabilities Capabilities
}

// NewBaseServer creates a new BaseServer instance with the given options
func NewBaseServer(opts ...ServerConfigOption) (*BaseServer, error) {
	cfg := &ServerConfig{
		logger:          observability.NewDefaultLogger(),
		protocolVersion: ProtocolVersion,
		serverName:      defaultServerName,
		serverVersion:   defaultServerVersion,
		capabilities: Capabilities{
			"tools": map[string]interface{}{"listChanged": false},
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.tools == nil {
		registry, err := NewToolRegistry()
		if err != nil {
			return nil, err
		}
		cfg.tools = registry
	}
	if cfg.serverName == "" {
		return nil, errors.New("server name cannot be empty")
	}

	s := &BaseServer{
		protocolVersion: cfg.protocolVersion,
		logger:          cfg.logger,
		serverInfo:      Implementation{Name: cfg.serverName, Version: cfg.serverVersion},
		capabilities:    cfg.capabilities,
		tools:           cfg.tools,
	}
	s.handlers = map[string]methodHandler{
		MethodInitialize: s.handleInitialize,
		MethodPing:       s.handlePing,
		MethodToolsList:  s.handleToolsList,
		MethodToolsCall:  s.handleToolsCall,
	}
	return s, nil
}

// Tools returns the registry the server dispatches to.
func (s *BaseServer) Tools() *ToolRegistry { return s.tools }

// Initialized reports whether the initialize handshake has completed.
func (s *BaseServer) Initialized() bool { return s.initialized.Load() }

// ClientInfo returns the client identity recorded during initialize.
func (s *BaseServer) ClientInfo() Implementation {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return s.clientInfo
}

// methodsAllowedBeforeInit can be called before initialize completes.
var methodsAllowedBeforeInit = map[string]bool{
	MethodInitialize: true,
	MethodPing:       true,
}

// handleRequest answers one request. It always returns exactly one response,
// including when the handler panics.
func (s *BaseServer) handleRequest(ctx context.Context, req *Request) (resp *Response) {
	logger := s.logger.WithFields(map[string]interface{}{
		"method": req.Method,
		"id":     req.ID.String(),
	})
	logger.Debug("Received request from client")

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"panic": fmt.Sprint(r),
			}).Error("Request handler panicked")
			resp = NewErrorResponse(req.ID, NewError(ErrorCodeInternal, "Internal error", fmt.Sprint(r)))
		}
	}()

	handler, ok := s.handlers[req.Method]
	if !ok {
		logger.Warn("Method not found. Unhandled request from client")
		return NewErrorResponse(req.ID, NewError(ErrorCodeMethodNotFound, "Method not found",
			map[string]interface{}{"method": req.Method}))
	}

	if !methodsAllowedBeforeInit[req.Method] && !s.initialized.Load() {
		logger.Warn("Request before initialize")
		return NewErrorResponse(req.ID, NewError(ErrorCodeNotInitialized, "Server not initialized", nil))
	}

	result, rpcErr := handler(ctx, req)
	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}

	resp, err := NewResultResponse(req.ID, result)
	if err != nil {
		logger.WithErr(err).Error("Failed to encode result")
		return NewErrorResponse(req.ID, NewError(ErrorCodeInternal, "Internal error", err.Error()))
	}
	return resp
}

// handleNotification processes a notification. Notifications are never
// answered; failures are only logged.
func (s *BaseServer) handleNotification(ctx context.Context, req *Request) {
	logger := s.logger.WithFields(map[string]interface{}{
		"method": req.Method,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"panic": fmt.Sprint(r),
			}).Error("Notification handler panicked")
		}
	}()

	switch req.Method {
	case NotificationInitialized:
		logger.Info("Client completed initialization")
	case NotificationCancelled:
		var params CancelledParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				logger.WithErr(err).Warn("Invalid cancellation params")
				return
			}
		}
		logger.WithFields(map[string]interface{}{
			"request_id": params.RequestID.String(),
			"reason":     params.Reason,
		}).Info("Client cancelled request")
	default:
		logger.Debug("Ignoring unknown notification")
	}
}

func (s *BaseServer) handleInitialize(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.initialized.Load() {
		return nil, NewError(ErrorCodeInvalidRequest, "Server already initialized", nil)
	}

	var params InitializeParams
	if len(req.Params) == 0 {
		return nil, NewError(ErrorCodeInvalidParams, "Invalid params", "initialize requires params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.logger.WithErr(err).Error("Failed to parse initialize params")
		return nil, NewError(ErrorCodeInvalidParams, "Invalid params", err.Error())
	}

	if params.ProtocolVersion != s.protocolVersion {
		s.logger.WithFields(map[string]interface{}{
			"version": params.ProtocolVersion,
		}).Error("Unsupported protocol version")
		return nil, NewError(ErrorCodeInvalidParams, "Unsupported protocol version",
			map[string]interface{}{
				"supported": []string{s.protocolVersion},
				"requested": params.ProtocolVersion,
			})
	}

	if !s.initialized.CompareAndSwap(false, true) {
		return nil, NewError(ErrorCodeInvalidRequest, "Server already initialized", nil)
	}

	s.clientMu.Lock()
	s.clientInfo = params.ClientInfo
	s.clientCapabilities = params.Capabilities
	s.clientMu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"client":         params.ClientInfo.Name,
		"client_version": params.ClientInfo.Version,
	}).Info("Client initialized")

	return InitializeResult{
		ProtocolVersion: s.protocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.serverInfo,
	}, nil
}

func (s *BaseServer) handlePing(ctx context.Context, req *Request) (interface{}, *Error) {
	return struct{}{}, nil
}

func (s *BaseServer) handleToolsList(ctx context.Context, req *Request) (interface{}, *Error) {
	var params ListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, NewError(ErrorCodeInvalidParams, "Invalid params", err.Error())
		}
	}

	tools, next := s.tools.List(params.Cursor, toolsPageSize)
	return ListToolsResult{Tools: tools, NextCursor: next}, nil
}

func (s *BaseServer) handleToolsCall(ctx context.Context, req *Request) (result interface{}, rpcErr *Error) {
	ctx, span := observability.StartSpan(ctx, "BaseServer.handleToolsCall")
	defer func() {
		var err error
		if rpcErr != nil {
			err = rpcErr
		}
		observability.EndSpan(span, err)
	}()

	var params CallToolParams
	if len(req.Params) == 0 {
		return nil, NewError(ErrorCodeInvalidParams, "Invalid params", "tools/call requires params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, NewError(ErrorCodeInvalidParams, "Invalid params", err.Error())
	}
	if params.Name == "" {
		return nil, NewError(ErrorCodeInvalidParams, "Invalid params", "tool name is required")
	}
	span.SetAttributes(attribute.String("tool", params.Name))

	logger := s.logger.WithFields(map[string]interface{}{
		"tool": params.Name,
		"id":   req.ID.String(),
	})

	tool, ok := s.tools.Lookup(params.Name)
	if !ok {
		logger.Warn("Tool not found")
		return nil, NewError(ErrorCodeMethodNotFound, "Tool not found", map[string]interface{}{
			"tool":      params.Name,
			"available": s.tools.Names(),
		})
	}

	problems, err := s.tools.Validate(params.Name, params.Arguments)
	if err != nil {
		logger.WithErr(err).Error("Schema validation error")
		return nil, NewError(ErrorCodeInternal, "Internal error", err.Error())
	}
	if len(problems) > 0 {
		logger.WithFields(map[string]interface{}{
			"errors": problems,
		}).Warn("Schema validation failed")
		return nil, NewError(ErrorCodeInvalidParams, "Invalid arguments", map[string]interface{}{
			"tool":   params.Name,
			"errors": problems,
		})
	}

	out, err := tool.Handler(ctx, params)
	if err != nil {
		logger.WithErr(err).Error("Tool handler failed with an error")

		var handlerErr *Error
		if errors.As(err, &handlerErr) {
			return nil, handlerErr
		}
		return nil, NewError(ErrorCodeInternal, "Tool execution failed", err.Error())
	}
	if out.Content == nil {
		out.Content = []ToolResultContent{}
	}

	span.SetAttributes(attribute.Int("contents_length", len(out.Content)))
	logger.Debug("Tool handler executed successfully")
	return out, nil
}
