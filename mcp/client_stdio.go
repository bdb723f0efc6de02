package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shaharia-lab/toolpipe/observability"
)

const (
	defaultClientName    = "toolpipe-client"
	defaultClientVersion = "0.1.0"
)

// ConnectionState is the lifecycle state of a client connection. States only
// move forward; Closed is terminal.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Handshaking
	Ready
	Closing
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StdIOClientConfig configures a client that talks to a server subprocess
// over its standard streams.
type StdIOClientConfig struct {
	Command string
	Args    []string
	Dir     string
	// Env overrides are applied on top of the parent environment.
	Env map[string]string

	RequestTimeout  time.Duration
	ShutdownGrace   time.Duration
	ClientName      string
	ClientVersion   string
	ProtocolVersion string

	Logger observability.Logger
	// Launcher replaces the subprocess launcher built from Command.
	Launcher Launcher
}

// StdIOClient is a connection to one server subprocess. It is used by one
// connect/disconnect cycle and never reused after Closed.
type StdIOClient struct {
	id       string
	config   StdIOClientConfig
	logger   observability.Logger
	launcher Launcher
	calls    *correlator

	mu              sync.Mutex
	state           ConnectionState
	proc            Process
	enc             *Encoder
	serverInfo      Implementation
	capabilities    Capabilities
	protocolVersion string
	closed          chan struct{}
}

// NewStdIOClient creates a disconnected client, filling config defaults.
func NewStdIOClient(config StdIOClientConfig) *StdIOClient {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DefaultShutdownGrace
	}
	if config.ClientName == "" {
		config.ClientName = defaultClientName
	}
	if config.ClientVersion == "" {
		config.ClientVersion = defaultClientVersion
	}
	if config.ProtocolVersion == "" {
		config.ProtocolVersion = ProtocolVersion
	}
	if config.Logger == nil {
		config.Logger = observability.NewDefaultLogger()
	}

	id := uuid.NewString()
	logger := config.Logger.WithFields(map[string]interface{}{
		"client_id": id,
	})

	launcher := config.Launcher
	if launcher == nil {
		launcher = &CommandLauncher{
			Command: config.Command,
			Args:    config.Args,
			Dir:     config.Dir,
			Env:     config.Env,
			Logger:  logger,
		}
	}

	return &StdIOClient{
		id:       id,
		config:   config,
		logger:   logger,
		launcher: launcher,
		calls:    newCorrelator(config.RequestTimeout, logger),
		state:    Disconnected,
		closed:   make(chan struct{}),
	}
}

// ID returns the client instance id used in logs.
func (c *StdIOClient) ID() string { return c.id }

// State returns the current connection state.
func (c *StdIOClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns the server identity reported during the handshake.
func (c *StdIOClient) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Capabilities returns the server capabilities reported during the handshake.
func (c *StdIOClient) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// ProtocolVersion returns the protocol version the server answered with.
func (c *StdIOClient) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// PendingCalls returns the number of requests awaiting a response.
func (c *StdIOClient) PendingCalls() int {
	return c.calls.size()
}

// Connect launches the server process and performs the initialize handshake.
// It is only valid on a fresh client. On failure the process is terminated
// and the client is Closed.
func (c *StdIOClient) Connect(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "StdIOClient.Connect")
	defer func() { observability.EndSpan(span, err) }()

	c.mu.Lock()
	if c.state != Disconnected {
		state := c.state
		c.mu.Unlock()
		return &PreconditionError{Op: "connect", State: state}
	}
	c.state = Connecting
	c.mu.Unlock()

	c.logger.Info("Connecting to server")

	proc, err := c.launcher.Launch(ctx)
	if err != nil {
		c.teardown(connectionLost(err))
		return fmt.Errorf("failed to start server process: %w", err)
	}

	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		_ = proc.Terminate(c.config.ShutdownGrace)
		return ErrDisconnected
	}
	c.proc = proc
	c.enc = NewEncoder(proc.Stdin())
	c.state = Handshaking
	c.mu.Unlock()

	span.SetAttributes(attribute.Int("pid", proc.Pid()))

	readDone := make(chan struct{})
	go c.readLoop(proc, readDone)
	go c.monitor(proc, readDone)

	if err := c.handshake(ctx); err != nil {
		c.teardown(connectionLost(err))
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	c.mu.Lock()
	if c.state != Handshaking {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.state = Ready
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"server":           c.ServerInfo().Name,
		"protocol_version": c.ProtocolVersion(),
	}).Info("Connection established")
	return nil
}

func (c *StdIOClient) handshake(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: c.config.ProtocolVersion,
		Capabilities:    Capabilities{},
		ClientInfo: Implementation{
			Name:    c.config.ClientName,
			Version: c.config.ClientVersion,
		},
	}

	var result InitializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		return err
	}

	if result.ProtocolVersion != c.config.ProtocolVersion {
		c.logger.WithFields(map[string]interface{}{
			"requested": c.config.ProtocolVersion,
			"server":    result.ProtocolVersion,
		}).Warn("Server answered with a different protocol version")
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.mu.Unlock()

	return c.notify(NotificationInitialized, nil)
}

// ListTools returns every tool the server exposes, following pagination
// cursors until the last page.
func (c *StdIOClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.requireReady("list tools"); err != nil {
		return nil, err
	}

	var tools []ToolDescriptor
	seen := make(map[string]bool)
	cursor := ""
	for {
		var page ListToolsResult
		if err := c.call(ctx, MethodToolsList, ListParams{Cursor: cursor}, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)

		if page.NextCursor == "" || seen[page.NextCursor] {
			break
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}

	if tools == nil {
		tools = []ToolDescriptor{}
	}
	return tools, nil
}

// CallTool invokes a tool. A JSON-RPC error from the server is returned as a
// *RemoteToolError.
func (c *StdIOClient) CallTool(ctx context.Context, name string, arguments interface{}) (result CallToolResult, err error) {
	ctx, span := observability.StartSpan(ctx, "StdIOClient.CallTool")
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("tool", name))

	if err = c.requireReady("call tool"); err != nil {
		return CallToolResult{}, err
	}

	params := CallToolParams{Name: name}
	if arguments != nil {
		raw, merr := json.Marshal(arguments)
		if merr != nil {
			err = fmt.Errorf("marshal arguments for tool %s: %w", name, merr)
			return CallToolResult{}, err
		}
		params.Arguments = raw
	}

	if err = c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// Ping checks that the server is responsive.
func (c *StdIOClient) Ping(ctx context.Context) error {
	if err := c.requireReady("ping"); err != nil {
		return err
	}
	return c.call(ctx, MethodPing, nil, nil)
}

// Disconnect rejects outstanding calls with ErrDisconnected, then stops the
// server process. It is idempotent; concurrent callers wait for the first.
func (c *StdIOClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return nil
	case Disconnected:
		c.state = Closed
		close(c.closed)
		c.mu.Unlock()
		c.calls.failAll(ErrDisconnected)
		return nil
	}
	c.mu.Unlock()

	first, err := c.teardown(ErrDisconnected)
	if first {
		return err
	}

	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed is closed once the client reaches the Closed state.
func (c *StdIOClient) Closed() <-chan struct{} {
	return c.closed
}

func (c *StdIOClient) requireReady(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ready {
		return &PreconditionError{Op: op, State: c.state}
	}
	return nil
}

// teardown moves the client through Closing to Closed. Only the first caller
// does the work and reports first. Pending calls are failed with pendingErr
// before the process is stopped, so nothing the server writes while shutting
// down can settle them.
func (c *StdIOClient) teardown(pendingErr error) (first bool, err error) {
	c.mu.Lock()
	if c.state == Closing || c.state == Closed {
		c.mu.Unlock()
		return false, nil
	}
	c.state = Closing
	proc := c.proc
	c.mu.Unlock()

	failed := c.calls.failAll(pendingErr)
	if proc != nil {
		if terr := proc.Terminate(c.config.ShutdownGrace); terr != nil {
			err = fmt.Errorf("failed to stop server process: %w", terr)
		}
	}

	c.mu.Lock()
	c.state = Closed
	close(c.closed)
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"rejected_calls": failed,
	}).WithErr(pendingErr).Info("Connection closed")
	return true, err
}

// call sends a request and waits for its response. result, when non-nil,
// receives the decoded result.
func (c *StdIOClient) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	pc, err := c.calls.register(method, 0)
	if err != nil {
		return err
	}

	req, err := NewRequest(pc.id, method, params)
	if err != nil {
		c.calls.cancel(pc, err)
		return err
	}

	c.mu.Lock()
	enc := c.enc
	c.mu.Unlock()

	if err := enc.Encode(req); err != nil {
		c.calls.cancel(pc, connectionLost(err))
	}

	var res callResult
	select {
	case res = <-pc.done:
	case <-ctx.Done():
		c.calls.cancel(pc, ctx.Err())
		res = <-pc.done
	}

	if res.err != nil {
		return res.err
	}
	if res.resp.Error != nil {
		return newRemoteToolError(method, res.resp.Error)
	}
	if result != nil && len(res.resp.Result) > 0 {
		if err := json.Unmarshal(res.resp.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *StdIOClient) notify(method string, params interface{}) error {
	req, err := NewRequest(nil, method, params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	enc := c.enc
	c.mu.Unlock()

	if err := enc.Encode(req); err != nil {
		return connectionLost(err)
	}
	return nil
}

func (c *StdIOClient) readLoop(proc Process, done chan<- struct{}) {
	defer close(done)

	for frame := range NewDecoder(proc.Stdout()).Frames(context.Background()) {
		if frame.Err != nil {
			c.logger.WithErr(frame.Err).Warn("Dropping unreadable frame from server")
			continue
		}

		msg, err := DecodeMessage(frame.Raw)
		if err != nil {
			c.logger.WithErr(err).Warn("Dropping invalid message from server")
			continue
		}

		switch msg.Kind() {
		case KindResponse:
			c.calls.resolve(msg.AsResponse())
		case KindRequest:
			go c.answerServerRequest(msg.AsRequest())
		case KindNotification:
			c.logger.WithFields(map[string]interface{}{
				"method": msg.Method,
			}).Debug("Received notification from server")
		}
	}
}

// answerServerRequest replies to requests the server sends us. Only ping is
// supported.
func (c *StdIOClient) answerServerRequest(req *Request) {
	var resp *Response
	if req.Method == MethodPing {
		var err error
		resp, err = NewResultResponse(req.ID, struct{}{})
		if err != nil {
			return
		}
	} else {
		c.logger.WithFields(map[string]interface{}{
			"method": req.Method,
			"id":     req.ID.String(),
		}).Warn("Unsupported request from server")
		resp = NewErrorResponse(req.ID, NewError(ErrorCodeMethodNotFound, "Method not found", nil))
	}

	c.mu.Lock()
	enc := c.enc
	c.mu.Unlock()

	if err := enc.Encode(resp); err != nil {
		c.logger.WithErr(err).Warn("Failed to answer server request")
	}
}

// monitor waits until the server's output has ended and the process has
// exited, then fails the connection unless it is already shutting down.
func (c *StdIOClient) monitor(proc Process, readDone <-chan struct{}) {
	select {
	case <-readDone:
		c.awaitWithin(proc.Done())
	case <-proc.Done():
		c.awaitWithin(readDone)
	}

	reason := proc.Err()
	if reason == nil {
		reason = errors.New("server closed its output")
	}

	if first, _ := c.teardown(connectionLost(reason)); first {
		c.logger.WithErr(reason).Warn("Server connection lost")
	}
}

func (c *StdIOClient) awaitWithin(ch <-chan struct{}) {
	timer := time.NewTimer(c.config.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
}
