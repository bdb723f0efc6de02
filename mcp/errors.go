package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for the mcp package.
var (
	// ErrParse marks a frame that could not be decoded. The connection survives.
	ErrParse = errors.New("mcp: malformed frame")

	// ErrTimeout is returned when a call receives no response within its timeout.
	ErrTimeout = errors.New("mcp: request timed out")

	// ErrConnectionLost fails every outstanding call when the peer process
	// exits or the connection is torn down.
	ErrConnectionLost = errors.New("mcp: connection lost")

	// ErrDisconnected is the connection-lost error used by an explicit Disconnect.
	ErrDisconnected = fmt.Errorf("%w: client disconnected", ErrConnectionLost)

	// ErrNotReady is matched by every PreconditionError.
	ErrNotReady = errors.New("mcp: client not ready")

	// ErrPoolNotInitialized is returned by a Pool used outside Initialize/Shutdown.
	ErrPoolNotInitialized = errors.New("mcp: pool not initialized")
	// ErrPoolAlreadyInitialized is returned by a second Pool.Initialize.
	ErrPoolAlreadyInitialized = errors.New("mcp: pool already initialized")

	// ErrInvalidConfig is returned for client configs missing required fields.
	ErrInvalidConfig = errors.New("mcp: invalid config")
)

// ParseError describes a line that failed to decode.
type ParseError struct {
	Line []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: %v", ErrParse, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// PreconditionError is returned when an operation is attempted in a state
// that does not allow it. The wire is never touched.
type PreconditionError struct {
	Op    string
	State ConnectionState
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("mcp: %s not allowed in state %s", e.Op, e.State)
}

func (e *PreconditionError) Is(target error) bool { return target == ErrNotReady }

// RemoteToolError carries a JSON-RPC error reported by the peer.
type RemoteToolError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteToolError) Error() string {
	return fmt.Sprintf("mcp: %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

func newRemoteToolError(method string, rpcErr *Error) *RemoteToolError {
	e := &RemoteToolError{Method: method, Code: rpcErr.Code, Message: rpcErr.Message}
	if rpcErr.Data != nil {
		if raw, ok := rpcErr.Data.(json.RawMessage); ok {
			e.Data = raw
		} else if b, err := json.Marshal(rpcErr.Data); err == nil {
			e.Data = b
		}
	}
	return e
}

// ExitError describes how a supervised process ended.
type ExitError struct {
	Code   int
	Status string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Status != "" {
		return "process exited: " + e.Status
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func connectionLost(reason error) error {
	if reason == nil {
		return ErrConnectionLost
	}
	if errors.Is(reason, ErrConnectionLost) {
		return reason
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, reason)
}
