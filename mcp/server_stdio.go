package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/shaharia-lab/toolpipe/observability"
)

// StdIOServer serves a BaseServer over newline-delimited JSON on a pair of
// streams, normally the process's own stdin and stdout. Nothing but protocol
// frames is ever written to out.
type StdIOServer struct {
	*BaseServer
	in       io.Reader
	enc      *Encoder
	inflight sync.WaitGroup
}

// NewStdIOServer creates a server reading from in and writing to out. Nil
// streams default to os.Stdin and os.Stdout.
func NewStdIOServer(base *BaseServer, in io.Reader, out io.Writer) *StdIOServer {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &StdIOServer{
		BaseServer: base,
		in:         in,
		enc:        NewEncoder(out),
	}
}

// Run serves requests until the input ends or ctx is done. At end of input
// it waits for in-flight requests to be answered and returns nil.
func (s *StdIOServer) Run(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "StdIOServer.Run")
	defer func() { observability.EndSpan(span, err) }()

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	frames := NewDecoder(s.in).Frames(readCtx)
	s.logger.Info("Starting stdio server")

	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				s.logger.Info("Input closed, waiting for in-flight requests")
				s.inflight.Wait()
				return nil
			}
			s.handleFrame(ctx, frame)
		}
	}
}

func (s *StdIOServer) handleFrame(ctx context.Context, frame Frame) {
	if frame.Err != nil {
		var perr *ParseError
		if errors.As(frame.Err, &perr) {
			s.logger.WithErr(frame.Err).Warn("Received malformed frame")
			s.send(NewErrorResponse(nil, NewError(ErrorCodeParseError, "Parse error", nil)))
			return
		}
		s.logger.WithErr(frame.Err).Error("Failed to read input")
		return
	}

	req, rpcErr := parseEnvelope(frame.Raw)
	if rpcErr != nil {
		s.logger.WithFields(map[string]interface{}{
			"code": rpcErr.err.Code,
		}).Warn("Rejecting invalid message")
		s.send(NewErrorResponse(rpcErr.id, rpcErr.err))
		return
	}
	if req == nil {
		s.logger.Warn("Dropping response-shaped message, this server sends no requests")
		return
	}

	if req.IsNotification() {
		s.handleNotification(ctx, req)
		return
	}

	// initialize completes before any later line is read.
	if req.Method == MethodInitialize {
		s.send(s.handleRequest(ctx, req))
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.send(s.handleRequest(ctx, req))
	}()
}

func (s *StdIOServer) send(resp *Response) {
	if resp == nil {
		return
	}
	if err := s.enc.Encode(resp); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"id": resp.ID.String(),
		}).WithErr(err).Error("Failed to write response")
	}
}

type envelopeError struct {
	id  *RequestID
	err *Error
}

// envelope is decoded loosely so that bad fields can still be reported
// against the request id.
type envelope struct {
	JSONRPC json.RawMessage `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// parseEnvelope validates one frame. It returns the request, nil for a
// response-shaped message, or the error to answer with. Without a usable id
// the error is a parse error with a null id.
func parseEnvelope(raw json.RawMessage) (*Request, *envelopeError) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &envelopeError{err: NewError(ErrorCodeParseError, "Parse error", err.Error())}
	}

	var id *RequestID
	idUsable := true
	if len(env.ID) > 0 && string(env.ID) != "null" {
		id = &RequestID{}
		if err := json.Unmarshal(env.ID, id); err != nil {
			id = nil
			idUsable = false
		}
	}

	invalid := func(reason string) *envelopeError {
		if id == nil {
			return &envelopeError{err: NewError(ErrorCodeParseError, "Parse error", reason)}
		}
		return &envelopeError{id: id, err: NewError(ErrorCodeInvalidRequest, "Invalid Request", reason)}
	}

	if len(env.Method) == 0 && (len(env.Result) > 0 || len(env.Error) > 0) {
		return nil, nil
	}

	var version string
	if err := json.Unmarshal(env.JSONRPC, &version); err != nil || version != JSONRPCVersion {
		return nil, invalid(`jsonrpc must be "2.0"`)
	}

	var method string
	if err := json.Unmarshal(env.Method, &method); err != nil || method == "" {
		return nil, invalid("method must be a non-empty string")
	}

	if !idUsable {
		return nil, invalid("id must be a string or number")
	}

	return &Request{
		JSONRPC: version,
		ID:      id,
		Method:  method,
		Params:  env.Params,
	}, nil
}
