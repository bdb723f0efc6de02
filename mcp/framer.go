package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// readBufferSize is the initial read buffer; longer lines are still accepted.
const readBufferSize = 1 << 20

// Encoder writes newline-delimited JSON messages. It is safe for concurrent
// use: each message is emitted with a single Write under a mutex, so lines
// from concurrent writers never interleave.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v as one JSON object followed by '\n'.
func (e *Encoder) Encode(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited JSON messages. Each line is parsed
// independently; a bad line yields a *ParseError and the next call moves on.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, readBufferSize)}
}

// Next returns the next complete frame. Blank lines are skipped. At end of
// stream it returns io.EOF; a trailing line without a newline is still returned first.
func (d *Decoder) Next() (json.RawMessage, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}

		if !json.Valid(line) {
			return nil, &ParseError{Line: line, Err: errors.New("invalid JSON")}
		}
		return json.RawMessage(line), nil
	}
}

// Frame is one decoded line, or the local error it produced.
type Frame struct {
	Raw json.RawMessage
	Err error
}

// Frames decodes the stream on a dedicated goroutine and yields every frame
// on the returned channel. Parse errors are delivered as frames with Err set.
// The channel is closed at end of stream (a non-EOF read error is delivered
// as a final frame first) or when ctx is done.
func (d *Decoder) Frames(ctx context.Context) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		for {
			raw, err := d.Next()
			if err != nil {
				var perr *ParseError
				if !errors.As(err, &perr) {
					if !errors.Is(err, io.EOF) {
						select {
						case out <- Frame{Err: err}:
						case <-ctx.Done():
						}
					}
					return
				}
			}

			select {
			case out <- Frame{Raw: raw, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
