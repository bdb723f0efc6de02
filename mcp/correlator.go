package mcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/shaharia-lab/toolpipe/observability"
)

// DefaultRequestTimeout bounds every call that has no explicit timeout.
const DefaultRequestTimeout = 30 * time.Second

type callResult struct {
	resp *Response
	err  error
}

// pendingCall is an outstanding request awaiting its response. It is
// resolved exactly once: whoever removes it from the table delivers on done.
type pendingCall struct {
	id      *RequestID
	method  string
	created time.Time
	timer   *time.Timer
	done    chan callResult
}

// correlator tracks in-flight requests of one client by id.
type correlator struct {
	logger  observability.Logger
	timeout time.Duration

	mu       sync.Mutex
	nextID   int64
	pending  map[string]*pendingCall
	closeErr error
}

func newCorrelator(timeout time.Duration, logger observability.Logger) *correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &correlator{
		logger:  logger,
		timeout: timeout,
		nextID:  1,
		pending: make(map[string]*pendingCall),
	}
}

// register allocates the next id and arms the call's timeout. A zero
// timeout uses the correlator default. After failAll it returns the error
// the table was failed with.
func (c *correlator) register(method string, timeout time.Duration) (*pendingCall, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeErr != nil {
		return nil, c.closeErr
	}

	id := NewIntRequestID(c.nextID)
	c.nextID++

	pc := &pendingCall{
		id:      id,
		method:  method,
		created: time.Now(),
		done:    make(chan callResult, 1),
	}
	key := id.Key()
	c.pending[key] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		c.settle(key, callResult{
			err: fmt.Errorf("%w: %s (id %s) after %s", ErrTimeout, method, id, timeout),
		})
	})
	return pc, nil
}

// settle removes the call and delivers res. It reports false if the call
// was already settled.
func (c *correlator) settle(key string, res callResult) bool {
	c.mu.Lock()
	pc, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	pc.timer.Stop()
	pc.done <- res
	return true
}

// resolve routes a response to its pending call. A response whose id has no
// pending call is logged and discarded.
func (c *correlator) resolve(resp *Response) bool {
	key := resp.ID.Key()
	if key == "" || !c.settle(key, callResult{resp: resp}) {
		c.logger.WithFields(map[string]interface{}{
			"id": resp.ID.String(),
		}).Warn("Discarding response with unknown id")
		return false
	}
	return true
}

// cancel settles a call locally with err.
func (c *correlator) cancel(pc *pendingCall, err error) bool {
	return c.settle(pc.id.Key(), callResult{err: err})
}

// failAll rejects every pending call with err, clears the table and refuses
// further registrations. Only the first call takes effect.
func (c *correlator) failAll(err error) int {
	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return 0
	}
	c.closeErr = err
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, pc := range calls {
		pc.timer.Stop()
		pc.done <- callResult{err: err}
	}
	return len(calls)
}

// size returns the number of outstanding calls.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
