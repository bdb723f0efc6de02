package mcp

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/toolpipe/observability"
)

func newTestCorrelator(timeout time.Duration) *correlator {
	return newCorrelator(timeout, observability.NewNullLogger())
}

func TestCorrelator_IDsStartAtOneAndIncrease(t *testing.T) {
	c := newTestCorrelator(time.Minute)

	var last int64
	for i := 0; i < 5; i++ {
		pc, err := c.register("ping", 0)
		require.NoError(t, err)
		id := pc.id.Value().(int64)
		if i == 0 {
			assert.Equal(t, int64(1), id)
		} else {
			assert.Greater(t, id, last)
		}
		last = id
	}
	assert.Equal(t, 5, c.size())
}

func TestCorrelator_Resolve(t *testing.T) {
	c := newTestCorrelator(time.Minute)

	pc, err := c.register("tools/call", 0)
	require.NoError(t, err)

	resp, err := NewResultResponse(pc.id, map[string]string{"ok": "yes"})
	require.NoError(t, err)
	assert.True(t, c.resolve(resp))

	res := <-pc.done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"ok":"yes"}`, string(res.resp.Result))
	assert.Equal(t, 0, c.size())

	// A second response for the same id is unknown and discarded.
	assert.False(t, c.resolve(resp))
}

func TestCorrelator_UnknownIDIsDiscarded(t *testing.T) {
	c := newTestCorrelator(time.Minute)

	pc, err := c.register("ping", 0)
	require.NoError(t, err)

	resp, err := NewResultResponse(NewIntRequestID(999), struct{}{})
	require.NoError(t, err)
	assert.False(t, c.resolve(resp))
	assert.Equal(t, 1, c.size())

	select {
	case <-pc.done:
		t.Fatal("unrelated call must not be settled")
	default:
	}
}

func TestCorrelator_IDTypeMustMatch(t *testing.T) {
	c := newTestCorrelator(time.Minute)

	pc, err := c.register("ping", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), pc.id.Value())

	resp, err := NewResultResponse(NewStringRequestID("1"), struct{}{})
	require.NoError(t, err)
	assert.False(t, c.resolve(resp), "a string id never answers a numeric request")
	assert.Equal(t, 1, c.size())

	select {
	case <-pc.done:
		t.Fatal("call settled by an id of the wrong type")
	default:
	}

	resp, err = NewResultResponse(NewIntRequestID(1), struct{}{})
	require.NoError(t, err)
	assert.True(t, c.resolve(resp))
	assert.Equal(t, 0, c.size())
}

func TestRequestID_Key(t *testing.T) {
	assert.Equal(t, "n:1", NewIntRequestID(1).Key())
	assert.Equal(t, "s:1", NewStringRequestID("1").Key())

	var decoded RequestID
	require.NoError(t, decoded.UnmarshalJSON([]byte("1.0")))
	assert.Equal(t, "n:1", decoded.Key(), "numerically equal ids share a key")

	var none *RequestID
	assert.Empty(t, none.Key())
}

func TestCorrelator_Timeout(t *testing.T) {
	c := newTestCorrelator(20 * time.Millisecond)

	start := time.Now()
	pc, err := c.register("tools/call", 0)
	require.NoError(t, err)

	res := <-pc.done
	assert.ErrorIs(t, res.err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 0, c.size())

	// The late response is discarded.
	late, err := NewResultResponse(pc.id, struct{}{})
	require.NoError(t, err)
	assert.False(t, c.resolve(late))
}

func TestCorrelator_TimeoutDoesNotAffectSiblings(t *testing.T) {
	c := newTestCorrelator(time.Minute)

	short, err := c.register("sleep", 20*time.Millisecond)
	require.NoError(t, err)
	long, err := c.register("echo", 0)
	require.NoError(t, err)

	assert.ErrorIs(t, (<-short.done).err, ErrTimeout)
	assert.Equal(t, 1, c.size())

	resp, err := NewResultResponse(long.id, struct{}{})
	require.NoError(t, err)
	require.True(t, c.resolve(resp))
	assert.NoError(t, (<-long.done).err)
}

func TestCorrelator_FailAll(t *testing.T) {
	c := newTestCorrelator(time.Minute)

	const n = 10
	calls := make([]*pendingCall, n)
	for i := range calls {
		pc, err := c.register("tools/call", 0)
		require.NoError(t, err)
		calls[i] = pc
	}

	lost := connectionLost(errors.New("process exited"))
	assert.Equal(t, n, c.failAll(lost))
	assert.Equal(t, 0, c.size())

	for _, pc := range calls {
		assert.ErrorIs(t, (<-pc.done).err, ErrConnectionLost)
	}

	// Only the first failAll takes effect and registration is refused afterwards.
	assert.Equal(t, 0, c.failAll(ErrDisconnected))
	_, err := c.register("ping", 0)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestCorrelator_ExactlyOnceUnderRace(t *testing.T) {
	for round := 0; round < 50; round++ {
		c := newTestCorrelator(time.Millisecond)
		pc, err := c.register("tools/call", 0)
		require.NoError(t, err)

		resp := &Response{JSONRPC: JSONRPCVersion, ID: pc.id, Result: json.RawMessage(`{}`)}

		var wg sync.WaitGroup
		wins := make(chan bool, 3)
		wg.Add(3)
		go func() { defer wg.Done(); wins <- c.resolve(resp) }()
		go func() { defer wg.Done(); wins <- c.cancel(pc, errors.New("cancelled")) }()
		go func() { defer wg.Done(); wins <- c.failAll(ErrDisconnected) > 0 }()
		wg.Wait()
		close(wins)

		settled := 0
		for won := range wins {
			if won {
				settled++
			}
		}
		<-pc.done
		// The timer may also have won, in which case no explicit path did.
		assert.LessOrEqual(t, settled, 1)

		select {
		case <-pc.done:
			t.Fatal("call delivered more than once")
		default:
		}
	}
}
