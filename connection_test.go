package couchcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pior/couchcore/mcbp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionRoundTrip(t *testing.T) {
	conn := pipeServer(t, func(req *mcbp.Frame, w *pipeWriter) {
		w.reply(echoResponse(req))
	})

	resp, err := conn.RoundTrip(context.Background(), mcbp.NewRequest(mcbp.OpGet, []byte("k"), nil, []byte("v")))
	require.NoError(t, err)
	assert.Equal(t, mcbp.MagicResponse, resp.Magic)
	assert.Equal(t, []byte("k"), resp.Key)
	assert.Equal(t, []byte("v"), resp.Body)
	assert.Equal(t, 0, conn.InFlight())
}

func TestConnectionCorrelatesOutOfOrderResponses(t *testing.T) {
	var mu sync.Mutex
	var held []*mcbp.Frame

	conn := pipeServer(t, func(req *mcbp.Frame, w *pipeWriter) {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, req)
		if len(held) < 3 {
			return
		}
		for i := len(held) - 1; i >= 0; i-- {
			w.reply(echoResponse(held[i]))
		}
	})

	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := []byte{byte('a' + i)}
			resp, err := conn.RoundTrip(context.Background(), mcbp.NewRequest(mcbp.OpGet, key, nil, nil))
			assert.NoError(t, err)
			if resp != nil {
				assert.Equal(t, key, resp.Key, "each caller gets the response to its own request")
			}
		}()
	}
	wg.Wait()
}

func TestConnectionOpaquesAreUnique(t *testing.T) {
	conn := pipeServer(t, func(req *mcbp.Frame, w *pipeWriter) {})

	seen := make(map[uint32]bool)
	for range 100 {
		p, err := conn.Send(context.Background(), mcbp.NewRequest(mcbp.OpNoop, nil, nil, nil))
		require.NoError(t, err)
		assert.False(t, seen[p.Opaque()])
		seen[p.Opaque()] = true
	}
	assert.Equal(t, 100, conn.InFlight())
}

func TestConnectionTimeoutDropsLateResponse(t *testing.T) {
	release := make(chan struct{})
	conn := pipeServer(t, func(req *mcbp.Frame, w *pipeWriter) {
		if string(req.Key) == "slow" {
			go func() {
				<-release
				w.reply(echoResponse(req))
			}()
			return
		}
		w.reply(echoResponse(req))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.RoundTrip(ctx, mcbp.NewRequest(mcbp.OpGet, []byte("slow"), nil, nil))
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, mcbp.OpGet, te.Op)
	assert.Equal(t, 0, conn.InFlight(), "the waiter is removed on timeout")

	close(release)

	// The late answer is discarded and the connection stays usable.
	resp, err := conn.RoundTrip(context.Background(), mcbp.NewRequest(mcbp.OpGet, []byte("fast"), nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte("fast"), resp.Key)
	assert.True(t, conn.IsHealthy())
}

func TestConnectionExpiredContextKeepsConnection(t *testing.T) {
	conn := pipeServer(t, func(req *mcbp.Frame, w *pipeWriter) {
		w.reply(echoResponse(req))
	})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := conn.RoundTrip(ctx, mcbp.NewRequest(mcbp.OpGet, []byte("late"), nil, nil))
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, conn.InFlight())
	assert.True(t, conn.IsHealthy(), "nothing was written, the connection is intact")

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = conn.RoundTrip(canceled, mcbp.NewRequest(mcbp.OpGet, []byte("late"), nil, nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, conn.IsHealthy())

	resp, err := conn.RoundTrip(context.Background(), mcbp.NewRequest(mcbp.OpGet, []byte("next"), nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), resp.Key)
}

func TestConnectionMalformedFramePoisons(t *testing.T) {
	var mu sync.Mutex
	var held []*mcbp.Frame

	conn := pipeServer(t, func(req *mcbp.Frame, w *pipeWriter) {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, req)
		if len(held) < 2 {
			return
		}
		out, _ := mcbp.Encode(&mcbp.Frame{Magic: mcbp.MagicResponse, Opcode: req.Opcode, Opaque: req.Opaque})
		out[0] = 0x42
		w.raw(out)
	})

	first, err := conn.Send(context.Background(), mcbp.NewRequest(mcbp.OpGet, []byte("a"), nil, nil))
	require.NoError(t, err)
	second, err := conn.Send(context.Background(), mcbp.NewRequest(mcbp.OpGet, []byte("b"), nil, nil))
	require.NoError(t, err)

	// Every request in flight on the connection fails with the parse error.
	for _, p := range []*Pending{first, second} {
		_, err := p.Wait(context.Background())
		var pe *ProtocolError
		require.ErrorAs(t, err, &pe)
		var parseErr *mcbp.ParseError
		assert.ErrorAs(t, err, &parseErr)
		assert.False(t, isRetriable(err))
	}

	assert.True(t, conn.Poisoned())
	assert.False(t, conn.IsHealthy())
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnectionCloseFailsPending(t *testing.T) {
	conn := pipeServer(t, func(req *mcbp.Frame, w *pipeWriter) {})

	p, err := conn.Send(context.Background(), mcbp.NewRequest(mcbp.OpGet, []byte("k"), nil, nil))
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, StateClosed, conn.State())
	assert.False(t, conn.Poisoned())

	_, err = conn.Send(context.Background(), mcbp.NewRequest(mcbp.OpGet, []byte("k"), nil, nil))
	assert.ErrorIs(t, err, ErrConnectionClosed)

	// idempotent
	assert.NoError(t, conn.Close())
}

func TestConnectionStateNeverLeavesClosed(t *testing.T) {
	conn := pipeServer(t, func(req *mcbp.Frame, w *pipeWriter) {})
	assert.Equal(t, StateAuthenticating, conn.State())

	conn.setState(StateIdle)
	assert.Equal(t, StateIdle, conn.State())

	_ = conn.Close()
	conn.setState(StateInUse)
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnectionReadFailureIsTransportError(t *testing.T) {
	conn := pipeServer(t, func(req *mcbp.Frame, w *pipeWriter) {})

	p, err := conn.Send(context.Background(), mcbp.NewRequest(mcbp.OpGet, []byte("k"), nil, nil))
	require.NoError(t, err)

	// Closing the socket under the connection makes the read loop fail.
	_ = conn.netConn.Close()

	_, err = p.Wait(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, ShouldCloseConnection(err))
	assert.True(t, isRetriable(err))
	assert.True(t, conn.Poisoned())
	assert.False(t, errors.Is(err, ErrConnectionClosed))
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "in-use", StateInUse.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}
