package couchcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pior/couchcore/mcbp"
)

var (
	ErrPoolClosed       = errors.New("couchcore: pool closed")
	ErrConnectionClosed = errors.New("couchcore: connection closed")
	ErrClientClosed     = errors.New("couchcore: client closed")
	ErrNoClusterMap     = errors.New("couchcore: no cluster map available")
	ErrCircuitOpen      = errors.New("couchcore: circuit breaker open")
)

// TransportError wraps a connect, read or write failure.
// The connection is discarded; the operation may be retried on another one.
type TransportError struct {
	Op   string // dial, tls, write, read
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("couchcore: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) ShouldCloseConnection() bool { return true }

// ProtocolError reports a malformed frame received from a node.
// It is fatal to the connection and is never retried on it.
type ProtocolError struct {
	Addr string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("couchcore: protocol error from %s: %v", e.Addr, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) ShouldCloseConnection() bool { return true }

// AuthenticationError is returned when SASL negotiation or bucket selection
// fails on a new connection. The connection is never handed out.
type AuthenticationError struct {
	Addr      string
	Mechanism string
	Err       error
}

func (e *AuthenticationError) Error() string {
	if e.Mechanism == "" {
		return fmt.Sprintf("couchcore: authentication to %s failed: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("couchcore: %s authentication to %s failed: %v", e.Mechanism, e.Addr, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) ShouldCloseConnection() bool { return true }

// TopologyError reports a missing or stale cluster map.
type TopologyError struct {
	VBucket uint16
	Reason  string
	Err     error
}

func (e *TopologyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("couchcore: topology error for vbucket %d: %s: %v", e.VBucket, e.Reason, e.Err)
	}
	return fmt.Sprintf("couchcore: topology error for vbucket %d: %s", e.VBucket, e.Reason)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// TimeoutError is returned when an operation deadline elapses while waiting
// for a response. It unwraps to context.DeadlineExceeded.
type TimeoutError struct {
	Op      mcbp.Opcode
	Addr    string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("couchcore: %s to %s timed out after %s", e.Op, e.Addr, e.Elapsed)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// Timeout lets callers treat TimeoutError like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// PoolExhaustedError is returned when no connection became available before
// the deadline. It is surfaced, never retried internally.
type PoolExhaustedError struct {
	Addr string
	Err  error
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("couchcore: no connection to %s available: %v", e.Addr, e.Err)
}

func (e *PoolExhaustedError) Unwrap() error { return e.Err }

// ShouldCloseConnection reports whether err leaves the connection it happened
// on unusable. See mcbp.ShouldCloseConnection.
func ShouldCloseConnection(err error) bool {
	return mcbp.ShouldCloseConnection(err)
}

// isRetriable reports whether the executor may try err again on another
// connection. Only transport-level failures qualify.
func isRetriable(err error) bool {
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, ErrConnectionClosed)
}
