package couchcore

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/couchcore/internal"
	"github.com/pior/couchcore/mcbp"
	"github.com/puzpuzpuz/xsync/v3"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateIdle
	StateInUse
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const readChunkSize = 32 * 1024

var encodeBuffers = internal.NewBufferPool(512)

// result is the one-shot slot a waiter blocks on. The read loop writes it at
// most once.
type result struct {
	frame *mcbp.Frame
	err   error
}

// Connection is one socket to one data node. Writes are serialized; a single
// background read loop hands every response to the waiter registered under
// its opaque.
type Connection struct {
	addr      string
	netConn   net.Conn
	logger    *slog.Logger
	createdAt time.Time

	writeMu sync.Mutex

	pending    *xsync.MapOf[uint32, chan result]
	nextOpaque atomic.Uint32

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
	closeErr  error // set before done is closed
}

// NewConnection wraps an established socket and starts its read loop.
// The connection starts in StateAuthenticating; the pool marks it idle once
// the handshake is complete.
func NewConnection(addr string, netConn net.Conn, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		addr:      addr,
		netConn:   netConn,
		logger:    logger.With("node", addr),
		createdAt: time.Now(),
		pending:   xsync.NewMapOf[uint32, chan result](),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateAuthenticating))
	go c.readLoop()
	return c
}

// Addr returns the node address of the connection.
func (c *Connection) Addr() string {
	return c.addr
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	for {
		cur := c.state.Load()
		if ConnState(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// InFlight returns the number of requests waiting for a response.
func (c *Connection) InFlight() int {
	return c.pending.Size()
}

// Err returns the reason the connection was closed, or nil while it is open.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// IsHealthy reports whether the connection can serve more requests.
func (c *Connection) IsHealthy() bool {
	return c.Err() == nil
}

// Poisoned reports whether the connection was closed by a failure rather
// than by an explicit Close.
func (c *Connection) Poisoned() bool {
	err := c.Err()
	return err != nil && !errors.Is(err, ErrConnectionClosed)
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send assigns an opaque to req, registers a waiter for it and writes the
// frame. It does not wait for the response.
func (c *Connection) Send(ctx context.Context, req *mcbp.Frame) (*Pending, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, c.notSent(req.Opcode, err)
	}

	slot := make(chan result, 1)
	opaque := c.register(slot)

	req.Magic = mcbp.MagicRequest
	req.Opaque = opaque

	bufp := encodeBuffers.Get()
	buf, err := mcbp.AppendFrame(*bufp, req)
	if err != nil {
		c.pending.Delete(opaque)
		encodeBuffers.Put(bufp)
		return nil, err
	}
	*bufp = buf

	c.writeMu.Lock()
	// The deadline may have passed while waiting for the writer; nothing is
	// on the wire yet, so the connection stays usable.
	if cerr := ctx.Err(); cerr != nil {
		c.writeMu.Unlock()
		c.pending.Delete(opaque)
		encodeBuffers.Put(bufp)
		return nil, c.notSent(req.Opcode, cerr)
	}
	deadline, _ := ctx.Deadline()
	_ = c.netConn.SetWriteDeadline(deadline)
	_, err = c.netConn.Write(buf)
	c.writeMu.Unlock()
	encodeBuffers.Put(bufp)

	if err != nil {
		c.pending.Delete(opaque)
		terr := &TransportError{Op: "write", Addr: c.addr, Err: err}
		c.fail(terr)
		return nil, terr
	}

	return &Pending{conn: c, opaque: opaque, opcode: req.Opcode, slot: slot, sentAt: time.Now()}, nil
}

// notSent maps the end of ctx before a request was written.
func (c *Connection) notSent(op mcbp.Opcode, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Addr: c.addr}
	}
	return err
}

// RoundTrip sends req and waits for the correlated response.
func (c *Connection) RoundTrip(ctx context.Context, req *mcbp.Frame) (*mcbp.Frame, error) {
	p, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// register stores slot under a fresh opaque. Opaques wrap around; one still
// in flight is skipped.
func (c *Connection) register(slot chan result) uint32 {
	for {
		opaque := c.nextOpaque.Add(1)
		if _, loaded := c.pending.LoadOrStore(opaque, slot); loaded {
			continue
		}
		// fail may have drained the map before the store landed
		select {
		case <-c.done:
			if s, ok := c.pending.LoadAndDelete(opaque); ok {
				s <- result{err: c.closeErr}
			}
		default:
		}
		return opaque
	}
}

// Close releases the socket and fails every pending waiter with
// ErrConnectionClosed. It is idempotent.
func (c *Connection) Close() error {
	c.fail(ErrConnectionClosed)
	return nil
}

func (c *Connection) fail(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.netConn.Close()

		c.pending.Range(func(opaque uint32, _ chan result) bool {
			if s, ok := c.pending.LoadAndDelete(opaque); ok {
				s <- result{err: cause}
			}
			return true
		})
	})
}

func (c *Connection) readLoop() {
	var dec mcbp.Decoder
	buf := make([]byte, readChunkSize)

	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				frame, derr := dec.Next()
				if derr == mcbp.ErrNeedMoreData {
					break
				}
				if derr != nil {
					c.logger.Error("couchcore: malformed frame, closing connection", "error", derr)
					c.fail(&ProtocolError{Addr: c.addr, Err: derr})
					return
				}
				c.dispatch(frame)
			}
		}
		if err != nil {
			c.fail(&TransportError{Op: "read", Addr: c.addr, Err: err})
			return
		}
	}
}

func (c *Connection) dispatch(frame *mcbp.Frame) {
	if frame.Magic != mcbp.MagicResponse {
		c.logger.Debug("couchcore: ignoring server request", "opcode", frame.Opcode)
		return
	}

	slot, ok := c.pending.LoadAndDelete(frame.Opaque)
	if !ok {
		c.logger.Debug("couchcore: dropping unmatched response", "opaque", frame.Opaque, "opcode", frame.Opcode)
		return
	}
	slot <- result{frame: frame}
}

// Pending is a request written to the wire and not yet answered.
type Pending struct {
	conn   *Connection
	opaque uint32
	opcode mcbp.Opcode
	slot   chan result
	sentAt time.Time
}

// Opaque returns the correlation id assigned to the request.
func (p *Pending) Opaque() uint32 {
	return p.opaque
}

// Wait blocks until the response arrives, the connection fails or ctx ends.
// On deadline the waiter is removed; a late response is dropped as unmatched.
func (p *Pending) Wait(ctx context.Context) (*mcbp.Frame, error) {
	select {
	case r := <-p.slot:
		return r.frame, r.err
	case <-ctx.Done():
		p.conn.pending.Delete(p.opaque)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: p.opcode, Addr: p.conn.addr, Elapsed: time.Since(p.sentAt)}
		}
		return nil, ctx.Err()
	}
}
