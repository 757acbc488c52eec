// Package testutils holds in-process fakes of a cluster: data nodes speaking
// the binary protocol and a streaming config feed.
package testutils

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pior/couchcore/mcbp"
)

// FakeNodeOptions configure a FakeNode.
type FakeNodeOptions struct {
	// Mechanisms is the SASL_LIST_MECHS reply, e.g. "CRAM-MD5 PLAIN".
	Mechanisms string

	// FailListMechs answers SASL_LIST_MECHS with UNKNOWN_COMMAND.
	FailListMechs bool

	// Username and Password are required when Username is set.
	Username string
	Password string

	// Bucket is the only name SELECT_BUCKET accepts. Empty accepts any.
	Bucket string
}

type fakeItem struct {
	value []byte
	flags uint32
	cas   uint64
}

// FakeNode is a data node listening on a random local port.
type FakeNode struct {
	opts FakeNodeOptions
	ln   net.Listener

	mu       sync.Mutex
	store    map[string]fakeItem
	conns    map[net.Conn]struct{}
	lastMech string
	cas      uint64

	Accepted     atomic.Int64 // TCP connections accepted
	Handshakes   atomic.Int64 // successful SASL exchanges
	AuthFailures atomic.Int64
	Requests     atomic.Int64 // data requests received

	notMyVBucket  atomic.Bool
	nmvbBody      atomic.Pointer[[]byte]
	malformedNext atomic.Bool
	blackhole     atomic.Bool
	delay         atomic.Int64

	wg sync.WaitGroup
}

// NewFakeNode starts a node and stops it when the test ends.
func NewFakeNode(t testing.TB, opts FakeNodeOptions) *FakeNode {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake node listen: %v", err)
	}

	n := &FakeNode{
		opts:  opts,
		ln:    ln,
		store: make(map[string]fakeItem),
		conns: make(map[net.Conn]struct{}),
	}

	n.wg.Add(1)
	go n.acceptLoop()

	t.Cleanup(n.Close)
	return n
}

// Addr returns the "host:port" of the node.
func (n *FakeNode) Addr() string {
	return n.ln.Addr().String()
}

// SetNotMyVBucket makes every data request except NOOP fail with
// NOT_MY_VBUCKET, carrying body.
func (n *FakeNode) SetNotMyVBucket(on bool, body []byte) {
	n.nmvbBody.Store(&body)
	n.notMyVBucket.Store(on)
}

// InjectMalformed answers the next data request with a frame carrying an
// invalid magic byte.
func (n *FakeNode) InjectMalformed() {
	n.malformedNext.Store(true)
}

// SetBlackhole makes the node swallow data requests without answering.
func (n *FakeNode) SetBlackhole(on bool) {
	n.blackhole.Store(on)
}

// SetDelay delays every data response.
func (n *FakeNode) SetDelay(d time.Duration) {
	n.delay.Store(int64(d))
}

// Put stores a value directly.
func (n *FakeNode) Put(key string, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cas++
	n.store[key] = fakeItem{value: value, cas: n.cas}
}

// Value reads a stored value.
func (n *FakeNode) Value(key string) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	item, ok := n.store[key]
	return item.value, ok
}

// LastMechanism returns the mechanism named in the last SASL_AUTH.
func (n *FakeNode) LastMechanism() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastMech
}

// OpenConns returns the number of live client connections.
func (n *FakeNode) OpenConns() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// DropConnections closes every client connection, keeping the listener.
func (n *FakeNode) DropConnections() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.conns {
		_ = c.Close()
	}
}

// Close stops the listener and every connection. It is idempotent.
func (n *FakeNode) Close() {
	_ = n.ln.Close()
	n.DropConnections()
	n.wg.Wait()
}

func (n *FakeNode) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			return
		}
		n.Accepted.Add(1)

		n.mu.Lock()
		n.conns[conn] = struct{}{}
		n.mu.Unlock()

		n.wg.Add(1)
		go n.serve(conn)
	}
}

type fakeSession struct {
	authed    bool
	challenge []byte
}

func (n *FakeNode) serve(conn net.Conn) {
	defer n.wg.Done()
	defer func() {
		n.mu.Lock()
		delete(n.conns, conn)
		n.mu.Unlock()
		_ = conn.Close()
	}()

	sess := &fakeSession{authed: n.opts.Username == ""}
	var dec mcbp.Decoder
	buf := make([]byte, 4096)

	for {
		nr, err := conn.Read(buf)
		if nr > 0 {
			dec.Feed(buf[:nr])
			for {
				req, derr := dec.Next()
				if derr == mcbp.ErrNeedMoreData {
					break
				}
				if derr != nil {
					return
				}
				out := n.handle(sess, req)
				if out == nil {
					continue
				}
				if _, werr := conn.Write(out); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// handle returns the encoded reply to req, or nil for no reply.
func (n *FakeNode) handle(sess *fakeSession, req *mcbp.Frame) []byte {
	switch req.Opcode {
	case mcbp.OpSASLListMechs:
		if n.opts.FailListMechs {
			return reply(req, mcbp.StatusUnknownCommand, nil, nil)
		}
		return reply(req, mcbp.StatusSuccess, nil, []byte(n.opts.Mechanisms))

	case mcbp.OpSASLAuth:
		return n.saslAuth(sess, req)

	case mcbp.OpSASLStep:
		expected := n.opts.Username + " " + cramDigest(n.opts.Password, sess.challenge)
		return n.authResult(sess, req, sess.challenge != nil && string(req.Body) == expected)

	case mcbp.OpSelectBucket:
		if !sess.authed {
			return reply(req, mcbp.StatusAuthError, nil, nil)
		}
		if n.opts.Bucket != "" && string(req.Key) != n.opts.Bucket {
			return reply(req, mcbp.StatusNoBucket, nil, nil)
		}
		return reply(req, mcbp.StatusSuccess, nil, nil)
	}

	if !sess.authed {
		return reply(req, mcbp.StatusAuthError, nil, nil)
	}

	n.Requests.Add(1)
	if n.blackhole.Load() {
		return nil
	}
	if d := time.Duration(n.delay.Load()); d > 0 {
		time.Sleep(d)
	}
	if n.malformedNext.CompareAndSwap(true, false) {
		out := reply(req, mcbp.StatusSuccess, nil, nil)
		out[0] = 0x42
		return out
	}
	if req.Opcode != mcbp.OpNoop && n.notMyVBucket.Load() {
		var body []byte
		if p := n.nmvbBody.Load(); p != nil {
			body = *p
		}
		return reply(req, mcbp.StatusNotMyVBucket, nil, body)
	}

	return n.data(req)
}

func (n *FakeNode) saslAuth(sess *fakeSession, req *mcbp.Frame) []byte {
	mech := string(req.Key)

	n.mu.Lock()
	n.lastMech = mech
	n.mu.Unlock()

	switch mech {
	case "PLAIN":
		parts := bytes.Split(req.Body, []byte{0})
		ok := len(parts) == 3 && string(parts[1]) == n.opts.Username && string(parts[2]) == n.opts.Password
		return n.authResult(sess, req, ok)
	case "CRAM-MD5":
		sess.challenge = []byte(fmt.Sprintf("<%d.%d@fake>", time.Now().UnixNano(), n.Accepted.Load()))
		return reply(req, mcbp.StatusAuthContinue, nil, sess.challenge)
	}
	return n.authResult(sess, req, false)
}

func (n *FakeNode) authResult(sess *fakeSession, req *mcbp.Frame, ok bool) []byte {
	if !ok {
		n.AuthFailures.Add(1)
		return reply(req, mcbp.StatusAuthError, nil, []byte("Auth failure"))
	}
	sess.authed = true
	n.Handshakes.Add(1)
	return reply(req, mcbp.StatusSuccess, nil, []byte("Authenticated"))
}

func (n *FakeNode) data(req *mcbp.Frame) []byte {
	key := string(req.Key)

	n.mu.Lock()
	defer n.mu.Unlock()

	switch req.Opcode {
	case mcbp.OpNoop:
		return reply(req, mcbp.StatusSuccess, nil, nil)

	case mcbp.OpGet, mcbp.OpGetReplica:
		item, ok := n.store[key]
		if !ok {
			return reply(req, mcbp.StatusKeyNotFound, nil, []byte("Not found"))
		}
		extras := make([]byte, 4)
		binary.BigEndian.PutUint32(extras, item.flags)
		return replyCAS(req, mcbp.StatusSuccess, extras, item.value, item.cas)

	case mcbp.OpSet, mcbp.OpAdd, mcbp.OpReplace:
		_, exists := n.store[key]
		if req.Opcode == mcbp.OpAdd && exists {
			return reply(req, mcbp.StatusKeyExists, nil, []byte("Data exists for key"))
		}
		if req.Opcode == mcbp.OpReplace && !exists {
			return reply(req, mcbp.StatusKeyNotFound, nil, []byte("Not found"))
		}
		var flags uint32
		if len(req.Extras) >= 4 {
			flags = binary.BigEndian.Uint32(req.Extras[0:4])
		}
		n.cas++
		n.store[key] = fakeItem{value: append([]byte(nil), req.Body...), flags: flags, cas: n.cas}
		return replyCAS(req, mcbp.StatusSuccess, nil, nil, n.cas)

	case mcbp.OpDelete:
		if _, ok := n.store[key]; !ok {
			return reply(req, mcbp.StatusKeyNotFound, nil, []byte("Not found"))
		}
		delete(n.store, key)
		return reply(req, mcbp.StatusSuccess, nil, nil)

	case mcbp.OpIncrement:
		if len(req.Extras) != 20 {
			return reply(req, mcbp.StatusInvalidArgs, nil, nil)
		}
		delta := binary.BigEndian.Uint64(req.Extras[0:8])
		initial := binary.BigEndian.Uint64(req.Extras[8:16])

		counter := initial
		if item, ok := n.store[key]; ok {
			cur, err := strconv.ParseUint(string(item.value), 10, 64)
			if err != nil {
				return reply(req, mcbp.StatusBadDelta, nil, nil)
			}
			counter = cur + delta
		}
		n.cas++
		n.store[key] = fakeItem{value: []byte(strconv.FormatUint(counter, 10)), cas: n.cas}
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, counter)
		return replyCAS(req, mcbp.StatusSuccess, nil, body, n.cas)
	}

	return reply(req, mcbp.StatusUnknownCommand, nil, nil)
}

func reply(req *mcbp.Frame, status mcbp.Status, extras, body []byte) []byte {
	return replyCAS(req, status, extras, body, 0)
}

func replyCAS(req *mcbp.Frame, status mcbp.Status, extras, body []byte, cas uint64) []byte {
	resp := &mcbp.Frame{
		Magic:  mcbp.MagicResponse,
		Opcode: req.Opcode,
		Status: status,
		Opaque: req.Opaque,
		CAS:    cas,
		Extras: extras,
		Body:   body,
	}
	out, err := mcbp.Encode(resp)
	if err != nil {
		panic(err)
	}
	return out
}

func cramDigest(password string, challenge []byte) string {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil))
}
