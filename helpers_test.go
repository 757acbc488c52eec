package couchcore

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pior/couchcore/internal/testutils"
	"github.com/pior/couchcore/mcbp"
	"github.com/stretchr/testify/require"
)

const testBucket = "travel"

var discardLogger = slog.New(slog.DiscardHandler)

// pipeWriter is the server side of a pipeServer.
type pipeWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *pipeWriter) reply(resp *mcbp.Frame) {
	resp.Magic = mcbp.MagicResponse
	out, err := mcbp.Encode(resp)
	if err != nil {
		panic(err)
	}
	w.raw(out)
}

func (w *pipeWriter) raw(b []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = w.conn.Write(b)
}

// pipeServer runs handle for every request written to the returned
// connection. handle may answer through w, in any order.
func pipeServer(t *testing.T, handle func(req *mcbp.Frame, w *pipeWriter)) *Connection {
	t.Helper()

	client, server := net.Pipe()
	conn := NewConnection("pipe", client, discardLogger)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = server.Close()
	})

	w := &pipeWriter{conn: server}

	go func() {
		var dec mcbp.Decoder
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
				for {
					req, derr := dec.Next()
					if derr != nil {
						break
					}
					handle(req, w)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return conn
}

func echoResponse(req *mcbp.Frame) *mcbp.Frame {
	return &mcbp.Frame{Opcode: req.Opcode, Opaque: req.Opaque, Key: req.Key, Body: req.Body}
}

// testCluster is a bucket served by fake data nodes and one config feed.
type testCluster struct {
	feed  *testutils.ConfigFeed
	nodes []*testutils.FakeNode
	opts  testutils.FakeNodeOptions
	rev   int64
}

func newTestCluster(t *testing.T, numNodes int, opts testutils.FakeNodeOptions) *testCluster {
	t.Helper()

	tc := &testCluster{
		feed: testutils.NewConfigFeed(t, testBucket),
		opts: opts,
	}
	for range numNodes {
		tc.nodes = append(tc.nodes, testutils.NewFakeNode(t, opts))
	}
	tc.publish(nil)
	return tc
}

func (tc *testCluster) kvAddrs() []string {
	addrs := make([]string, len(tc.nodes))
	for i, n := range tc.nodes {
		addrs[i] = n.Addr()
	}
	return addrs
}

// spec returns the topology of the next revision.
func (tc *testCluster) spec(owner func(vb int) int) testutils.ClusterSpec {
	return testutils.ClusterSpec{
		Rev:         tc.rev + 1,
		Bucket:      testBucket,
		KVNodes:     tc.kvAddrs(),
		MgmtNodes:   []string{tc.feed.Addr()},
		NumVBuckets: 64,
		NumReplicas: 1,
		Owner:       owner,
	}
}

// publish pushes a new revision on the feed.
func (tc *testCluster) publish(owner func(vb int) int) {
	s := tc.spec(owner)
	tc.rev = s.Rev
	tc.feed.Push(s.JSON())
}

func (tc *testCluster) config() Config {
	return Config{
		Seeds:            []string{tc.feed.Addr()},
		Bucket:           testBucket,
		Username:         tc.opts.Username,
		Password:         tc.opts.Password,
		MaxSize:          2,
		OperationTimeout: time.Second,
		BootstrapTimeout: 2 * time.Second,
		StreamBackoff:    Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		Logger:           discardLogger,
	}
}

// newTestClient starts a client and waits for its first cluster map.
func newTestClient(t *testing.T, config Config) *Client {
	t.Helper()

	client, err := NewClient(config)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.WaitForMap(ctx)
	require.NoError(t, err)
	return client
}

// waitForRev blocks until the client has published rev.
func waitForRev(t *testing.T, client *Client, rev int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		m := client.CurrentMap()
		return m != nil && m.Revision >= rev
	}, 2*time.Second, 5*time.Millisecond)
}
