package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pior/couchcore"
	"github.com/pior/couchcore/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	errWriter = io.Discard
}

type testCluster struct {
	feed *testutils.ConfigFeed
	node *testutils.FakeNode
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()

	tc := &testCluster{
		feed: testutils.NewConfigFeed(t, "travel"),
		node: testutils.NewFakeNode(t, testutils.FakeNodeOptions{
			Mechanisms: "PLAIN",
			Username:   "app",
			Password:   "pw",
			Bucket:     "travel",
		}),
	}
	tc.feed.Push(testutils.ClusterSpec{
		Rev:         12,
		Bucket:      "travel",
		KVNodes:     []string{tc.node.Addr()},
		MgmtNodes:   []string{tc.feed.Addr()},
		NumVBuckets: 16,
	}.JSON())
	return tc
}

func (tc *testCluster) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	a := newApp()
	root := a.rootCmd()
	defer a.close()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{
		"--seeds", tc.feed.Addr(),
		"--bucket", "travel",
		"--username", "app",
		"--password", "pw",
		"--timeout", "1s",
		"--bootstrap-timeout", "2s",
	}, args...))

	err := root.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	tc := newTestCluster(t)

	out, err := tc.run(t, "set", "greeting", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "stored on "+tc.node.Addr())

	out, err = tc.run(t, "get", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = tc.run(t, "get", "-v", "greeting")
	require.NoError(t, err)
	assert.Contains(t, out, "node="+tc.node.Addr())

	_, err = tc.run(t, "set", "--add", "greeting", "again")
	assert.Error(t, err)

	out, err = tc.run(t, "incr", "--initial", "10", "visits")
	require.NoError(t, err)
	assert.Equal(t, "10\n", out)

	out, err = tc.run(t, "incr", "--delta", "5", "visits")
	require.NoError(t, err)
	assert.Equal(t, "15\n", out)

	out, err = tc.run(t, "delete", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "deleted\n", out)

	_, err = tc.run(t, "get", "greeting")
	assert.Error(t, err)
}

func TestMapAndPing(t *testing.T) {
	tc := newTestCluster(t)

	out, err := tc.run(t, "map")
	require.NoError(t, err)
	assert.Contains(t, out, "bucket travel rev 12 locator vbucket vbuckets 16")
	assert.Contains(t, out, tc.node.Addr())

	out, err = tc.run(t, "ping")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ok: 1 nodes"))
}

func TestNoClusterMap(t *testing.T) {
	a := newApp()
	root := a.rootCmd()
	defer a.close()

	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--seeds", "127.0.0.1:1", "--bootstrap-timeout", "50ms", "map"})
	err := root.Execute()
	assert.ErrorContains(t, err, "no cluster map from 127.0.0.1:1")
}

func TestClientConfigFromEnvironment(t *testing.T) {
	t.Setenv("CBCTL_SEEDS", "10.0.0.1:8091, 10.0.0.2:8091")
	t.Setenv("CBCTL_BUCKET", "beer-sample")
	t.Setenv("CBCTL_PASSWORD", "s3cret")
	t.Setenv("CBCTL_BOOTSTRAP_TIMEOUT", "3s")
	t.Setenv("CBCTL_TLS", "true")

	a := newApp()
	_ = a.rootCmd()

	config, err := a.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:8091", "10.0.0.2:8091"}, config.Seeds)
	assert.Equal(t, "beer-sample", config.Bucket)
	assert.Equal(t, "s3cret", config.Password)
	assert.Equal(t, "3s", config.BootstrapTimeout.String())
	assert.NotNil(t, config.TLS)
}

func TestClientConfigInvalidLogLevel(t *testing.T) {
	t.Setenv("CBCTL_LOG_LEVEL", "loud")

	a := newApp()
	_ = a.rootCmd()

	_, err := a.clientConfig()
	assert.ErrorContains(t, err, "invalid log level")
}

func TestBench(t *testing.T) {
	tc := newTestCluster(t)

	out, err := tc.run(t, "--pool-size", "4", "bench", "--duration", "50ms", "--concurrency", "3")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(workloads))
	for i, w := range workloads {
		assert.True(t, strings.HasPrefix(lines[i], w+": "), lines[i])
		assert.Contains(t, lines[i], " 0 failures")
		assert.NotContains(t, lines[i], "incorrect")
	}
}

func TestBenchUnknownWorkload(t *testing.T) {
	tc := newTestCluster(t)

	_, err := tc.run(t, "bench", "--workload", "scan")
	assert.ErrorContains(t, err, `unknown workload "scan"`)
}

func TestBenchResult(t *testing.T) {
	r := &benchResult{Workload: "cache-hit", Duration: 2 * time.Second, TotalOps: 400, Latency: 400 * time.Millisecond}
	assert.Equal(t, time.Millisecond, r.AvgLatency())
	assert.Equal(t, 200.0, r.OpsPerSecond())

	var out bytes.Buffer
	printBenchResult(&out, r)
	assert.Equal(t, "cache-hit: 400 ops in 2s, 200 ops/s, avg 1ms, 0 failures\n", out.String())

	assert.Zero(t, (&benchResult{}).AvgLatency())
}

func TestPrintRevisionChange(t *testing.T) {
	prev := &couchcore.ClusterMap{
		Revision:   1,
		ServerList: []string{"a:11210", "b:11210"},
		VBuckets:   [][]int{{0}, {1}, {0}, {1}},
	}
	next := &couchcore.ClusterMap{
		Revision:   2,
		ServerList: []string{"a:11210", "c:11210"},
		VBuckets:   [][]int{{0}, {1}, {1}, {1}},
	}

	var out bytes.Buffer
	printRevisionChange(&out, prev, next)
	assert.Equal(t, "rev 1 -> 2: 3 vbuckets moved, added [c:11210], removed [b:11210]\n", out.String())
}
