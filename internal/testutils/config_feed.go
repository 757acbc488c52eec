package testutils

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// ClusterSpec describes a topology document to serve.
type ClusterSpec struct {
	Rev         int64
	Bucket      string
	KVNodes     []string // "host:port" of the data nodes
	MgmtNodes   []string // management endpoint of each data node, cycled when shorter
	NumVBuckets int
	NumReplicas int
	Locator     string // "vbucket" when empty

	// Owner returns the server index of the active copy of vb.
	// Defaults to vb modulo the number of nodes.
	Owner func(vb int) int
}

// JSON renders the spec as a topology document.
func (s ClusterSpec) JSON() []byte {
	n := len(s.KVNodes)
	owner := s.Owner
	if owner == nil {
		owner = func(vb int) int { return vb % n }
	}
	locator := s.Locator
	if locator == "" {
		locator = "vbucket"
	}

	type nodeExt struct {
		Hostname string         `json:"hostname"`
		Services map[string]int `json:"services"`
	}
	nodes := make([]nodeExt, 0, n)
	for i, kv := range s.KVNodes {
		host, kvPort := splitAddr(kv)
		services := map[string]int{"kv": kvPort}
		if len(s.MgmtNodes) > 0 {
			_, mgmtPort := splitAddr(s.MgmtNodes[i%len(s.MgmtNodes)])
			services["mgmt"] = mgmtPort
		}
		nodes = append(nodes, nodeExt{Hostname: host, Services: services})
	}

	vbmap := make([][]int, s.NumVBuckets)
	for vb := range vbmap {
		chain := make([]int, 1+s.NumReplicas)
		chain[0] = owner(vb)
		for r := 1; r <= s.NumReplicas; r++ {
			if r < n {
				chain[r] = (chain[0] + r) % n
			} else {
				chain[r] = -1
			}
		}
		vbmap[vb] = chain
	}

	doc := map[string]any{
		"rev":         s.Rev,
		"name":        s.Bucket,
		"uuid":        "f3a2c4e0b1d94c7a8e6f5d4c3b2a1908",
		"nodeLocator": locator,
		"nodesExt":    nodes,
	}
	if locator == "vbucket" {
		doc["vBucketServerMap"] = map[string]any{
			"hashAlgorithm": "CRC",
			"numReplicas":   s.NumReplicas,
			"serverList":    s.KVNodes,
			"vBucketMap":    vbmap,
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

func splitAddr(addr string) (string, int) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		panic(err)
	}
	return host, p
}

type feedSubscriber struct {
	docs chan []byte
	drop chan struct{}
}

// ConfigFeed serves /pools/default/bucketsStreaming/{bucket} over HTTP,
// sending the current document on subscribe and every pushed one after.
type ConfigFeed struct {
	server *httptest.Server
	bucket string

	mu       sync.Mutex
	doc      []byte
	subs     map[*feedSubscriber]struct{}
	closed   bool
	shutdown chan struct{}
	user     string
	password string

	Subscriptions atomic.Int64
}

// NewConfigFeed starts a feed for bucket and stops it when the test ends.
func NewConfigFeed(t testing.TB, bucket string) *ConfigFeed {
	t.Helper()

	f := &ConfigFeed{
		bucket:   bucket,
		subs:     make(map[*feedSubscriber]struct{}),
		shutdown: make(chan struct{}),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serveStream))
	t.Cleanup(f.Close)
	return f
}

// Addr returns the "host:port" of the feed.
func (f *ConfigFeed) Addr() string {
	return f.server.Listener.Addr().String()
}

// RequireAuth rejects subscriptions without these basic auth credentials.
func (f *ConfigFeed) RequireAuth(user, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user, f.password = user, password
}

// Push sets the current document and sends it to every subscriber.
func (f *ConfigFeed) Push(doc []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc = doc
	for sub := range f.subs {
		select {
		case sub.docs <- doc:
		default:
		}
	}
}

// DropStreams ends every open subscription. New ones are still accepted.
func (f *ConfigFeed) DropStreams() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		close(sub.drop)
		delete(f.subs, sub)
	}
}

// Close ends all subscriptions and stops the server. It is idempotent.
func (f *ConfigFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.shutdown)
	f.mu.Unlock()

	f.server.CloseClientConnections()
	f.server.Close()
}

func (f *ConfigFeed) serveStream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/pools/default/bucketsStreaming/"+f.bucket {
		http.NotFound(w, r)
		return
	}

	f.mu.Lock()
	if f.user != "" {
		user, password, ok := r.BasicAuth()
		if !ok || user != f.user || password != f.password {
			f.mu.Unlock()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if f.closed {
		f.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	sub := &feedSubscriber{docs: make(chan []byte, 16), drop: make(chan struct{})}
	f.subs[sub] = struct{}{}
	doc := f.doc
	f.mu.Unlock()

	f.Subscriptions.Add(1)
	defer func() {
		f.mu.Lock()
		delete(f.subs, sub)
		f.mu.Unlock()
	}()

	flusher, _ := w.(http.Flusher)
	write := func(doc []byte) bool {
		if _, err := w.Write(doc); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n\n\n")); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}
	if doc != nil && !write(doc) {
		return
	}

	for {
		select {
		case doc := <-sub.docs:
			if !write(doc) {
				return
			}
		case <-sub.drop:
			return
		case <-f.shutdown:
			return
		case <-r.Context().Done():
			return
		}
	}
}
