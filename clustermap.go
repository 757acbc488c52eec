package couchcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pior/couchcore/internal"
)

// NodeLocator selects how keys map to nodes.
//
// LocatorKetama keys are placed with xxh3 and a jump hash over the server
// list, not the libketama MD5 continuum. Other clients sharing a ketama
// bucket place keys on different nodes.
type NodeLocator string

const (
	LocatorVBucket NodeLocator = "vbucket"
	LocatorKetama  NodeLocator = "ketama"
)

const maxVBuckets = 1 << 16

var hostPlaceholder = []byte("$HOST")

// Node is one cluster member as described by the topology document.
type Node struct {
	Hostname    string
	KVAddr      string
	KVSSLAddr   string
	MgmtAddr    string
	MgmtSSLAddr string
}

// ClusterMap is an immutable snapshot of the bucket topology. A published
// map is never modified; a newer revision replaces it whole.
type ClusterMap struct {
	Revision      int64
	BucketName    string
	UUID          string
	Locator       NodeLocator
	HashAlgorithm string
	NumReplicas   int

	// ServerList holds the KV address of every data node, in the order
	// VBuckets refers to them. In TLS mode these are the TLS ports.
	ServerList []string

	// VBuckets[vb][0] is the index of the active node for vb, the following
	// entries its replicas. -1 means none.
	VBuckets [][]int

	Nodes []Node

	seq uint64
}

type nodePortsJSON struct {
	Direct int `json:"direct"`
}

type nodeJSON struct {
	Hostname string        `json:"hostname"`
	Ports    nodePortsJSON `json:"ports"`
}

type nodeExtJSON struct {
	Hostname string         `json:"hostname"`
	Services map[string]int `json:"services"`
}

type vbucketServerMapJSON struct {
	HashAlgorithm string   `json:"hashAlgorithm"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap"`
}

type clusterConfigJSON struct {
	Rev              int64                `json:"rev"`
	Name             string               `json:"name"`
	UUID             string               `json:"uuid"`
	NodeLocator      string               `json:"nodeLocator"`
	Nodes            []nodeJSON           `json:"nodes"`
	NodesExt         []nodeExtJSON        `json:"nodesExt"`
	VBucketServerMap vbucketServerMapJSON `json:"vBucketServerMap"`
}

// ParseClusterMap decodes a topology document fetched from sourceHost.
// "$HOST" placeholders are replaced by sourceHost. When useTLS is set the
// server list is rewritten to the nodes' TLS ports.
func ParseClusterMap(data []byte, sourceHost string, useTLS bool) (*ClusterMap, error) {
	if sourceHost != "" {
		data = bytes.ReplaceAll(data, hostPlaceholder, []byte(sourceHost))
	}

	var cfg clusterConfigJSON
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("couchcore: invalid cluster config: %w", err)
	}

	m := &ClusterMap{
		Revision:      cfg.Rev,
		BucketName:    cfg.Name,
		UUID:          cfg.UUID,
		Locator:       NodeLocator(cfg.NodeLocator),
		HashAlgorithm: cfg.VBucketServerMap.HashAlgorithm,
		NumReplicas:   cfg.VBucketServerMap.NumReplicas,
		VBuckets:      cfg.VBucketServerMap.VBucketMap,
		Nodes:         parseNodes(&cfg, sourceHost),
	}
	if m.Locator == "" {
		m.Locator = LocatorVBucket
	}

	switch m.Locator {
	case LocatorVBucket:
		m.ServerList = cfg.VBucketServerMap.ServerList
		if err := m.validateVBuckets(); err != nil {
			return nil, err
		}
	case LocatorKetama:
		for _, n := range m.Nodes {
			if n.KVAddr != "" {
				m.ServerList = append(m.ServerList, n.KVAddr)
			}
		}
		if len(m.ServerList) == 0 {
			return nil, errors.New("couchcore: invalid cluster config: no data nodes")
		}
	default:
		return nil, fmt.Errorf("couchcore: invalid cluster config: unsupported node locator %q", m.Locator)
	}

	if useTLS {
		m.ServerList = m.tlsServerList()
	}
	return m, nil
}

func parseNodes(cfg *clusterConfigJSON, sourceHost string) []Node {
	if len(cfg.NodesExt) > 0 {
		nodes := make([]Node, 0, len(cfg.NodesExt))
		for _, ext := range cfg.NodesExt {
			host := ext.Hostname
			if host == "" {
				host = sourceHost
			}
			nodes = append(nodes, Node{
				Hostname:    host,
				KVAddr:      joinPort(host, ext.Services["kv"]),
				KVSSLAddr:   joinPort(host, ext.Services["kvSSL"]),
				MgmtAddr:    joinPort(host, ext.Services["mgmt"]),
				MgmtSSLAddr: joinPort(host, ext.Services["mgmtSSL"]),
			})
		}
		return nodes
	}

	nodes := make([]Node, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		host, _, err := net.SplitHostPort(n.Hostname)
		if err != nil {
			host = n.Hostname
		}
		nodes = append(nodes, Node{
			Hostname: host,
			KVAddr:   joinPort(host, n.Ports.Direct),
			MgmtAddr: n.Hostname,
		})
	}
	return nodes
}

func joinPort(host string, port int) string {
	if host == "" || port == 0 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (m *ClusterMap) validateVBuckets() error {
	n := len(m.VBuckets)
	if n == 0 || n > maxVBuckets {
		return fmt.Errorf("couchcore: invalid cluster config: %d vbuckets", n)
	}
	if len(m.ServerList) == 0 {
		return errors.New("couchcore: invalid cluster config: empty server list")
	}
	for vb, chain := range m.VBuckets {
		if len(chain) == 0 {
			return fmt.Errorf("couchcore: invalid cluster config: vbucket %d has no owner entry", vb)
		}
		for _, idx := range chain {
			if idx < -1 || idx >= len(m.ServerList) {
				return fmt.Errorf("couchcore: invalid cluster config: vbucket %d refers to server %d", vb, idx)
			}
		}
	}
	return nil
}

func (m *ClusterMap) tlsServerList() []string {
	byKV := make(map[string]string, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.KVAddr != "" && n.KVSSLAddr != "" {
			byKV[n.KVAddr] = n.KVSSLAddr
		}
	}
	out := make([]string, len(m.ServerList))
	for i, addr := range m.ServerList {
		if tlsAddr, ok := byKV[addr]; ok {
			out[i] = tlsAddr
		} else {
			out[i] = addr
		}
	}
	return out
}

// NumVBuckets returns the partition count, zero for ketama buckets.
func (m *ClusterMap) NumVBuckets() int {
	return len(m.VBuckets)
}

// VBucketForKey hashes key to its partition: CRC32 (IEEE) of the key,
// (crc >> 16) & 0x7fff, modulo the partition count.
func (m *ClusterMap) VBucketForKey(key []byte) uint16 {
	return vbucketForKey(key, len(m.VBuckets))
}

func vbucketForKey(key []byte, n int) uint16 {
	if n == 0 {
		return 0
	}
	crc := crc32.ChecksumIEEE(key)
	return uint16(((crc >> 16) & 0x7fff) % uint32(n))
}

// NodeForVBucket returns the KV address of the node holding vb. replica 0
// is the active copy.
func (m *ClusterMap) NodeForVBucket(vb uint16, replica int) (string, error) {
	if int(vb) >= len(m.VBuckets) {
		return "", &TopologyError{VBucket: vb, Reason: "vbucket out of range"}
	}
	chain := m.VBuckets[vb]
	if replica < 0 || replica >= len(chain) {
		return "", &TopologyError{VBucket: vb, Reason: fmt.Sprintf("replica %d not configured", replica)}
	}
	idx := chain[replica]
	if idx < 0 {
		return "", &TopologyError{VBucket: vb, Reason: fmt.Sprintf("no node for replica %d", replica)}
	}
	return m.ServerList[idx], nil
}

// Route resolves key to its partition and node. Ketama buckets have no
// partitions; they route with a jump hash over the server list, which is not
// compatible with libketama placement, and report vbucket 0.
func (m *ClusterMap) Route(key []byte, replica int) (uint16, string, error) {
	if m.Locator == LocatorKetama {
		if replica != 0 {
			return 0, "", &TopologyError{Reason: "replica reads need a vbucket bucket"}
		}
		return 0, m.ServerList[internal.KeyBucket(key, len(m.ServerList))], nil
	}
	vb := m.VBucketForKey(key)
	node, err := m.NodeForVBucket(vb, replica)
	return vb, node, err
}

// HasNode reports whether addr is a data node of this map.
func (m *ClusterMap) HasNode(addr string) bool {
	for _, s := range m.ServerList {
		if s == addr {
			return true
		}
	}
	return false
}

// MgmtEndpoints lists the management addresses of the nodes, for the
// config stream.
func (m *ClusterMap) MgmtEndpoints(useTLS bool) []string {
	out := make([]string, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		addr := n.MgmtAddr
		if useTLS && n.MgmtSSLAddr != "" {
			addr = n.MgmtSSLAddr
		}
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// mapHolder publishes cluster maps. Readers load the current map without
// locking; waiters block on a channel closed at every publication.
type mapHolder struct {
	current atomic.Pointer[ClusterMap]

	mu      sync.Mutex
	changed chan struct{}
}

func newMapHolder() *mapHolder {
	return &mapHolder{changed: make(chan struct{})}
}

func (h *mapHolder) Load() *ClusterMap {
	return h.current.Load()
}

// Publish installs m if it is newer than the current map. m must not be
// modified afterwards.
func (h *mapHolder) Publish(m *ClusterMap) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current.Load()
	if cur != nil && m.Revision <= cur.Revision {
		return false
	}
	if cur != nil {
		m.seq = cur.seq + 1
	} else {
		m.seq = 1
	}
	h.current.Store(m)
	close(h.changed)
	h.changed = make(chan struct{})
	return true
}

// Wait returns the first map published after prev, or the current map when
// prev is nil and one exists.
func (h *mapHolder) Wait(ctx context.Context, prev *ClusterMap) (*ClusterMap, error) {
	for {
		h.mu.Lock()
		ch := h.changed
		cur := h.current.Load()
		h.mu.Unlock()

		if cur != nil && (prev == nil || cur.seq > prev.seq) {
			return cur, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
