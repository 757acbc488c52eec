package couchcore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/couchcore/mcbp"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxSize          = 8
	DefaultConnectTimeout   = 5 * time.Second
	DefaultOperationTimeout = 2500 * time.Millisecond
	DefaultBootstrapTimeout = 10 * time.Second
	DefaultTCPKeepAlive     = 30 * time.Second
)

// Config holds configuration for the client.
// Zero values select the defaults.
type Config struct {
	// Seeds are management endpoints ("host:port") used to subscribe to the
	// config stream before the first cluster map is known. Required.
	Seeds []string

	// Bucket is the bucket to open. Required.
	Bucket string

	// Username and Password authenticate the connections and the config
	// stream. An empty Username authenticates as the bucket.
	Username string
	Password string

	// TLS enables TLS for data and management connections. Nil means plain TCP.
	TLS *tls.Config

	// Dialer is the net.Dialer used to create new connections.
	// If nil, a dialer with TCPKeepAlive is used.
	Dialer *net.Dialer

	// MaxSize is the maximum number of connections per node.
	MaxSize int32

	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration

	// OperationTimeout applies to Execute when ctx carries no deadline.
	OperationTimeout time.Duration

	// BootstrapTimeout bounds how long operations wait for the first map.
	BootstrapTimeout time.Duration

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often to check idle connections for health.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// TCPKeepAlive is the keep-alive period of the default dialer.
	TCPKeepAlive time.Duration

	// NewPool is the connection pool factory function.
	// If nil, NewPuddlePool is used. NewChannelPool is the alternative.
	NewPool PoolFactory

	// NewCircuitBreaker creates a circuit breaker for a node.
	// Called once per node address when the pool is created.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(addr string) *gobreaker.CircuitBreaker[*mcbp.Frame]

	// StreamBackoff paces config stream reconnects. See DefaultStreamBackoff.
	StreamBackoff Backoff

	// HTTPClient is used for the config stream. It must not set a Timeout,
	// the stream is long-lived.
	HTTPClient *http.Client

	// Logger receives the client's logs. Defaults to slog.Default().
	Logger *slog.Logger

	// for testing purposes only
	dial       dialFunc
	streamPath string
}

func (c Config) withDefaults() (Config, error) {
	if len(c.Seeds) == 0 {
		return c, errors.New("couchcore: no seed nodes provided")
	}
	if c.Bucket == "" {
		return c, errors.New("couchcore: bucket name is required")
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if c.TCPKeepAlive == 0 {
		c.TCPKeepAlive = DefaultTCPKeepAlive
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{KeepAlive: c.TCPKeepAlive}
	}
	if c.NewPool == nil {
		c.NewPool = NewPuddlePool
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
		if c.TLS != nil {
			c.HTTPClient.Transport = &http.Transport{TLSClientConfig: c.TLS.Clone()}
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.StreamBackoff = c.StreamBackoff.withDefaults(DefaultStreamBackoff)
	return c, nil
}

// Client routes key-value operations to the data node owning each key,
// following topology changes published on the config stream.
type Client struct {
	config Config
	dial   dialFunc
	logger *slog.Logger

	maps     *mapHolder
	streamer *ConfigStreamer

	// Per-node pool management
	mu     sync.RWMutex
	pools  map[string]*ServerPool
	closed atomic.Bool

	// Health check management
	stopHealthCheck chan struct{}
	wg              sync.WaitGroup

	stats clientStatsCollector
}

// NewClient creates a client and subscribes to the config stream. It does
// not wait for the first cluster map; see WaitForMap.
func NewClient(config Config) (*Client, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	logger := config.Logger.With("bucket", config.Bucket)

	dial := config.dial
	if dial == nil {
		dial = newDialFunc(config.Dialer, config.TLS, config.ConnectTimeout, logger)
	}

	client := &Client{
		config:          config,
		dial:            dial,
		logger:          logger,
		maps:            newMapHolder(),
		pools:           make(map[string]*ServerPool),
		stopHealthCheck: make(chan struct{}),
	}

	client.streamer = newConfigStreamer(&config, client.maps, client.onMapPublished, logger)
	client.streamer.Start()

	if config.HealthCheckInterval > 0 {
		client.wg.Add(1)
		go client.healthCheckLoop()
	}

	return client, nil
}

// Close cancels the config stream and closes every pool. Operations waiting
// for a connection fail with ErrClientClosed. With the default puddle pool,
// Close returns only once every Resource checked out through Acquire has
// been released or destroyed.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	close(c.stopHealthCheck)
	c.streamer.Close()
	c.wg.Wait()

	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*ServerPool)
	c.mu.Unlock()

	var g errgroup.Group
	for _, sp := range pools {
		g.Go(func() error {
			sp.Close()
			return nil
		})
	}
	_ = g.Wait()
}

// CurrentMap returns the latest published cluster map, nil before the first.
func (c *Client) CurrentMap() *ClusterMap {
	return c.maps.Load()
}

// WaitForMap blocks until a cluster map is available.
func (c *Client) WaitForMap(ctx context.Context) (*ClusterMap, error) {
	return c.maps.Wait(ctx, nil)
}

// WaitForMapAfter blocks until a map newer than prev is published.
func (c *Client) WaitForMapAfter(ctx context.Context, prev *ClusterMap) (*ClusterMap, error) {
	return c.maps.Wait(ctx, prev)
}

// Acquire checks out a ready connection to node.
func (c *Client) Acquire(ctx context.Context, node string) (Resource, error) {
	sp, err := c.getOrCreatePool(node)
	if err != nil {
		return nil, err
	}
	return sp.Acquire(ctx)
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	s := c.stats.snapshot()
	s.StreamReconnects = c.streamer.Reconnects()
	return s
}

// AllPoolStats returns stats for every node pool.
func (c *Client) AllPoolStats() []ServerPoolStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]ServerPoolStats, 0, len(c.pools))
	for _, sp := range c.pools {
		stats = append(stats, sp.Stats())
	}
	return stats
}

// Ping sends a NOOP over a connection to every data node of the current map.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withOperationTimeout(ctx)
	defer cancel()

	m, err := c.bootstrapMap(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range m.ServerList {
		g.Go(func() error {
			sp, err := c.getOrCreatePool(addr)
			if err != nil {
				return err
			}
			resp, err := sp.Execute(ctx, mcbp.NewRequest(mcbp.OpNoop, nil, nil, nil))
			if err != nil {
				return err
			}
			return resp.Err()
		})
	}
	return g.Wait()
}

// onMapPublished closes the pools of nodes that left the cluster.
func (c *Client) onMapPublished(m *ClusterMap) {
	c.stats.recordMapUpdate()

	c.mu.Lock()
	var stale []*ServerPool
	for addr, sp := range c.pools {
		if !m.HasNode(addr) {
			stale = append(stale, sp)
			delete(c.pools, addr)
		}
	}
	c.mu.Unlock()

	// Close blocks until checked-out connections come back.
	for _, sp := range stale {
		c.logger.Info("couchcore: closing pool of removed node", "node", sp.Address(), "rev", m.Revision)
		go sp.Close()
	}
}

// getOrCreatePool gets or creates a pool for the given node address.
func (c *Client) getOrCreatePool(addr string) (*ServerPool, error) {
	// Fast path: read lock
	c.mu.RLock()
	sp, exists := c.pools[addr]
	c.mu.RUnlock()
	if exists {
		return sp, nil
	}

	// Slow path: write lock and create
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	// Double-check after acquiring write lock
	if sp, exists := c.pools[addr]; exists {
		return sp, nil
	}

	sp, err := newServerPool(addr, &c.config, c.dial, c.logger)
	if err != nil {
		return nil, err
	}
	c.pools[addr] = sp
	return sp, nil
}

// healthCheckLoop periodically checks idle connections for health and lifecycle limits.
func (c *Client) healthCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			c.checkAllPools()
		}
	}
}

// checkAllPools runs health checks on all existing pools
func (c *Client) checkAllPools() {
	c.mu.RLock()
	pools := make([]*ServerPool, 0, len(c.pools))
	for _, sp := range c.pools {
		pools = append(pools, sp)
	}
	c.mu.RUnlock()

	for _, sp := range pools {
		c.checkPoolConnections(sp.pool)
	}
}

// checkPoolConnections checks all idle connections in a pool and destroys those that are stale or unhealthy.
func (c *Client) checkPoolConnections(pool Pool) {
	now := time.Now()

	for _, res := range pool.AcquireAllIdle() {
		// Check max connection lifetime
		if c.config.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > c.config.MaxConnLifetime {
			res.Destroy()
			continue
		}

		// Check max idle time
		if c.config.MaxConnIdleTime > 0 && res.IdleDuration() > c.config.MaxConnIdleTime {
			res.Destroy()
			continue
		}

		if err := c.healthCheck(res.Value()); err != nil {
			c.logger.Debug("couchcore: health check failed", "node", res.Value().Addr(), "error", err)
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// healthCheck performs a simple health check on a connection using the noop command.
func (c *Client) healthCheck(conn *Connection) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.OperationTimeout)
	defer cancel()

	resp, err := conn.RoundTrip(ctx, mcbp.NewRequest(mcbp.OpNoop, nil, nil, nil))
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

func (c *Client) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.OperationTimeout)
}
