package couchcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pior/couchcore/mcbp"
	"github.com/sony/gobreaker/v2"
)

// newServerPool builds the pool of one data node. Its constructor dials,
// authenticates and selects the bucket; only then is a connection idle.
func newServerPool(addr string, config *Config, dial dialFunc, logger *slog.Logger) (*ServerPool, error) {
	creds := Credentials{Username: config.Username, Password: config.Password}

	constructor := func(ctx context.Context) (*Connection, error) {
		conn, err := dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		if err := authenticate(ctx, conn, creds, config.Bucket, logger); err != nil {
			_ = conn.Close()
			logger.Warn("couchcore: connection setup failed", "node", addr, "error", err)
			return nil, err
		}
		conn.setState(StateIdle)
		logger.Debug("couchcore: connection opened", "node", addr)
		return conn, nil
	}

	pool, err := config.NewPool(constructor, config.MaxSize)
	if err != nil {
		return nil, err
	}

	sp := &ServerPool{
		addr:   addr,
		pool:   pool,
		logger: logger,
	}
	if config.NewCircuitBreaker != nil {
		sp.circuitBreaker = config.NewCircuitBreaker(addr)
	}
	return sp, nil
}

// ServerPool wraps a pool, a circuit breaker with its node address.
type ServerPool struct {
	addr           string
	pool           Pool
	circuitBreaker *gobreaker.CircuitBreaker[*mcbp.Frame]
	logger         *slog.Logger
}

func (sp *ServerPool) Address() string {
	return sp.addr
}

// ServerPoolStats contains stats for a single node pool
type ServerPoolStats struct {
	Addr                 string
	PoolStats            PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

func (sp *ServerPool) Stats() ServerPoolStats {
	stats := ServerPoolStats{
		Addr:      sp.addr,
		PoolStats: sp.pool.Stats(),
	}
	if sp.circuitBreaker != nil {
		stats.CircuitBreakerState = sp.circuitBreaker.State()
		stats.CircuitBreakerCounts = sp.circuitBreaker.Counts()
	}
	return stats
}

// Acquire checks out a ready connection. A deadline reached while waiting
// for one is a *PoolExhaustedError; dial and authentication failures are
// returned as they are.
func (sp *ServerPool) Acquire(ctx context.Context) (Resource, error) {
	res, err := sp.pool.Acquire(ctx)
	if err == nil {
		return res, nil
	}

	var te *TransportError
	var ae *AuthenticationError
	switch {
	case errors.As(err, &te), errors.As(err, &ae), errors.Is(err, ErrPoolClosed):
		return nil, err
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &PoolExhaustedError{Addr: sp.addr, Err: err}
	}
	return nil, err
}

// Execute runs one request-response cycle with proper connection management.
// The request is wrapped with the node's circuit breaker.
func (sp *ServerPool) Execute(ctx context.Context, req *mcbp.Frame) (*mcbp.Frame, error) {
	if sp.circuitBreaker == nil {
		return sp.execRequestDirect(ctx, req)
	}

	resp, err := sp.circuitBreaker.Execute(func() (*mcbp.Frame, error) {
		return sp.execRequestDirect(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, sp.addr)
	}
	return resp, err
}

// execRequestDirect performs the actual request execution without circuit breaker.
func (sp *ServerPool) execRequestDirect(ctx context.Context, req *mcbp.Frame) (*mcbp.Frame, error) {
	resource, err := sp.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	conn := resource.Value()

	resp, err := conn.RoundTrip(ctx, req)
	if err != nil {
		// A timed out request leaves the connection usable unless the read
		// loop has poisoned it meanwhile.
		if conn.IsHealthy() {
			resource.Release()
		} else {
			sp.logger.Debug("couchcore: discarding connection", "node", sp.addr, "error", conn.Err())
			resource.Destroy()
		}
		return nil, err
	}

	resource.Release()
	return resp, nil
}

// Close closes the pool. Connections still checked out are closed on release.
func (sp *ServerPool) Close() {
	sp.pool.Close()
}
