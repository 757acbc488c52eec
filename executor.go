package couchcore

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"
)

// Execute routes op to the node owning its key and returns the response.
//
// The deadline is the one of ctx, or Config.OperationTimeout when ctx has
// none. Transport failures are retried on a fresh connection until the
// deadline. A NOT_MY_VBUCKET answer triggers one wait for a newer cluster
// map and one re-route; a second rejection, or no newer map before the
// deadline, is a *TopologyError. Non-success statuses are returned as
// *mcbp.StatusError and never retried.
func (c *Client) Execute(ctx context.Context, op *Operation) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	ctx, cancel := c.withOperationTimeout(ctx)
	defer cancel()

	c.stats.recordOperation()

	res, err := c.execute(ctx, op)
	if err != nil {
		c.stats.recordError()
		var te *TimeoutError
		if errors.As(err, &te) {
			c.stats.recordTimeout()
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) execute(ctx context.Context, op *Operation) (*Result, error) {
	start := time.Now()

	// Oversized keys or values are the caller's fault, not the node's.
	if err := op.request(0).Validate(); err != nil {
		return nil, err
	}

	m, err := c.bootstrapMap(ctx)
	if err != nil {
		return nil, err
	}

	var (
		rerouted bool
		delay    time.Duration
	)

	for attempt := 1; ; attempt++ {
		vb, node, err := m.Route(op.Key, op.Replica)
		if err != nil {
			return nil, err
		}

		sp, err := c.getOrCreatePool(node)
		if err != nil {
			return nil, err
		}

		resp, err := sp.Execute(ctx, op.request(vb))
		if err != nil {
			// A closed pool belongs to a node pruned by a newer map.
			if !isRetriable(err) && !errors.Is(err, ErrPoolClosed) {
				return nil, err
			}
			if c.closed.Load() {
				return nil, ErrClientClosed
			}
			if ctx.Err() != nil {
				return nil, &TimeoutError{Op: op.Opcode, Addr: node, Elapsed: time.Since(start)}
			}

			c.stats.recordRetry()
			c.logger.Debug("couchcore: retrying operation", "node", node, "opcode", op.Opcode, "attempt", attempt, "error", err)

			delay = defaultRetryBackoff.next(delay)
			if !sleepContext(ctx, delay) {
				return nil, &TimeoutError{Op: op.Opcode, Addr: node, Elapsed: time.Since(start)}
			}
			if latest := c.maps.Load(); latest != nil {
				m = latest
			}
			continue
		}

		if resp.IsNotMyVBucket() {
			c.stats.recordNotMyVBucket()
			if rerouted {
				return nil, &TopologyError{VBucket: vb, Reason: "rejected by " + node + " after re-route"}
			}
			rerouted = true

			c.logger.Debug("couchcore: not my vbucket, waiting for a newer map", "node", node, "vbucket", vb, "rev", m.Revision)
			c.applyEmbeddedConfig(resp.Body, node)

			next, err := c.maps.Wait(ctx, m)
			if err != nil {
				return nil, &TopologyError{VBucket: vb, Reason: "no newer cluster map before deadline", Err: err}
			}
			m = next
			continue
		}

		if err := resp.Err(); err != nil {
			return nil, err
		}
		return newResult(resp, node, vb, attempt), nil
	}
}

// bootstrapMap returns the current map, waiting for the first one for at
// most BootstrapTimeout.
func (c *Client) bootstrapMap(ctx context.Context) (*ClusterMap, error) {
	if m := c.maps.Load(); m != nil {
		return m, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.BootstrapTimeout)
	defer cancel()

	m, err := c.maps.Wait(ctx, nil)
	if err != nil {
		return nil, &TopologyError{Reason: "no cluster map before startup deadline", Err: errors.Join(ErrNoClusterMap, err)}
	}
	return m, nil
}

// applyEmbeddedConfig publishes the cluster config a node may attach to a
// NOT_MY_VBUCKET response.
func (c *Client) applyEmbeddedConfig(body []byte, node string) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return
	}
	host, _, err := net.SplitHostPort(node)
	if err != nil {
		host = node
	}
	c.streamer.publish(body, host)
}
