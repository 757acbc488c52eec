package couchcore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pior/couchcore/internal/coarsetime"
)

// NewChannelPool creates a connection pool that hands connections to waiters
// strictly in arrival order. All bookkeeping sits under one lock.
func NewChannelPool(constructor Constructor, maxSize int32) (Pool, error) {
	return &channelPool{
		constructor: constructor,
		maxSize:     maxSize,
	}, nil
}

// channelResource implements Resource for channel pool.
type channelResource struct {
	conn         *Connection
	pool         *channelPool
	creationTime time.Time
	lastUsedTime time.Time
}

func (r *channelResource) Value() *Connection {
	return r.conn
}

func (r *channelResource) Release() {
	r.lastUsedTime = coarsetime.Now()
	r.pool.put(r)
}

func (r *channelResource) ReleaseUnused() {
	// Don't update lastUsedTime for health checks
	r.pool.put(r)
}

func (r *channelResource) Destroy() {
	_ = r.conn.Close()
	r.pool.stats.recordDestroyActive()
	r.pool.releaseSlot()
}

func (r *channelResource) CreationTime() time.Time {
	return r.creationTime
}

func (r *channelResource) IdleDuration() time.Duration {
	return coarsetime.Since(r.lastUsedTime)
}

// handoff carries either a live connection or, when nil, the right to create
// one in a freed slot.
type handoff chan *channelResource

type channelPool struct {
	constructor Constructor
	maxSize     int32

	mu      sync.Mutex
	idle    []*channelResource
	waiters list.List // of handoff
	size    int32     // live connections plus slots reserved for creation
	closed  bool

	stats poolStatsCollector
}

func (p *channelPool) Acquire(ctx context.Context) (Resource, error) {
	p.stats.recordAcquire()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.stats.recordAcquireError()
			return nil, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 && p.waiters.Len() == 0 {
			res := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			p.stats.recordAcquireFromIdle()
			if !res.conn.IsHealthy() {
				_ = res.conn.Close()
				p.stats.recordDestroyActive()
				p.releaseSlot()
				continue
			}
			res.conn.setState(StateInUse)
			return res, nil
		}

		if p.size < p.maxSize {
			p.size++
			p.mu.Unlock()
			return p.create(ctx)
		}

		return p.wait(ctx)
	}
}

// wait queues the caller behind earlier waiters. Called with p.mu held.
func (p *channelPool) wait(ctx context.Context) (Resource, error) {
	ch := make(handoff, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	waitStart := coarsetime.Now()
	select {
	case res, ok := <-ch:
		if !ok {
			p.stats.recordAcquireError()
			return nil, ErrPoolClosed
		}
		p.stats.recordAcquireWait(coarsetime.Since(waitStart))
		if res == nil {
			return p.create(ctx)
		}
		res.conn.setState(StateInUse)
		return res, nil

	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()

		// A handoff may have landed between ctx ending and the removal.
		select {
		case res, ok := <-ch:
			if ok {
				if res == nil {
					p.releaseSlot()
				} else {
					p.put(res)
				}
			}
		default:
		}

		p.stats.recordAcquireError()
		return nil, ctx.Err()
	}
}

// create fills a slot already reserved in p.size.
func (p *channelPool) create(ctx context.Context) (Resource, error) {
	conn, err := p.constructor(ctx)
	if err != nil {
		p.releaseSlot()
		p.stats.recordAcquireError()
		return nil, err
	}

	p.stats.recordCreate()
	conn.setState(StateInUse)

	now := coarsetime.Now()
	return &channelResource{
		conn:         conn,
		pool:         p,
		creationTime: now,
		lastUsedTime: now,
	}, nil
}

func (p *channelPool) put(res *channelResource) {
	if !res.conn.IsHealthy() {
		res.Destroy()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.size--
		p.mu.Unlock()
		_ = res.conn.Close()
		p.stats.recordDestroyActive()
		return
	}

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		front.Value.(handoff) <- res
		p.mu.Unlock()
		return
	}

	res.conn.setState(StateIdle)
	p.idle = append(p.idle, res)
	p.mu.Unlock()
	p.stats.recordRelease()
}

// releaseSlot frees the slot of a destroyed connection, passing it to the
// oldest waiter when there is one.
func (p *channelPool) releaseSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if front := p.waiters.Front(); front != nil && !p.closed {
		p.waiters.Remove(front)
		front.Value.(handoff) <- nil
		return
	}
	p.size--
}

func (p *channelPool) AcquireAllIdle() []Resource {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	resources := make([]Resource, len(idle))
	for i, res := range idle {
		p.stats.recordAcquireFromIdle()
		resources[i] = res
	}
	return resources
}

func (p *channelPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.size -= int32(len(idle))
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(handoff))
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, res := range idle {
		_ = res.conn.Close()
		p.stats.recordDestroyIdle()
	}
}

// Stats returns a snapshot of pool statistics.
func (p *channelPool) Stats() PoolStats {
	return p.stats.snapshot()
}
