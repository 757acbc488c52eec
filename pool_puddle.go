package couchcore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
)

// NewPuddlePool creates a puddle-based connection pool.
// This is the default pool implementation.
func NewPuddlePool(constructor Constructor, maxSize int32) (Pool, error) {
	p := &puddlePool{}
	p.closing, p.close = context.WithCancel(context.Background())

	poolConfig := &puddle.Config[*Connection]{
		Constructor: func(ctx context.Context) (*Connection, error) {
			conn, err := constructor(ctx)
			if err == nil {
				p.createdConns.Add(1)
			}
			return conn, err
		},
		Destructor: func(c *Connection) {
			p.destroyedConns.Add(1)
			_ = c.Close()
		},
		MaxSize: maxSize,
	}

	pool, err := puddle.NewPool(poolConfig)
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

// puddlePool wraps puddle.Pool to implement our Pool interface. puddle only
// rejects new acquires on Close, so waiters also watch closing.
type puddlePool struct {
	pool           *puddle.Pool[*Connection]
	closing        context.Context
	close          context.CancelFunc
	createdConns   atomic.Int64
	destroyedConns atomic.Int64
}

func (p *puddlePool) Acquire(ctx context.Context) (Resource, error) {
	if p.closing.Err() != nil {
		return nil, ErrPoolClosed
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(p.closing, func() { cancel(ErrPoolClosed) })
	defer stop()

	for {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			if errors.Is(err, puddle.ErrClosedPool) || errors.Is(context.Cause(ctx), ErrPoolClosed) {
				return nil, ErrPoolClosed
			}
			return nil, err
		}

		// An idle connection may have died while parked.
		if !res.Value().IsHealthy() {
			res.Destroy()
			continue
		}

		res.Value().setState(StateInUse)
		return &puddleResource{res: res}, nil
	}
}

func (p *puddlePool) AcquireAllIdle() []Resource {
	idle := p.pool.AcquireAllIdle()
	resources := make([]Resource, len(idle))
	for i, res := range idle {
		resources[i] = &puddleResource{res: res}
	}
	return resources
}

// Close fails waiting acquires, then blocks until checked-out connections
// are released.
func (p *puddlePool) Close() {
	p.close()
	p.pool.Close()
}

// Stats returns a snapshot of pool statistics by converting puddle's stats to our format.
func (p *puddlePool) Stats() PoolStats {
	s := p.pool.Stat()

	return PoolStats{
		TotalConns:        s.TotalResources(),
		IdleConns:         s.IdleResources(),
		ActiveConns:       s.AcquiredResources(),
		AcquireCount:      uint64(s.AcquireCount()),
		AcquireWaitCount:  uint64(s.EmptyAcquireCount()),
		CreatedConns:      uint64(p.createdConns.Load()),
		DestroyedConns:    uint64(p.destroyedConns.Load()),
		AcquireErrors:     uint64(s.CanceledAcquireCount()),
		AcquireWaitTimeNs: uint64(s.EmptyAcquireWaitTime().Nanoseconds()),
	}
}

type puddleResource struct {
	res *puddle.Resource[*Connection]
}

func (r *puddleResource) Value() *Connection {
	return r.res.Value()
}

func (r *puddleResource) Release() {
	conn := r.res.Value()
	if !conn.IsHealthy() {
		r.res.Destroy()
		return
	}
	conn.setState(StateIdle)
	r.res.Release()
}

func (r *puddleResource) ReleaseUnused() {
	conn := r.res.Value()
	if !conn.IsHealthy() {
		r.res.Destroy()
		return
	}
	conn.setState(StateIdle)
	r.res.ReleaseUnused()
}

func (r *puddleResource) Destroy() {
	r.res.Destroy()
}

func (r *puddleResource) CreationTime() time.Time {
	return r.res.CreationTime()
}

func (r *puddleResource) IdleDuration() time.Duration {
	return r.res.IdleDuration()
}
