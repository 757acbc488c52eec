package couchcore

import (
	"context"
	"time"
)

// Resource is a connection checked out of a Pool. Exactly one of Release,
// ReleaseUnused or Destroy must be called.
type Resource interface {
	Value() *Connection

	// Release returns the connection to the pool. A connection that failed
	// during its last use is destroyed instead; the pool replaces it on the
	// next demand.
	Release()

	// ReleaseUnused returns the connection without touching its last-used time.
	ReleaseUnused()

	// Destroy closes the connection and frees its slot.
	Destroy()

	CreationTime() time.Time
	IdleDuration() time.Duration
}

// Pool holds the connections of one node. It never has more than its
// maximum size of live connections, and only hands out connections that
// completed authentication.
type Pool interface {
	// Acquire returns an idle connection, creates one when below the maximum,
	// or waits for a release until ctx ends. Waiters are served in arrival order.
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle checks out every idle connection, for health checks.
	AcquireAllIdle() []Resource

	// Close destroys idle connections and fails waiters with ErrPoolClosed.
	// Checked-out connections are destroyed when released; the puddle pool
	// blocks until then, the channel pool returns at once.
	Close()

	Stats() PoolStats
}

// Constructor opens, authenticates and returns a ready connection.
type Constructor func(ctx context.Context) (*Connection, error)

// PoolFactory builds a Pool. See NewPuddlePool and NewChannelPool.
type PoolFactory func(constructor Constructor, maxSize int32) (Pool, error)
