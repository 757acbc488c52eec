// Package coarsetime is a clock that refreshes every 50ms in a background
// goroutine. Pools stamp every release with it, and time.Now on that path
// shows up in profiles.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Pointer[time.Time]

func init() {
	t := time.Now()
	now.Store(&t)

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			now.Store(&t)
		}
	}()
}

// Now returns the current time with up to 50ms of lag.
func Now() time.Time {
	return *now.Load()
}

// Since is time.Since against the coarse clock.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
