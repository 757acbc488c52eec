package couchcore

import (
	"context"
	"time"
)

// Backoff is a bounded exponential delay.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultStreamBackoff paces config stream reconnects.
var DefaultStreamBackoff = Backoff{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}

// defaultRetryBackoff paces transport-level retries inside one operation.
var defaultRetryBackoff = Backoff{Initial: 5 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 2}

func (b Backoff) withDefaults(d Backoff) Backoff {
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	return b
}

func (b Backoff) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Initial
	}
	n := time.Duration(float64(cur) * b.Factor)
	if n > b.Max {
		n = b.Max
	}
	return n
}

// backoffLoop calls f until it returns a negative value or ctx ends. A
// positive return means progress and resets the delay; zero sleeps for the
// current delay, then grows it.
func backoffLoop(ctx context.Context, b Backoff, f func() int) {
	delay := b.Initial
	for {
		progress := f()
		if progress < 0 {
			return
		}
		if progress > 0 {
			delay = b.Initial
			continue
		}
		if !sleepContext(ctx, delay) {
			return
		}
		delay = b.next(delay)
	}
}

// sleepContext waits for d, returning false if ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
