package couchcore

import (
	"context"
	"errors"
	"time"

	"github.com/pior/couchcore/mcbp"
	"github.com/sony/gobreaker/v2"
)

// NewCircuitBreakerConfig returns a function that creates circuit breakers for nodes.
// This is a helper for common use cases.
//
// Only failures that point at the node count against it: transport, protocol
// and timeout errors. Cancellation, pool exhaustion, status errors and
// requests too large to encode do not.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *gobreaker.CircuitBreaker[*mcbp.Frame] {
	return func(addr string) *gobreaker.CircuitBreaker[*mcbp.Frame] {
		settings := gobreaker.Settings{
			Name:        addr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: breakerSuccess,
		}
		return gobreaker.NewCircuitBreaker[*mcbp.Frame](settings)
	}
}

func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var pe *PoolExhaustedError
	var se *mcbp.StatusError
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrPoolClosed),
		errors.Is(err, mcbp.ErrFrameTooLarge),
		errors.As(err, &pe),
		errors.As(err, &se):
		return true
	}
	return false
}
