package ipc

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreaker guards the calls made to one server.
// *gobreaker.CircuitBreaker[bool] satisfies it.
type CircuitBreaker interface {
	Execute(fn func() (bool, error)) (bool, error)
	Name() string
	State() gobreaker.State
	Counts() gobreaker.Counts
}

var _ CircuitBreaker = (*gobreaker.CircuitBreaker[bool])(nil)

// NewCircuitBreakerConfig returns a function that creates circuit breakers for servers.
// This is a helper for common use cases: the circuit opens once at least 3
// calls were made in the interval and 60% of them failed.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) CircuitBreaker {
	return func(serverAddr string) CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}
		return gobreaker.NewCircuitBreaker[bool](settings)
	}
}
