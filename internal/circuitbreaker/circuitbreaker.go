package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// New returns a breaker that opens once at least 3 requests were seen in the
// current window and 60% or more of them failed.
func New[T any](name string) *gobreaker.CircuitBreaker[T] {
	var st gobreaker.Settings
	st.Name = name
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 3 && failureRatio >= 0.6
	}

	return gobreaker.NewCircuitBreaker[T](st)
}
