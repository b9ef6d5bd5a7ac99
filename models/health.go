package models

import (
	"time"
)

// HealthState is the rolling health snapshot for a provider. It is a value
// object: the health tracker is its only writer, and it mutates the copy held
// in memory before persisting asynchronously.
type HealthState struct {
	LastCheck           time.Time `json:"last_check" db:"last_check"`
	IsHealthy           bool      `json:"is_healthy" db:"is_healthy"`
	ResponseTimeMs      float64   `json:"response_time_ms" db:"response_time_ms"`
	ErrorRate           float64   `json:"error_rate" db:"error_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures" db:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty" db:"last_error"`
}

// NewHealthState returns the optimistic initial state for a new provider:
// healthy, no observations yet.
func NewHealthState() HealthState {
	return HealthState{
		IsHealthy: true,
	}
}

// ApplySuccess folds a successful observation into the state. The rolling
// response time converges smoothly via an exponential weighted moving average
// with the given alpha; the first observation seeds the average directly.
// windowChecks is the number of observations currently inside the trailing
// window, including this one.
func (h *HealthState) ApplySuccess(responseTimeMs, alpha float64, windowChecks int) {
	h.ConsecutiveFailures = 0
	h.IsHealthy = true
	h.LastError = ""
	if h.ResponseTimeMs == 0 {
		h.ResponseTimeMs = responseTimeMs
	} else {
		h.ResponseTimeMs = alpha*responseTimeMs + (1-alpha)*h.ResponseTimeMs
	}
	h.LastCheck = time.Now()
	h.recomputeErrorRate(windowChecks)
}

// ApplyFailure folds a failed observation into the state. The healthy flag
// only flips once the consecutive-failure run reaches unhealthyAfter; the
// circuit breaker threshold is enforced separately at weighing time.
func (h *HealthState) ApplyFailure(cause string, unhealthyAfter, windowChecks int) {
	h.ConsecutiveFailures++
	h.LastError = cause
	if unhealthyAfter > 0 && h.ConsecutiveFailures >= unhealthyAfter {
		h.IsHealthy = false
	}
	h.LastCheck = time.Now()
	h.recomputeErrorRate(windowChecks)
}

// CircuitOpen reports whether the consecutive-failure run has reached the
// provider's circuit breaker threshold. A non-positive threshold disables the
// breaker.
func (h *HealthState) CircuitOpen(threshold int) bool {
	return threshold > 0 && h.ConsecutiveFailures >= threshold
}

// recomputeErrorRate derives the error rate from the current failure run over
// the trailing window, clamped to [0, 100].
func (h *HealthState) recomputeErrorRate(windowChecks int) {
	if windowChecks < 1 {
		windowChecks = 1
	}
	rate := (float64(h.ConsecutiveFailures) / float64(windowChecks)) * 100
	if rate < 0 {
		rate = 0
	}
	if rate > 100 {
		rate = 100
	}
	h.ErrorRate = rate
}
