package routing

import (
	"github.com/axonrelay/axonrelay/models"
)

// latencyCeilingMs is the rolling response time at which a least-latency
// weight bottoms out at zero. Providers slower than this are ineligible
// under least-latency unless the whole pool is, in which case the selector's
// least-unhealthy fallback can still serve them.
const latencyCeilingMs = 1000

// Weight derives the selection weight for one candidate under a strategy.
// Zero means ineligible: the provider is unhealthy or its circuit is open.
// Pure function; deterministic for a given health snapshot.
func Weight(record *models.ProviderRecord, strategy models.Strategy) float64 {
	if !record.Health.IsHealthy {
		return 0
	}
	if record.Health.CircuitOpen(record.LoadBalancing.CircuitBreakerThreshold) {
		return 0
	}

	switch strategy {
	case models.StrategyLeastLatency:
		w := latencyCeilingMs - record.Health.ResponseTimeMs
		if w < 0 {
			return 0
		}
		return w
	case models.StrategyCostOptimized:
		if record.CostPer1KTokens > 0 {
			return 1 / record.CostPer1KTokens
		}
		return 1
	default:
		// round_robin and capability_based weigh everyone equally; fairness
		// comes from the rotation cursor and the deterministic tiebreak.
		return 1
	}
}
