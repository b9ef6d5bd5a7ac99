package models

// Strategy selects how eligible providers are weighed against each other.
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round_robin"
	StrategyLeastLatency    Strategy = "least_latency"
	StrategyCostOptimized   Strategy = "cost_optimized"
	StrategyCapabilityBased Strategy = "capability_based"
)

// Valid reports whether the strategy is one of the supported algorithms.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLatency, StrategyCostOptimized, StrategyCapabilityBased:
		return true
	}
	return false
}

// Default load-balancing parameters applied to records that omit them.
const (
	DefaultMaxRetries              = 2
	DefaultRetryDelayMs            = 1000
	DefaultCircuitBreakerThreshold = 5
	DefaultHealthCheckIntervalMs   = 30000
)

// LoadBalancingConfig controls selection and failover for a single provider.
// It is mutated only through the admin update path.
type LoadBalancingConfig struct {
	Strategy                Strategy `json:"strategy" db:"strategy"`
	FailoverEnabled         bool     `json:"failover_enabled" db:"failover_enabled"`
	MaxRetries              int      `json:"max_retries" db:"max_retries"`
	RetryDelayMs            int      `json:"retry_delay_ms" db:"retry_delay_ms"`
	CircuitBreakerThreshold int      `json:"circuit_breaker_threshold" db:"circuit_breaker_threshold"`
	HealthCheckIntervalMs   int      `json:"health_check_interval_ms" db:"health_check_interval_ms"`
}

// DefaultLoadBalancingConfig returns the configuration applied to newly
// registered providers.
func DefaultLoadBalancingConfig() LoadBalancingConfig {
	return LoadBalancingConfig{
		Strategy:                StrategyRoundRobin,
		FailoverEnabled:         true,
		MaxRetries:              DefaultMaxRetries,
		RetryDelayMs:            DefaultRetryDelayMs,
		CircuitBreakerThreshold: DefaultCircuitBreakerThreshold,
		HealthCheckIntervalMs:   DefaultHealthCheckIntervalMs,
	}
}

// Normalize fills zero-valued fields with defaults so partially specified
// configurations behave predictably.
func (c *LoadBalancingConfig) Normalize() {
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = DefaultRetryDelayMs
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = DefaultCircuitBreakerThreshold
	}
	if c.HealthCheckIntervalMs <= 0 {
		c.HealthCheckIntervalMs = DefaultHealthCheckIntervalMs
	}
}
