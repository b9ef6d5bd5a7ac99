// Package failover sequences attempts across providers: select, invoke,
// record the outcome, and retry against the next candidate while the failure
// is retryable and the retry budget allows it.
package failover

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/config"
	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/services/health"
	"github.com/axonrelay/axonrelay/services/providers"
	"github.com/axonrelay/axonrelay/services/routing"
)

// InvokeFunc performs one call against the chosen provider. Per-attempt
// timeouts belong to the callback; the coordinator only sequences attempts.
type InvokeFunc func(ctx context.Context, provider *models.ProviderRecord) (*providers.Result, error)

// Attempt records one failed try in a failover chain.
type Attempt struct {
	ProviderID   uuid.UUID
	ProviderName string
	Retryable    bool
	Err          error
}

// AllProvidersFailed reports that every candidate tried in one chain failed.
// It is surfaced to the caller as a hard failure, never swallowed.
type AllProvidersFailed struct {
	OrgID      uuid.UUID
	Capability models.Capability
	Attempts   []Attempt
}

func (e *AllProvidersFailed) Error() string {
	return fmt.Sprintf("all providers failed for capability %s after %d attempts", e.Capability, len(e.Attempts))
}

// Unwrap exposes the last attempt's error so callers can classify the
// underlying failure.
func (e *AllProvidersFailed) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// Coordinator drives the select → invoke → record → retry loop.
type Coordinator struct {
	selector *routing.Selector
	tracker  *health.Tracker
	cfg      config.RoutingConfig
	logger   *zap.Logger
}

// NewCoordinator creates a failover coordinator.
func NewCoordinator(selector *routing.Selector, tracker *health.Tracker, cfg config.RoutingConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		selector: selector,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute invokes the callback against a selected provider, failing over to
// the next candidate on retryable errors. Every completed attempt is
// recorded against the provider's health state.
//
// Returns the first successful result; routing.ErrNoProviderAvailable when
// the pool is empty before any attempt; the invoke error itself on a
// terminal failure; or *AllProvidersFailed once the retry budget or the
// candidate pool is exhausted. The budget comes from the first selected
// provider's load-balancing config: one initial attempt plus MaxRetries.
func (c *Coordinator) Execute(ctx context.Context, orgID uuid.UUID, capability models.Capability, invoke InvokeFunc) (*providers.Result, error) {
	record, err := c.selector.Select(ctx, orgID, capability, nil)
	if err != nil {
		return nil, err
	}
	policy := record.LoadBalancing

	tried := make(map[uuid.UUID]bool)
	var attempts []Attempt

	for {
		start := time.Now()
		result, err := invoke(ctx, record)
		if err == nil {
			elapsed := time.Since(start)
			c.tracker.RecordOutcome(ctx, record.ID, true, float64(elapsed)/float64(time.Millisecond), "")
			result.Attempts = len(attempts) + 1
			if len(attempts) > 0 {
				c.logger.Info("request succeeded after failover",
					zap.String("org_id", orgID.String()),
					zap.String("provider", record.Name),
					zap.Int("failed_attempts", len(attempts)))
			}
			return result, nil
		}

		if ctx.Err() != nil {
			// The caller cancelled; the abort is not the provider's fault.
			return nil, ctx.Err()
		}

		c.tracker.RecordOutcome(ctx, record.ID, false, 0, err.Error())
		tried[record.ID] = true
		retryable := providers.IsRetryable(err)
		attempts = append(attempts, Attempt{
			ProviderID:   record.ID,
			ProviderName: record.Name,
			Retryable:    retryable,
			Err:          err,
		})

		c.logger.Warn("provider attempt failed",
			zap.String("org_id", orgID.String()),
			zap.String("provider", record.Name),
			zap.Int("attempt", len(attempts)),
			zap.Bool("retryable", retryable),
			zap.Error(err))

		if !retryable {
			return nil, err
		}
		if !policy.FailoverEnabled || len(attempts) > policy.MaxRetries {
			return nil, &AllProvidersFailed{OrgID: orgID, Capability: capability, Attempts: attempts}
		}

		next, err := c.selector.Select(ctx, orgID, capability, tried)
		if err != nil {
			if errors.Is(err, routing.ErrNoProviderAvailable) {
				return nil, &AllProvidersFailed{OrgID: orgID, Capability: capability, Attempts: attempts}
			}
			return nil, fmt.Errorf("selecting next provider after %d attempts: %w", len(attempts), err)
		}

		delay := backoffDelay(len(attempts), time.Duration(policy.RetryDelayMs)*time.Millisecond, c.cfg.MaxBackoff)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		record = next
	}
}

// backoffDelay doubles the base delay per completed attempt, caps it at max,
// and spreads it with ±25% jitter so synchronized callers fan out.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Duration(models.DefaultRetryDelayMs) * time.Millisecond
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			break
		}
	}
	if max > 0 && delay > max {
		delay = max
	}

	if quarter := delay / 4; quarter > 0 {
		delay = delay - quarter + time.Duration(rand.Int63n(int64(2*quarter)))
	}
	return delay
}
