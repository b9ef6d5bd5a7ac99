// Package routing picks which provider serves a request. Filtering and
// weighing are pure functions over health snapshots; the only shared state
// is the rotation cursor behind RouteStateStore and the live overlay from
// the health tracker.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/repositories"
	"github.com/axonrelay/axonrelay/services/health"
)

// ErrNoProviderAvailable is returned when the filtered candidate pool is
// empty. It is a normal outcome the caller maps to a configuration problem,
// not a fault.
var ErrNoProviderAvailable = errors.New("no provider available")

// Selector picks one provider for an (organization, capability) request.
type Selector struct {
	repo    repositories.ProviderRepository
	cursors repositories.RouteStateStore
	tracker *health.Tracker
	cache   *ProviderCache
	logger  *zap.Logger
}

// NewSelector creates a provider selector. cache may be nil to read through
// to the repository on every call.
func NewSelector(repo repositories.ProviderRepository, cursors repositories.RouteStateStore, tracker *health.Tracker, cache *ProviderCache, logger *zap.Logger) *Selector {
	return &Selector{
		repo:    repo,
		cursors: cursors,
		tracker: tracker,
		cache:   cache,
		logger:  logger,
	}
}

// Select returns one provider for the organization and capability, or
// ErrNoProviderAvailable when no active provider serves it. Providers in
// exclude are skipped; failover passes the ids it has already tried.
//
// Zero-weight candidates (unhealthy or open circuit) are dropped unless that
// empties the pool, in which case the least-unhealthy candidate is served
// anyway: degraded routing beats a total outage, and the degrade is logged.
func (s *Selector) Select(ctx context.Context, orgID uuid.UUID, capability models.Capability, exclude map[uuid.UUID]bool) (*models.ProviderRecord, error) {
	records, err := s.loadCandidates(ctx, orgID)
	if err != nil {
		return nil, err
	}

	candidates := filterCandidates(records, capability, exclude)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: organization %s has no active provider for %s", ErrNoProviderAvailable, orgID, capability)
	}

	s.tracker.Overlay(candidates)
	strategy := poolStrategy(candidates)

	eligible := make([]*models.ProviderRecord, 0, len(candidates))
	weights := make([]float64, 0, len(candidates))
	for _, candidate := range candidates {
		if w := Weight(candidate, strategy); w > 0 {
			eligible = append(eligible, candidate)
			weights = append(weights, w)
		}
	}

	if len(eligible) == 0 {
		pick := leastUnhealthy(candidates)
		s.logger.Warn("all candidates weigh zero, degrading to least-unhealthy",
			zap.String("org_id", orgID.String()),
			zap.String("capability", string(capability)),
			zap.String("provider_id", pick.ID.String()),
			zap.Int("consecutive_failures", pick.Health.ConsecutiveFailures))
		return pick, nil
	}

	if strategy == models.StrategyRoundRobin {
		return s.rotate(ctx, orgID, capability, eligible), nil
	}
	return weightedMax(eligible, weights), nil
}

// InvalidateOrg drops the cached provider list for an organization. The
// admin service calls this after every write.
func (s *Selector) InvalidateOrg(orgID uuid.UUID) {
	if s.cache != nil {
		s.cache.Invalidate(orgID)
	}
}

// loadCandidates returns the organization's active providers, served from
// the cache when fresh.
func (s *Selector) loadCandidates(ctx context.Context, orgID uuid.UUID) ([]*models.ProviderRecord, error) {
	if s.cache != nil {
		if records, ok := s.cache.Get(orgID); ok {
			return records, nil
		}
	}

	records, err := s.repo.ListActiveForOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("loading providers for organization %s: %w", orgID, err)
	}
	if s.cache != nil {
		s.cache.Set(orgID, records)
	}
	return records, nil
}

// rotate advances the shared cursor and returns the candidate at its
// position. A cursor store failure degrades to the first candidate so a
// Redis outage never blocks selection.
func (s *Selector) rotate(ctx context.Context, orgID uuid.UUID, capability models.Capability, eligible []*models.ProviderRecord) *models.ProviderRecord {
	cursor, err := s.cursors.NextCursor(ctx, orgID, capability)
	if err != nil {
		s.logger.Warn("cursor advance failed, serving first candidate",
			zap.String("org_id", orgID.String()),
			zap.String("capability", string(capability)),
			zap.Error(err))
		return eligible[0]
	}
	return eligible[(cursor-1)%uint64(len(eligible))]
}

// filterCandidates narrows the pool to records that can serve the capability
// and are not excluded, in stable id order.
func filterCandidates(records []*models.ProviderRecord, capability models.Capability, exclude map[uuid.UUID]bool) []*models.ProviderRecord {
	candidates := make([]*models.ProviderRecord, 0, len(records))
	for _, record := range records {
		if exclude[record.ID] {
			continue
		}
		if !record.CanServe(capability) {
			continue
		}
		candidates = append(candidates, record)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID.String() < candidates[j].ID.String()
	})
	return candidates
}

// poolStrategy resolves the effective strategy for a selection. Each record
// carries its own load-balancing config; the lowest-id candidate decides for
// the pool so mixed configurations stay deterministic.
func poolStrategy(candidates []*models.ProviderRecord) models.Strategy {
	strategy := candidates[0].LoadBalancing.Strategy
	if !strategy.Valid() {
		return models.StrategyRoundRobin
	}
	return strategy
}

// weightedMax picks the heaviest candidate deterministically: ties go to the
// lower rolling response time, then to the lower id (the pool is id-sorted).
func weightedMax(eligible []*models.ProviderRecord, weights []float64) *models.ProviderRecord {
	best := 0
	for i := 1; i < len(eligible); i++ {
		switch {
		case weights[i] > weights[best]:
			best = i
		case weights[i] == weights[best] && eligible[i].Health.ResponseTimeMs < eligible[best].Health.ResponseTimeMs:
			best = i
		}
	}
	return eligible[best]
}

// leastUnhealthy is the degrade-gracefully pick when every candidate weighs
// zero: the shortest failure run, ties to the lower response time then id.
func leastUnhealthy(candidates []*models.ProviderRecord) *models.ProviderRecord {
	best := 0
	for i := 1; i < len(candidates); i++ {
		a, b := candidates[i], candidates[best]
		switch {
		case a.Health.ConsecutiveFailures < b.Health.ConsecutiveFailures:
			best = i
		case a.Health.ConsecutiveFailures == b.Health.ConsecutiveFailures && a.Health.ResponseTimeMs < b.Health.ResponseTimeMs:
			best = i
		}
	}
	return candidates[best]
}
