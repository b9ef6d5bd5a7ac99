// Package health maintains the authoritative rolling health state for every
// provider and persists snapshots asynchronously. Recording an outcome never
// fails: persistence problems are logged and routing continues on the
// in-memory state.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/config"
	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/repositories"
)

// persistTimeout bounds each asynchronous snapshot write.
const persistTimeout = 5 * time.Second

// entry pairs a provider's health state with its trailing window fill.
type entry struct {
	state  models.HealthState
	checks int
}

// Tracker folds request outcomes and probe results into per-provider health
// state. It is the only writer of health state; selection reads it through
// Overlay and Snapshot.
type Tracker struct {
	repo   repositories.HealthStateRepository
	mirror repositories.HealthStateRepository
	cfg    config.RoutingConfig
	logger *zap.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	wg      sync.WaitGroup
}

// NewTracker creates a health tracker. repo is the durable store; mirror is
// an optional secondary (the Redis snapshot store) and may be nil.
func NewTracker(repo, mirror repositories.HealthStateRepository, cfg config.RoutingConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		repo:    repo,
		mirror:  mirror,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[uuid.UUID]*entry),
	}
}

// RecordOutcome folds one observation into the provider's health state and
// returns the updated snapshot. A success resets the failure run and smooths
// the rolling response time; a failure extends the run and flips the healthy
// flag once the run reaches the configured threshold. The snapshot write is
// fire-and-forget.
func (t *Tracker) RecordOutcome(ctx context.Context, providerID uuid.UUID, success bool, responseTimeMs float64, cause string) models.HealthState {
	t.mu.Lock()
	e := t.ensureLocked(providerID)
	if e.checks < t.cfg.HealthWindow {
		e.checks++
	}
	if success {
		e.state.ApplySuccess(responseTimeMs, t.cfg.LatencyAlpha, e.checks)
	} else {
		e.state.ApplyFailure(cause, t.cfg.UnhealthyAfter, e.checks)
	}
	snapshot := e.state
	t.mu.Unlock()

	t.persist(ctx, providerID, snapshot)
	return snapshot
}

// RecordProbe folds a background probe result into the provider's health state.
func (t *Tracker) RecordProbe(ctx context.Context, providerID uuid.UUID, latency time.Duration, probeErr error) models.HealthState {
	if probeErr != nil {
		return t.RecordOutcome(ctx, providerID, false, 0, probeErr.Error())
	}
	return t.RecordOutcome(ctx, providerID, true, float64(latency)/float64(time.Millisecond), "")
}

// Snapshot returns the current health state for a provider, if the tracker
// has observed it.
func (t *Tracker) Snapshot(providerID uuid.UUID) (models.HealthState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[providerID]
	if !ok {
		return models.HealthState{}, false
	}
	return e.state, true
}

// Overlay stamps the tracker's current health onto the given records so the
// selection path sees fresh outcomes rather than the persisted snapshot the
// records were loaded with. Records the tracker has not observed yet are
// adopted as-is, so persisted state survives restarts.
func (t *Tracker) Overlay(records []*models.ProviderRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, record := range records {
		if e, ok := t.entries[record.ID]; ok {
			record.Health = e.state
			continue
		}
		t.entries[record.ID] = &entry{
			state:  record.Health,
			checks: record.Health.ConsecutiveFailures,
		}
	}
}

// Forget drops the in-memory state for a provider. Called when a provider is
// retired so a later reactivation starts from its persisted snapshot.
func (t *Tracker) Forget(providerID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, providerID)
}

// Close waits for in-flight snapshot writes to finish.
func (t *Tracker) Close() {
	t.wg.Wait()
}

// ensureLocked returns the entry for a provider, creating the optimistic
// initial state on first sight. Caller holds t.mu.
func (t *Tracker) ensureLocked(providerID uuid.UUID) *entry {
	e, ok := t.entries[providerID]
	if !ok {
		e = &entry{state: models.NewHealthState()}
		t.entries[providerID] = e
	}
	return e
}

// persist writes the snapshot asynchronously. Cancellation of the caller's
// context does not abort the write; failures are logged and swallowed.
func (t *Tracker) persist(ctx context.Context, providerID uuid.UUID, state models.HealthState) {
	if t.repo == nil && t.mirror == nil {
		return
	}

	detached := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		writeCtx, cancel := context.WithTimeout(detached, persistTimeout)
		defer cancel()

		if t.repo != nil {
			if err := t.repo.Save(writeCtx, providerID, &state); err != nil {
				t.logger.Warn("health snapshot persistence failed",
					zap.String("provider_id", providerID.String()),
					zap.Error(err))
			}
		}
		if t.mirror != nil {
			if err := t.mirror.Save(writeCtx, providerID, &state); err != nil {
				t.logger.Warn("health snapshot mirror write failed",
					zap.String("provider_id", providerID.String()),
					zap.Error(err))
			}
		}
	}()
}
