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
	"github.com/axonrelay/axonrelay/services/providers"
)

// Default cadences for the probe loop. The sweep decides per provider whether
// its own interval has elapsed; the refresh re-reads the active provider set.
const (
	defaultSweepInterval   = time.Second
	defaultRefreshInterval = 15 * time.Second
)

// Prober drives background health checks against every active provider on
// the cadence each record configures. Results feed the tracker exactly like
// live request outcomes.
type Prober struct {
	repo     repositories.ProviderRepository
	registry *providers.Registry
	tracker  *Tracker
	cfg      config.RoutingConfig
	logger   *zap.Logger

	sweepInterval   time.Duration
	refreshInterval time.Duration

	mu        sync.Mutex
	lastProbe map[uuid.UUID]time.Time
	inFlight  map[uuid.UUID]bool

	wg sync.WaitGroup
}

// NewProber creates a background health prober.
func NewProber(repo repositories.ProviderRepository, registry *providers.Registry, tracker *Tracker, cfg config.RoutingConfig, logger *zap.Logger) *Prober {
	return &Prober{
		repo:            repo,
		registry:        registry,
		tracker:         tracker,
		cfg:             cfg,
		logger:          logger,
		sweepInterval:   defaultSweepInterval,
		refreshInterval: defaultRefreshInterval,
		lastProbe:       make(map[uuid.UUID]time.Time),
		inFlight:        make(map[uuid.UUID]bool),
	}
}

// Run blocks until the context is cancelled, probing each active provider
// once per its configured health check interval. In-flight probes are waited
// for before returning.
func (p *Prober) Run(ctx context.Context) {
	sweep := time.NewTicker(p.sweepInterval)
	defer sweep.Stop()
	refresh := time.NewTicker(p.refreshInterval)
	defer refresh.Stop()

	p.logger.Info("health prober started",
		zap.Duration("sweep_interval", p.sweepInterval),
		zap.Duration("refresh_interval", p.refreshInterval))

	records := p.refreshProviders(ctx, nil)
	p.sweep(ctx, records)

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info("health prober stopped")
			return
		case <-refresh.C:
			records = p.refreshProviders(ctx, records)
		case <-sweep.C:
			p.sweep(ctx, records)
		}
	}
}

// refreshProviders re-reads the active provider set. On failure the previous
// set stays in effect so a transient database error does not stop probing.
func (p *Prober) refreshProviders(ctx context.Context, previous []*models.ProviderRecord) []*models.ProviderRecord {
	records, err := p.repo.ListActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("active provider refresh failed", zap.Error(err))
		}
		return previous
	}

	active := make(map[uuid.UUID]bool, len(records))
	for _, record := range records {
		active[record.ID] = true
	}

	p.mu.Lock()
	for id := range p.lastProbe {
		if !active[id] {
			delete(p.lastProbe, id)
		}
	}
	p.mu.Unlock()

	return records
}

// sweep launches a probe for every provider whose interval has elapsed and
// that has no probe already in flight.
func (p *Prober) sweep(ctx context.Context, records []*models.ProviderRecord) {
	now := time.Now()
	for _, record := range records {
		interval := time.Duration(record.LoadBalancing.HealthCheckIntervalMs) * time.Millisecond
		if interval <= 0 {
			continue
		}

		p.mu.Lock()
		if p.inFlight[record.ID] || now.Sub(p.lastProbe[record.ID]) < interval {
			p.mu.Unlock()
			continue
		}
		p.inFlight[record.ID] = true
		p.lastProbe[record.ID] = now
		p.mu.Unlock()

		p.wg.Add(1)
		go p.probe(ctx, record)
	}
}

// probe runs one health check and records the outcome. A probe cut short by
// shutdown is discarded rather than counted against the provider.
func (p *Prober) probe(ctx context.Context, record *models.ProviderRecord) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, record.ID)
		p.mu.Unlock()
	}()

	inv, err := p.registry.ForProvider(record)
	if err != nil {
		p.logger.Warn("skipping probe, no adapter registered",
			zap.String("provider_id", record.ID.String()),
			zap.String("provider_type", string(record.Type)))
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	probeErr := inv.Probe(probeCtx, record)
	latency := time.Since(start)

	if ctx.Err() != nil {
		return
	}

	state := p.tracker.RecordProbe(ctx, record.ID, latency, probeErr)
	if probeErr != nil {
		p.logger.Warn("health probe failed",
			zap.String("provider_id", record.ID.String()),
			zap.String("provider", record.Name),
			zap.Int("consecutive_failures", state.ConsecutiveFailures),
			zap.Error(probeErr))
		return
	}
	p.logger.Debug("health probe succeeded",
		zap.String("provider_id", record.ID.String()),
		zap.String("provider", record.Name),
		zap.Duration("latency", latency))
}
