package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/config"
	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/repositories"
	"github.com/axonrelay/axonrelay/repositories/memorystate"
	"github.com/axonrelay/axonrelay/services/health"
	"github.com/axonrelay/axonrelay/services/providers"
	"github.com/axonrelay/axonrelay/services/routing"
)

var errStubNotUsed = errors.New("not exercised by failover tests")

type stubProviderRepo struct {
	mu      sync.Mutex
	records []*models.ProviderRecord
}

func (r *stubProviderRepo) ListActiveForOrg(_ context.Context, orgID uuid.UUID) ([]*models.ProviderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ProviderRecord
	for _, record := range r.records {
		if record.OrgID == orgID && record.Active {
			out = append(out, record)
		}
	}
	return out, nil
}

func (r *stubProviderRepo) ListActive(_ context.Context) ([]*models.ProviderRecord, error) {
	return nil, errStubNotUsed
}

func (r *stubProviderRepo) Create(context.Context, *models.ProviderRecord) error {
	return errStubNotUsed
}

func (r *stubProviderRepo) GetByID(context.Context, uuid.UUID) (*models.ProviderRecord, error) {
	return nil, errStubNotUsed
}

func (r *stubProviderRepo) GetByOrgID(context.Context, uuid.UUID) ([]*models.ProviderRecord, error) {
	return nil, errStubNotUsed
}

func (r *stubProviderRepo) Update(context.Context, *models.ProviderRecord) error {
	return errStubNotUsed
}

func (r *stubProviderRepo) SetActive(context.Context, uuid.UUID, bool) error {
	return errStubNotUsed
}

func (r *stubProviderRepo) WithTx(repositories.Transaction) repositories.ProviderRepository {
	return r
}

func fastProvider(orgID uuid.UUID, name string) *models.ProviderRecord {
	record := models.NewProviderRecord(orgID, name, models.ProviderOpenAI, "https://api.openai.com/v1", "sk-test")
	record.Capabilities = []models.Capability{models.CapabilityChat}
	record.LoadBalancing.RetryDelayMs = 1
	return record
}

type harness struct {
	coordinator *Coordinator
	tracker     *health.Tracker
}

func newHarness(t *testing.T, cfg config.RoutingConfig, records ...*models.ProviderRecord) *harness {
	t.Helper()
	repo := &stubProviderRepo{records: records}
	tracker := health.NewTracker(nil, nil, cfg, zap.NewNop())
	selector := routing.NewSelector(repo, memorystate.NewStore(), tracker, nil, zap.NewNop())
	return &harness{
		coordinator: NewCoordinator(selector, tracker, cfg, zap.NewNop()),
		tracker:     tracker,
	}
}

func fastConfig() config.RoutingConfig {
	return config.RoutingConfig{
		UnhealthyAfter: 3,
		LatencyAlpha:   0.5,
		HealthWindow:   10,
		MaxBackoff:     20 * time.Millisecond,
	}
}

func okResult(record *models.ProviderRecord) *providers.Result {
	return &providers.Result{
		ID:           "cmpl-ok",
		Model:        "gpt-4o",
		ProviderID:   record.ID,
		ProviderName: record.Name,
	}
}

func retryableErr(record *models.ProviderRecord) error {
	return providers.NewProviderError(record.ID, record.Name, "UPSTREAM_ERROR", "upstream returned status 503", 503, true, nil)
}

func terminalErr(record *models.ProviderRecord) error {
	return providers.NewProviderError(record.ID, record.Name, "invalid_api_key", "bad credentials", 401, false, nil)
}

func TestCoordinator_SuccessOnFirstAttempt(t *testing.T) {
	orgID := uuid.New()
	record := fastProvider(orgID, "primary")
	h := newHarness(t, fastConfig(), record)

	invocations := 0
	result, err := h.coordinator.Execute(context.Background(), orgID, models.CapabilityChat, func(_ context.Context, p *models.ProviderRecord) (*providers.Result, error) {
		invocations++
		return okResult(p), nil
	})

	require.NoError(t, err)
	assert.Equal(t, record.ID, result.ProviderID)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, invocations)

	state, ok := h.tracker.Snapshot(record.ID)
	require.True(t, ok)
	assert.True(t, state.IsHealthy)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.Greater(t, state.ResponseTimeMs, float64(0), "the successful call feeds the rolling latency")
}

func TestCoordinator_FailsOverToNextProvider(t *testing.T) {
	orgID := uuid.New()
	a := fastProvider(orgID, "a")
	b := fastProvider(orgID, "b")
	h := newHarness(t, fastConfig(), a, b)

	var invoked []uuid.UUID
	result, err := h.coordinator.Execute(context.Background(), orgID, models.CapabilityChat, func(_ context.Context, p *models.ProviderRecord) (*providers.Result, error) {
		invoked = append(invoked, p.ID)
		if len(invoked) == 1 {
			return nil, retryableErr(p)
		}
		return okResult(p), nil
	})

	require.NoError(t, err)
	require.Len(t, invoked, 2)
	assert.NotEqual(t, invoked[0], invoked[1], "failover never re-tries the failed provider")
	assert.Equal(t, invoked[1], result.ProviderID)
	assert.Equal(t, 2, result.Attempts)

	failed, ok := h.tracker.Snapshot(invoked[0])
	require.True(t, ok)
	assert.Equal(t, 1, failed.ConsecutiveFailures)

	succeeded, ok := h.tracker.Snapshot(invoked[1])
	require.True(t, ok)
	assert.Equal(t, 0, succeeded.ConsecutiveFailures)
}

func TestCoordinator_ExhaustsBudgetAfterExactlyThreeAttempts(t *testing.T) {
	orgID := uuid.New()
	a := fastProvider(orgID, "a")
	b := fastProvider(orgID, "b")
	c := fastProvider(orgID, "c")
	require.Equal(t, 2, a.LoadBalancing.MaxRetries, "default budget is one initial attempt plus two retries")
	h := newHarness(t, fastConfig(), a, b, c)

	invoked := make(map[uuid.UUID]int)
	_, err := h.coordinator.Execute(context.Background(), orgID, models.CapabilityChat, func(_ context.Context, p *models.ProviderRecord) (*providers.Result, error) {
		invoked[p.ID]++
		return nil, retryableErr(p)
	})

	var failure *AllProvidersFailed
	require.ErrorAs(t, err, &failure)
	assert.Len(t, failure.Attempts, 3, "initial attempt plus two retries, never more")
	assert.Len(t, invoked, 3, "each attempt hits a different provider")
	for id, count := range invoked {
		assert.Equal(t, 1, count, "provider %s invoked exactly once", id)
	}
	assert.Equal(t, models.CapabilityChat, failure.Capability)
}

func TestCoordinator_PoolExhaustedBeforeBudget(t *testing.T) {
	orgID := uuid.New()
	a := fastProvider(orgID, "a")
	a.LoadBalancing.MaxRetries = 5
	b := fastProvider(orgID, "b")
	b.LoadBalancing.MaxRetries = 5
	h := newHarness(t, fastConfig(), a, b)

	invocations := 0
	_, err := h.coordinator.Execute(context.Background(), orgID, models.CapabilityChat, func(_ context.Context, p *models.ProviderRecord) (*providers.Result, error) {
		invocations++
		return nil, retryableErr(p)
	})

	var failure *AllProvidersFailed
	require.ErrorAs(t, err, &failure)
	assert.Len(t, failure.Attempts, 2, "running out of candidates ends the chain early")
	assert.Equal(t, 2, invocations)
}

func TestCoordinator_TerminalFailureStopsImmediately(t *testing.T) {
	orgID := uuid.New()
	a := fastProvider(orgID, "a")
	b := fastProvider(orgID, "b")
	h := newHarness(t, fastConfig(), a, b)

	invocations := 0
	_, err := h.coordinator.Execute(context.Background(), orgID, models.CapabilityChat, func(_ context.Context, p *models.ProviderRecord) (*providers.Result, error) {
		invocations++
		return nil, terminalErr(p)
	})

	require.Error(t, err)
	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr, "the terminal error surfaces unchanged")
	assert.False(t, provErr.Retryable)
	assert.Equal(t, 1, invocations, "bad credentials on one provider never burn the rest of the pool")

	var failure *AllProvidersFailed
	assert.False(t, errors.As(err, &failure))
}

func TestCoordinator_TerminalFailureStillRecorded(t *testing.T) {
	orgID := uuid.New()
	record := fastProvider(orgID, "sole")
	h := newHarness(t, fastConfig(), record)

	_, err := h.coordinator.Execute(context.Background(), orgID, models.CapabilityChat, func(_ context.Context, p *models.ProviderRecord) (*providers.Result, error) {
		return nil, terminalErr(p)
	})
	require.Error(t, err)

	state, ok := h.tracker.Snapshot(record.ID)
	require.True(t, ok)
	assert.Equal(t, 1, state.ConsecutiveFailures)
	assert.Equal(t, "bad credentials", state.LastError)
}

func TestCoordinator_NoProviderPassthrough(t *testing.T) {
	h := newHarness(t, fastConfig())

	invocations := 0
	_, err := h.coordinator.Execute(context.Background(), uuid.New(), models.CapabilityChat, func(context.Context, *models.ProviderRecord) (*providers.Result, error) {
		invocations++
		return nil, nil
	})

	assert.ErrorIs(t, err, routing.ErrNoProviderAvailable)
	assert.Equal(t, 0, invocations)
}

func TestCoordinator_FailoverDisabled(t *testing.T) {
	orgID := uuid.New()
	a := fastProvider(orgID, "a")
	a.LoadBalancing.FailoverEnabled = false
	b := fastProvider(orgID, "b")
	b.LoadBalancing.FailoverEnabled = false
	h := newHarness(t, fastConfig(), a, b)

	invocations := 0
	_, err := h.coordinator.Execute(context.Background(), orgID, models.CapabilityChat, func(_ context.Context, p *models.ProviderRecord) (*providers.Result, error) {
		invocations++
		return nil, retryableErr(p)
	})

	var failure *AllProvidersFailed
	require.ErrorAs(t, err, &failure)
	assert.Len(t, failure.Attempts, 1)
	assert.Equal(t, 1, invocations, "disabled failover means one attempt, full stop")
}

func TestCoordinator_CancelDuringBackoff(t *testing.T) {
	orgID := uuid.New()
	a := fastProvider(orgID, "a")
	a.LoadBalancing.RetryDelayMs = 60000
	b := fastProvider(orgID, "b")
	b.LoadBalancing.RetryDelayMs = 60000

	cfg := fastConfig()
	cfg.MaxBackoff = 10 * time.Second
	h := newHarness(t, cfg, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := h.coordinator.Execute(ctx, orgID, models.CapabilityChat, func(_ context.Context, p *models.ProviderRecord) (*providers.Result, error) {
		return nil, retryableErr(p)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancellation aborts the retry delay immediately")
}

func TestCoordinator_CancellationNotCountedAgainstProvider(t *testing.T) {
	orgID := uuid.New()
	record := fastProvider(orgID, "slow")
	h := newHarness(t, fastConfig(), record)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.coordinator.Execute(ctx, orgID, models.CapabilityChat, func(callCtx context.Context, _ *models.ProviderRecord) (*providers.Result, error) {
		<-callCtx.Done()
		return nil, callCtx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)

	state, ok := h.tracker.Snapshot(record.ID)
	require.True(t, ok, "the provider was adopted during selection")
	assert.Equal(t, 0, state.ConsecutiveFailures, "an abort caused by the caller is not a provider failure")
}

func TestBackoffDelay(t *testing.T) {
	t.Run("first retry stays near the base", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			d := backoffDelay(1, 100*time.Millisecond, time.Minute)
			assert.GreaterOrEqual(t, d, 75*time.Millisecond)
			assert.Less(t, d, 125*time.Millisecond)
		}
	})

	t.Run("doubles per attempt", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			d := backoffDelay(3, 100*time.Millisecond, time.Minute)
			assert.GreaterOrEqual(t, d, 300*time.Millisecond)
			assert.Less(t, d, 500*time.Millisecond)
		}
	})

	t.Run("caps at the maximum", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			d := backoffDelay(10, time.Second, 2*time.Second)
			assert.LessOrEqual(t, d, 2500*time.Millisecond, "cap plus jitter headroom")
		}
	})

	t.Run("zero base falls back to the default delay", func(t *testing.T) {
		d := backoffDelay(1, 0, time.Minute)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.Less(t, d, 1250*time.Millisecond)
	})
}
