package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/repositories"
)

// HealthRepository persists provider health snapshots onto the provider rows.
// Callers treat save failures as advisory; the in-memory snapshot stays
// authoritative.
type HealthRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewHealthRepository creates a new health state repository
func NewHealthRepository(db *DB, logger *zap.Logger) repositories.HealthStateRepository {
	return &HealthRepository{
		db:     db,
		logger: logger,
	}
}

// Save persists the health snapshot for a provider
func (r *HealthRepository) Save(ctx context.Context, providerID uuid.UUID, state *models.HealthState) error {
	query := `
		UPDATE providers
		SET last_check = $2,
		    is_healthy = $3,
		    response_time_ms = $4,
		    error_rate = $5,
		    consecutive_failures = $6,
		    last_error = $7
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		providerID,
		nullableTime(state.LastCheck),
		state.IsHealthy,
		state.ResponseTimeMs,
		state.ErrorRate,
		state.ConsecutiveFailures,
		state.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to save health state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("provider %s: %w", providerID, repositories.ErrNotFound)
	}

	return nil
}

// Load fetches health snapshots for the given providers
func (r *HealthRepository) Load(ctx context.Context, providerIDs []uuid.UUID) (map[uuid.UUID]models.HealthState, error) {
	if len(providerIDs) == 0 {
		return map[uuid.UUID]models.HealthState{}, nil
	}

	query := `
		SELECT id, last_check, is_healthy, response_time_ms, error_rate, consecutive_failures, last_error
		FROM providers
		WHERE id = ANY($1)
	`

	ids := make([]string, len(providerIDs))
	for i, id := range providerIDs {
		ids[i] = id.String()
	}

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query health states: %w", err)
	}
	defer rows.Close()

	states := make(map[uuid.UUID]models.HealthState, len(providerIDs))
	for rows.Next() {
		var (
			id        uuid.UUID
			state     models.HealthState
			lastCheck sql.NullTime
		)
		err := rows.Scan(
			&id,
			&lastCheck,
			&state.IsHealthy,
			&state.ResponseTimeMs,
			&state.ErrorRate,
			&state.ConsecutiveFailures,
			&state.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health state: %w", err)
		}
		if lastCheck.Valid {
			state.LastCheck = lastCheck.Time
		}
		states[id] = state
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating health state rows: %w", err)
	}

	r.logger.Debug("health states loaded", zap.Int("requested", len(providerIDs)), zap.Int("found", len(states)))
	return states, nil
}
