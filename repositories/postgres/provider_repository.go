package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/repositories"
)

const providerColumns = `
	id, org_id, name, type, base_url, credential,
	capabilities, models, rate_limits, cost_per_1k_tokens, active,
	last_check, is_healthy, response_time_ms, error_rate, consecutive_failures, last_error,
	load_balancing, created_at, updated_at
`

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

// ProviderRepository implements the repositories.ProviderRepository interface
type ProviderRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewProviderRepository creates a new provider repository
func NewProviderRepository(db *DB, logger *zap.Logger) repositories.ProviderRepository {
	return &ProviderRepository{
		db:     db,
		logger: logger,
	}
}

// Create registers a new provider
func (r *ProviderRepository) Create(ctx context.Context, provider *models.ProviderRecord) error {
	query := `
		INSERT INTO providers (` + providerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	capabilities, modelIDs, rateLimits, loadBalancing, err := marshalProviderJSON(provider)
	if err != nil {
		return err
	}

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		provider.ID,
		provider.OrgID,
		provider.Name,
		provider.Type,
		provider.BaseURL,
		provider.Credential,
		capabilities,
		modelIDs,
		rateLimits,
		provider.CostPer1KTokens,
		provider.Active,
		nullableTime(provider.Health.LastCheck),
		provider.Health.IsHealthy,
		provider.Health.ResponseTimeMs,
		provider.Health.ErrorRate,
		provider.Health.ConsecutiveFailures,
		provider.Health.LastError,
		loadBalancing,
		provider.CreatedAt,
		provider.UpdatedAt,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return fmt.Errorf("provider %q for org %s: %w", provider.Name, provider.OrgID, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to create provider: %w", err)
	}

	r.logger.Debug("provider created",
		zap.String("id", provider.ID.String()),
		zap.String("name", provider.Name),
		zap.String("type", string(provider.Type)))
	return nil
}

// GetByID retrieves a provider by ID
func (r *ProviderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProviderRecord, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	provider, err := scanProvider(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("provider %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}

	return provider, nil
}

// GetByOrgID retrieves all providers for an organization, including retired ones
func (r *ProviderRepository) GetByOrgID(ctx context.Context, orgID uuid.UUID) ([]*models.ProviderRecord, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers
		WHERE org_id = $1
		ORDER BY created_at DESC
	`

	return r.queryProviders(ctx, query, orgID)
}

// ListActiveForOrg retrieves the active providers for an organization
func (r *ProviderRepository) ListActiveForOrg(ctx context.Context, orgID uuid.UUID) ([]*models.ProviderRecord, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers
		WHERE org_id = $1 AND active = true
		ORDER BY id
	`

	return r.queryProviders(ctx, query, orgID)
}

// ListActive retrieves active providers across all organizations
func (r *ProviderRepository) ListActive(ctx context.Context) ([]*models.ProviderRecord, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers
		WHERE active = true
		ORDER BY id
	`

	return r.queryProviders(ctx, query)
}

// Update updates a provider's mutable fields and load-balancing config
func (r *ProviderRepository) Update(ctx context.Context, provider *models.ProviderRecord) error {
	query := `
		UPDATE providers
		SET name = $2,
		    type = $3,
		    base_url = $4,
		    credential = $5,
		    capabilities = $6,
		    models = $7,
		    rate_limits = $8,
		    cost_per_1k_tokens = $9,
		    active = $10,
		    load_balancing = $11,
		    updated_at = $12
		WHERE id = $1
	`

	capabilities, modelIDs, rateLimits, loadBalancing, err := marshalProviderJSON(provider)
	if err != nil {
		return err
	}

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		provider.ID,
		provider.Name,
		provider.Type,
		provider.BaseURL,
		provider.Credential,
		capabilities,
		modelIDs,
		rateLimits,
		provider.CostPer1KTokens,
		provider.Active,
		loadBalancing,
		provider.UpdatedAt,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return fmt.Errorf("provider %q for org %s: %w", provider.Name, provider.OrgID, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to update provider: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("provider %s: %w", provider.ID, repositories.ErrNotFound)
	}

	r.logger.Debug("provider updated", zap.String("id", provider.ID.String()))
	return nil
}

// SetActive flips the soft-retirement flag
func (r *ProviderRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `
		UPDATE providers
		SET active = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to set provider active flag: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("provider %s: %w", id, repositories.ErrNotFound)
	}

	r.logger.Debug("provider active flag set",
		zap.String("id", id.String()),
		zap.Bool("active", active))
	return nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *ProviderRepository) WithTx(tx repositories.Transaction) repositories.ProviderRepository {
	return &ProviderRepository{
		db:     r.db,
		logger: r.logger,
	}
}

// queryProviders runs a multi-row provider query and scans the results
func (r *ProviderRepository) queryProviders(ctx context.Context, query string, args ...interface{}) ([]*models.ProviderRecord, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var providers []*models.ProviderRecord
	for rows.Next() {
		provider, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, provider)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider rows: %w", err)
	}

	return providers, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanProvider scans one provider row, decoding the JSONB columns
func scanProvider(row rowScanner) (*models.ProviderRecord, error) {
	var (
		provider      models.ProviderRecord
		capabilities  []byte
		modelIDs      []byte
		rateLimits    []byte
		loadBalancing []byte
		lastCheck     sql.NullTime
	)

	err := row.Scan(
		&provider.ID,
		&provider.OrgID,
		&provider.Name,
		&provider.Type,
		&provider.BaseURL,
		&provider.Credential,
		&capabilities,
		&modelIDs,
		&rateLimits,
		&provider.CostPer1KTokens,
		&provider.Active,
		&lastCheck,
		&provider.Health.IsHealthy,
		&provider.Health.ResponseTimeMs,
		&provider.Health.ErrorRate,
		&provider.Health.ConsecutiveFailures,
		&provider.Health.LastError,
		&loadBalancing,
		&provider.CreatedAt,
		&provider.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastCheck.Valid {
		provider.Health.LastCheck = lastCheck.Time
	}
	if err := json.Unmarshal(capabilities, &provider.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	if err := json.Unmarshal(modelIDs, &provider.Models); err != nil {
		return nil, fmt.Errorf("failed to decode models: %w", err)
	}
	if err := json.Unmarshal(rateLimits, &provider.RateLimits); err != nil {
		return nil, fmt.Errorf("failed to decode rate limits: %w", err)
	}
	if err := json.Unmarshal(loadBalancing, &provider.LoadBalancing); err != nil {
		return nil, fmt.Errorf("failed to decode load balancing config: %w", err)
	}

	return &provider, nil
}

// marshalProviderJSON encodes the JSONB columns for insert/update
func marshalProviderJSON(provider *models.ProviderRecord) (capabilities, modelIDs, rateLimits, loadBalancing []byte, err error) {
	caps := provider.Capabilities
	if caps == nil {
		caps = []models.Capability{}
	}
	if capabilities, err = json.Marshal(caps); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode capabilities: %w", err)
	}
	ids := provider.Models
	if ids == nil {
		ids = []string{}
	}
	if modelIDs, err = json.Marshal(ids); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode models: %w", err)
	}
	if rateLimits, err = json.Marshal(provider.RateLimits); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode rate limits: %w", err)
	}
	if loadBalancing, err = json.Marshal(provider.LoadBalancing); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode load balancing config: %w", err)
	}
	return capabilities, modelIDs, rateLimits, loadBalancing, nil
}

// nullableTime converts a zero time to a SQL NULL
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
