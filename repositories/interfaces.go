package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/axonrelay/axonrelay/models"
)

// Sentinel errors returned by repository implementations. Services translate
// them into domain errors at the boundary.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// ProviderRepository handles provider record data operations
type ProviderRepository interface {
	// Create registers a new provider
	Create(ctx context.Context, provider *models.ProviderRecord) error

	// GetByID retrieves a provider by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.ProviderRecord, error)

	// GetByOrgID retrieves all providers for an organization, including
	// retired ones (admin listing)
	GetByOrgID(ctx context.Context, orgID uuid.UUID) ([]*models.ProviderRecord, error)

	// ListActiveForOrg retrieves the active providers for an organization.
	// This is the selection path's load operation.
	ListActiveForOrg(ctx context.Context, orgID uuid.UUID) ([]*models.ProviderRecord, error)

	// ListActive retrieves active providers across all organizations.
	// Used by the background health prober.
	ListActive(ctx context.Context) ([]*models.ProviderRecord, error)

	// Update updates a provider's mutable fields and load-balancing config
	Update(ctx context.Context, provider *models.ProviderRecord) error

	// SetActive flips the soft-retirement flag. Records are never deleted.
	SetActive(ctx context.Context, id uuid.UUID, active bool) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) ProviderRepository
}

// HealthStateRepository persists provider health snapshots. Writers treat
// failures as advisory: a failed save is logged and routing continues on the
// in-memory state.
type HealthStateRepository interface {
	// Save persists the health snapshot for a provider
	Save(ctx context.Context, providerID uuid.UUID, state *models.HealthState) error

	// Load fetches health snapshots for the given providers. Missing entries
	// are simply absent from the result map.
	Load(ctx context.Context, providerIDs []uuid.UUID) (map[uuid.UUID]models.HealthState, error)
}

// RouteStateStore holds the round-robin cursors shared by the selection path.
// Implementations must advance atomically under concurrent callers.
type RouteStateStore interface {
	// NextCursor advances and returns the cursor for an (org, capability)
	// rotation. The first call returns 1.
	NextCursor(ctx context.Context, orgID uuid.UUID, capability models.Capability) (uint64, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Providers ProviderRepository
	Health    HealthStateRepository
}
