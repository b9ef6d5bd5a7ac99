package providers

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/axonrelay/axonrelay/models"
)

var (
	// ErrNoAdapter is returned when no adapter is registered for a provider type
	ErrNoAdapter = errors.New("no adapter registered for provider type")

	// ErrAdapterRegistered is returned when registering a duplicate adapter
	ErrAdapterRegistered = errors.New("adapter already registered")
)

// Registry maps provider types to the adapter that speaks their dialect.
// It is populated once at startup through explicit registration; there is
// no process-global instance.
type Registry struct {
	mu       sync.RWMutex
	invokers map[models.ProviderType]Invoker
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[models.ProviderType]Invoker),
	}
}

// Register adds an adapter for its declared provider type.
func (r *Registry) Register(inv Invoker) error {
	if inv == nil {
		return errors.New("adapter cannot be nil")
	}

	providerType := inv.Type()
	if !providerType.Valid() {
		return fmt.Errorf("adapter declares unknown provider type %q", providerType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.invokers[providerType]; exists {
		return fmt.Errorf("%w: %s", ErrAdapterRegistered, providerType)
	}

	r.invokers[providerType] = inv
	return nil
}

// ForType retrieves the adapter for a provider type.
func (r *Registry) ForType(providerType models.ProviderType) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, exists := r.invokers[providerType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, providerType)
	}

	return inv, nil
}

// ForProvider retrieves the adapter that can serve a provider record.
func (r *Registry) ForProvider(provider *models.ProviderRecord) (Invoker, error) {
	return r.ForType(provider.Type)
}

// Types returns the registered provider types in stable order.
func (r *Registry) Types() []models.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.ProviderType, 0, len(r.invokers))
	for t := range r.invokers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// Count returns the number of registered adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.invokers)
}
