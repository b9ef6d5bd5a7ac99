// Package memorystate implements the shared routing state in process memory.
// It is the single-instance default; deployments that set REDIS_ENABLED get
// the redisstate implementation instead so cursors survive restarts and are
// shared across replicas.
package memorystate

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/axonrelay/axonrelay/models"
)

type cursorKey struct {
	orgID      uuid.UUID
	capability models.Capability
}

// Store holds round-robin cursors behind a mutex.
type Store struct {
	mu      sync.Mutex
	cursors map[cursorKey]uint64
}

// NewStore creates an empty in-memory route state store.
func NewStore() *Store {
	return &Store{
		cursors: make(map[cursorKey]uint64),
	}
}

// NextCursor atomically advances and returns the rotation cursor for an
// (organization, capability) pair. The first call returns 1.
func (s *Store) NextCursor(_ context.Context, orgID uuid.UUID, capability models.Capability) (uint64, error) {
	key := cursorKey{orgID: orgID, capability: capability}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[key]++
	return s.cursors[key], nil
}
