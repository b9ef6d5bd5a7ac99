// Package redisstate shares routing state between relay replicas through
// Redis: round-robin cursors advance with INCR so rotations interleave
// correctly across instances, and health snapshots are mirrored with a TTL so
// a replica can see outcomes observed elsewhere before its own first probe.
package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/config"
	"github.com/axonrelay/axonrelay/models"
)

const (
	cursorKeyPrefix = "relay:cursor:"
	healthKeyPrefix = "relay:health:"
)

// Store implements repositories.RouteStateStore and
// repositories.HealthStateRepository on top of Redis.
type Store struct {
	client      *redis.Client
	snapshotTTL time.Duration
	logger      *zap.Logger
}

// NewStore connects to Redis and verifies the connection
func NewStore(cfg config.RedisConfig, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", cfg.Addr))

	return &Store{
		client:      client,
		snapshotTTL: cfg.SnapshotTTL,
		logger:      logger,
	}, nil
}

// NextCursor advances and returns the round-robin cursor for an
// (org, capability) rotation. INCR is atomic server-side, so concurrent
// callers across replicas never observe the same value.
func (s *Store) NextCursor(ctx context.Context, orgID uuid.UUID, capability models.Capability) (uint64, error) {
	key := cursorKey(orgID, capability)
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance cursor %s: %w", key, err)
	}
	return uint64(n), nil
}

// Save mirrors a health snapshot with a TTL
func (s *Store) Save(ctx context.Context, providerID uuid.UUID, state *models.HealthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal health state: %w", err)
	}

	key := healthKeyPrefix + providerID.String()
	if err := s.client.Set(ctx, key, data, s.snapshotTTL).Err(); err != nil {
		return fmt.Errorf("failed to mirror health state: %w", err)
	}
	return nil
}

// Load fetches mirrored health snapshots. Expired or absent entries are
// simply missing from the result.
func (s *Store) Load(ctx context.Context, providerIDs []uuid.UUID) (map[uuid.UUID]models.HealthState, error) {
	if len(providerIDs) == 0 {
		return map[uuid.UUID]models.HealthState{}, nil
	}

	keys := make([]string, len(providerIDs))
	for i, id := range providerIDs {
		keys[i] = healthKeyPrefix + id.String()
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load health states: %w", err)
	}

	states := make(map[uuid.UUID]models.HealthState, len(providerIDs))
	for i, v := range values {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var state models.HealthState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			s.logger.Warn("discarding unreadable health snapshot",
				zap.String("provider_id", providerIDs[i].String()),
				zap.Error(err))
			continue
		}
		states[providerIDs[i]] = state
	}

	return states, nil
}

// Close releases the Redis client
func (s *Store) Close() error {
	return s.client.Close()
}

func cursorKey(orgID uuid.UUID, capability models.Capability) string {
	return fmt.Sprintf("%s%s:%s", cursorKeyPrefix, orgID, capability)
}
