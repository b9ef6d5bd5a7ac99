package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/axonrelay/axonrelay/config"
	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/repositories/memorystate"
	"github.com/axonrelay/axonrelay/repositories/postgres"
	"github.com/axonrelay/axonrelay/repositories/redisstate"
	"github.com/axonrelay/axonrelay/services/providers"
)

func TestNewDependencies(t *testing.T) {
	t.Run("successful initialization with all components", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		logger := zaptest.NewLogger(t)

		// Skip if database not available
		if !isDatabaseAvailable(t, cfg) {
			t.Skip("database not available")
		}

		deps, err := NewDependencies(ctx, cfg, logger)
		require.NoError(t, err)
		require.NotNil(t, deps)

		// Verify infrastructure
		assert.NotNil(t, deps.Config)
		assert.NotNil(t, deps.DB)
		assert.NotNil(t, deps.Logger)

		// Verify repositories
		assert.NotNil(t, deps.Providers)
		assert.NotNil(t, deps.Health)
		assert.NotNil(t, deps.TxManager)

		// Route state defaults to in-process without Redis
		_, inMemory := deps.RouteState.(*memorystate.Store)
		assert.True(t, inMemory)
		assert.Nil(t, deps.redisStore)

		// Verify the routing pipeline
		assert.NotNil(t, deps.AdapterRegistry)
		assert.NotNil(t, deps.Tracker)
		assert.NotNil(t, deps.ProviderCache)
		assert.NotNil(t, deps.Selector)
		assert.NotNil(t, deps.Coordinator)
		assert.NotNil(t, deps.Prober)

		// Auth falls back to reject-all when no JWKS endpoint is configured
		assert.NotNil(t, deps.AuthMiddleware)

		// Cleanup
		err = deps.Close(ctx)
		assert.NoError(t, err)
	})

	t.Run("database connection failure", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Database.Host = "invalid-host-that-does-not-exist"
		logger := zaptest.NewLogger(t)

		deps, err := NewDependencies(ctx, cfg, logger)
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize database")
	})

	t.Run("redis connection failure", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		logger := zaptest.NewLogger(t)

		if !isDatabaseAvailable(t, cfg) {
			t.Skip("database not available")
		}

		// Nothing listens on port 1; the connect check fails fast.
		cfg.Redis = config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"}

		deps, err := NewDependencies(ctx, cfg, logger)
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize route state")
	})
}

func TestDependenciesClose(t *testing.T) {
	t.Run("graceful shutdown", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		logger := zaptest.NewLogger(t)

		// Skip if database not available
		if !isDatabaseAvailable(t, cfg) {
			t.Skip("database not available")
		}

		deps, err := NewDependencies(ctx, cfg, logger)
		require.NoError(t, err)
		require.NotNil(t, deps)

		// Close must stop the background prober too.
		deps.StartProber()

		err = deps.Close(ctx)
		assert.NoError(t, err)

		select {
		case <-deps.proberDone:
		default:
			t.Fatal("prober still running after Close")
		}

		// Second close should not panic
		_ = deps.Close(ctx)
	})
}

func TestInitAdapters(t *testing.T) {
	cfg := testConfig(t)
	deps := &Dependencies{Config: cfg, Logger: zaptest.NewLogger(t)}

	err := deps.initAdapters(cfg)
	require.NoError(t, err)
	require.NotNil(t, deps.AdapterRegistry)

	// OpenAI plus the OpenAI-compatible dialects.
	assert.Equal(t, 3, deps.AdapterRegistry.Count())

	for _, providerType := range []models.ProviderType{
		models.ProviderOpenAI, models.ProviderMistral, models.ProviderCustom,
	} {
		adapter, err := deps.AdapterRegistry.ForType(providerType)
		require.NoError(t, err, "adapter for %s", providerType)
		assert.Equal(t, providerType, adapter.Type())
	}

	_, err = deps.AdapterRegistry.ForType(models.ProviderAnthropic)
	assert.True(t, errors.Is(err, providers.ErrNoAdapter))
}

func TestInitRouteState(t *testing.T) {
	t.Run("in-process store by default", func(t *testing.T) {
		cfg := testConfig(t)
		deps := &Dependencies{Config: cfg, Logger: zaptest.NewLogger(t)}

		err := deps.initRouteState(cfg)
		require.NoError(t, err)

		_, inMemory := deps.RouteState.(*memorystate.Store)
		assert.True(t, inMemory)
		assert.Nil(t, deps.redisStore)
	})

	t.Run("redis store when enabled", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)

		cfg := testConfig(t)
		cfg.Redis = config.RedisConfig{
			Enabled:     true,
			Addr:        mr.Addr(),
			SnapshotTTL: time.Minute,
		}
		deps := &Dependencies{Config: cfg, Logger: zaptest.NewLogger(t)}

		err = deps.initRouteState(cfg)
		require.NoError(t, err)
		require.NotNil(t, deps.redisStore)
		t.Cleanup(func() { _ = deps.redisStore.Close() })

		_, shared := deps.RouteState.(*redisstate.Store)
		assert.True(t, shared)

		// Cursors advance through Redis.
		orgID := uuid.New()
		first, err := deps.RouteState.NextCursor(context.Background(), orgID, models.CapabilityChat)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), first)

		second, err := deps.RouteState.NextCursor(context.Background(), orgID, models.CapabilityChat)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), second)
	})
}

func TestInitAuth(t *testing.T) {
	t.Run("reject-all validator without JWKS endpoint", func(t *testing.T) {
		cfg := testConfig(t)
		deps := &Dependencies{Config: cfg, Logger: zaptest.NewLogger(t)}

		deps.initAuth(cfg)
		assert.NotNil(t, deps.AuthMiddleware)

		claims, err := (&rejectAllValidator{}).ValidateToken(context.Background(), "any-token")
		assert.Error(t, err)
		assert.Nil(t, claims)
	})

	t.Run("jwks validator when configured", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Auth = config.AuthConfig{
			JWKSURL:  "https://auth.example.com/.well-known/jwks.json",
			Issuer:   "https://auth.example.com/",
			Audience: "axonrelay",
		}
		deps := &Dependencies{Config: cfg, Logger: zaptest.NewLogger(t)}

		deps.initAuth(cfg)
		assert.NotNil(t, deps.AuthMiddleware)
	})
}

// Test helpers

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: config.DatabaseConfig{
			Host:            getEnvOrDefault("DB_HOST", "localhost"),
			Port:            5432,
			User:            getEnvOrDefault("DB_USER", "relay"),
			Password:        getEnvOrDefault("DB_PASSWORD", "relay_password"),
			Database:        getEnvOrDefault("DB_NAME", "axonrelay_test"),
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: config.RedisConfig{
			Enabled: false,
		},
		Routing: config.RoutingConfig{
			UnhealthyAfter: 3,
			LatencyAlpha:   0.3,
			HealthWindow:   50,
			MaxBackoff:     30 * time.Second,
			ProbeTimeout:   5 * time.Second,
			RequestTimeout: 60 * time.Second,
			CacheTTL:       30 * time.Second,
			CacheSize:      64,
		},
		Observability: config.ObservabilityConfig{
			LogLevel:  "error",
			LogFormat: "json",
		},
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	// In tests, just return default
	return defaultValue
}

func isDatabaseAvailable(t *testing.T, cfg *config.Config) bool {
	logger := zap.NewNop()
	factory, err := postgres.NewRepositoryFactory(cfg, logger)
	if err != nil {
		return false
	}
	defer factory.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return factory.GetDB().PingContext(ctx) == nil
}
