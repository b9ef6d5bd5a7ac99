package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/auth"
	"github.com/axonrelay/axonrelay/config"
	"github.com/axonrelay/axonrelay/middleware"
	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/repositories"
	"github.com/axonrelay/axonrelay/repositories/memorystate"
	"github.com/axonrelay/axonrelay/repositories/postgres"
	"github.com/axonrelay/axonrelay/repositories/redisstate"
	"github.com/axonrelay/axonrelay/services/failover"
	"github.com/axonrelay/axonrelay/services/health"
	"github.com/axonrelay/axonrelay/services/providers"
	"github.com/axonrelay/axonrelay/services/providers/openai"
	"github.com/axonrelay/axonrelay/services/routing"
)

// Dependencies holds all application dependencies. It is the central wiring
// point for dependency injection: construction order follows the data flow
// (config, storage, routing state, adapters, selection, failover, auth) and
// Close tears it down in reverse.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Providers repositories.ProviderRepository
	Health    repositories.HealthStateRepository
	TxManager repositories.TransactionManager

	// RouteState holds the round-robin cursors: in-process by default, Redis
	// when configured so rotations interleave across replicas.
	RouteState repositories.RouteStateStore
	redisStore *redisstate.Store

	// Core services
	AdapterRegistry *providers.Registry
	Tracker         *health.Tracker
	ProviderCache   *routing.ProviderCache
	Selector        *routing.Selector
	Coordinator     *failover.Coordinator
	Prober          *health.Prober

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	proberCancel context.CancelFunc
	proberDone   chan struct{}
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := deps.initRouteState(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize route state: %w", err)
	}

	if err := deps.initAdapters(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize provider adapters: %w", err)
	}

	deps.initRouting(cfg)
	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL connection and schema
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := d.DB.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() error {
	repos := d.RepoFactory.NewRepositories()

	d.Providers = repos.Providers
	d.Health = repos.Health
	d.TxManager = d.RepoFactory.GetTransactionManager()

	d.Logger.Info("repositories initialized")
	return nil
}

// initRouteState picks where round-robin cursors and health mirrors live.
func (d *Dependencies) initRouteState(cfg *config.Config) error {
	if !cfg.Redis.Enabled {
		d.RouteState = memorystate.NewStore()
		d.Logger.Info("routing state kept in process memory")
		return nil
	}

	store, err := redisstate.NewStore(cfg.Redis, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	d.redisStore = store
	d.RouteState = store
	return nil
}

// initAdapters registers the platform dialects the relay can speak. The
// OpenAI dialect also serves provider types that expose OpenAI-compatible
// APIs behind their own base URL.
func (d *Dependencies) initAdapters(cfg *config.Config) error {
	registry := providers.NewRegistry()

	timeout := cfg.Routing.RequestTimeout
	adapters := []providers.Invoker{
		openai.NewAdapter(timeout),
		openai.NewCompatibleAdapter(models.ProviderMistral, timeout),
		openai.NewCompatibleAdapter(models.ProviderCustom, timeout),
	}
	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			return fmt.Errorf("failed to register %s adapter: %w", adapter.Type(), err)
		}
	}

	d.AdapterRegistry = registry
	d.Logger.Info("provider adapters registered", zap.Int("count", registry.Count()))
	return nil
}

// initRouting wires the health tracker, selection and failover pipeline.
func (d *Dependencies) initRouting(cfg *config.Config) {
	// The Redis store doubles as a health snapshot mirror when enabled.
	var mirror repositories.HealthStateRepository
	if d.redisStore != nil {
		mirror = d.redisStore
	}
	d.Tracker = health.NewTracker(d.Health, mirror, cfg.Routing, d.Logger)

	d.ProviderCache = routing.NewProviderCache(cfg.Routing.CacheSize, cfg.Routing.CacheTTL)
	d.Selector = routing.NewSelector(d.Providers, d.RouteState, d.Tracker, d.ProviderCache, d.Logger)
	d.Coordinator = failover.NewCoordinator(d.Selector, d.Tracker, cfg.Routing, d.Logger)
	d.Prober = health.NewProber(d.Providers, d.AdapterRegistry, d.Tracker, cfg.Routing, d.Logger)

	d.Logger.Info("routing pipeline initialized",
		zap.Duration("cache_ttl", cfg.Routing.CacheTTL),
		zap.Int("unhealthy_after", cfg.Routing.UnhealthyAfter))
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWKSURL == "" {
		d.Logger.Warn("auth not configured, protected routes will reject all requests")
		// Reject-all validator so protected routes return 401 instead of
		// silently opening up.
		d.AuthMiddleware = middleware.NewAuthMiddleware(&rejectAllValidator{}, d.Logger)
		return
	}

	jwksValidator := auth.NewValidator(auth.Config{
		JWKSURL:     cfg.Auth.JWKSURL,
		Issuer:      cfg.Auth.Issuer,
		Audience:    cfg.Auth.Audience,
		CacheTTL:    time.Hour,
		HTTPTimeout: 10 * time.Second,
	})
	tokenValidator := &jwksTokenValidatorAdapter{validator: jwksValidator}
	d.AuthMiddleware = middleware.NewAuthMiddleware(tokenValidator, d.Logger)
	d.Logger.Info("token validation initialized", zap.String("issuer", cfg.Auth.Issuer))
}

// StartProber launches the background health prober. It runs until Close.
func (d *Dependencies) StartProber() {
	proberCtx, cancel := context.WithCancel(context.Background())
	d.proberCancel = cancel
	d.proberDone = make(chan struct{})

	go func() {
		defer close(d.proberDone)
		d.Prober.Run(proberCtx)
	}()
}

// jwksTokenValidatorAdapter adapts auth.Validator to middleware.TokenValidator
type jwksTokenValidatorAdapter struct {
	validator *auth.Validator
}

func (a *jwksTokenValidatorAdapter) ValidateToken(ctx context.Context, token string) (*middleware.Claims, error) {
	parsed, err := a.validator.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &middleware.Claims{
		Subject:   parsed.Subject,
		OrgID:     parsed.OrgID,
		ExpiresAt: parsed.ExpiresAt,
	}, nil
}

// rejectAllValidator rejects all tokens (used when no JWKS endpoint is configured)
type rejectAllValidator struct{}

func (*rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, fmt.Errorf("authentication not configured")
}

// Close gracefully shuts down all dependencies in reverse construction order.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	// Stop background probing first so nothing new is recorded mid-teardown.
	if d.proberCancel != nil {
		d.proberCancel()
		select {
		case <-d.proberDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("prober shutdown: %w", ctx.Err()))
		}
	}

	// Wait for in-flight health snapshot writes.
	if d.Tracker != nil {
		d.Tracker.Close()
	}

	if d.redisStore != nil {
		if err := d.redisStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		} else {
			d.Logger.Info("redis connection closed")
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
