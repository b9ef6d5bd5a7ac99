package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/axonrelay/axonrelay/app"
	"github.com/axonrelay/axonrelay/handlers"
	"github.com/axonrelay/axonrelay/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware. The request timeout matches the server write timeout
	// so a failover chain is cancelled before the connection is torn down.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(deps.Config.Server.WriteTimeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	providerHandler := handlers.NewProviderHandler(deps.Providers, deps.Tracker, deps.Selector, deps.Logger)
	relayHandler := handlers.NewRelayHandler(deps.Selector, deps.Coordinator, deps.AdapterRegistry, deps.Config.Routing, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", handlers.HealthCheck(deps))
	r.Get("/readyz", handlers.ReadinessCheck(deps))

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/status", handlers.StatusHandler(deps))

		// Provider registry (requires authentication)
		r.Route("/providers", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Get("/", providerHandler.HandleListProviders)
			r.Post("/", providerHandler.HandleCreateProvider)
			r.Get("/{providerID}", providerHandler.HandleGetProvider)
			r.Put("/{providerID}", providerHandler.HandleUpdateProvider)
			r.Delete("/{providerID}", providerHandler.HandleRetireProvider)
			r.Post("/{providerID}/activate", providerHandler.HandleActivateProvider)
			r.Get("/{providerID}/health", providerHandler.HandleGetProviderHealth)
			r.Post("/{providerID}/health-report", providerHandler.HandleReportHealthCheck)
		})

		// Relay endpoints (require authentication)
		r.Route("/relay", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Post("/select", relayHandler.HandleSelectProvider)
			r.Post("/chat", relayHandler.HandleChat)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
