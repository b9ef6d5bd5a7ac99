package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/middleware"
	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/repositories"
	"github.com/axonrelay/axonrelay/services/health"
	"github.com/axonrelay/axonrelay/services/routing"
	"github.com/axonrelay/axonrelay/utils"
)

// CreateProviderRequest represents a request to register a provider
type CreateProviderRequest struct {
	Name            string               `json:"name" validate:"required,min=1,max=255"`
	Type            models.ProviderType  `json:"type" validate:"required,providertype"`
	BaseURL         string               `json:"base_url" validate:"required,url"`
	Credential      string               `json:"credential" validate:"required"`
	Capabilities    []models.Capability  `json:"capabilities" validate:"required,min=1,dive,capability"`
	Models          []string             `json:"models,omitempty"`
	RateLimits      *models.RateLimits   `json:"rate_limits,omitempty"`
	CostPer1KTokens float64              `json:"cost_per_1k_tokens" validate:"gte=0"`
	LoadBalancing   *LoadBalancingUpdate `json:"load_balancing,omitempty"`
}

// UpdateProviderRequest represents a request to update a provider. The
// provider type is immutable: pointing a record at a different platform
// is a re-registration, not an edit.
type UpdateProviderRequest struct {
	Name            *string              `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	BaseURL         *string              `json:"base_url,omitempty" validate:"omitempty,url"`
	Credential      *string              `json:"credential,omitempty"`
	Capabilities    []models.Capability  `json:"capabilities,omitempty" validate:"omitempty,dive,capability"`
	Models          []string             `json:"models,omitempty"`
	RateLimits      *models.RateLimits   `json:"rate_limits,omitempty"`
	CostPer1KTokens *float64             `json:"cost_per_1k_tokens,omitempty" validate:"omitempty,gte=0"`
	LoadBalancing   *LoadBalancingUpdate `json:"load_balancing,omitempty"`
}

// LoadBalancingUpdate carries partial load-balancing settings. Omitted fields
// keep their current (or default) values.
type LoadBalancingUpdate struct {
	Strategy                *models.Strategy `json:"strategy,omitempty" validate:"omitempty,lbstrategy"`
	FailoverEnabled         *bool            `json:"failover_enabled,omitempty"`
	MaxRetries              *int             `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=10"`
	RetryDelayMs            *int             `json:"retry_delay_ms,omitempty" validate:"omitempty,gte=0"`
	CircuitBreakerThreshold *int             `json:"circuit_breaker_threshold,omitempty" validate:"omitempty,gte=0"`
	HealthCheckIntervalMs   *int             `json:"health_check_interval_ms,omitempty" validate:"omitempty,gte=0"`
}

// HealthReportRequest represents an externally observed provider outcome,
// reported by infrastructure that talks to the provider outside the relay.
type HealthReportRequest struct {
	Success   *bool   `json:"success" validate:"required"`
	LatencyMs float64 `json:"latency_ms" validate:"gte=0"`
	Error     string  `json:"error,omitempty" validate:"omitempty,max=1024"`
}

// ProviderResponse represents a provider in API responses. The credential
// never leaves the service; only its presence is reported.
type ProviderResponse struct {
	ID              uuid.UUID                  `json:"id"`
	OrgID           uuid.UUID                  `json:"org_id"`
	Name            string                     `json:"name"`
	Type            models.ProviderType        `json:"type"`
	BaseURL         string                     `json:"base_url"`
	CredentialSet   bool                       `json:"credential_set"`
	Capabilities    []models.Capability        `json:"capabilities"`
	Models          []string                   `json:"models,omitempty"`
	RateLimits      models.RateLimits          `json:"rate_limits"`
	CostPer1KTokens float64                    `json:"cost_per_1k_tokens"`
	Active          bool                       `json:"active"`
	Health          models.HealthState         `json:"health"`
	LoadBalancing   models.LoadBalancingConfig `json:"load_balancing"`
	CreatedAt       string                     `json:"created_at"`
	UpdatedAt       string                     `json:"updated_at"`
}

// ProviderHealthResponse pairs a provider with its current health snapshot.
type ProviderHealthResponse struct {
	ProviderID uuid.UUID          `json:"provider_id"`
	Name       string             `json:"name"`
	Health     models.HealthState `json:"health"`
}

// ProviderHandler handles provider registry HTTP requests
type ProviderHandler struct {
	providerRepo repositories.ProviderRepository
	tracker      *health.Tracker
	selector     *routing.Selector
	logger       *zap.Logger
}

// NewProviderHandler creates a new ProviderHandler
func NewProviderHandler(providerRepo repositories.ProviderRepository, tracker *health.Tracker, selector *routing.Selector, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		providerRepo: providerRepo,
		tracker:      tracker,
		selector:     selector,
		logger:       logger,
	}
}

// HandleListProviders handles GET /api/v1/providers
func (h *ProviderHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	orgID := middleware.GetOrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		h.logger.Error("missing org ID in context")
		_ = utils.WriteUnauthorized(w, "Missing organization information")
		return
	}

	var capability models.Capability
	if capStr := r.URL.Query().Get("capability"); capStr != "" {
		capability = models.Capability(capStr)
		if !capability.Valid() {
			_ = utils.WriteBadRequest(w, "Unknown capability", map[string]interface{}{
				"capability": capStr,
			})
			return
		}
	}

	records, err := h.providerRepo.GetByOrgID(ctx, orgID)
	if err != nil {
		h.logger.Error("failed to list providers",
			zap.String("request_id", requestID),
			zap.String("org_id", orgID.String()),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to retrieve providers")
		return
	}

	if capability != "" {
		filtered := records[:0]
		for _, record := range records {
			if record.HasCapability(capability) {
				filtered = append(filtered, record)
			}
		}
		records = filtered
	}

	// Stamp live health onto the persisted records before rendering.
	h.tracker.Overlay(records)

	responses := make([]ProviderResponse, len(records))
	for i, record := range records {
		responses[i] = providerToResponse(record)
	}

	h.logger.Debug("listed providers",
		zap.String("request_id", requestID),
		zap.String("org_id", orgID.String()),
		zap.Int("count", len(responses)))

	_ = utils.WriteOK(w, responses)
}

// HandleCreateProvider handles POST /api/v1/providers
func (h *ProviderHandler) HandleCreateProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	orgID := middleware.GetOrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		h.logger.Error("missing org ID in context")
		_ = utils.WriteUnauthorized(w, "Missing organization information")
		return
	}

	var req CreateProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	record := models.NewProviderRecord(orgID, req.Name, req.Type, req.BaseURL, models.Credential(req.Credential))
	record.Capabilities = req.Capabilities
	record.Models = req.Models
	record.CostPer1KTokens = req.CostPer1KTokens
	if req.RateLimits != nil {
		record.RateLimits = *req.RateLimits
	}
	applyLoadBalancing(&record.LoadBalancing, req.LoadBalancing)
	record.LoadBalancing.Normalize()

	if err := h.providerRepo.Create(ctx, record); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			_ = utils.WriteConflict(w, "A provider with this name already exists", map[string]interface{}{
				"name": req.Name,
			})
			return
		}
		h.logger.Error("failed to create provider",
			zap.String("request_id", requestID),
			zap.String("org_id", orgID.String()),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to create provider")
		return
	}

	h.selector.InvalidateOrg(orgID)

	h.logger.Info("provider registered",
		zap.String("request_id", requestID),
		zap.String("provider_id", record.ID.String()),
		zap.String("name", record.Name),
		zap.String("type", string(record.Type)))

	_ = utils.WriteCreated(w, providerToResponse(record))
}

// HandleGetProvider handles GET /api/v1/providers/{providerID}
func (h *ProviderHandler) HandleGetProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	orgID := middleware.GetOrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		h.logger.Error("missing org ID in context")
		_ = utils.WriteUnauthorized(w, "Missing organization information")
		return
	}

	providerID, err := utils.ParseUUIDParam(chi.URLParam(r, "providerID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid provider ID format", nil)
		return
	}

	record, ok := h.ownedProvider(ctx, w, providerID, orgID, requestID)
	if !ok {
		return
	}

	if snapshot, seen := h.tracker.Snapshot(record.ID); seen {
		record.Health = snapshot
	}

	_ = utils.WriteOK(w, providerToResponse(record))
}

// HandleUpdateProvider handles PUT /api/v1/providers/{providerID}
func (h *ProviderHandler) HandleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	orgID := middleware.GetOrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		h.logger.Error("missing org ID in context")
		_ = utils.WriteUnauthorized(w, "Missing organization information")
		return
	}

	providerID, err := utils.ParseUUIDParam(chi.URLParam(r, "providerID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid provider ID format", nil)
		return
	}

	var req UpdateProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	record, ok := h.ownedProvider(ctx, w, providerID, orgID, requestID)
	if !ok {
		return
	}

	if req.Name != nil {
		record.Name = *req.Name
	}
	if req.BaseURL != nil {
		record.BaseURL = *req.BaseURL
	}
	if req.Credential != nil {
		record.Credential = models.Credential(*req.Credential)
	}
	if req.Capabilities != nil {
		if len(req.Capabilities) == 0 {
			_ = utils.WriteBadRequest(w, "A provider must keep at least one capability", nil)
			return
		}
		record.Capabilities = req.Capabilities
	}
	if req.Models != nil {
		record.Models = req.Models
	}
	if req.RateLimits != nil {
		record.RateLimits = *req.RateLimits
	}
	if req.CostPer1KTokens != nil {
		record.CostPer1KTokens = *req.CostPer1KTokens
	}
	applyLoadBalancing(&record.LoadBalancing, req.LoadBalancing)
	record.LoadBalancing.Normalize()
	record.UpdatedAt = time.Now()

	if err := h.providerRepo.Update(ctx, record); err != nil {
		switch {
		case errors.Is(err, repositories.ErrDuplicate):
			_ = utils.WriteConflict(w, "A provider with this name already exists", map[string]interface{}{
				"name": record.Name,
			})
		case errors.Is(err, repositories.ErrNotFound):
			_ = utils.WriteNotFound(w, "Provider not found")
		default:
			h.logger.Error("failed to update provider",
				zap.String("request_id", requestID),
				zap.String("provider_id", providerID.String()),
				zap.Error(err))
			_ = utils.WriteInternalServerError(w, "Failed to update provider")
		}
		return
	}

	h.selector.InvalidateOrg(orgID)

	h.logger.Info("provider updated",
		zap.String("request_id", requestID),
		zap.String("provider_id", providerID.String()))

	if snapshot, seen := h.tracker.Snapshot(record.ID); seen {
		record.Health = snapshot
	}

	_ = utils.WriteOK(w, providerToResponse(record))
}

// HandleRetireProvider handles DELETE /api/v1/providers/{providerID}.
// Retirement is soft: the record stays for audit, the provider just stops
// being eligible for selection.
func (h *ProviderHandler) HandleRetireProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	orgID := middleware.GetOrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		h.logger.Error("missing org ID in context")
		_ = utils.WriteUnauthorized(w, "Missing organization information")
		return
	}

	providerID, err := utils.ParseUUIDParam(chi.URLParam(r, "providerID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid provider ID format", nil)
		return
	}

	record, ok := h.ownedProvider(ctx, w, providerID, orgID, requestID)
	if !ok {
		return
	}

	if err := h.providerRepo.SetActive(ctx, record.ID, false); err != nil {
		h.logger.Error("failed to retire provider",
			zap.String("request_id", requestID),
			zap.String("provider_id", providerID.String()),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to retire provider")
		return
	}

	// Drop the live health state; a later reactivation starts from the
	// persisted snapshot instead of a stale failure run.
	h.tracker.Forget(record.ID)
	h.selector.InvalidateOrg(orgID)

	h.logger.Info("provider retired",
		zap.String("request_id", requestID),
		zap.String("provider_id", providerID.String()))

	utils.WriteNoContent(w)
}

// HandleActivateProvider handles POST /api/v1/providers/{providerID}/activate
func (h *ProviderHandler) HandleActivateProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	orgID := middleware.GetOrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		h.logger.Error("missing org ID in context")
		_ = utils.WriteUnauthorized(w, "Missing organization information")
		return
	}

	providerID, err := utils.ParseUUIDParam(chi.URLParam(r, "providerID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid provider ID format", nil)
		return
	}

	record, ok := h.ownedProvider(ctx, w, providerID, orgID, requestID)
	if !ok {
		return
	}

	if err := h.providerRepo.SetActive(ctx, record.ID, true); err != nil {
		h.logger.Error("failed to activate provider",
			zap.String("request_id", requestID),
			zap.String("provider_id", providerID.String()),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to activate provider")
		return
	}

	h.selector.InvalidateOrg(orgID)

	h.logger.Info("provider activated",
		zap.String("request_id", requestID),
		zap.String("provider_id", providerID.String()))

	record.Active = true
	_ = utils.WriteOK(w, providerToResponse(record))
}

// HandleGetProviderHealth handles GET /api/v1/providers/{providerID}/health
func (h *ProviderHandler) HandleGetProviderHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	orgID := middleware.GetOrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		h.logger.Error("missing org ID in context")
		_ = utils.WriteUnauthorized(w, "Missing organization information")
		return
	}

	providerID, err := utils.ParseUUIDParam(chi.URLParam(r, "providerID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid provider ID format", nil)
		return
	}

	record, ok := h.ownedProvider(ctx, w, providerID, orgID, requestID)
	if !ok {
		return
	}

	state := record.Health
	if snapshot, seen := h.tracker.Snapshot(record.ID); seen {
		state = snapshot
	}

	_ = utils.WriteOK(w, ProviderHealthResponse{
		ProviderID: record.ID,
		Name:       record.Name,
		Health:     state,
	})
}

// HandleReportHealthCheck handles POST /api/v1/providers/{providerID}/health-report
func (h *ProviderHandler) HandleReportHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	orgID := middleware.GetOrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		h.logger.Error("missing org ID in context")
		_ = utils.WriteUnauthorized(w, "Missing organization information")
		return
	}

	providerID, err := utils.ParseUUIDParam(chi.URLParam(r, "providerID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid provider ID format", nil)
		return
	}

	var req HealthReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	record, ok := h.ownedProvider(ctx, w, providerID, orgID, requestID)
	if !ok {
		return
	}

	// Adopt the persisted snapshot first so the report folds into the
	// provider's history rather than a fresh optimistic state.
	h.tracker.Overlay([]*models.ProviderRecord{record})
	state := h.tracker.RecordOutcome(ctx, record.ID, *req.Success, req.LatencyMs, req.Error)

	h.logger.Info("health report recorded",
		zap.String("request_id", requestID),
		zap.String("provider_id", record.ID.String()),
		zap.Bool("success", *req.Success),
		zap.Bool("healthy", state.IsHealthy))

	_ = utils.WriteOK(w, ProviderHealthResponse{
		ProviderID: record.ID,
		Name:       record.Name,
		Health:     state,
	})
}

// ownedProvider fetches a provider and verifies it belongs to the caller's
// organization, writing the error response itself when either step fails.
func (h *ProviderHandler) ownedProvider(ctx context.Context, w http.ResponseWriter, providerID, orgID uuid.UUID, requestID string) (*models.ProviderRecord, bool) {
	record, err := h.providerRepo.GetByID(ctx, providerID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			_ = utils.WriteNotFound(w, "Provider not found")
			return nil, false
		}
		h.logger.Error("failed to fetch provider",
			zap.String("request_id", requestID),
			zap.String("provider_id", providerID.String()),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to retrieve provider")
		return nil, false
	}

	if record.OrgID != orgID {
		h.logger.Warn("provider ownership mismatch",
			zap.String("request_id", requestID),
			zap.String("provider_id", providerID.String()),
			zap.String("caller_org_id", orgID.String()),
			zap.String("owner_org_id", record.OrgID.String()))
		_ = utils.WriteForbidden(w, "Access denied to this provider")
		return nil, false
	}

	return record, true
}

// applyLoadBalancing overlays the supplied partial settings onto cfg.
func applyLoadBalancing(cfg *models.LoadBalancingConfig, upd *LoadBalancingUpdate) {
	if upd == nil {
		return
	}
	if upd.Strategy != nil {
		cfg.Strategy = *upd.Strategy
	}
	if upd.FailoverEnabled != nil {
		cfg.FailoverEnabled = *upd.FailoverEnabled
	}
	if upd.MaxRetries != nil {
		cfg.MaxRetries = *upd.MaxRetries
	}
	if upd.RetryDelayMs != nil {
		cfg.RetryDelayMs = *upd.RetryDelayMs
	}
	if upd.CircuitBreakerThreshold != nil {
		cfg.CircuitBreakerThreshold = *upd.CircuitBreakerThreshold
	}
	if upd.HealthCheckIntervalMs != nil {
		cfg.HealthCheckIntervalMs = *upd.HealthCheckIntervalMs
	}
}

// providerToResponse converts a ProviderRecord to a ProviderResponse
func providerToResponse(p *models.ProviderRecord) ProviderResponse {
	return ProviderResponse{
		ID:              p.ID,
		OrgID:           p.OrgID,
		Name:            p.Name,
		Type:            p.Type,
		BaseURL:         p.BaseURL,
		CredentialSet:   p.Credential.IsSet(),
		Capabilities:    p.Capabilities,
		Models:          p.Models,
		RateLimits:      p.RateLimits,
		CostPer1KTokens: p.CostPer1KTokens,
		Active:          p.Active,
		Health:          p.Health,
		LoadBalancing:   p.LoadBalancing,
		CreatedAt:       p.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:       p.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
