package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/config"
	"github.com/axonrelay/axonrelay/middleware"
	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/services/failover"
	"github.com/axonrelay/axonrelay/services/providers"
	"github.com/axonrelay/axonrelay/services/routing"
	"github.com/axonrelay/axonrelay/utils"
)

// SelectProviderRequest asks the selector which provider would serve a
// capability right now. Exclude lets callers skip providers they have
// already tried themselves.
type SelectProviderRequest struct {
	Capability models.Capability `json:"capability" validate:"required,capability"`
	Exclude    []uuid.UUID       `json:"exclude,omitempty"`
}

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// RelayChatRequest is an OpenAI-compatible chat completion request. Model is
// optional: when omitted, the adapter uses the selected provider's first
// registered model.
type RelayChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int          `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	TopP        *float64      `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
}

// ChatChoice represents a completion choice
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage represents token usage information
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RelayProviderInfo attributes a relayed response to the provider that
// actually served it.
type RelayProviderInfo struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Attempts  int       `json:"attempts"`
	LatencyMs float64   `json:"latency_ms"`
}

// RelayChatResponse is an OpenAI-compatible chat completion response with
// provider attribution.
type RelayChatResponse struct {
	ID       string            `json:"id"`
	Object   string            `json:"object"`
	Created  int64             `json:"created"`
	Model    string            `json:"model"`
	Choices  []ChatChoice      `json:"choices"`
	Usage    ChatUsage         `json:"usage"`
	Provider RelayProviderInfo `json:"provider"`
}

// RelayHandler handles provider selection and relayed chat completions
type RelayHandler struct {
	selector    *routing.Selector
	coordinator *failover.Coordinator
	registry    *providers.Registry
	cfg         config.RoutingConfig
	logger      *zap.Logger
}

// NewRelayHandler creates a new RelayHandler
func NewRelayHandler(selector *routing.Selector, coordinator *failover.Coordinator, registry *providers.Registry, cfg config.RoutingConfig, logger *zap.Logger) *RelayHandler {
	return &RelayHandler{
		selector:    selector,
		coordinator: coordinator,
		registry:    registry,
		cfg:         cfg,
		logger:      logger,
	}
}

// HandleSelectProvider handles POST /api/v1/relay/select. It runs one
// selection round without invoking anything, so callers that talk to
// providers directly can still route through the relay's view of health.
func (h *RelayHandler) HandleSelectProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	orgID := middleware.GetOrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		h.logger.Error("missing org ID in context")
		_ = utils.WriteUnauthorized(w, "Missing organization information")
		return
	}

	var req SelectProviderRequest
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

	var exclude map[uuid.UUID]bool
	if len(req.Exclude) > 0 {
		exclude = make(map[uuid.UUID]bool, len(req.Exclude))
		for _, id := range req.Exclude {
			exclude[id] = true
		}
	}

	record, err := h.selector.Select(ctx, orgID, req.Capability, exclude)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("provider selected",
		zap.String("request_id", requestID),
		zap.String("org_id", orgID.String()),
		zap.String("capability", string(req.Capability)),
		zap.String("provider_id", record.ID.String()),
		zap.String("strategy", string(record.LoadBalancing.Strategy)))

	_ = utils.WriteOK(w, providerToResponse(record))
}

// HandleChat handles POST /api/v1/relay/chat. The coordinator owns retries
// and failover; this handler only shapes the request and the response.
func (h *RelayHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	orgID := middleware.GetOrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		h.logger.Error("missing org ID in context")
		_ = utils.WriteUnauthorized(w, "Missing organization information")
		return
	}

	var chatReq RelayChatRequest
	if err := json.NewDecoder(r.Body).Decode(&chatReq); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&chatReq); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	if chatReq.Stream {
		_ = utils.WriteBadRequest(w, "Streaming is not supported", nil)
		return
	}

	provReq := &providers.Request{
		Model:    chatReq.Model,
		Messages: make([]providers.Message, len(chatReq.Messages)),
		Stop:     chatReq.Stop,
		User:     chatReq.User,
	}
	for i, m := range chatReq.Messages {
		provReq.Messages[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	if chatReq.Temperature != nil {
		provReq.Temperature = *chatReq.Temperature
	}
	if chatReq.MaxTokens != nil {
		provReq.MaxTokens = *chatReq.MaxTokens
	}
	if chatReq.TopP != nil {
		provReq.TopP = *chatReq.TopP
	}

	h.logger.Debug("relaying chat completion",
		zap.String("request_id", requestID),
		zap.String("org_id", orgID.String()),
		zap.String("model", chatReq.Model))

	invoke := func(ctx context.Context, record *models.ProviderRecord) (*providers.Result, error) {
		adapter, err := h.registry.ForProvider(record)
		if err != nil {
			return nil, err
		}
		callCtx := ctx
		if h.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
			defer cancel()
		}
		return adapter.Invoke(callCtx, record, provReq)
	}

	result, err := h.coordinator.Execute(ctx, orgID, models.CapabilityChat, invoke)
	if err != nil {
		h.logger.Error("relay failed",
			zap.String("request_id", requestID),
			zap.String("org_id", orgID.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	created := result.Created
	if created.IsZero() {
		created = time.Now()
	}

	response := RelayChatResponse{
		ID:      result.ID,
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   result.Model,
		Choices: make([]ChatChoice, len(result.Choices)),
		Usage: ChatUsage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		Provider: RelayProviderInfo{
			ID:        result.ProviderID,
			Name:      result.ProviderName,
			Attempts:  result.Attempts,
			LatencyMs: float64(result.Latency) / float64(time.Millisecond),
		},
	}
	for i, choice := range result.Choices {
		response.Choices[i] = ChatChoice{
			Index:        choice.Index,
			Message:      ChatMessage{Role: choice.Message.Role, Content: choice.Message.Content},
			FinishReason: choice.FinishReason,
		}
	}

	h.logger.Info("chat completion relayed",
		zap.String("request_id", requestID),
		zap.String("provider", result.ProviderName),
		zap.String("model", result.Model),
		zap.Int("attempts", result.Attempts),
		zap.Int("total_tokens", result.Usage.TotalTokens),
		zap.Duration("latency", result.Latency))

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}
