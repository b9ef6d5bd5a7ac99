package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/middleware"
	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/repositories"
	"github.com/axonrelay/axonrelay/repositories/memorystate"
	"github.com/axonrelay/axonrelay/services/failover"
	"github.com/axonrelay/axonrelay/services/health"
	"github.com/axonrelay/axonrelay/services/providers"
	"github.com/axonrelay/axonrelay/services/routing"
)

// stubInvoker is a scripted adapter for relay tests.
type stubInvoker struct {
	providerType models.ProviderType
	invoke       func(ctx context.Context, record *models.ProviderRecord, req *providers.Request) (*providers.Result, error)
}

func (s *stubInvoker) Type() models.ProviderType {
	return s.providerType
}

func (s *stubInvoker) Invoke(ctx context.Context, record *models.ProviderRecord, req *providers.Request) (*providers.Result, error) {
	return s.invoke(ctx, record, req)
}

func (s *stubInvoker) Probe(ctx context.Context, record *models.ProviderRecord) error {
	return nil
}

// newTestRelayHandler wires a handler against the mock repository with a live
// selector and coordinator, matching the app container's wiring.
func newTestRelayHandler(repo repositories.ProviderRepository, registry *providers.Registry) *RelayHandler {
	logger := zap.NewNop()
	cfg := testRoutingConfig()
	tracker := health.NewTracker(nil, nil, cfg, logger)
	selector := routing.NewSelector(repo, memorystate.NewStore(), tracker, nil, logger)
	coordinator := failover.NewCoordinator(selector, tracker, cfg, logger)
	return NewRelayHandler(selector, coordinator, registry, cfg, logger)
}

// relayProvider builds an active chat provider with a fixed id so rotation
// order is predictable, and a short retry delay so failover tests run fast.
func relayProvider(orgID uuid.UUID, id, name string) *models.ProviderRecord {
	record := chatProvider(orgID, name)
	record.ID = uuid.MustParse(id)
	record.LoadBalancing.RetryDelayMs = 1
	return record
}

// chatResult scripts a successful completion attributed to record.
func chatResult(record *models.ProviderRecord) *providers.Result {
	return &providers.Result{
		ID:    "chatcmpl-test-1",
		Model: "gpt-4o",
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: "Hello there"},
			FinishReason: "stop",
		}},
		Usage:        providers.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
		ProviderID:   record.ID,
		ProviderName: record.Name,
		Latency:      42 * time.Millisecond,
		Created:      time.Now(),
	}
}

func TestHandleSelectProvider(t *testing.T) {
	orgID := uuid.New()
	idA := "11111111-1111-1111-1111-111111111111"
	idB := "22222222-2222-2222-2222-222222222222"

	t.Run("selects the first candidate in rotation", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)
		handler := newTestRelayHandler(mockRepo, providers.NewRegistry())

		records := []*models.ProviderRecord{
			relayProvider(orgID, idA, "openai-a"),
			relayProvider(orgID, idB, "openai-b"),
		}
		mockRepo.On("ListActiveForOrg", mock.Anything, orgID).Return(records, nil)

		body, _ := json.Marshal(SelectProviderRequest{Capability: models.CapabilityChat})

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/select", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleSelectProvider(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)

		data := response["data"].(map[string]interface{})
		assert.Equal(t, idA, data["id"])
		assert.Equal(t, true, data["credential_set"])
		assert.NotContains(t, w.Body.String(), "sk-test-secret")

		mockRepo.AssertExpectations(t)
	})

	t.Run("exclude skips already-tried providers", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)
		handler := newTestRelayHandler(mockRepo, providers.NewRegistry())

		records := []*models.ProviderRecord{
			relayProvider(orgID, idA, "openai-a"),
			relayProvider(orgID, idB, "openai-b"),
		}
		mockRepo.On("ListActiveForOrg", mock.Anything, orgID).Return(records, nil)

		body, _ := json.Marshal(SelectProviderRequest{
			Capability: models.CapabilityChat,
			Exclude:    []uuid.UUID{uuid.MustParse(idA)},
		})

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/select", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleSelectProvider(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)

		data := response["data"].(map[string]interface{})
		assert.Equal(t, idB, data["id"])

		mockRepo.AssertExpectations(t)
	})

	t.Run("unknown capability", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)
		handler := newTestRelayHandler(mockRepo, providers.NewRegistry())

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/select",
			bytes.NewReader([]byte(`{"capability": "telepathy"}`)))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleSelectProvider(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty candidate pool", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)
		handler := newTestRelayHandler(mockRepo, providers.NewRegistry())

		mockRepo.On("ListActiveForOrg", mock.Anything, orgID).Return([]*models.ProviderRecord{}, nil)

		body, _ := json.Marshal(SelectProviderRequest{Capability: models.CapabilityChat})

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/select", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleSelectProvider(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, "not_found", response["error"])

		mockRepo.AssertExpectations(t)
	})

	t.Run("missing org ID", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)
		handler := newTestRelayHandler(mockRepo, providers.NewRegistry())

		body, _ := json.Marshal(SelectProviderRequest{Capability: models.CapabilityChat})

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/select", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		handler.HandleSelectProvider(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandleChat(t *testing.T) {
	orgID := uuid.New()
	idA := "11111111-1111-1111-1111-111111111111"
	idB := "22222222-2222-2222-2222-222222222222"

	chatBody := func(t *testing.T) []byte {
		t.Helper()
		body, err := json.Marshal(RelayChatRequest{
			Messages: []ChatMessage{{Role: "user", Content: "Say hello"}},
		})
		require.NoError(t, err)
		return body
	}

	t.Run("relays through the selected provider", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)

		var invokedWith *models.ProviderRecord
		stub := &stubInvoker{
			providerType: models.ProviderOpenAI,
			invoke: func(ctx context.Context, record *models.ProviderRecord, req *providers.Request) (*providers.Result, error) {
				invokedWith = record
				return chatResult(record), nil
			},
		}
		registry := providers.NewRegistry()
		require.NoError(t, registry.Register(stub))

		handler := newTestRelayHandler(mockRepo, registry)

		records := []*models.ProviderRecord{relayProvider(orgID, idA, "openai-a")}
		mockRepo.On("ListActiveForOrg", mock.Anything, orgID).Return(records, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/chat", bytes.NewReader(chatBody(t)))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleChat(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)

		data := response["data"].(map[string]interface{})
		assert.Equal(t, "chat.completion", data["object"])
		assert.Equal(t, "gpt-4o", data["model"])

		choices := data["choices"].([]interface{})
		require.Len(t, choices, 1)
		message := choices[0].(map[string]interface{})["message"].(map[string]interface{})
		assert.Equal(t, "Hello there", message["content"])

		usage := data["usage"].(map[string]interface{})
		assert.Equal(t, float64(16), usage["total_tokens"])

		provider := data["provider"].(map[string]interface{})
		assert.Equal(t, idA, provider["id"])
		assert.Equal(t, "openai-a", provider["name"])
		assert.Equal(t, float64(1), provider["attempts"])

		// The adapter gets the raw credential, the response does not.
		require.NotNil(t, invokedWith)
		assert.Equal(t, "sk-test-secret", invokedWith.Credential.Reveal())
		assert.NotContains(t, w.Body.String(), "sk-test-secret")

		mockRepo.AssertExpectations(t)
	})

	t.Run("fails over to the next provider", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)

		stub := &stubInvoker{
			providerType: models.ProviderOpenAI,
			invoke: func(ctx context.Context, record *models.ProviderRecord, req *providers.Request) (*providers.Result, error) {
				if record.Name == "openai-a" {
					return nil, providers.NewProviderError(record.ID, record.Name,
						"server_error", "provider returned 503", 503, true, nil)
				}
				return chatResult(record), nil
			},
		}
		registry := providers.NewRegistry()
		require.NoError(t, registry.Register(stub))

		handler := newTestRelayHandler(mockRepo, registry)

		records := []*models.ProviderRecord{
			relayProvider(orgID, idA, "openai-a"),
			relayProvider(orgID, idB, "openai-b"),
		}
		mockRepo.On("ListActiveForOrg", mock.Anything, orgID).Return(records, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/chat", bytes.NewReader(chatBody(t)))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleChat(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)

		data := response["data"].(map[string]interface{})
		provider := data["provider"].(map[string]interface{})
		assert.Equal(t, idB, provider["id"])
		assert.Equal(t, "openai-b", provider["name"])
		assert.Equal(t, float64(2), provider["attempts"])

		mockRepo.AssertExpectations(t)
	})

	t.Run("all providers fail", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)

		stub := &stubInvoker{
			providerType: models.ProviderOpenAI,
			invoke: func(ctx context.Context, record *models.ProviderRecord, req *providers.Request) (*providers.Result, error) {
				return nil, providers.NewProviderError(record.ID, record.Name,
					"server_error", "provider returned 503", 503, true, nil)
			},
		}
		registry := providers.NewRegistry()
		require.NoError(t, registry.Register(stub))

		handler := newTestRelayHandler(mockRepo, registry)

		records := []*models.ProviderRecord{
			relayProvider(orgID, idA, "openai-a"),
			relayProvider(orgID, idB, "openai-b"),
		}
		mockRepo.On("ListActiveForOrg", mock.Anything, orgID).Return(records, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/chat", bytes.NewReader(chatBody(t)))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleChat(w, req)

		assert.Equal(t, http.StatusBadGateway, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, "bad_gateway", response["error"])

		details := response["details"].(map[string]interface{})
		assert.Equal(t, "chat", details["capability"])
		assert.Equal(t, float64(2), details["attempts"])

		mockRepo.AssertExpectations(t)
	})

	t.Run("terminal provider fault stops failover", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)

		calls := 0
		stub := &stubInvoker{
			providerType: models.ProviderOpenAI,
			invoke: func(ctx context.Context, record *models.ProviderRecord, req *providers.Request) (*providers.Result, error) {
				calls++
				return nil, providers.NewProviderError(record.ID, record.Name,
					"invalid_api_key", "provider returned 401", 401, false, nil)
			},
		}
		registry := providers.NewRegistry()
		require.NoError(t, registry.Register(stub))

		handler := newTestRelayHandler(mockRepo, registry)

		records := []*models.ProviderRecord{
			relayProvider(orgID, idA, "openai-a"),
			relayProvider(orgID, idB, "openai-b"),
		}
		mockRepo.On("ListActiveForOrg", mock.Anything, orgID).Return(records, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/chat", bytes.NewReader(chatBody(t)))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleChat(w, req)

		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, 1, calls, "a terminal fault must not trigger another attempt")

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)

		details := response["details"].(map[string]interface{})
		assert.Equal(t, "openai-a", details["provider"])
		assert.Equal(t, "invalid_api_key", details["code"])
		assert.Equal(t, float64(401), details["status_code"])

		mockRepo.AssertExpectations(t)
	})

	t.Run("no adapter registered", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)
		handler := newTestRelayHandler(mockRepo, providers.NewRegistry())

		records := []*models.ProviderRecord{relayProvider(orgID, idA, "openai-a")}
		mockRepo.On("ListActiveForOrg", mock.Anything, orgID).Return(records, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/chat", bytes.NewReader(chatBody(t)))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleChat(w, req)

		assert.Equal(t, http.StatusBadGateway, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, "No adapter available for the selected provider type", response["message"])

		mockRepo.AssertExpectations(t)
	})

	t.Run("streaming not supported", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)
		handler := newTestRelayHandler(mockRepo, providers.NewRegistry())

		body, _ := json.Marshal(RelayChatRequest{
			Messages: []ChatMessage{{Role: "user", Content: "Say hello"}},
			Stream:   true,
		})

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/chat", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleChat(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, "Streaming is not supported", response["message"])
	})

	t.Run("empty messages", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)
		handler := newTestRelayHandler(mockRepo, providers.NewRegistry())

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/chat",
			bytes.NewReader([]byte(`{"messages": []}`)))
		req.Header.Set("Content-Type", "application/json")
		ctx := context.WithValue(req.Context(), middleware.OrgIDKey, orgID)
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		handler.HandleChat(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing org ID", func(t *testing.T) {
		mockRepo := new(MockProviderRepository)
		handler := newTestRelayHandler(mockRepo, providers.NewRegistry())

		req := httptest.NewRequest(http.MethodPost, "/v1/relay/chat", bytes.NewReader(chatBody(t)))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		handler.HandleChat(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
