package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/services"
	"github.com/axonrelay/axonrelay/services/failover"
	"github.com/axonrelay/axonrelay/services/providers"
	"github.com/axonrelay/axonrelay/services/routing"
	"github.com/axonrelay/axonrelay/utils"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "not found error",
			err:            services.ErrProviderNotFound,
			expectedStatus: http.StatusNotFound,
			expectedError:  "not_found",
		},
		{
			name:           "no provider available",
			err:            fmt.Errorf("selecting provider: %w", routing.ErrNoProviderAvailable),
			expectedStatus: http.StatusNotFound,
			expectedError:  "not_found",
		},
		{
			name:           "validation error",
			err:            services.ErrInvalidInput,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "bad_request",
		},
		{
			name:           "unauthorized error",
			err:            services.ErrUnauthorized,
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "unauthorized",
		},
		{
			name:           "forbidden error",
			err:            services.ErrOrgMismatch,
			expectedStatus: http.StatusForbidden,
			expectedError:  "forbidden",
		},
		{
			name:           "conflict error",
			err:            services.ErrDuplicateProvider,
			expectedStatus: http.StatusConflict,
			expectedError:  "conflict",
		},
		{
			name:           "retryable provider error",
			err:            services.ErrProviderRetryable,
			expectedStatus: http.StatusBadGateway,
			expectedError:  "bad_gateway",
		},
		{
			name:           "terminal provider error",
			err:            services.ErrProviderTerminal,
			expectedStatus: http.StatusBadGateway,
			expectedError:  "bad_gateway",
		},
		{
			name:           "no adapter registered",
			err:            fmt.Errorf("%w: anthropic", providers.ErrNoAdapter),
			expectedStatus: http.StatusBadGateway,
			expectedError:  "bad_gateway",
		},
		{
			name:           "persistence error",
			err:            services.ErrPersistence,
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
		{
			name:           "internal error",
			err:            services.ErrInternal,
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
		{
			name:           "unknown error",
			err:            errors.New("some unknown error"),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response utils.ErrorResponse
			err := json.NewDecoder(w.Body).Decode(&response)
			require.NoError(t, err)

			assert.Equal(t, tt.expectedError, response.Error)
			assert.NotEmpty(t, response.Message)
		})
	}
}

func TestHandleServiceErrorProviderFault(t *testing.T) {
	logger := zap.NewNop()

	provErr := providers.NewProviderError(
		uuid.New(), "openai-primary", "rate_limit_exceeded",
		"provider returned 429", http.StatusTooManyRequests, true, nil)

	w := httptest.NewRecorder()
	HandleServiceError(w, provErr, logger)

	assert.Equal(t, http.StatusBadGateway, w.Code)

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	assert.Equal(t, "bad_gateway", response.Error)
	assert.Equal(t, "openai-primary", response.Details["provider"])
	assert.Equal(t, "rate_limit_exceeded", response.Details["code"])
	assert.Equal(t, float64(http.StatusTooManyRequests), response.Details["status_code"])
}

func TestHandleServiceErrorFailoverChain(t *testing.T) {
	logger := zap.NewNop()

	// The chain error unwraps to the last attempt's provider error; the
	// response must still describe the whole chain, not that one fault.
	lastErr := providers.NewProviderError(
		uuid.New(), "mistral-fallback", "server_error",
		"provider returned 503", http.StatusServiceUnavailable, true, nil)
	chainErr := &failover.AllProvidersFailed{
		OrgID:      uuid.New(),
		Capability: models.CapabilityChat,
		Attempts: []failover.Attempt{
			{ProviderID: uuid.New(), ProviderName: "openai-primary", Retryable: true, Err: errors.New("connection refused")},
			{ProviderID: uuid.New(), ProviderName: "mistral-fallback", Retryable: true, Err: lastErr},
		},
	}

	w := httptest.NewRecorder()
	HandleServiceError(w, chainErr, logger)

	assert.Equal(t, http.StatusBadGateway, w.Code)

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	assert.Equal(t, "bad_gateway", response.Error)
	assert.Equal(t, "chat", response.Details["capability"])
	assert.Equal(t, float64(2), response.Details["attempts"])
	assert.NotContains(t, response.Details, "provider")
}

func TestHandleServiceErrorNil(t *testing.T) {
	logger := zap.NewNop()
	w := httptest.NewRecorder()

	HandleServiceError(w, nil, logger)

	// Should not write anything
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleValidationError(t *testing.T) {
	logger := zap.NewNop()

	t.Run("custom validation error", func(t *testing.T) {
		fields := map[string]string{
			"name": "name is required",
			"type": "type must be a supported provider type",
		}
		err := &utils.ValidationError{
			Message: "Validation failed",
			Fields:  fields,
		}

		w := httptest.NewRecorder()
		HandleValidationError(w, err, logger)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response utils.ErrorResponse
		err2 := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err2)

		assert.Equal(t, "bad_request", response.Error)
		assert.Equal(t, "Validation failed", response.Message)
		assert.NotNil(t, response.Details)
		assert.Equal(t, "name is required", response.Details["name"])
		assert.Equal(t, "type must be a supported provider type", response.Details["type"])
	})

	t.Run("generic error", func(t *testing.T) {
		err := errors.New("generic validation error")

		w := httptest.NewRecorder()
		HandleValidationError(w, err, logger)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response utils.ErrorResponse
		err2 := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err2)

		assert.Equal(t, "bad_request", response.Error)
		assert.Equal(t, "generic validation error", response.Message)
	})
}
