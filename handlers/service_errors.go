package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/axonrelay/axonrelay/services"
	"github.com/axonrelay/axonrelay/services/failover"
	"github.com/axonrelay/axonrelay/services/providers"
	"github.com/axonrelay/axonrelay/services/routing"
	"github.com/axonrelay/axonrelay/utils"
)

// HandleServiceError maps domain and routing errors to HTTP responses.
// Failover and provider faults are checked before the generic taxonomy
// because they carry attribution the caller needs for debugging.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	var chainErr *failover.AllProvidersFailed
	if errors.As(err, &chainErr) {
		details := map[string]interface{}{
			"capability": string(chainErr.Capability),
			"attempts":   len(chainErr.Attempts),
		}
		if writeErr := utils.WriteBadGateway(w, err.Error(), details); writeErr != nil {
			logger.Error("failed to write bad gateway response", zap.Error(writeErr))
		}
		return
	}

	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		details := map[string]interface{}{
			"provider": provErr.Provider,
			"code":     provErr.Code,
		}
		if provErr.StatusCode > 0 {
			details["status_code"] = provErr.StatusCode
		}
		if writeErr := utils.WriteBadGateway(w, err.Error(), details); writeErr != nil {
			logger.Error("failed to write bad gateway response", zap.Error(writeErr))
		}
		return
	}

	if errors.Is(err, providers.ErrNoAdapter) {
		if writeErr := utils.WriteBadGateway(w, "No adapter available for the selected provider type", nil); writeErr != nil {
			logger.Error("failed to write bad gateway response", zap.Error(writeErr))
		}
		return
	}

	// An empty candidate pool is a configuration gap, not a fault: the org
	// has no active provider advertising the capability.
	if errors.Is(err, routing.ErrNoProviderAvailable) {
		if writeErr := utils.WriteNotFound(w, "No active provider serves this capability"); writeErr != nil {
			logger.Error("failed to write not found response", zap.Error(writeErr))
		}
		return
	}

	details := services.GetErrorDetails(err)

	switch {
	case services.IsNotFoundError(err):
		if writeErr := utils.WriteNotFound(w, err.Error()); writeErr != nil {
			logger.Error("failed to write not found response", zap.Error(writeErr))
		}

	case services.IsValidationError(err):
		if writeErr := utils.WriteBadRequest(w, err.Error(), details); writeErr != nil {
			logger.Error("failed to write bad request response", zap.Error(writeErr))
		}

	case services.IsUnauthorizedError(err):
		if writeErr := utils.WriteUnauthorized(w, err.Error()); writeErr != nil {
			logger.Error("failed to write unauthorized response", zap.Error(writeErr))
		}

	case services.IsForbiddenError(err):
		if writeErr := utils.WriteForbidden(w, err.Error()); writeErr != nil {
			logger.Error("failed to write forbidden response", zap.Error(writeErr))
		}

	case services.IsConflictError(err):
		if writeErr := utils.WriteConflict(w, err.Error(), details); writeErr != nil {
			logger.Error("failed to write conflict response", zap.Error(writeErr))
		}

	case services.IsProviderRetryableError(err), services.IsProviderTerminalError(err), services.IsAllProvidersFailedError(err):
		if writeErr := utils.WriteBadGateway(w, err.Error(), details); writeErr != nil {
			logger.Error("failed to write bad gateway response", zap.Error(writeErr))
		}

	case services.IsPersistenceError(err), services.IsInternalError(err):
		// Log the real cause but return a generic message.
		logger.Error("internal server error", zap.Error(err))
		if writeErr := utils.WriteInternalServerError(w, "An internal error occurred"); writeErr != nil {
			logger.Error("failed to write internal error response", zap.Error(writeErr))
		}

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		if writeErr := utils.WriteInternalServerError(w, "An unexpected error occurred"); writeErr != nil {
			logger.Error("failed to write internal error response", zap.Error(writeErr))
		}
	}
}

// HandleValidationError handles validation errors from request parsing.
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if writeErr := utils.WriteBadRequest(w, "Validation failed", details); writeErr != nil {
			logger.Error("failed to write validation error response", zap.Error(writeErr))
		}
		return
	}

	if writeErr := utils.WriteBadRequest(w, err.Error(), nil); writeErr != nil {
		logger.Error("failed to write validation error response", zap.Error(writeErr))
	}
}
