package providers

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/axonrelay/axonrelay/models"
)

// Invoker executes requests against one upstream platform dialect.
// Implementations are stateless: connection details (base URL, credential,
// allowed models) come from the provider record passed to each call, so a
// single adapter serves every registered provider of its type.
//
// Invoke performs exactly one attempt. Retry and failover decisions belong
// to the coordinator, which classifies the returned error via IsRetryable.
type Invoker interface {
	// Type returns the provider type this adapter speaks.
	Type() models.ProviderType

	// Invoke performs a single chat completion attempt against the provider.
	Invoke(ctx context.Context, provider *models.ProviderRecord, req *Request) (*Result, error)

	// Probe performs a lightweight reachability check against the provider.
	Probe(ctx context.Context, provider *models.ProviderRecord) error
}

// Request is the unified chat completion request relayed to an adapter.
type Request struct {
	// Model identifier. When empty, the adapter uses the provider record's
	// first registered model.
	Model string `json:"model,omitempty"`

	// Messages in the conversation
	Messages []Message `json:"messages"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 2.0)
	Temperature float64 `json:"temperature,omitempty"`

	// TopP controls nucleus sampling
	TopP float64 `json:"top_p,omitempty"`

	// Stop sequences
	Stop []string `json:"stop,omitempty"`

	// User identifier for abuse monitoring
	User string `json:"user,omitempty"`

	// Metadata for tracking and logging
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`
}

// Result is the unified chat completion response with provider attribution.
type Result struct {
	// ID is the unique identifier for this completion
	ID string `json:"id"`

	// Model used for the completion
	Model string `json:"model"`

	// Choices contains the completion results
	Choices []Choice `json:"choices"`

	// Usage statistics
	Usage Usage `json:"usage"`

	// ProviderID identifies the provider record that served the request
	ProviderID uuid.UUID `json:"provider_id"`

	// ProviderName is the human-readable name of that record
	ProviderName string `json:"provider_name"`

	// Latency of the upstream call
	Latency time.Duration `json:"latency"`

	// Attempts is how many providers were tried before this result, including
	// the one that succeeded. Set by the failover coordinator; adapters leave
	// it zero.
	Attempts int `json:"attempts,omitempty"`

	// Created timestamp reported by the upstream platform
	Created time.Time `json:"created"`
}

// Choice represents a completion choice
type Choice struct {
	Index int `json:"index"`

	Message Message `json:"message"`

	// FinishReason indicates why the completion finished
	// Values: "stop", "length", "content_filter"
	FinishReason string `json:"finish_reason"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderError represents a failed attempt against an upstream provider.
type ProviderError struct {
	// ProviderID identifies the provider record that failed
	ProviderID uuid.UUID

	// Provider is the record's human-readable name
	Provider string

	// Code is the upstream error code or a transport-level classification
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (0 for transport failures)
	StatusCode int

	// Retryable indicates whether another attempt may succeed
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(providerID uuid.UUID, provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		ProviderID: providerID,
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable reports whether err is a provider fault that another attempt
// (or another provider) may clear. Unclassified errors are treated as
// terminal so programming mistakes never spin the failover loop.
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// RetryableStatus reports whether an HTTP status from an upstream platform
// is worth retrying: server faults and rate-limit pushback are, caller
// mistakes (4xx) are not.
func RetryableStatus(statusCode int) bool {
	return statusCode >= 500 || statusCode == 429
}
