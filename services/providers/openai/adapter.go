// Package openai speaks the OpenAI chat completions dialect. The adapter is
// shared by every provider record of type openai (and OpenAI-compatible
// gateways registered with a custom base URL).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/axonrelay/axonrelay/models"
	"github.com/axonrelay/axonrelay/services/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
)

// Adapter implements providers.Invoker for the OpenAI platform.
type Adapter struct {
	httpClient *http.Client
}

// NewAdapter creates an OpenAI adapter with the given request timeout.
func NewAdapter(timeout time.Duration) *Adapter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Type returns the provider type this adapter speaks
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderOpenAI
}

// CompatibleAdapter reuses the OpenAI dialect under another provider type,
// for platforms that expose an OpenAI-compatible API behind their own base
// URL (self-hosted gateways, Mistral's platform).
type CompatibleAdapter struct {
	*Adapter
	providerType models.ProviderType
}

// NewCompatibleAdapter wraps the OpenAI dialect under the given provider type.
func NewCompatibleAdapter(providerType models.ProviderType, timeout time.Duration) *CompatibleAdapter {
	return &CompatibleAdapter{
		Adapter:      NewAdapter(timeout),
		providerType: providerType,
	}
}

// Type returns the aliased provider type.
func (a *CompatibleAdapter) Type() models.ProviderType {
	return a.providerType
}

// Invoke performs a single chat completion attempt against the provider.
// Retrying is the failover coordinator's job, so any failure is returned
// immediately with its retryable classification attached.
func (a *Adapter) Invoke(ctx context.Context, provider *models.ProviderRecord, req *providers.Request) (*providers.Result, error) {
	startTime := time.Now()

	model := req.Model
	if model == "" && len(provider.Models) > 0 {
		model = provider.Models[0]
	}
	if model == "" {
		return nil, providers.NewProviderError(provider.ID, provider.Name, "INVALID_MODEL", "no model specified and provider registers none", http.StatusBadRequest, false, nil)
	}
	if !provider.ServesModel(model) {
		return nil, providers.NewProviderError(provider.ID, provider.Name, "INVALID_MODEL",
			fmt.Sprintf("model %s is not served by provider %s", model, provider.Name), http.StatusBadRequest, false, nil)
	}

	// Build OpenAI request
	openaiReq := buildChatRequest(model, req)

	reqBody, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, providers.NewProviderError(provider.ID, provider.Name, "MARSHAL_ERROR", "Failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(provider)+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, providers.NewProviderError(provider.ID, provider.Name, "REQUEST_ERROR", "Failed to create request", 0, false, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+provider.Credential.Reveal())

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(provider.ID, provider.Name, "HTTP_ERROR", "HTTP request failed", 0, true, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(provider.ID, provider.Name, "READ_ERROR", "Failed to read response", httpResp.StatusCode, true, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(provider, httpResp.StatusCode, respBody)
	}

	var openaiResp chatResponse
	if err := json.Unmarshal(respBody, &openaiResp); err != nil {
		return nil, providers.NewProviderError(provider.ID, provider.Name, "UNMARSHAL_ERROR", "Failed to unmarshal response", httpResp.StatusCode, false, err)
	}

	return toResult(provider, &openaiResp, time.Since(startTime)), nil
}

// Probe performs a lightweight reachability check by listing models.
func (a *Adapter) Probe(ctx context.Context, provider *models.ProviderRecord) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(provider)+"/models", nil)
	if err != nil {
		return providers.NewProviderError(provider.ID, provider.Name, "REQUEST_ERROR", "Failed to create probe request", 0, false, err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+provider.Credential.Reveal())

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return providers.NewProviderError(provider.ID, provider.Name, "HTTP_ERROR", "probe request failed", 0, true, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return errorFromResponse(provider, httpResp.StatusCode, body)
	}

	return nil
}

// baseURL resolves the endpoint for a provider record
func baseURL(provider *models.ProviderRecord) string {
	if provider.BaseURL != "" {
		return strings.TrimSuffix(provider.BaseURL, "/")
	}
	return defaultBaseURL
}

// buildChatRequest converts a unified request to the OpenAI wire format
func buildChatRequest(model string, req *providers.Request) *chatRequest {
	openaiReq := &chatRequest{
		Model:    model,
		Messages: make([]chatMessage, len(req.Messages)),
	}

	for i, msg := range req.Messages {
		openaiReq.Messages[i] = chatMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	if req.MaxTokens > 0 {
		openaiReq.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		openaiReq.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		openaiReq.TopP = &req.TopP
	}
	if len(req.Stop) > 0 {
		openaiReq.Stop = req.Stop
	}
	if req.User != "" {
		openaiReq.User = &req.User
	}

	return openaiReq
}

// toResult converts an OpenAI response to the unified format
func toResult(provider *models.ProviderRecord, openaiResp *chatResponse, latency time.Duration) *providers.Result {
	result := &providers.Result{
		ID:           openaiResp.ID,
		Model:        openaiResp.Model,
		ProviderID:   provider.ID,
		ProviderName: provider.Name,
		Choices:      make([]providers.Choice, len(openaiResp.Choices)),
		Usage: providers.Usage{
			PromptTokens:     openaiResp.Usage.PromptTokens,
			CompletionTokens: openaiResp.Usage.CompletionTokens,
			TotalTokens:      openaiResp.Usage.TotalTokens,
		},
		Latency: latency,
		Created: time.Unix(openaiResp.Created, 0),
	}

	for i, choice := range openaiResp.Choices {
		result.Choices[i] = providers.Choice{
			Index: choice.Index,
			Message: providers.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
			},
			FinishReason: choice.FinishReason,
		}
	}

	return result
}

// errorFromResponse classifies a non-200 upstream response
func errorFromResponse(provider *models.ProviderRecord, statusCode int, body []byte) error {
	retryable := providers.RetryableStatus(statusCode)

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return providers.NewProviderError(provider.ID, provider.Name, "UPSTREAM_ERROR",
			fmt.Sprintf("upstream returned status %d", statusCode), statusCode, retryable, nil)
	}

	return providers.NewProviderError(
		provider.ID,
		provider.Name,
		errResp.Error.Type,
		errResp.Error.Message,
		statusCode,
		retryable,
		errors.New(errResp.Error.Message),
	)
}

// OpenAI wire types

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        *string       `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
