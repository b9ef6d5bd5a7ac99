package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProviderType identifies the upstream AI platform a provider record points at.
type ProviderType string

const (
	ProviderOpenAI      ProviderType = "openai"
	ProviderAnthropic   ProviderType = "anthropic"
	ProviderGoogle      ProviderType = "google"
	ProviderAzureOpenAI ProviderType = "azure_openai"
	ProviderBedrock     ProviderType = "bedrock"
	ProviderMistral     ProviderType = "mistral"
	ProviderCustom      ProviderType = "custom"
)

// Valid reports whether the provider type is one of the supported platforms.
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderAzureOpenAI,
		ProviderBedrock, ProviderMistral, ProviderCustom:
		return true
	}
	return false
}

// Capability is a routable class of work a provider can serve.
type Capability string

const (
	CapabilityChat            Capability = "chat"
	CapabilityEmbeddings      Capability = "embeddings"
	CapabilityImageGeneration Capability = "image_generation"
	CapabilityAudio           Capability = "audio"
	CapabilityVision          Capability = "vision"
	CapabilityFunctionCalling Capability = "function_calling"
	CapabilityStreaming       Capability = "streaming"
)

// Valid reports whether the capability is a known routable class.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityChat, CapabilityEmbeddings, CapabilityImageGeneration,
		CapabilityAudio, CapabilityVision, CapabilityFunctionCalling,
		CapabilityStreaming:
		return true
	}
	return false
}

// Credential is an opaque secret handle for authenticating against a provider.
// It prints and logs redacted; only Reveal exposes the raw value, and only the
// adapter layer should call it.
type Credential string

const credentialRedacted = "[REDACTED]"

// String returns the redacted form. Satisfies fmt.Stringer so %v/%s never leak.
func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return credentialRedacted
}

// GoString keeps %#v output redacted as well.
func (c Credential) GoString() string {
	return fmt.Sprintf("models.Credential(%q)", c.String())
}

// Reveal returns the raw secret for use in upstream request headers.
func (c Credential) Reveal() string {
	return string(c)
}

// IsSet reports whether a secret is present.
func (c Credential) IsSet() bool {
	return c != ""
}

// Value implements driver.Valuer so the raw secret is persisted.
func (c Credential) Value() (driver.Value, error) {
	return string(c), nil
}

// Scan implements sql.Scanner.
func (c *Credential) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c = ""
	case string:
		*c = Credential(v)
	case []byte:
		*c = Credential(v)
	default:
		return fmt.Errorf("cannot scan %T into Credential", src)
	}
	return nil
}

// RateLimits carries the provider's published limits. They are advisory
// metadata for external enforcement; routing never throttles on them.
type RateLimits struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
	TokensPerMinute   int `json:"tokens_per_minute"`
	TokensPerHour     int `json:"tokens_per_hour"`
}

// ProviderRecord represents an AI provider registered by an organization.
// Health and LoadBalancing are mutated only through the health tracker and
// the admin update path.
type ProviderRecord struct {
	ID              uuid.UUID           `json:"id" db:"id"`
	OrgID           uuid.UUID           `json:"org_id" db:"org_id"`
	Name            string              `json:"name" db:"name"`
	Type            ProviderType        `json:"type" db:"type"`
	BaseURL         string              `json:"base_url" db:"base_url"`
	Credential      Credential          `json:"-" db:"credential"` // Never expose in JSON
	Capabilities    []Capability        `json:"capabilities" db:"capabilities"`
	Models          []string            `json:"models" db:"models"`
	RateLimits      RateLimits          `json:"rate_limits" db:"rate_limits"`
	CostPer1KTokens float64             `json:"cost_per_1k_tokens" db:"cost_per_1k_tokens"`
	Active          bool                `json:"active" db:"active"`
	Health          HealthState         `json:"health" db:"-"`
	LoadBalancing   LoadBalancingConfig `json:"load_balancing" db:"load_balancing"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ProviderRecord model
func (ProviderRecord) TableName() string {
	return "providers"
}

// NewProviderRecord creates a provider record with a fresh ID, a healthy
// initial state, and normalized load-balancing defaults.
func NewProviderRecord(orgID uuid.UUID, name string, providerType ProviderType, baseURL string, credential Credential) *ProviderRecord {
	now := time.Now()
	return &ProviderRecord{
		ID:            uuid.New(),
		OrgID:         orgID,
		Name:          name,
		Type:          providerType,
		BaseURL:       baseURL,
		Credential:    credential,
		Active:        true,
		Health:        NewHealthState(),
		LoadBalancing: DefaultLoadBalancingConfig(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a copy whose health state can be mutated without affecting
// the original. Slice fields are copied; everything else is a value.
func (p *ProviderRecord) Clone() *ProviderRecord {
	clone := *p
	clone.Capabilities = append([]Capability(nil), p.Capabilities...)
	clone.Models = append([]string(nil), p.Models...)
	return &clone
}

// HasCapability reports whether the record advertises the given capability.
func (p *ProviderRecord) HasCapability(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CanServe reports whether the record is active and advertises the capability.
// Health is deliberately not consulted; selection weighs health separately.
func (p *ProviderRecord) CanServe(c Capability) bool {
	return p.Active && p.HasCapability(c)
}

// ServesModel reports whether the record serves the given model. An empty
// model list means the provider accepts any model its platform offers.
func (p *ProviderRecord) ServesModel(model string) bool {
	if len(p.Models) == 0 {
		return true
	}
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Validate checks the enum fields and required attributes.
func (p *ProviderRecord) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("unknown provider type: %q", string(p.Type))
	}
	if len(p.Capabilities) == 0 {
		return fmt.Errorf("provider must declare at least one capability")
	}
	for _, c := range p.Capabilities {
		if !c.Valid() {
			return fmt.Errorf("unknown capability: %q", string(c))
		}
	}
	if !p.LoadBalancing.Strategy.Valid() {
		return fmt.Errorf("unknown load balancing strategy: %q", string(p.LoadBalancing.Strategy))
	}
	if p.CostPer1KTokens < 0 {
		return fmt.Errorf("cost per 1k tokens cannot be negative")
	}
	return nil
}
