package store

import (
	"context"
	"time"
)

// InstanceConfig is the per-instance AI and escalation configuration.
type InstanceConfig struct {
	InstanceID   string  `json:"instance_id"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`

	SmartEscalationEnabled   bool     `json:"smart_escalation_enabled,omitempty"`
	KeywordEscalationEnabled bool     `json:"keyword_escalation_enabled,omitempty"`
	EscalationKeywords       []string `json:"escalation_keywords,omitempty"`
	EscalationMessage        string   `json:"escalation_message,omitempty"`
	ReviewNoticeMessage      string   `json:"review_notice_message,omitempty"`
	SupportNumbers           []string `json:"support_numbers,omitempty"`

	VoiceMessageDefaultResponse string   `json:"voice_message_default_response,omitempty"`
	TranscriptionEnabled        bool     `json:"transcription_enabled,omitempty"`
	PersonalitiesEnabled        bool     `json:"personalities_enabled,omitempty"`
	GreetingDetectionEnabled    bool     `json:"greeting_detection_enabled,omitempty"`
	KnowledgeFileIDs            []string `json:"knowledge_file_ids,omitempty"`

	// Outbound gateway for this instance; empty falls back to the service default.
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// InstanceConfigStore reads per-instance configuration.
type InstanceConfigStore interface {
	// Get returns the config for an instance, or ErrNotFound.
	Get(ctx context.Context, instanceID string) (*InstanceConfig, error)
	// Put inserts or replaces an instance config.
	Put(ctx context.Context, cfg *InstanceConfig) error
	List(ctx context.Context) ([]InstanceConfig, error)
}
