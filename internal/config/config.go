package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Phone numbers in hand-written configs frequently arrive as bare numbers.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the replydesk service.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Buffer       BufferConfig       `json:"buffer"`
	Sessions     SessionsConfig     `json:"sessions"`
	Escalation   EscalationConfig   `json:"escalation"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Delivery     DeliveryConfig     `json:"delivery"`
	Providers    ProvidersConfig    `json:"providers"`
	Evolution    EvolutionConfig    `json:"evolution"`
	Database     DatabaseConfig     `json:"database,omitempty"`
	Redis        RedisConfig        `json:"redis,omitempty"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	Maintenance  MaintenanceConfig  `json:"maintenance,omitempty"`

	// Instances seeds the instance config store. In standalone mode this is
	// the only source of per-instance settings.
	Instances []store.InstanceConfig `json:"instances,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the inbound HTTP listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"`                         // from env REPLYDESK_GATEWAY_TOKEN only; guards /v1 APIs
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS; empty = "*"
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // per-instance webhook RPM (0 = disabled)
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // webhook body cap (default 1MB)
	IgnoreGroups   bool     `json:"ignore_groups"`             // drop group chat messages
}

// BufferConfig tunes inbound message coalescing.
// WindowMs < 0 disables buffering: every message is processed inline.
type BufferConfig struct {
	WindowMs         int    `json:"window_ms,omitempty"`         // debounce window (default 4000)
	MaxBatch         int    `json:"max_batch,omitempty"`         // flush immediately at this size (default 10)
	ResetOnMessage   *bool  `json:"reset_on_message,omitempty"`  // restart window on each message (default true)
	MediaPlaceholder string `json:"media_placeholder,omitempty"` // text for uncaptioned media (default "[media message]")
	Store            string `json:"store,omitempty"`             // "memory" (default) or "redis"
	SweepIntervalMs  int    `json:"sweep_interval_ms,omitempty"` // orphan sweep (default 2x window)
}

// Enabled reports whether messages are coalesced before processing.
func (b BufferConfig) Enabled() bool { return b.WindowMs >= 0 }

// Window returns the debounce window.
func (b BufferConfig) Window() time.Duration {
	if b.WindowMs <= 0 {
		return 4 * time.Second
	}
	return time.Duration(b.WindowMs) * time.Millisecond
}

// SweepInterval returns how often orphaned buffers are swept.
func (b BufferConfig) SweepInterval() time.Duration {
	if b.SweepIntervalMs > 0 {
		return time.Duration(b.SweepIntervalMs) * time.Millisecond
	}
	return 2 * b.Window()
}

// ResetsOnMessage reports whether each new message restarts the debounce window.
func (b BufferConfig) ResetsOnMessage() bool {
	return b.ResetOnMessage == nil || *b.ResetOnMessage
}

// SessionsConfig configures conversation lifecycle.
type SessionsConfig struct {
	IdleTimeout string `json:"idle_timeout,omitempty"` // Go duration (default "6h")
}

// IdleTimeoutDuration returns the idle expiry threshold.
func (s SessionsConfig) IdleTimeoutDuration() time.Duration {
	return parseDurationOr(s.IdleTimeout, 6*time.Hour)
}

// EscalationConfig holds service-wide escalation defaults.
// Per-instance settings (keywords, support numbers, messages) live in the instance config store.
type EscalationConfig struct {
	DefaultMessage      string `json:"default_message,omitempty"`
	DefaultReviewNotice string `json:"default_review_notice,omitempty"`
	NoticeWindow        string `json:"notice_window,omitempty"`  // review notice suppression (default "5m")
	CacheTTL            string `json:"cache_ttl,omitempty"`      // escalation state cache (default "30s")
	SnapshotTurns       int    `json:"snapshot_turns,omitempty"` // turns captured in a record (default 10)
}

// NoticeWindowDuration returns the review notice suppression window.
func (e EscalationConfig) NoticeWindowDuration() time.Duration {
	return parseDurationOr(e.NoticeWindow, 5*time.Minute)
}

// CacheTTLDuration returns how long escalation state is cached.
func (e EscalationConfig) CacheTTLDuration() time.Duration {
	return parseDurationOr(e.CacheTTL, 30*time.Second)
}

// OrchestratorConfig tunes reply generation.
type OrchestratorConfig struct {
	LookupTimeoutMs    int      `json:"lookup_timeout_ms,omitempty"`   // per preparatory lookup (default 5000)
	HistoryTurns       int      `json:"history_turns,omitempty"`       // prior turns in context (default 20)
	DuplicateThreshold float64  `json:"duplicate_threshold,omitempty"` // similarity above which text is a duplicate (default 0.9)
	GreetingPhrases    []string `json:"greeting_phrases,omitempty"`    // overrides the built-in list
	DefaultBaseURL     string   `json:"default_base_url,omitempty"`    // fallback when the instance has none
}

// LookupTimeout returns the per-lookup timeout.
func (o OrchestratorConfig) LookupTimeout() time.Duration {
	if o.LookupTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.LookupTimeoutMs) * time.Millisecond
}

// DeliveryConfig tunes outbound chunking and pacing.
type DeliveryConfig struct {
	MaxChunkChars int     `json:"max_chunk_chars,omitempty"` // default 4000
	ChunkDelayMs  int     `json:"chunk_delay_ms,omitempty"`  // default 500
	SendRPS       float64 `json:"send_rps,omitempty"`        // per-instance send rate (default 5)
}

// ChunkDelay returns the delay inserted between chunks.
func (d DeliveryConfig) ChunkDelay() time.Duration {
	if d.ChunkDelayMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(d.ChunkDelayMs) * time.Millisecond
}

// ServiceConfig describes one external JSON-over-HTTPS collaborator.
// An empty URL disables the collaborator; callers fall back to defaults.
type ServiceConfig struct {
	URL            string `json:"url,omitempty"`
	APIKey         string `json:"-"` // env only
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Timeout returns the request timeout, defaulting to fallback.
func (s ServiceConfig) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// CompletionConfig configures the OpenAI-compatible generation endpoint.
type CompletionConfig struct {
	APIBase     string  `json:"api_base,omitempty"` // default https://api.openai.com/v1
	APIKey      string  `json:"-"`                  // env only
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ProvidersConfig lists the external collaborators.
type ProvidersConfig struct {
	Completion          CompletionConfig `json:"completion"`
	Transcription       ServiceConfig    `json:"transcription,omitempty"`
	Knowledge           ServiceConfig    `json:"knowledge,omitempty"`
	Prompt              ServiceConfig    `json:"prompt,omitempty"`
	Intent              ServiceConfig    `json:"intent,omitempty"`
	PersonalityPrimary  ServiceConfig    `json:"personality_primary,omitempty"`
	PersonalityFallback ServiceConfig    `json:"personality_fallback,omitempty"`
	Notify              ServiceConfig    `json:"notify,omitempty"`
}

// EvolutionConfig configures the WhatsApp gateway (Evolution API compatible).
type EvolutionConfig struct {
	BaseURL      string   `json:"base_url,omitempty"`      // default outbound base URL
	APIKey       string   `json:"-"`                       // env REPLYDESK_EVOLUTION_API_KEY
	WebsocketURL string   `json:"websocket_url,omitempty"` // optional live event feed
	Instances    []string `json:"instances,omitempty"`     // instances subscribed over the feed
}

// DatabaseConfig configures persistence.
// PostgresDSN is NEVER read from config.json (secret) — only from env REPLYDESK_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"`        // "standalone" (default) or "managed"
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone webhook log (default ~/.replydesk/webhooks.db)
}

// IsManagedMode returns true when conversations persist in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// RedisConfig configures the shared buffer store.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"-"` // env only
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"` // key prefix (default "replydesk:buffer:")
}

// TelemetryConfig configures OpenTelemetry span export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "replydesk"
	Headers     map[string]string `json:"headers,omitempty"`
}

// MaintenanceConfig schedules background sweeps.
type MaintenanceConfig struct {
	Schedule            string `json:"schedule,omitempty"`              // cron expression (default "*/5 * * * *", "off" disables)
	WebhookLogRetention string `json:"webhook_log_retention,omitempty"` // default "168h"
	BatchRetention      string `json:"batch_retention,omitempty"`       // default "24h"
}

// Enabled reports whether the maintenance schedule runs.
func (m MaintenanceConfig) Enabled() bool { return m.Schedule != "off" }

// WebhookLogRetentionDuration returns how long webhook debug logs are kept.
func (m MaintenanceConfig) WebhookLogRetentionDuration() time.Duration {
	return parseDurationOr(m.WebhookLogRetention, 7*24*time.Hour)
}

// BatchRetentionDuration returns how long processed batch ids are kept.
func (m MaintenanceConfig) BatchRetentionDuration() time.Duration {
	return parseDurationOr(m.BatchRetention, 24*time.Hour)
}

// Snapshot returns a copy of the config safe to read without holding locks.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Gateway:      c.Gateway,
		Buffer:       c.Buffer,
		Sessions:     c.Sessions,
		Escalation:   c.Escalation,
		Orchestrator: c.Orchestrator,
		Delivery:     c.Delivery,
		Providers:    c.Providers,
		Evolution:    c.Evolution,
		Database:     c.Database,
		Redis:        c.Redis,
		Telemetry:    c.Telemetry,
		Maintenance:  c.Maintenance,
		Instances:    append([]store.InstanceConfig(nil), c.Instances...),
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
