package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18800,
			RateLimitRPM: 600,
			MaxBodyBytes: 1 << 20,
			IgnoreGroups: true,
		},
		Buffer: BufferConfig{
			WindowMs:         4000,
			MaxBatch:         10,
			MediaPlaceholder: "[media message]",
			Store:            "memory",
		},
		Sessions: SessionsConfig{
			IdleTimeout: "6h",
		},
		Escalation: EscalationConfig{
			DefaultMessage:      "Thanks for your patience. A member of our team will take over this conversation shortly.",
			DefaultReviewNotice: "Your conversation is being reviewed by our team. We will get back to you soon.",
			NoticeWindow:        "5m",
			CacheTTL:            "30s",
			SnapshotTurns:       10,
		},
		Orchestrator: OrchestratorConfig{
			LookupTimeoutMs:    5000,
			HistoryTurns:       20,
			DuplicateThreshold: 0.9,
		},
		Delivery: DeliveryConfig{
			MaxChunkChars: 4000,
			ChunkDelayMs:  500,
			SendRPS:       5,
		},
		Providers: ProvidersConfig{
			Completion: CompletionConfig{
				APIBase:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				MaxTokens:   1024,
				Temperature: 0.7,
			},
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.replydesk/webhooks.db",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "replydesk:buffer:",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "replydesk",
		},
		Maintenance: MaintenanceConfig{
			Schedule: "*/5 * * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Gateway
	envStr("REPLYDESK_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("REPLYDESK_HOST", &c.Gateway.Host)
	if v := os.Getenv("REPLYDESK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("REPLYDESK_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	// Buffer
	envInt("REPLYDESK_BUFFER_WINDOW_MS", &c.Buffer.WindowMs)
	envInt("REPLYDESK_BUFFER_MAX_BATCH", &c.Buffer.MaxBatch)
	envStr("REPLYDESK_BUFFER_STORE", &c.Buffer.Store)
	envStr("REPLYDESK_SESSION_IDLE_TIMEOUT", &c.Sessions.IdleTimeout)

	// Provider secrets
	envStr("REPLYDESK_OPENAI_API_KEY", &c.Providers.Completion.APIKey)
	envStr("REPLYDESK_OPENAI_API_BASE", &c.Providers.Completion.APIBase)
	envStr("REPLYDESK_MODEL", &c.Providers.Completion.Model)
	envStr("REPLYDESK_TRANSCRIPTION_URL", &c.Providers.Transcription.URL)
	envStr("REPLYDESK_TRANSCRIPTION_API_KEY", &c.Providers.Transcription.APIKey)
	envStr("REPLYDESK_KNOWLEDGE_URL", &c.Providers.Knowledge.URL)
	envStr("REPLYDESK_KNOWLEDGE_API_KEY", &c.Providers.Knowledge.APIKey)
	envStr("REPLYDESK_PROMPT_URL", &c.Providers.Prompt.URL)
	envStr("REPLYDESK_PROMPT_API_KEY", &c.Providers.Prompt.APIKey)
	envStr("REPLYDESK_INTENT_URL", &c.Providers.Intent.URL)
	envStr("REPLYDESK_INTENT_API_KEY", &c.Providers.Intent.APIKey)
	envStr("REPLYDESK_PERSONALITY_URL", &c.Providers.PersonalityPrimary.URL)
	envStr("REPLYDESK_PERSONALITY_API_KEY", &c.Providers.PersonalityPrimary.APIKey)
	envStr("REPLYDESK_PERSONALITY_FALLBACK_URL", &c.Providers.PersonalityFallback.URL)
	envStr("REPLYDESK_PERSONALITY_FALLBACK_API_KEY", &c.Providers.PersonalityFallback.APIKey)
	envStr("REPLYDESK_NOTIFY_URL", &c.Providers.Notify.URL)
	envStr("REPLYDESK_NOTIFY_API_KEY", &c.Providers.Notify.APIKey)

	// Evolution gateway
	envStr("REPLYDESK_EVOLUTION_URL", &c.Evolution.BaseURL)
	envStr("REPLYDESK_EVOLUTION_API_KEY", &c.Evolution.APIKey)
	envStr("REPLYDESK_EVOLUTION_WS_URL", &c.Evolution.WebsocketURL)

	// Database
	envStr("REPLYDESK_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("REPLYDESK_MODE", &c.Database.Mode)
	envStr("REPLYDESK_SQLITE_PATH", &c.Database.SQLitePath)

	// Redis
	envStr("REPLYDESK_REDIS_ADDR", &c.Redis.Addr)
	envStr("REPLYDESK_REDIS_PASSWORD", &c.Redis.Password)
	envInt("REPLYDESK_REDIS_DB", &c.Redis.DB)

	// Telemetry
	envStr("REPLYDESK_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("REPLYDESK_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("REPLYDESK_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("REPLYDESK_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("REPLYDESK_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	envStr("REPLYDESK_MAINTENANCE_SCHEDULE", &c.Maintenance.Schedule)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secrets are tagged json:"-" and never persist.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 fingerprint of the config, logged at startup.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// Validate reports configuration that would make the service misbehave at runtime.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		problems = append(problems, fmt.Sprintf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Buffer.MaxBatch < 0 {
		problems = append(problems, "buffer.max_batch must not be negative")
	}
	switch c.Buffer.Store {
	case "", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			problems = append(problems, "buffer.store=redis requires redis.addr")
		}
	default:
		problems = append(problems, fmt.Sprintf("buffer.store %q unknown (memory|redis)", c.Buffer.Store))
	}
	if c.Database.Mode == "managed" && c.Database.PostgresDSN == "" {
		problems = append(problems, "managed mode requires REPLYDESK_POSTGRES_DSN")
	}
	if t := c.Orchestrator.DuplicateThreshold; t < 0 || t > 1 {
		problems = append(problems, "orchestrator.duplicate_threshold must be within [0,1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ResolveConfigPath picks the config file: explicit flag, then $REPLYDESK_CONFIG, then config.json.
func ResolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("REPLYDESK_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
