// Package config holds the injected configuration for the assistant core.
// Every size ceiling, TTL, and retry count lives here rather than in
// module-level constants so tests can exercise boundary values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// SystemPrompt is the base persona/instruction message.
	SystemPrompt string `yaml:"system_prompt"`

	Upstream      UpstreamConfig      `yaml:"upstream"`
	Session       SessionConfig       `yaml:"session"`
	Assembler     AssemblerConfig     `yaml:"assembler"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Cache         CacheConfig         `yaml:"cache"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// UpstreamConfig configures the completion service client.
type UpstreamConfig struct {
	// Provider selects the implementation: "openai" or "gemini".
	Provider string `yaml:"provider"`
	// Model is the completion model name.
	Model string `yaml:"model"`
	// APIKey authenticates against the completion service.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the service endpoint (optional).
	BaseURL string `yaml:"base_url"`
	// GCPProject and GCPLocation select the Vertex backend for "gemini"
	// when APIKey is empty.
	GCPProject  string `yaml:"gcp_project"`
	GCPLocation string `yaml:"gcp_location"`

	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// MaxRetries bounds transient-failure retries; a call makes at most
	// MaxRetries+1 attempts.
	MaxRetries int `yaml:"max_retries"`
	// BaseDelay seeds the exponential backoff for 5xx responses
	// (delay = BaseDelay * 2^attempt).
	BaseDelay time.Duration `yaml:"base_delay"`
	// RetryAfterDefault is the wait applied to 429 responses when the
	// transport surfaces no retry-after hint.
	RetryAfterDefault time.Duration `yaml:"retry_after_default"`
	// RequestTimeout caps a single attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RateLimitRPS / RateLimitBurst gate outbound requests client-side
	// (0 disables the limiter).
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// SessionConfig configures conversation history storage.
type SessionConfig struct {
	// Backend selects the store: "redis" or "memory".
	Backend string `yaml:"backend"`
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// KeyPrefix namespaces all session keys.
	KeyPrefix string `yaml:"key_prefix"`
	// TTL is the session expiry; each append resets it.
	TTL time.Duration `yaml:"ttl"`
	// WindowTurns is the sliding-window size: sessions are trimmed to the
	// most recent N messages after each exchange.
	WindowTurns int `yaml:"window_turns"`
}

// AssemblerConfig configures context-window assembly.
type AssemblerConfig struct {
	// BudgetBytes is the serialized-size budget for one outbound window.
	BudgetBytes int `yaml:"budget_bytes"`
	// MaxEvictionAttempts bounds the over-budget eviction loop.
	MaxEvictionAttempts int `yaml:"max_eviction_attempts"`
	// SystemCharCeiling caps system message content length.
	SystemCharCeiling int `yaml:"system_char_ceiling"`
	// TurnCharCeiling caps conversational (user/assistant/tool) content.
	TurnCharCeiling int `yaml:"turn_char_ceiling"`
	// ContextCharFloor is the size the context block is force-truncated to
	// when eviction alone cannot meet the budget.
	ContextCharFloor int `yaml:"context_char_floor"`
}

// OrchestratorConfig configures the tool-call loop.
type OrchestratorConfig struct {
	// ToolTimeout caps one tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	// ToolResultMaxBytes is the per-tool payload ceiling, independent of
	// the assembler budget.
	ToolResultMaxBytes int `yaml:"tool_result_max_bytes"`
	// TurnTimeout caps a whole user turn end to end.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

// CacheConfig configures the tiered context cache.
type CacheConfig struct {
	// Backend selects the KV store: "redis" or "memory".
	Backend string `yaml:"backend"`
	// Addr is the Redis server address; empty reuses the session store's.
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// KeyPrefix namespaces all cache keys.
	KeyPrefix string `yaml:"key_prefix"`

	// Per-tier TTLs (outright expiry).
	ProfileTTL      time.Duration `yaml:"profile_ttl"`
	BalancesTTL     time.Duration `yaml:"balances_ttl"`
	TransactionsTTL time.Duration `yaml:"transactions_ttl"`

	// Per-tier freshness thresholds; an entry older than this is rebuilt
	// even though its TTL has not expired.
	ProfileFreshFor      time.Duration `yaml:"profile_fresh_for"`
	BalancesFreshFor     time.Duration `yaml:"balances_fresh_for"`
	TransactionsFreshFor time.Duration `yaml:"transactions_fresh_for"`

	// WarmSchedule is a cron expression for the background warmer
	// (empty disables it).
	WarmSchedule string `yaml:"warm_schedule"`
	// WarmTargets lists the user/account pairs the warmer rebuilds.
	WarmTargets []WarmTarget `yaml:"warm_targets"`
}

// WarmTarget names one user/account pair for proactive cache rebuilds.
type WarmTarget struct {
	UserID    string `yaml:"user_id"`
	AccountID string `yaml:"account_id"`
}

// ProvidersConfig configures the domain data providers.
type ProvidersConfig struct {
	// Backend selects the implementation: "firestore" or "memory".
	Backend string `yaml:"backend"`
	// GCPProject is the Firestore project id.
	GCPProject string `yaml:"gcp_project"`
	// GCPCredentials is a service-account key file path (optional; ADC
	// when empty).
	GCPCredentials string `yaml:"gcp_credentials"`
	// MemoryRowCeiling makes the in-memory providers simulate resource
	// exhaustion above this row count (0 = never).
	MemoryRowCeiling int `yaml:"memory_row_ceiling"`
	// QueryTimeout caps one provider query.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// ObservabilityConfig configures metrics, health, and tracing.
type ObservabilityConfig struct {
	// EnableMetrics turns on Prometheus metric recording.
	EnableMetrics bool `yaml:"enable_metrics"`
	// HTTPPort is the observability server port (health + metrics).
	HTTPPort int `yaml:"http_port"`
	// TracingEnabled turns on OpenTelemetry tracing.
	TracingEnabled bool `yaml:"tracing_enabled"`
	// TracingExporter selects the span exporter: "stdout", "otlp", "none".
	TracingExporter string `yaml:"tracing_exporter"`
	// OTLPEndpoint is the OTLP HTTP collector endpoint.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// maxConfigSize bounds config files; anything larger is a mistake or abuse.
const maxConfigSize = 1 << 20

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.ApplyEnv()

	return &cfg, nil
}

// DefaultConfig returns a configuration with all defaults applied and
// in-process backends selected. Useful for tests and the REPL.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Session.Backend = "memory"
	cfg.Cache.Backend = "memory"
	cfg.Providers.Backend = "memory"
	return cfg
}

func (c *Config) applyDefaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = "You are a helpful financial assistant. Answer using the " +
			"account context provided and the results of any tools you call. " +
			"Be precise with amounts and dates; say so when data was truncated."
	}

	if c.Upstream.Provider == "" {
		c.Upstream.Provider = "openai"
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = "gpt-4o-mini"
	}
	if c.Upstream.Temperature == 0 {
		c.Upstream.Temperature = 0.2
	}
	if c.Upstream.MaxTokens == 0 {
		c.Upstream.MaxTokens = 1024
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = 3
	}
	if c.Upstream.BaseDelay == 0 {
		c.Upstream.BaseDelay = 500 * time.Millisecond
	}
	if c.Upstream.RetryAfterDefault == 0 {
		c.Upstream.RetryAfterDefault = 2 * time.Second
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = 60 * time.Second
	}

	if c.Session.Backend == "" {
		c.Session.Backend = "redis"
	}
	if c.Session.Addr == "" {
		c.Session.Addr = "localhost:6379"
	}
	if c.Session.KeyPrefix == "" {
		c.Session.KeyPrefix = "finchat:session:"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Session.WindowTurns == 0 {
		c.Session.WindowTurns = 30
	}

	if c.Assembler.BudgetBytes == 0 {
		c.Assembler.BudgetBytes = 24 * 1024
	}
	if c.Assembler.MaxEvictionAttempts == 0 {
		c.Assembler.MaxEvictionAttempts = 20
	}
	if c.Assembler.SystemCharCeiling == 0 {
		c.Assembler.SystemCharCeiling = 6000
	}
	if c.Assembler.TurnCharCeiling == 0 {
		c.Assembler.TurnCharCeiling = 2000
	}
	if c.Assembler.ContextCharFloor == 0 {
		c.Assembler.ContextCharFloor = 1500
	}

	if c.Orchestrator.ToolTimeout == 0 {
		c.Orchestrator.ToolTimeout = 10 * time.Second
	}
	if c.Orchestrator.ToolResultMaxBytes == 0 {
		c.Orchestrator.ToolResultMaxBytes = 4 * 1024
	}
	if c.Orchestrator.TurnTimeout == 0 {
		c.Orchestrator.TurnTimeout = 2 * time.Minute
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "redis"
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "finchat:ctx:"
	}
	if c.Cache.ProfileTTL == 0 {
		c.Cache.ProfileTTL = 12 * time.Hour
	}
	if c.Cache.BalancesTTL == 0 {
		c.Cache.BalancesTTL = time.Hour
	}
	if c.Cache.TransactionsTTL == 0 {
		c.Cache.TransactionsTTL = time.Hour
	}
	if c.Cache.ProfileFreshFor == 0 {
		c.Cache.ProfileFreshFor = 2 * time.Hour
	}
	if c.Cache.BalancesFreshFor == 0 {
		c.Cache.BalancesFreshFor = 30 * time.Minute
	}
	if c.Cache.TransactionsFreshFor == 0 {
		c.Cache.TransactionsFreshFor = 30 * time.Minute
	}

	if c.Providers.Backend == "" {
		c.Providers.Backend = "memory"
	}
	if c.Providers.QueryTimeout == 0 {
		c.Providers.QueryTimeout = 15 * time.Second
	}

	if c.Observability.HTTPPort == 0 {
		c.Observability.HTTPPort = 8080
	}
	if c.Observability.TracingExporter == "" {
		c.Observability.TracingExporter = "none"
	}
}

// ApplyEnv fills unset credential and address fields from the environment.
// LoadConfig calls it; DefaultConfig does not.
func (c *Config) ApplyEnv() {
	if c.Upstream.APIKey == "" {
		switch c.Upstream.Provider {
		case "gemini":
			c.Upstream.APIKey = os.Getenv("GOOGLE_API_KEY")
		default:
			c.Upstream.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if c.Upstream.GCPProject == "" {
		c.Upstream.GCPProject = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if c.Providers.GCPProject == "" {
		c.Providers.GCPProject = os.Getenv("GCP_PROJECT")
	}
	if c.Providers.GCPCredentials == "" {
		c.Providers.GCPCredentials = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" && c.Session.Addr == "localhost:6379" {
		c.Session.Addr = addr
	}
}

// SaveConfig saves configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Upstream.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown upstream provider %q", c.Upstream.Provider)
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.Assembler.BudgetBytes <= 0 {
		return fmt.Errorf("budget_bytes must be positive")
	}
	if c.Assembler.TurnCharCeiling <= 0 {
		return fmt.Errorf("turn_char_ceiling must be positive")
	}
	if c.Assembler.SystemCharCeiling < c.Assembler.TurnCharCeiling {
		return fmt.Errorf("system_char_ceiling must be >= turn_char_ceiling")
	}
	if c.Session.WindowTurns <= 0 {
		return fmt.Errorf("window_turns must be positive")
	}
	switch c.Session.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	switch c.Cache.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Providers.Backend {
	case "firestore", "memory":
	default:
		return fmt.Errorf("unknown providers backend %q", c.Providers.Backend)
	}
	if c.Providers.Backend == "firestore" && c.Providers.GCPProject == "" {
		return fmt.Errorf("gcp_project is required for the firestore providers backend")
	}
	if c.Orchestrator.ToolResultMaxBytes <= 0 {
		return fmt.Errorf("tool_result_max_bytes must be positive")
	}
	return nil
}
