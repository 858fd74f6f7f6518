// Package config provides configuration loading and validation for foreman.
//
// One YAML file describes the whole deployment. Load returns the parsed config
// BY VALUE with defaults applied and validation run; components receive the
// sections they need at construction time. State (queue contents, sessions,
// delivery ledger) lives in the database, never in config. Secrets (API tokens,
// webhook secret) never appear in the YAML; they are resolved by name through
// the encrypted secrets file or the environment (see secrets.go).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names. AllowUnsigned webhooks are only legal in development.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Supported stage LLM providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGoogle    = "google"
)

// Default secret names resolved via GetSecret.
const (
	SecretTrackerToken    = "TRACKER_API_TOKEN"
	SecretWebhookSecret   = "TRACKER_WEBHOOK_SECRET"
	SecretAnthropicAPIKey = "ANTHROPIC_API_KEY"
	SecretOpenAIAPIKey    = "OPENAI_API_KEY"
	SecretGeminiAPIKey    = "GEMINI_API_KEY"
)

// Config is the root configuration document.
type Config struct {
	Env       string          `yaml:"env"`
	Debug     bool            `yaml:"debug"`
	Storage   StorageConfig   `yaml:"storage"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queues    QueuesConfig    `yaml:"queues"`
	Agent     AgentConfig     `yaml:"agent"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Stages    StagesConfig    `yaml:"stages"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StorageConfig locates the embedded store and the workspace root.
type StorageConfig struct {
	DBPath   string `yaml:"db_path"`
	WorkRoot string `yaml:"work_root"`
}

// TrackerConfig tunes the upstream issue-tracker client.
type TrackerConfig struct {
	BaseURL                  string `yaml:"base_url"`
	TokenSecret              string `yaml:"token_secret"`
	RequestTimeoutSeconds    int    `yaml:"request_timeout_seconds"`
	MaxAttempts              int    `yaml:"max_attempts"`
	BackoffBaseMillis        int    `yaml:"backoff_base_millis"`
	BackoffMaxMillis         int    `yaml:"backoff_max_millis"`
	RateLimitFallbackMinutes int    `yaml:"rate_limit_fallback_minutes"`
	QuotaLowWater            int    `yaml:"quota_low_water"`
}

func (c TrackerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c TrackerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMillis) * time.Millisecond
}

func (c TrackerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMillis) * time.Millisecond
}

func (c TrackerConfig) RateLimitFallback() time.Duration {
	return time.Duration(c.RateLimitFallbackMinutes) * time.Minute
}

// SchedulerConfig tunes the poll and response-check cycles.
type SchedulerConfig struct {
	PollIntervalMinutes          int `yaml:"poll_interval_minutes"`
	ResponseCheckIntervalMinutes int `yaml:"response_check_interval_minutes"`
	TicketCacheTTLSeconds        int `yaml:"ticket_cache_ttl_seconds"`
	CooldownMinutes              int `yaml:"cooldown_minutes"`
	ResponseMinIntervalMinutes   int `yaml:"response_min_interval_minutes"`
}

func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMinutes) * time.Minute
}

func (c SchedulerConfig) ResponseCheckInterval() time.Duration {
	return time.Duration(c.ResponseCheckIntervalMinutes) * time.Minute
}

func (c SchedulerConfig) TicketCacheTTL() time.Duration {
	return time.Duration(c.TicketCacheTTLSeconds) * time.Second
}

func (c SchedulerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

func (c SchedulerConfig) ResponseMinInterval() time.Duration {
	return time.Duration(c.ResponseMinIntervalMinutes) * time.Minute
}

// QueuesConfig tunes retry budgets, the execution cap, and recovery sweeps.
type QueuesConfig struct {
	ExecutionConcurrency     int `yaml:"execution_concurrency"`
	CoordinationMaxRetries   int `yaml:"coordination_max_retries"`
	ExecutionMaxRetries      int `yaml:"execution_max_retries"`
	CoordinationStuckMinutes int `yaml:"coordination_stuck_minutes"`
	ExecutionStuckMinutes    int `yaml:"execution_stuck_minutes"`
	StuckSweepMinutes        int `yaml:"stuck_sweep_minutes"`
	RetentionDays            int `yaml:"retention_days"`
	SessionStaleMinutes      int `yaml:"session_stale_minutes"`
}

func (c QueuesConfig) CoordinationStuck() time.Duration {
	return time.Duration(c.CoordinationStuckMinutes) * time.Minute
}

func (c QueuesConfig) ExecutionStuck() time.Duration {
	return time.Duration(c.ExecutionStuckMinutes) * time.Minute
}

func (c QueuesConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c QueuesConfig) SessionStale() time.Duration {
	return time.Duration(c.SessionStaleMinutes) * time.Minute
}

// AgentConfig describes how the external coding agent is launched.
type AgentConfig struct {
	Command          string `yaml:"command"`
	RepoPath         string `yaml:"repo_path"`
	BranchPrefix     string `yaml:"branch_prefix"`
	TimeoutMinutes   int    `yaml:"timeout_minutes"`
	KillGraceSeconds int    `yaml:"kill_grace_seconds"`
	DisplayLines     int    `yaml:"display_lines"`
}

func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

func (c AgentConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSeconds) * time.Second
}

// WebhookConfig tunes the inbound HTTP surface.
type WebhookConfig struct {
	Addr                  string `yaml:"addr"`
	SecretName            string `yaml:"secret_name"`
	AllowUnsigned         bool   `yaml:"allow_unsigned"`
	DeliveryRetentionDays int    `yaml:"delivery_retention_days"`
	PurgeIntervalHours    int    `yaml:"purge_interval_hours"`
}

func (c WebhookConfig) DeliveryRetention() time.Duration {
	return time.Duration(c.DeliveryRetentionDays) * 24 * time.Hour
}

// StagesConfig tunes the pipeline stages and their LLM backend. The heuristic
// thresholds are policy knobs, deliberately config rather than constants.
type StagesConfig struct {
	Provider               string  `yaml:"provider"`
	Model                  string  `yaml:"model"`
	OllamaHost             string  `yaml:"ollama_host"`
	MaxTokens              int     `yaml:"max_tokens"`
	Temperature            float64 `yaml:"temperature"`
	PromptTokenBudget      int     `yaml:"prompt_token_budget"`
	ReadinessThreshold     int     `yaml:"readiness_threshold"`
	ReadinessOverrideScore int     `yaml:"readiness_override_score"`
	AnswerOverlapRatio     float64 `yaml:"answer_overlap_ratio"`
}

// MetricsConfig points foremanctl at a Prometheus server scraping the daemon.
type MetricsConfig struct {
	PrometheusURL string `yaml:"prometheus_url"`
}

// Load reads, defaults, and validates the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Env == "" {
		c.Env = EnvProduction
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = ".foreman/foreman.db"
	}
	if c.Storage.WorkRoot == "" {
		c.Storage.WorkRoot = ".foreman/work"
	}

	if c.Tracker.TokenSecret == "" {
		c.Tracker.TokenSecret = SecretTrackerToken
	}
	if c.Tracker.RequestTimeoutSeconds == 0 {
		c.Tracker.RequestTimeoutSeconds = 30
	}
	if c.Tracker.MaxAttempts == 0 {
		c.Tracker.MaxAttempts = 4
	}
	if c.Tracker.BackoffBaseMillis == 0 {
		c.Tracker.BackoffBaseMillis = 1000
	}
	if c.Tracker.BackoffMaxMillis == 0 {
		c.Tracker.BackoffMaxMillis = 30000
	}
	if c.Tracker.RateLimitFallbackMinutes == 0 {
		c.Tracker.RateLimitFallbackMinutes = 15
	}
	if c.Tracker.QuotaLowWater == 0 {
		c.Tracker.QuotaLowWater = 10
	}

	if c.Scheduler.PollIntervalMinutes == 0 {
		c.Scheduler.PollIntervalMinutes = 3
	}
	if c.Scheduler.ResponseCheckIntervalMinutes == 0 {
		c.Scheduler.ResponseCheckIntervalMinutes = 1
	}
	if c.Scheduler.TicketCacheTTLSeconds == 0 {
		c.Scheduler.TicketCacheTTLSeconds = 60
	}
	if c.Scheduler.CooldownMinutes == 0 {
		c.Scheduler.CooldownMinutes = 10
	}
	if c.Scheduler.ResponseMinIntervalMinutes == 0 {
		c.Scheduler.ResponseMinIntervalMinutes = 5
	}

	if c.Queues.ExecutionConcurrency == 0 {
		c.Queues.ExecutionConcurrency = 2
	}
	if c.Queues.CoordinationMaxRetries == 0 {
		c.Queues.CoordinationMaxRetries = 2
	}
	if c.Queues.ExecutionMaxRetries == 0 {
		c.Queues.ExecutionMaxRetries = 2
	}
	if c.Queues.CoordinationStuckMinutes == 0 {
		c.Queues.CoordinationStuckMinutes = 30
	}
	if c.Queues.ExecutionStuckMinutes == 0 {
		c.Queues.ExecutionStuckMinutes = 60
	}
	if c.Queues.StuckSweepMinutes == 0 {
		c.Queues.StuckSweepMinutes = 5
	}
	if c.Queues.RetentionDays == 0 {
		c.Queues.RetentionDays = 30
	}
	if c.Queues.SessionStaleMinutes == 0 {
		c.Queues.SessionStaleMinutes = 60
	}

	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Agent.BranchPrefix == "" {
		c.Agent.BranchPrefix = "foreman/"
	}
	if c.Agent.TimeoutMinutes == 0 {
		c.Agent.TimeoutMinutes = 45
	}
	if c.Agent.KillGraceSeconds == 0 {
		c.Agent.KillGraceSeconds = 10
	}
	if c.Agent.DisplayLines == 0 {
		c.Agent.DisplayLines = 50
	}

	if c.Webhook.Addr == "" {
		c.Webhook.Addr = ":8344"
	}
	if c.Webhook.SecretName == "" {
		c.Webhook.SecretName = SecretWebhookSecret
	}
	if c.Webhook.DeliveryRetentionDays == 0 {
		c.Webhook.DeliveryRetentionDays = 7
	}
	if c.Webhook.PurgeIntervalHours == 0 {
		c.Webhook.PurgeIntervalHours = 6
	}

	if c.Stages.Provider == "" {
		c.Stages.Provider = ProviderAnthropic
	}
	if c.Stages.Model == "" {
		c.Stages.Model = defaultModelFor(c.Stages.Provider)
	}
	if c.Stages.MaxTokens == 0 {
		c.Stages.MaxTokens = 4096
	}
	if c.Stages.Temperature == 0 {
		c.Stages.Temperature = 0.2
	}
	if c.Stages.PromptTokenBudget == 0 {
		c.Stages.PromptTokenBudget = 12000
	}
	if c.Stages.ReadinessThreshold == 0 {
		c.Stages.ReadinessThreshold = 70
	}
	if c.Stages.ReadinessOverrideScore == 0 {
		c.Stages.ReadinessOverrideScore = 80
	}
	if c.Stages.AnswerOverlapRatio == 0 {
		c.Stages.AnswerOverlapRatio = 0.5
	}
}

func defaultModelFor(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderOllama:
		return "qwen2.5-coder:14b"
	case ProviderGoogle:
		return "gemini-2.5-flash"
	default:
		return "claude-sonnet-4-20250514"
	}
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if c.Env != EnvProduction && c.Env != EnvDevelopment {
		return fmt.Errorf("env must be %q or %q, got %q", EnvProduction, EnvDevelopment, c.Env)
	}
	if c.Webhook.AllowUnsigned && c.Env != EnvDevelopment {
		return fmt.Errorf("webhook.allow_unsigned is development-only (env is %q)", c.Env)
	}
	if c.Tracker.BaseURL == "" {
		return fmt.Errorf("tracker.base_url is required")
	}
	if c.Queues.ExecutionConcurrency < 1 {
		return fmt.Errorf("queues.execution_concurrency must be >= 1, got %d", c.Queues.ExecutionConcurrency)
	}
	if c.Tracker.MaxAttempts < 1 {
		return fmt.Errorf("tracker.max_attempts must be >= 1, got %d", c.Tracker.MaxAttempts)
	}
	switch c.Stages.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGoogle:
	default:
		return fmt.Errorf("stages.provider %q not supported", c.Stages.Provider)
	}
	if c.Stages.AnswerOverlapRatio < 0 || c.Stages.AnswerOverlapRatio > 1 {
		return fmt.Errorf("stages.answer_overlap_ratio must be in [0,1], got %v", c.Stages.AnswerOverlapRatio)
	}
	return nil
}
