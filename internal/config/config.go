package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config defines the business-level application configuration. It maps
// directly to config.json: LLM/channel credentials, endpoints, channel ids
// and outbound labels. The tunable thresholds live in SystemConfig.
type Config struct {
	LLMAPIKey     string `json:"llm_api_key"`
	LLMEndpoint   string `json:"llm_endpoint"`

	ChatSendToken    string `json:"chat_send_token"`
	ChatSendEndpoint string `json:"chat_send_endpoint"`

	PrimaryChannelID   string `json:"primary_channel_id"`
	SecondaryChannelID string `json:"secondary_channel_id,omitempty"`
	AdminChannelID     string `json:"admin_channel_id,omitempty"`

	TelegramToken string `json:"telegram_token,omitempty"`

	// OutboundLabels are the output-channel titles the ingest pipeline's
	// loop guard matches against (case-insensitive) to drop the mirror's
	// own echoes before they re-enter the pipeline.
	OutboundLabels []string `json:"outbound_labels,omitempty"`
}

// Validate ensures mandatory fields are present before the system proceeds
// to initialization. A missing llm_api_key/endpoint makes Load return an
// error; main logs it, prints the banner and retries the load after a
// delay or a config change. The process does not exit on it and sets no
// exit code.
func (c *Config) Validate() error {
	if c.LLMAPIKey == "" {
		return fmt.Errorf("mandatory 'llm_api_key' configuration is missing or empty")
	}
	if c.LLMEndpoint == "" {
		return fmt.Errorf("mandatory 'llm_endpoint' configuration is missing or empty")
	}
	return nil
}

// SystemConfig holds engine-level technical parameters distinct from the
// business configuration, mirroring the teacher's App/System split.
type SystemConfig struct {
	BaseHeartbeatMs int64 `json:"base_heartbeat_ms"`
	MaxHeartbeatMs  int64 `json:"max_heartbeat_ms"`
	MinHeartbeatMs  int64 `json:"min_heartbeat_ms"`

	AnalysisReuseWindowMs int64 `json:"analysis_reuse_window_ms"`

	BatchMax   int `json:"batch_max"`
	MaxRetries int `json:"max_retries"`

	RelevancePrimaryThreshold   int `json:"relevance_primary_threshold"`
	RelevanceSecondaryThreshold int `json:"relevance_secondary_threshold"`

	LLMTimeoutMs    int `json:"llm_timeout_ms"`
	SendTimeoutMs   int `json:"send_timeout_ms"`
	FeedTimeoutMs   int `json:"feed_timeout_ms"`
	ShutdownGraceMs int `json:"shutdown_grace_ms"`

	FeedPollIntervalMs   int64 `json:"feed_poll_interval_ms"`
	DigestCadenceMs      int64 `json:"digest_cadence_ms"`
	JanitorCadenceMs     int64 `json:"janitor_cadence_ms"`
	LogRetentionMs       int64 `json:"log_retention_ms"`
	DuplicateSuppressMs  int64 `json:"duplicate_suppress_ms"`

	RateLimitPerMinute int `json:"rate_limit_per_minute"`

	LogLevel string `json:"log_level"`

	DBPath string `json:"db_path"`
}

// DefaultSystemConfig returns hardcoded safe defaults matching spec.md §6.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		BaseHeartbeatMs:             300000,
		MaxHeartbeatMs:              3600000,
		MinHeartbeatMs:              5000,
		AnalysisReuseWindowMs:       86400000,
		BatchMax:                    20,
		MaxRetries:                  5,
		RelevancePrimaryThreshold:   80,
		RelevanceSecondaryThreshold: 60,
		LLMTimeoutMs:                30000,
		SendTimeoutMs:               10000,
		FeedTimeoutMs:               15000,
		ShutdownGraceMs:             5000,
		FeedPollIntervalMs:          900000,
		DigestCadenceMs:             43200000,
		JanitorCadenceMs:            43200000,
		LogRetentionMs:              604800000,
		DuplicateSuppressMs:         21600000,
		RateLimitPerMinute:          60,
		LogLevel:                    "info",
		DBPath:                      "data/refinery.db",
	}
}

// Load reads and parses config.json and system.json. A missing or invalid
// config.json is a fatal Config error; system.json falls back to defaults
// on any read/parse failure so the engine always has workable parameters.
func Load() (*Config, *SystemConfig, error) {
	appPath := "config.json"
	if _, err := os.Stat(appPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}

	appFile, err := os.ReadFile(appPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(appFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	sysCfg := LoadSystemConfig("system.json")

	return &cfg, sysCfg, nil
}

// LoadSystemConfig attempts to load system settings, returning defaults
// overlaid with whatever the file provides if present.
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	if err := json.Unmarshal(file, cfg); err != nil {
		return cfg
	}

	return cfg
}
