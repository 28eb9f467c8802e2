// Package config loads pingtower's configuration: an optional YAML base
// file, layered with environment-variable overrides that always win,
// validated once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pingtower/core/pkg/gate"
)

// Config is the fully-resolved configuration for one pingtower process.
type Config struct {
	HTTPAddr string `yaml:"http_addr" json:"http_addr"`
	APIKey   string `yaml:"api_key" json:"api_key"`

	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Gates     GatesConfig     `yaml:"gates" json:"gates"`
	Prober    ProberConfig    `yaml:"prober" json:"prober"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify" json:"notify"`
	URLPolicy URLPolicyConfig `yaml:"url_policy" json:"url_policy"`
}

type DatabaseConfig struct {
	Path    string `yaml:"path" json:"path"`
	WALMode bool   `yaml:"wal_mode" json:"wal_mode"`
}

type GatesConfig struct {
	GlobalConcurrency int     `yaml:"global_concurrency" json:"global_concurrency"`
	GlobalRPS         float64 `yaml:"global_rps" json:"global_rps"`
	ServiceLimits     string  `yaml:"service_limits_json" json:"service_limits_json"`
}

type ProberConfig struct {
	MaxAttempts     int     `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoffMS   int     `yaml:"base_backoff_ms" json:"base_backoff_ms"`
	JitterMS        int     `yaml:"jitter_ms" json:"jitter_ms"`
	SSLVerify       bool    `yaml:"ssl_verify" json:"ssl_verify"`
	CABundle        string  `yaml:"ca_bundle" json:"ca_bundle"`
	InsecureRetry   bool    `yaml:"insecure_retry" json:"insecure_retry"`
	ConnectTimeoutS float64 `yaml:"connect_timeout_s" json:"connect_timeout_s"`
}

type SchedulerConfig struct {
	TickSeconds     int `yaml:"tick_seconds" json:"tick_seconds"`
	TTLCleanupHours int `yaml:"ttl_cleanup_hours" json:"ttl_cleanup_hours"`
}

type NotifyConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token" json:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id" json:"telegram_chat_id"`
	WebhookURL       string `yaml:"webhook_url" json:"webhook_url"`
}

type URLPolicyConfig struct {
	AllowRegex string `yaml:"url_allow_regex" json:"url_allow_regex"`
	DenyRegex  string `yaml:"url_deny_regex" json:"url_deny_regex"`
}

// DefaultConfig returns the built-in defaults for every tunable.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr: "0.0.0.0:8090",
		Database: DatabaseConfig{Path: "./data/pingtower.db", WALMode: true},
		Gates:    GatesConfig{GlobalConcurrency: 10},
		Prober: ProberConfig{
			MaxAttempts:     1,
			BaseBackoffMS:   200,
			JitterMS:        100,
			SSLVerify:       true,
			InsecureRetry:   true,
			ConnectTimeoutS: 3.0,
		},
		Scheduler: SchedulerConfig{TickSeconds: 10, TTLCleanupHours: 720},
	}
}

var globalConfig *Config

// Load reads ./configs/<PINGTOWER_ENV>.yaml if present (default env
// "development"), applies every environment-variable override, and
// validates the result. A missing config file is not an error:
// environment variables and defaults are sufficient on their own,
// matching a container-first deployment style.
func Load() (*Config, error) {
	environment := os.Getenv("PINGTOWER_ENV")
	if environment == "" {
		environment = "development"
	}

	cfg := DefaultConfig()

	configPath := fmt.Sprintf("./configs/%s.yaml", environment)
	if fileExists(configPath) {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	overrideWithEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	globalConfig = cfg
	return cfg, nil
}

// Get returns the most recently Load-ed configuration.
func Get() *Config {
	if globalConfig == nil {
		panic("configuration not loaded, call Load() first")
	}
	return globalConfig
}

func overrideWithEnv(cfg *Config) {
	if val := os.Getenv("GLOBAL_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Gates.GlobalConcurrency = n
		}
	}
	if val := os.Getenv("GLOBAL_RPS"); val != "" {
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Gates.GlobalRPS = n
		}
	}
	if val := os.Getenv("SERVICE_LIMITS_JSON"); val != "" {
		cfg.Gates.ServiceLimits = val
	}

	if val := os.Getenv("CHECK_TICK_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Scheduler.TickSeconds = n
		}
	}
	if val := os.Getenv("TTL_CLEANUP_HOURS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Scheduler.TTLCleanupHours = n
		}
	}

	if val := os.Getenv("HTTP_RETRY_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Prober.MaxAttempts = n
		}
	}
	if val := os.Getenv("HTTP_RETRY_BASE_MS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Prober.BaseBackoffMS = n
		}
	}
	if val := os.Getenv("HTTP_RETRY_JITTER_MS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Prober.JitterMS = n
		}
	}
	if val := os.Getenv("HTTP_SSL_VERIFY"); val != "" {
		cfg.Prober.SSLVerify = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("HTTP_CA_BUNDLE"); val != "" {
		cfg.Prober.CABundle = val
	}
	if val := os.Getenv("HTTP_SSL_INSECURE_RETRY"); val != "" {
		cfg.Prober.InsecureRetry = strings.ToLower(val) == "true"
	}

	if bot := os.Getenv("TELEGRAM_BOT_TOKEN"); bot != "" {
		cfg.Notify.TelegramBotToken = bot
	}
	if chat := os.Getenv("TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Notify.TelegramChatID = chat
	}
	if wh := os.Getenv("WEBHOOK_URL"); wh != "" {
		cfg.Notify.WebhookURL = wh
	}

	if val := os.Getenv("URL_ALLOW_REGEX"); val != "" {
		cfg.URLPolicy.AllowRegex = val
	}
	if val := os.Getenv("URL_DENY_REGEX"); val != "" {
		cfg.URLPolicy.DenyRegex = val
	}

	if val := os.Getenv("PINGTOWER_HTTP_ADDR"); val != "" {
		cfg.HTTPAddr = val
	}
	if val := os.Getenv("PINGTOWER_API_KEY"); val != "" {
		cfg.APIKey = val
	}
	if val := os.Getenv("PINGTOWER_DB_PATH"); val != "" {
		cfg.Database.Path = val
	}
}

// validate rejects only structurally required misconfiguration.
// SERVICE_LIMITS_JSON is intentionally not validated here: a malformed
// document is handled (logged, treated as empty) by gate.ParseServiceLimits.
func validate(cfg *Config) error {
	if cfg.HTTPAddr == "" {
		return fmt.Errorf("http_addr cannot be empty")
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if cfg.Gates.GlobalConcurrency <= 0 {
		return fmt.Errorf("gates.global_concurrency must be positive")
	}
	if cfg.Scheduler.TickSeconds < 1 {
		return fmt.Errorf("scheduler.tick_seconds must be >= 1")
	}
	if cfg.Prober.MaxAttempts < 1 {
		return fmt.Errorf("prober.max_attempts must be >= 1")
	}
	return nil
}

// ServiceLimitRules parses the configured SERVICE_LIMITS_JSON.
func (c *Config) ServiceLimitRules() []gate.Rule {
	return gate.ParseServiceLimits(c.Gates.ServiceLimits)
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
