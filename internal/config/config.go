// Package config loads the YAML configuration describing families (one
// per backend provider pool), timeouts, and storage/broker locations, with
// environment-variable overrides and a content fingerprint for diagnostics.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FamilyConfig is the dynamic-dispatch record spec.md §9's design note
// calls for: routing, timeouts, and refusal detection for one provider
// family, replacing the original's scattered per-worker-file constants.
type FamilyConfig struct {
	ID              string   `yaml:"id"`                    // e.g. "gemini", "deepseek", "qwen", "stable_diffusion"
	MatchSubstrings []string `yaml:"match_substrings"`      // model-name substrings routed to this family (§6.2)
	StreamKey       string   `yaml:"stream_key"`            // Redis stream key
	ConsumerGroup   string   `yaml:"consumer_group"`        // Redis consumer group name
	RequestTimeout  int      `yaml:"request_timeout_sec"`   // backend HTTP call timeout
	RefusalKeywords []string `yaml:"refusal_keywords"`      // substrings that mark a 200 response as a refusal
	Concurrency     int      `yaml:"concurrency"`           // fan-out width when the model string carries "(#k)"
	UsesNodePool    bool     `yaml:"uses_node_pool"`        // false: worker.Runner.runFixedBackend talks straight to FixedBackendURL, no ServiceNode rows
	FixedBackendURL string   `yaml:"fixed_backend_url"`     // node base URL for the fixed-backend path; read only when UsesNodePool is false
	Temperature     float64  `yaml:"temperature,omitempty"` // sent on every request when UsesNodePool is false (original_source deepseek_worker.py: 0.6)
}

// Config is the root of config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath      string `yaml:"db_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	BindAddr    string `yaml:"bind_addr"`
	LogLevel    string `yaml:"log_level"`
	UploadDir   string `yaml:"upload_dir"`

	// RecoveryBatchSize bounds how many pending-entries are scanned per
	// XREADGROUP ... '0' call at startup (§4.8).
	RecoveryBatchSize int `yaml:"recovery_batch_size"`
	// RecoveryExpirySeconds is the age (derived from the stream message ID)
	// past which a pending entry is dropped to the DLQ instead of retried.
	RecoveryExpirySeconds int `yaml:"recovery_expiry_seconds"`

	// DLQStreamKey is the dead-letter stream name (§6.2).
	DLQStreamKey string `yaml:"dlq_stream_key"`
	DLQMaxLen    int64  `yaml:"dlq_maxlen"`

	// RetentionCronExpr schedules the housekeeping sweep that purges old
	// task_events/system_logs rows (SPEC_FULL.md ambient-stack addition).
	RetentionCronExpr string `yaml:"retention_cron_expr"`
	RetentionDays     int    `yaml:"retention_days"`

	NodeClaimMaxRetries int `yaml:"node_claim_max_retries"`

	ContextWindow int `yaml:"context_window"` // max prior SUCCESS tasks loaded per request (§4.5)

	Families []FamilyConfig `yaml:"families"`

	OTel OTelConfig `yaml:"otel"`
}

// OTelConfig mirrors the teacher's tracing/metrics toggle shape.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the home directory for config/logs/uploads, honoring
// ASYNC_CHAT_HOME the way the teacher honors GOCLAW_HOME.
func HomeDir() string {
	if override := os.Getenv("ASYNC_CHAT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".async-chat")
}

// Load reads config.yaml (if present), applies defaults and environment
// overrides, and returns the effective configuration.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if override := os.Getenv("ASYNC_CHAT_CONFIG"); override != "" {
		return loadFrom(override, cfg)
	}

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create async-chat home: %w", err)
	}
	return loadFrom(ConfigPath(cfg.HomeDir), cfg)
}

func loadFrom(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		DBPath:                "",
		RedisAddr:             "127.0.0.1:6379",
		BindAddr:              "127.0.0.1:18080",
		LogLevel:              "info",
		UploadDir:             "./uploads",
		RecoveryBatchSize:     50,
		RecoveryExpirySeconds: 60,
		DLQStreamKey:          "sys_dead_letters",
		DLQMaxLen:             10000,
		NodeClaimMaxRetries:   3,
		ContextWindow:         10,
		RetentionCronExpr:     "0 3 * * *",
		RetentionDays:         30,
		Families:              defaultFamilies(),
	}
}

// defaultFamilies ports original_source's per-worker constants
// (GEMINI_REFUSAL_KEYWORDS, request_timeout=120/300) into data, and the
// dispatch.py routing table into MatchSubstrings, including its documented
// default fallback onto the gemini family.
func defaultFamilies() []FamilyConfig {
	return []FamilyConfig{
		{
			ID:              "gemini",
			MatchSubstrings: []string{"gemini"},
			StreamKey:       "gemini_stream",
			ConsumerGroup:   "gemini_workers",
			RequestTimeout:  120,
			RefusalKeywords: []string{
				"您登录了吗", "无法为您创建任何图片", "地区尚未开通", "无法创建图片",
				"I cannot create images", "yet available to create images",
			},
			Concurrency:  1,
			UsesNodePool: true,
		},
		{
			ID:              "deepseek",
			MatchSubstrings: []string{"deepseek"},
			StreamKey:       "deepseek_stream",
			ConsumerGroup:   "deepseek_workers",
			RequestTimeout:  300,
			Temperature:     0.6,
			Concurrency:     1,
			UsesNodePool:    false,
			FixedBackendURL: "",
		},
		{
			ID:              "qwen",
			MatchSubstrings: []string{"qwen", "千问"},
			StreamKey:       "qwen_stream",
			ConsumerGroup:   "qwen_workers",
			RequestTimeout:  120,
			Concurrency:     1,
			UsesNodePool:    false,
		},
		{
			ID:              "stable_diffusion",
			MatchSubstrings: []string{"sd", "stable"},
			StreamKey:       "sd_stream",
			ConsumerGroup:   "sd_workers",
			RequestTimeout:  180,
			Concurrency:     1,
			UsesNodePool:    false,
		},
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "async-chat.db")
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RecoveryBatchSize <= 0 {
		cfg.RecoveryBatchSize = 50
	}
	if cfg.RecoveryExpirySeconds <= 0 {
		cfg.RecoveryExpirySeconds = 60
	}
	if cfg.DLQStreamKey == "" {
		cfg.DLQStreamKey = "sys_dead_letters"
	}
	if cfg.DLQMaxLen <= 0 {
		cfg.DLQMaxLen = 10000
	}
	if cfg.NodeClaimMaxRetries <= 0 {
		cfg.NodeClaimMaxRetries = 3
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 10
	}
	if cfg.RetentionCronExpr == "" {
		cfg.RetentionCronExpr = "0 3 * * *"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if len(cfg.Families) == 0 {
		cfg.Families = defaultFamilies()
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ASYNC_CHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ASYNC_CHAT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("ASYNC_CHAT_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ASYNC_CHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ASYNC_CHAT_UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv("ASYNC_CHAT_RECOVERY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RecoveryBatchSize = n
		}
	}
}

// FamilyByID looks up a configured family by its ID.
func (c Config) FamilyByID(id string) (FamilyConfig, bool) {
	for _, f := range c.Families {
		if f.ID == id {
			return f, true
		}
	}
	return FamilyConfig{}, false
}

// Fingerprint returns a stable hash of the effective config, exposed for
// health/diagnostics endpoints (SPEC_FULL.md ambient-stack config section).
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|redis=%s|bind=%s|log=%s|families=%d|recov=%d/%d",
		c.DBPath, c.RedisAddr, c.BindAddr, c.LogLevel, len(c.Families),
		c.RecoveryBatchSize, c.RecoveryExpirySeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// RequestTimeoutDuration is a convenience accessor for worker timeout selection.
func (f FamilyConfig) RequestTimeoutDuration() time.Duration {
	if f.RequestTimeout <= 0 {
		return 120 * time.Second
	}
	return time.Duration(f.RequestTimeout) * time.Second
}
