package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultMaxToolIterations = 20

	DefaultPromotionThreshold     = 7
	DefaultRetentionDays          = 90
	DefaultConversationCap        = 1000
	DefaultInsightCap             = 100
	DefaultInsightSchedule        = "@every 5m"
	DefaultMaintenanceSchedule    = "0 0 3 * * *"
	DefaultActiveWindow           = "1h"
	DefaultMaintenanceConcurrency = 4
	DefaultInsightSelector        = "random"

	DefaultStorageDriver = "sqlite"
	DefaultRedisPrefix   = "memoria"

	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultMetricsAddr = "127.0.0.1:9464"

	DefaultTelegramRateLimit = 20
)

type Config struct {
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Memory   MemoryConfig   `json:"memory" yaml:"memory"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type AgentConfig struct {
	Workspace         string `json:"workspace" yaml:"workspace"`
	Model             string `json:"model" yaml:"model"`
	MaxTokens         int    `json:"maxTokens" yaml:"maxTokens"`
	MaxToolIterations int    `json:"maxToolIterations" yaml:"maxToolIterations"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	// RateLimit caps outbound messages per second.
	RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

type MemoryConfig struct {
	PromotionThreshold     int    `json:"promotionThreshold" yaml:"promotionThreshold"`
	RetentionDays          int    `json:"retentionDays" yaml:"retentionDays"`
	ConversationCap        int    `json:"conversationCap" yaml:"conversationCap"`
	InsightCap             int    `json:"insightCap" yaml:"insightCap"`
	InsightSchedule        string `json:"insightSchedule" yaml:"insightSchedule"`
	MaintenanceSchedule    string `json:"maintenanceSchedule" yaml:"maintenanceSchedule"`
	ActiveWindow           string `json:"activeWindow" yaml:"activeWindow"`
	MaintenanceConcurrency int    `json:"maintenanceConcurrency" yaml:"maintenanceConcurrency"`
	// InsightSelector is "random" or "roundrobin".
	InsightSelector string `json:"insightSelector" yaml:"insightSelector"`
	InsightSeed     int64  `json:"insightSeed,omitempty" yaml:"insightSeed,omitempty"`
}

// ActiveWindowDuration parses ActiveWindow, falling back to the default on
// empty or invalid input.
func (m MemoryConfig) ActiveWindowDuration() time.Duration {
	if d, err := time.ParseDuration(m.ActiveWindow); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultActiveWindow)
	return d
}

type StorageConfig struct {
	Driver     string      `json:"driver" yaml:"driver"` // "sqlite" (default), "redis" or "memory"
	SQLitePath string      `json:"sqlitePath,omitempty" yaml:"sqlitePath,omitempty"`
	Redis      RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "console"
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(ConfigDir(), "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Provider: ProviderConfig{},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{RateLimit: DefaultTelegramRateLimit},
		},
		Memory: MemoryConfig{
			PromotionThreshold:     DefaultPromotionThreshold,
			RetentionDays:          DefaultRetentionDays,
			ConversationCap:        DefaultConversationCap,
			InsightCap:             DefaultInsightCap,
			InsightSchedule:        DefaultInsightSchedule,
			MaintenanceSchedule:    DefaultMaintenanceSchedule,
			ActiveWindow:           DefaultActiveWindow,
			MaintenanceConcurrency: DefaultMaintenanceConcurrency,
			InsightSelector:        DefaultInsightSelector,
		},
		Storage: StorageConfig{
			Driver:     DefaultStorageDriver,
			SQLitePath: filepath.Join(ConfigDir(), "data", "memoria.db"),
			Redis:      RedisConfig{Prefix: DefaultRedisPrefix},
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsConfig{
			Addr: DefaultMetricsAddr,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memoria")
}

// ConfigPath honors MEMORIA_CONFIG before the default location.
func ConfigPath() string {
	if p := os.Getenv("MEMORIA_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	path := ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("MEMORIA_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("MEMORIA_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("MEMORIA_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if threshold := os.Getenv("MEMORIA_PROMOTION_THRESHOLD"); threshold != "" {
		if parsed, err := strconv.Atoi(threshold); err == nil {
			cfg.Memory.PromotionThreshold = parsed
		}
	}
	if days := os.Getenv("MEMORIA_RETENTION_DAYS"); days != "" {
		if parsed, err := strconv.Atoi(days); err == nil {
			cfg.Memory.RetentionDays = parsed
		}
	}
	if spec := os.Getenv("MEMORIA_INSIGHT_SCHEDULE"); spec != "" {
		cfg.Memory.InsightSchedule = spec
	}
	if spec := os.Getenv("MEMORIA_MAINTENANCE_SCHEDULE"); spec != "" {
		cfg.Memory.MaintenanceSchedule = spec
	}
	if driver := os.Getenv("MEMORIA_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if path := os.Getenv("MEMORIA_SQLITE_PATH"); path != "" {
		cfg.Storage.SQLitePath = path
	}
	if addr := os.Getenv("MEMORIA_REDIS_ADDR"); addr != "" {
		cfg.Storage.Redis.Addr = addr
	}
	if password := os.Getenv("MEMORIA_REDIS_PASSWORD"); password != "" {
		cfg.Storage.Redis.Password = password
	}
	if level := os.Getenv("MEMORIA_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if enabled := os.Getenv("MEMORIA_METRICS_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Metrics.Enabled = parsed
		}
	}
	if addr := os.Getenv("MEMORIA_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Addr = addr
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = def.Agent.Workspace
	}
	if cfg.Memory.PromotionThreshold <= 0 {
		cfg.Memory.PromotionThreshold = DefaultPromotionThreshold
	}
	if cfg.Memory.RetentionDays <= 0 {
		cfg.Memory.RetentionDays = DefaultRetentionDays
	}
	if cfg.Memory.ConversationCap <= 0 {
		cfg.Memory.ConversationCap = DefaultConversationCap
	}
	if cfg.Memory.InsightCap <= 0 {
		cfg.Memory.InsightCap = DefaultInsightCap
	}
	if cfg.Memory.InsightSchedule == "" {
		cfg.Memory.InsightSchedule = DefaultInsightSchedule
	}
	if cfg.Memory.MaintenanceSchedule == "" {
		cfg.Memory.MaintenanceSchedule = DefaultMaintenanceSchedule
	}
	if cfg.Memory.ActiveWindow == "" {
		cfg.Memory.ActiveWindow = DefaultActiveWindow
	}
	if cfg.Memory.MaintenanceConcurrency <= 0 {
		cfg.Memory.MaintenanceConcurrency = DefaultMaintenanceConcurrency
	}
	if cfg.Memory.InsightSelector == "" {
		cfg.Memory.InsightSelector = DefaultInsightSelector
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = def.Storage.SQLitePath
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = DefaultRedisPrefix
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}
	if cfg.Channels.Telegram.RateLimit <= 0 {
		cfg.Channels.Telegram.RateLimit = DefaultTelegramRateLimit
	}
}

func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
