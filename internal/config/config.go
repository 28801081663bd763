// Package config loads and validates application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
	DataDir     string `mapstructure:"data_dir"`   // append-only logs, local index spill
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings (market snapshot cache)
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	CacheTTL int    `mapstructure:"cache_ttl"` // seconds
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// MemoryConfig contains memory store settings
type MemoryConfig struct {
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Retention RetentionConfig `mapstructure:"retention"`
	Backend   string          `mapstructure:"backend"`   // "pgvector" or "local"
	SpillDir  string          `mapstructure:"spill_dir"` // per-record JSON cold spill
}

// EmbeddingConfig selects the text encoder
type EmbeddingConfig struct {
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
}

// RetentionConfig controls the memory compactor
type RetentionConfig struct {
	MaxRecords int           `mapstructure:"max_records"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	MinAge     time.Duration `mapstructure:"min_age"` // records younger than this are never evicted
	Interval   time.Duration `mapstructure:"interval"`
}

// AgentsConfig contains agent-level settings
type AgentsConfig struct {
	Scanner        ScannerConfig        `mapstructure:"scanner"`
	RiskManagement RiskManagementConfig `mapstructure:"risk_management"`
	Timing         TimingConfig         `mapstructure:"timing"`
	Watchlist      []string             `mapstructure:"watchlist"`
	ToolRegistry   string               `mapstructure:"tool_registry"` // YAML tool definitions
}

// ScannerConfig controls the coordination cycle cadence
type ScannerConfig struct {
	ScanInterval int `mapstructure:"scan_interval"` // seconds between cycles
}

// RiskManagementConfig contains global risk caps
type RiskManagementConfig struct {
	MaxRiskPerTrade float64 `mapstructure:"max_risk_per_trade"`
}

// TimingConfig contains market session boundaries (wall clock, exchange local time)
type TimingConfig struct {
	PreMarketOpen  string `mapstructure:"pre_market_open"`  // "04:00"
	RegularOpen    string `mapstructure:"regular_open"`     // "09:30"
	RegularClose   string `mapstructure:"regular_close"`    // "16:00"
	AfterHoursEnd  string `mapstructure:"after_hours_end"`  // "20:00"
	ExchangeTZName string `mapstructure:"exchange_tz_name"` // "America/New_York"
}

// CoordinatorConfig contains decision pipeline settings
type CoordinatorConfig struct {
	Mode         string             `mapstructure:"mode"` // conservative, balanced, aggressive, autonomous
	AgentWeights map[string]float64 `mapstructure:"agent_weights"`
	PhaseTimeout time.Duration      `mapstructure:"phase_timeout"`
}

// RuntimeConfig contains runtime agent settings
type RuntimeConfig struct {
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEFABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "TradeFabric")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")
	v.SetDefault("app.data_dir", "./data")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradefabric")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 60)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "fabric.")

	// Memory defaults
	v.SetDefault("memory.embedding.model", "all-MiniLM-L6-v2")
	v.SetDefault("memory.embedding.dimension", 384)
	v.SetDefault("memory.retention.max_records", 100000)
	v.SetDefault("memory.retention.max_age", 720*time.Hour)
	v.SetDefault("memory.retention.min_age", time.Hour)
	v.SetDefault("memory.retention.interval", 10*time.Minute)
	v.SetDefault("memory.backend", "pgvector")
	v.SetDefault("memory.spill_dir", "./data/local_index")

	// Agent defaults
	v.SetDefault("agents.scanner.scan_interval", 60)
	v.SetDefault("agents.risk_management.max_risk_per_trade", 0.05)
	v.SetDefault("agents.watchlist", []string{})
	v.SetDefault("agents.tool_registry", "./configs/tools.yaml")
	v.SetDefault("agents.timing.pre_market_open", "04:00")
	v.SetDefault("agents.timing.regular_open", "09:30")
	v.SetDefault("agents.timing.regular_close", "16:00")
	v.SetDefault("agents.timing.after_hours_end", "20:00")
	v.SetDefault("agents.timing.exchange_tz_name", "America/New_York")

	// Coordinator defaults
	v.SetDefault("coordinator.mode", "balanced")
	v.SetDefault("coordinator.phase_timeout", 30*time.Second)

	// Runtime defaults
	v.SetDefault("runtime.max_concurrent_tasks", 5)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks the configuration for fatal errors. A failed validation
// refuses startup; nothing here is recoverable at runtime.
func (c *Config) Validate() error {
	if c.Memory.Embedding.Dimension <= 0 {
		return fmt.Errorf("config invalid: memory.embedding.dimension must be positive, got %d", c.Memory.Embedding.Dimension)
	}
	switch c.Memory.Backend {
	case "pgvector", "local":
	default:
		return fmt.Errorf("config invalid: memory.backend must be pgvector or local, got %q", c.Memory.Backend)
	}
	if c.Memory.Retention.MaxRecords <= 0 {
		return fmt.Errorf("config invalid: memory.retention.max_records must be positive")
	}
	if c.Memory.Retention.MinAge < 0 || c.Memory.Retention.MaxAge < 0 {
		return fmt.Errorf("config invalid: memory retention ages must be non-negative")
	}
	switch c.Coordinator.Mode {
	case "conservative", "balanced", "aggressive", "autonomous":
	default:
		return fmt.Errorf("config invalid: coordinator.mode must be one of conservative, balanced, aggressive, autonomous, got %q", c.Coordinator.Mode)
	}
	for name, w := range c.Coordinator.AgentWeights {
		if w < 0 {
			return fmt.Errorf("config invalid: coordinator.agent_weights[%s] must be non-negative, got %f", name, w)
		}
	}
	if c.Agents.Scanner.ScanInterval <= 0 {
		return fmt.Errorf("config invalid: agents.scanner.scan_interval must be positive, got %d", c.Agents.Scanner.ScanInterval)
	}
	if c.Agents.RiskManagement.MaxRiskPerTrade <= 0 || c.Agents.RiskManagement.MaxRiskPerTrade > 1 {
		return fmt.Errorf("config invalid: agents.risk_management.max_risk_per_trade must be in (0,1], got %f", c.Agents.RiskManagement.MaxRiskPerTrade)
	}
	if c.Runtime.MaxConcurrentTasks < 1 {
		return fmt.Errorf("config invalid: runtime.max_concurrent_tasks must be at least 1, got %d", c.Runtime.MaxConcurrentTasks)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ScanIntervalDuration returns the cycle cadence as a duration
func (c *ScannerConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(c.ScanInterval) * time.Second
}
