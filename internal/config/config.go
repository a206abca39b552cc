package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Market     MarketConfig     `mapstructure:"market"`
	Predictor  PredictorConfig  `mapstructure:"predictor"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Position   PositionConfig   `mapstructure:"position"`
	Learning   LearningConfig   `mapstructure:"learning"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
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

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains event bus settings. When Embedded is set the
// daemon runs its own NATS server in-process and URL is ignored.
type NATSConfig struct {
	Embedded      bool   `mapstructure:"embedded"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// MarketConfig contains candle fetcher and cache settings
type MarketConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	FetchTimeout      int    `mapstructure:"fetch_timeout"` // ms
	CacheDepth        int    `mapstructure:"cache_depth"`   // candles kept per (pair, timeframe)
	WarmCandles       int    `mapstructure:"warm_candles"`  // candles fetched when warming a cold key
}

// PredictorConfig contains settings for the remote model service
type PredictorConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	Timeout         int    `mapstructure:"timeout"` // ms
	MaxInflight     int    `mapstructure:"max_inflight"`
	RetryMax        int    `mapstructure:"retry_max"`
	BreakerFailures uint32 `mapstructure:"breaker_failures"`
	BreakerCooldown int    `mapstructure:"breaker_cooldown"` // seconds
	TrainTimeout    int    `mapstructure:"train_timeout"`    // ms, training calls run long
}

// MonitorConfig contains signal monitor settings
type MonitorConfig struct {
	TickInterval    int     `mapstructure:"tick_interval"` // seconds
	Workers         int     `mapstructure:"workers"`
	ConfidenceDelta float64 `mapstructure:"confidence_delta"`
	MinCandles      int     `mapstructure:"min_candles"`
	HistoryDepth    int     `mapstructure:"history_depth"`
	ShutdownGrace   int     `mapstructure:"shutdown_grace"` // seconds
}

// DeliveryConfig contains notification delivery settings
type DeliveryConfig struct {
	DefaultDailyQuota      int    `mapstructure:"default_daily_quota"`
	DefaultCooldownMinutes int    `mapstructure:"default_cooldown_minutes"`
	DedupWindowMinutes     int    `mapstructure:"dedup_window_minutes"`
	QuotaWindow            string `mapstructure:"quota_window"` // "rolling" or "utc"
	SendTimeout            int    `mapstructure:"send_timeout"` // ms
	RetryMax               int    `mapstructure:"retry_max"`
	QueueSize              int    `mapstructure:"queue_size"`
	FCMCredentialsFile     string `mapstructure:"fcm_credentials_file"`
	WebhookURL             string `mapstructure:"webhook_url"`     // chat bridge endpoint, empty disables
	DigestHourUTC          int    `mapstructure:"digest_hour_utc"` // daily summary send hour
}

// PositionConfig contains position monitor settings
type PositionConfig struct {
	TickInterval         int     `mapstructure:"tick_interval"` // seconds
	BatchSize            int     `mapstructure:"batch_size"`
	BatchSpacing         int     `mapstructure:"batch_spacing"` // ms between batches
	TrailingBreakevenPct float64 `mapstructure:"trailing_breakeven_pct"`
	TrailingLockPct      float64 `mapstructure:"trailing_lock_pct"`
	StaleHoldHours       int     `mapstructure:"stale_hold_hours"`
	NearLevelPips        float64 `mapstructure:"near_level_pips"`
}

// LearningConfig contains continuous-learning settings
type LearningConfig struct {
	DailyCron         string  `mapstructure:"daily_cron"`
	WeeklyCron        string  `mapstructure:"weekly_cron"`
	ABTestDays        int     `mapstructure:"ab_test_days"`
	ABTestSplit       float64 `mapstructure:"ab_test_split"`
	PromotionEpsilon  float64 `mapstructure:"promotion_epsilon"`
	SignificanceLevel float64 `mapstructure:"significance_level"`
	MinSamples        int     `mapstructure:"min_samples"`
	ArtifactDir       string  `mapstructure:"artifact_dir"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// AlertsConfig contains operator alert settings
type AlertsConfig struct {
	TelegramEnabled bool    `mapstructure:"telegram_enabled"`
	TelegramToken   string  `mapstructure:"telegram_token"`
	TelegramChatIDs []int64 `mapstructure:"telegram_chat_ids"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// A local .env is a developer convenience; missing is fine.
	_ = godotenv.Load()

	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("FXADVISOR")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "fxadvisor")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "fxadvisor")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "fxadvisor")

	// Market defaults
	v.SetDefault("market.base_url", "https://marketdata.fxsage.io/v1")
	v.SetDefault("market.requests_per_minute", 120)
	v.SetDefault("market.fetch_timeout", 15000)
	v.SetDefault("market.cache_depth", 500)
	v.SetDefault("market.warm_candles", 300)

	// Predictor defaults
	v.SetDefault("predictor.base_url", "http://localhost:5000")
	v.SetDefault("predictor.timeout", 30000)
	v.SetDefault("predictor.max_inflight", 16)
	v.SetDefault("predictor.retry_max", 2)
	v.SetDefault("predictor.breaker_failures", 5)
	v.SetDefault("predictor.breaker_cooldown", 30)
	v.SetDefault("predictor.train_timeout", 1800000)

	// Monitor defaults
	v.SetDefault("monitor.tick_interval", 60)
	v.SetDefault("monitor.workers", 8)
	v.SetDefault("monitor.confidence_delta", 0.10)
	v.SetDefault("monitor.min_candles", 60)
	v.SetDefault("monitor.history_depth", 250)
	v.SetDefault("monitor.shutdown_grace", 10)

	// Delivery defaults
	v.SetDefault("delivery.default_daily_quota", 10)
	v.SetDefault("delivery.default_cooldown_minutes", 30)
	v.SetDefault("delivery.dedup_window_minutes", 30)
	v.SetDefault("delivery.quota_window", "rolling")
	v.SetDefault("delivery.send_timeout", 10000)
	v.SetDefault("delivery.retry_max", 3)
	v.SetDefault("delivery.queue_size", 256)
	v.SetDefault("delivery.digest_hour_utc", 7)

	// Position defaults
	v.SetDefault("position.tick_interval", 60)
	v.SetDefault("position.batch_size", 10)
	v.SetDefault("position.batch_spacing", 1000)
	v.SetDefault("position.trailing_breakeven_pct", 0.5)
	v.SetDefault("position.trailing_lock_pct", 0.8)
	v.SetDefault("position.stale_hold_hours", 24)
	v.SetDefault("position.near_level_pips", 10)

	// Learning defaults
	v.SetDefault("learning.daily_cron", "0 2 * * *")
	v.SetDefault("learning.weekly_cron", "0 1 * * 0")
	v.SetDefault("learning.ab_test_days", 7)
	v.SetDefault("learning.ab_test_split", 0.5)
	v.SetDefault("learning.promotion_epsilon", 0.01)
	v.SetDefault("learning.significance_level", 0.05)
	v.SetDefault("learning.min_samples", 30)
	v.SetDefault("learning.artifact_dir", "./artifacts")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8090)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// Alerts defaults
	v.SetDefault("alerts.telegram_enabled", false)
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

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the predictor timeout as time.Duration
func (c *PredictorConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// GetTrainTimeout returns the training call timeout as time.Duration
func (c *PredictorConfig) GetTrainTimeout() time.Duration {
	return time.Duration(c.TrainTimeout) * time.Millisecond
}

// GetBreakerCooldown returns the circuit breaker open interval
func (c *PredictorConfig) GetBreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldown) * time.Second
}

// GetFetchTimeout returns the candle fetch timeout as time.Duration
func (c *MarketConfig) GetFetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Millisecond
}

// GetTickInterval returns the signal monitor tick interval
func (c *MonitorConfig) GetTickInterval() time.Duration {
	return time.Duration(c.TickInterval) * time.Second
}

// GetShutdownGrace returns the worker drain grace period
func (c *MonitorConfig) GetShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGrace) * time.Second
}

// GetTickInterval returns the position monitor tick interval
func (c *PositionConfig) GetTickInterval() time.Duration {
	return time.Duration(c.TickInterval) * time.Second
}

// GetBatchSpacing returns the inter-batch delay
func (c *PositionConfig) GetBatchSpacing() time.Duration {
	return time.Duration(c.BatchSpacing) * time.Millisecond
}

// GetSendTimeout returns the transport send timeout
func (c *DeliveryConfig) GetSendTimeout() time.Duration {
	return time.Duration(c.SendTimeout) * time.Millisecond
}

// GetDedupWindow returns the outbound dedup window
func (c *DeliveryConfig) GetDedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMinutes) * time.Minute
}

// GetCooldown returns the default per-key delivery cooldown
func (c *DeliveryConfig) GetCooldown() time.Duration {
	return time.Duration(c.DefaultCooldownMinutes) * time.Minute
}
