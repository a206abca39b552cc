package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateMarket()...)
	errors = append(errors, c.validatePredictor()...)
	errors = append(errors, c.validateMonitor()...)
	errors = append(errors, c.validateDelivery()...)
	errors = append(errors, c.validatePosition()...)
	errors = append(errors, c.validateLearning()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Database.Port),
		})
	}

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if !c.NATS.Embedded && c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required when the embedded server is disabled",
		})
	}

	if c.NATS.SubjectPrefix == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.subject_prefix",
			Message: "Subject prefix is required",
		})
	}

	return errors
}

func (c *Config) validateMarket() ValidationErrors {
	var errors ValidationErrors

	if c.Market.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "market.base_url",
			Message: "Market data base URL is required",
		})
	}

	if c.Market.RequestsPerMinute < 1 {
		errors = append(errors, ValidationError{
			Field:   "market.requests_per_minute",
			Message: "Requests per minute must be at least 1",
		})
	}

	if c.Market.CacheDepth < c.Market.WarmCandles {
		errors = append(errors, ValidationError{
			Field:   "market.cache_depth",
			Message: fmt.Sprintf("Cache depth %d must not be smaller than warm_candles %d", c.Market.CacheDepth, c.Market.WarmCandles),
		})
	}

	return errors
}

func (c *Config) validatePredictor() ValidationErrors {
	var errors ValidationErrors

	if c.Predictor.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "predictor.base_url",
			Message: "Predictor base URL is required",
		})
	}

	if c.Predictor.Timeout < 1000 {
		errors = append(errors, ValidationError{
			Field:   "predictor.timeout",
			Message: "Predictor timeout must be at least 1000 ms",
		})
	}

	if c.Predictor.MaxInflight < 1 {
		errors = append(errors, ValidationError{
			Field:   "predictor.max_inflight",
			Message: "Max inflight must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateMonitor() ValidationErrors {
	var errors ValidationErrors

	if c.Monitor.TickInterval < 1 {
		errors = append(errors, ValidationError{
			Field:   "monitor.tick_interval",
			Message: "Tick interval must be at least 1 second",
		})
	}

	if c.Monitor.Workers < 1 {
		errors = append(errors, ValidationError{
			Field:   "monitor.workers",
			Message: "Worker count must be at least 1",
		})
	}

	if c.Monitor.ConfidenceDelta <= 0 || c.Monitor.ConfidenceDelta >= 1 {
		errors = append(errors, ValidationError{
			Field:   "monitor.confidence_delta",
			Message: fmt.Sprintf("Confidence delta %.3f must be in (0, 1)", c.Monitor.ConfidenceDelta),
		})
	}

	if c.Monitor.MinCandles < 1 {
		errors = append(errors, ValidationError{
			Field:   "monitor.min_candles",
			Message: "Minimum candle count must be at least 1",
		})
	}

	if c.Monitor.HistoryDepth < c.Monitor.MinCandles {
		errors = append(errors, ValidationError{
			Field:   "monitor.history_depth",
			Message: fmt.Sprintf("History depth %d must not be smaller than min_candles %d", c.Monitor.HistoryDepth, c.Monitor.MinCandles),
		})
	}

	return errors
}

func (c *Config) validateDelivery() ValidationErrors {
	var errors ValidationErrors

	if c.Delivery.DefaultDailyQuota < 1 {
		errors = append(errors, ValidationError{
			Field:   "delivery.default_daily_quota",
			Message: "Default daily quota must be at least 1",
		})
	}

	if c.Delivery.QuotaWindow != "rolling" && c.Delivery.QuotaWindow != "utc" {
		errors = append(errors, ValidationError{
			Field:   "delivery.quota_window",
			Message: fmt.Sprintf("Invalid quota window '%s'. Must be 'rolling' or 'utc'", c.Delivery.QuotaWindow),
		})
	}

	if c.Delivery.RetryMax < 0 {
		errors = append(errors, ValidationError{
			Field:   "delivery.retry_max",
			Message: "Retry max must be non-negative",
		})
	}

	if c.Delivery.DigestHourUTC < 0 || c.Delivery.DigestHourUTC > 23 {
		errors = append(errors, ValidationError{
			Field:   "delivery.digest_hour_utc",
			Message: "Digest hour must be between 0 and 23",
		})
	}

	return errors
}

func (c *Config) validatePosition() ValidationErrors {
	var errors ValidationErrors

	if c.Position.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "position.batch_size",
			Message: "Batch size must be at least 1",
		})
	}

	if c.Position.TrailingBreakevenPct <= 0 || c.Position.TrailingBreakevenPct >= 1 {
		errors = append(errors, ValidationError{
			Field:   "position.trailing_breakeven_pct",
			Message: "Trailing breakeven threshold must be in (0, 1)",
		})
	}

	if c.Position.TrailingLockPct <= c.Position.TrailingBreakevenPct || c.Position.TrailingLockPct >= 1 {
		errors = append(errors, ValidationError{
			Field:   "position.trailing_lock_pct",
			Message: "Trailing lock threshold must be in (trailing_breakeven_pct, 1)",
		})
	}

	return errors
}

func (c *Config) validateLearning() ValidationErrors {
	var errors ValidationErrors

	if c.Learning.DailyCron == "" {
		errors = append(errors, ValidationError{
			Field:   "learning.daily_cron",
			Message: "Daily training cron expression is required",
		})
	}

	if c.Learning.WeeklyCron == "" {
		errors = append(errors, ValidationError{
			Field:   "learning.weekly_cron",
			Message: "Weekly training cron expression is required",
		})
	}

	if c.Learning.ABTestSplit <= 0 || c.Learning.ABTestSplit >= 1 {
		errors = append(errors, ValidationError{
			Field:   "learning.ab_test_split",
			Message: fmt.Sprintf("A/B traffic split %.2f must be in (0, 1)", c.Learning.ABTestSplit),
		})
	}

	if c.Learning.SignificanceLevel <= 0 || c.Learning.SignificanceLevel >= 1 {
		errors = append(errors, ValidationError{
			Field:   "learning.significance_level",
			Message: "Significance level must be in (0, 1)",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port < 1 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.API.Port),
		})
	}

	return errors
}

// validateEnvironmentRequirements enforces settings that only matter in
// production, where defaults that are fine on a laptop become outages.
func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment != "production" {
		return errors
	}

	if c.Database.Password == "" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in production",
		})
	}

	if c.Market.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "market.api_key",
			Message: "Market data API key is required in production",
		})
	}

	if c.Database.SSLMode == "disable" {
		errors = append(errors, ValidationError{
			Field:   "database.ssl_mode",
			Message: "SSL must not be disabled in production",
		})
	}

	if c.Alerts.TelegramEnabled && c.Alerts.TelegramToken == "" {
		errors = append(errors, ValidationError{
			Field:   "alerts.telegram_token",
			Message: "Telegram token is required when Telegram alerts are enabled",
		})
	}

	errors = append(errors, ValidateProductionSecrets(c)...)

	return errors
}
