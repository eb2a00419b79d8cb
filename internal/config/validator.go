package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // config path, e.g. "waterfall.max_attempts"
	Value   any
	Message string
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the accepted log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted log formats
func ValidLogFormats() []string {
	return []string{"json", "console"}
}

// Validate checks the Config for invalid values and returns every failure found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateLog()...)
	errors = append(errors, c.validateAuction()...)
	errors = append(errors, c.validateBreaker()...)
	errors = append(errors, c.validateWaterfall()...)
	errors = append(errors, c.validateAdapters()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateAdmin()...)

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError
	if c.Server.Port == "" {
		errors = append(errors, ValidationError{Field: "server.port", Value: c.Server.Port, Message: "must be set"})
	}
	if c.Server.ShutdownTimeout < 0 {
		errors = append(errors, ValidationError{Field: "server.shutdown_timeout", Value: c.Server.ShutdownTimeout, Message: "must not be negative"})
	}
	return errors
}

func (c *Config) validateLog() []ValidationError {
	var errors []ValidationError
	if !slices.Contains(ValidLogLevels(), c.Log.Level) {
		errors = append(errors, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: fmt.Sprintf("must be one of %v", ValidLogLevels()),
		})
	}
	if !slices.Contains(ValidLogFormats(), c.Log.Format) {
		errors = append(errors, ValidationError{
			Field:   "log.format",
			Value:   c.Log.Format,
			Message: fmt.Sprintf("must be one of %v", ValidLogFormats()),
		})
	}
	return errors
}

func (c *Config) validateAuction() []ValidationError {
	var errors []ValidationError
	if len(c.Auction.Currency) != 3 {
		errors = append(errors, ValidationError{Field: "auction.currency", Value: c.Auction.Currency, Message: "must be a 3-letter currency code"})
	}
	if c.Auction.GlobalFloor < 0 {
		errors = append(errors, ValidationError{Field: "auction.global_floor", Value: c.Auction.GlobalFloor, Message: "must not be negative"})
	}
	if c.Auction.PriceIncrement < 0 {
		errors = append(errors, ValidationError{Field: "auction.price_increment", Value: c.Auction.PriceIncrement, Message: "must not be negative"})
	}
	if c.Auction.OverallTimeout < 0 {
		errors = append(errors, ValidationError{Field: "auction.overall_timeout", Value: c.Auction.OverallTimeout, Message: "must not be negative"})
	}
	if c.Auction.HedgeDelay < 0 {
		errors = append(errors, ValidationError{Field: "auction.hedge_delay", Value: c.Auction.HedgeDelay, Message: "must not be negative"})
	}
	return errors
}

func (c *Config) validateBreaker() []ValidationError {
	var errors []ValidationError
	if c.Breaker.FailureThreshold < 1 {
		errors = append(errors, ValidationError{Field: "breaker.failure_threshold", Value: c.Breaker.FailureThreshold, Message: "must be at least 1"})
	}
	if c.Breaker.SuccessThreshold < 1 {
		errors = append(errors, ValidationError{Field: "breaker.success_threshold", Value: c.Breaker.SuccessThreshold, Message: "must be at least 1"})
	}
	if c.Breaker.OpenTimeout <= 0 {
		errors = append(errors, ValidationError{Field: "breaker.open_timeout", Value: c.Breaker.OpenTimeout, Message: "must be positive"})
	}
	if c.Breaker.MonitoringPeriod <= 0 {
		errors = append(errors, ValidationError{Field: "breaker.monitoring_period", Value: c.Breaker.MonitoringPeriod, Message: "must be positive"})
	}
	return errors
}

func (c *Config) validateWaterfall() []ValidationError {
	var errors []ValidationError
	if c.Waterfall.MaxAttempts < 1 {
		errors = append(errors, ValidationError{Field: "waterfall.max_attempts", Value: c.Waterfall.MaxAttempts, Message: "must be at least 1"})
	}
	if c.Waterfall.InitialRetryDelay < 0 {
		errors = append(errors, ValidationError{Field: "waterfall.initial_retry_delay", Value: c.Waterfall.InitialRetryDelay, Message: "must not be negative"})
	}
	if c.Waterfall.BackoffMultiplier < 1 {
		errors = append(errors, ValidationError{Field: "waterfall.backoff_multiplier", Value: c.Waterfall.BackoffMultiplier, Message: "must be at least 1"})
	}
	return errors
}

func (c *Config) validateAdapters() []ValidationError {
	var errors []ValidationError
	seen := make(map[string]bool, len(c.Adapters))
	for i, a := range c.Adapters {
		field := fmt.Sprintf("adapters[%d]", i)
		if a.ID == "" {
			errors = append(errors, ValidationError{Field: field + ".id", Value: a.ID, Message: "must be set"})
			continue
		}
		if seen[a.ID] {
			errors = append(errors, ValidationError{Field: field + ".id", Value: a.ID, Message: "duplicate adapter id"})
		}
		seen[a.ID] = true
		if a.Enabled && a.Endpoint == "" {
			errors = append(errors, ValidationError{Field: field + ".endpoint", Value: a.Endpoint, Message: "required for enabled adapters"})
		}
		if a.Timeout < 0 {
			errors = append(errors, ValidationError{Field: field + ".timeout", Value: a.Timeout, Message: "must not be negative"})
		}
	}
	return errors
}

func (c *Config) validateRedis() []ValidationError {
	var errors []ValidationError
	if c.Redis.URL == "" {
		return nil
	}
	if c.Redis.RefreshPeriod <= 0 {
		errors = append(errors, ValidationError{Field: "redis.refresh_period", Value: c.Redis.RefreshPeriod, Message: "must be positive"})
	}
	if c.Redis.Landscape.MaxEntries < 1 {
		errors = append(errors, ValidationError{Field: "redis.landscape.max_entries", Value: c.Redis.Landscape.MaxEntries, Message: "must be at least 1"})
	}
	return errors
}

func (c *Config) validateAdmin() []ValidationError {
	if c.Admin.Enabled && len(c.Admin.APIKeys) == 0 {
		return []ValidationError{{Field: "admin.api_keys", Value: c.Admin.APIKeys, Message: "required when admin auth is enabled"}}
	}
	return nil
}
