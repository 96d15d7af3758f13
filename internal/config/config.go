package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	// HTTP Server
	Port string

	// Database
	SQLiteDBPath string

	// AMQP audit sink
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Scheduler
	PassSchedule       string // cron spec for periodic passes
	PassInterval       time.Duration
	Workers            int
	SafetyCap          int
	MaxRetries         int
	MaterializeTimeout time.Duration
	AccountCacheTTL    time.Duration
}

func Load() *Config {
	cfg := &Config{
		Port:         getEnv("PORT", "8082"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/familyhub.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "familyhub"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "scheduler_audit"),

		PassSchedule:       getEnv("PASS_SCHEDULE", "@every 1h"),
		PassInterval:       getEnvDuration("PASS_INTERVAL", time.Hour),
		Workers:            getEnvInt("SCHEDULER_WORKERS", 4),
		SafetyCap:          getEnvInt("SCHEDULER_SAFETY_CAP", 100),
		MaxRetries:         getEnvInt("SCHEDULER_MAX_RETRIES", 3),
		MaterializeTimeout: getEnvDuration("MATERIALIZE_TIMEOUT", 10*time.Second),
		AccountCacheTTL:    getEnvDuration("ACCOUNT_CACHE_TTL", 5*time.Minute),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate the pass cron spec with the same parser the worker uses
	if _, err := cron.ParseStandard(c.PassSchedule); err != nil {
		errors = append(errors, fmt.Sprintf("invalid pass schedule '%s': %v", c.PassSchedule, err))
	}

	if c.PassInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid pass interval %v: must be at least 1 second", c.PassInterval))
	} else if c.PassInterval > 7*24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid pass interval %v: must be at most 7 days", c.PassInterval))
	}

	if c.Workers < 1 {
		errors = append(errors, fmt.Sprintf("invalid worker count %d: must be at least 1", c.Workers))
	} else if c.Workers > 64 {
		errors = append(errors, fmt.Sprintf("invalid worker count %d: must be at most 64", c.Workers))
	}

	if c.SafetyCap < 1 {
		errors = append(errors, fmt.Sprintf("invalid safety cap %d: must be at least 1", c.SafetyCap))
	}

	if c.MaxRetries < 0 {
		errors = append(errors, fmt.Sprintf("invalid max retries %d: cannot be negative", c.MaxRetries))
	} else if c.MaxRetries > 10 {
		errors = append(errors, fmt.Sprintf("invalid max retries %d: must be at most 10", c.MaxRetries))
	}

	if c.MaterializeTimeout < time.Second {
		errors = append(errors, fmt.Sprintf("invalid materialize timeout %v: must be at least 1 second", c.MaterializeTimeout))
	}

	if c.AccountCacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid account cache TTL %v: cannot be negative", c.AccountCacheTTL))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
