package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"portafoglio/internal/idle"
)

type Config struct {
	// HTTP Server
	Port              string
	RequestsPerSecond float64
	OriginPatterns    []string

	// Journal
	SQLiteDBPath   string
	EventRetention time.Duration

	// AMQP; publishing is off when AMQPURL is empty.
	AMQPURL      string
	AMQPExchange string

	// Idle monitoring. Values that leave no prompt window disable it.
	IdleTimeout time.Duration
	IdlePrompt  time.Duration

	// Activity pulses accepted per session while Active.
	ActivityRate  float64
	ActivityBurst int

	// SessionReapAfter closes sessions with no websocket attached and no
	// activity for this long.
	SessionReapAfter time.Duration

	LogLevel string
}

func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8081"),
		RequestsPerSecond: getEnvFloat("REQUESTS_PER_SECOND", 5),
		OriginPatterns:    getEnvList("WS_ORIGIN_PATTERNS"),

		SQLiteDBPath:   getEnv("SQLITE_DB_PATH", "./data/portafoglio.db"),
		EventRetention: getEnvDuration("EVENT_RETENTION", 30*24*time.Hour),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "portafoglio"),

		IdleTimeout: getEnvDuration("IDLE_TIMEOUT", 15*time.Minute),
		IdlePrompt:  getEnvDuration("IDLE_PROMPT", 2*time.Minute),

		ActivityRate:  getEnvFloat("ACTIVITY_RATE", 1),
		ActivityBurst: getEnvInt("ACTIVITY_BURST", 1),

		SessionReapAfter: getEnvDuration("SESSION_REAP_AFTER", 30*time.Minute),

		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
}

// Idle returns the monitor configuration. It is not validated: an unusable
// pair simply disables monitoring.
func (c *Config) Idle() idle.Config {
	return idle.Config{
		TotalTimeout:   c.IdleTimeout,
		PromptDuration: c.IdlePrompt,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.RequestsPerSecond <= 0 {
		errors = append(errors, fmt.Sprintf("invalid requests per second %v: must be positive", c.RequestsPerSecond))
	}

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
			}
		}
	}

	if c.EventRetention < time.Hour {
		errors = append(errors, fmt.Sprintf("invalid event retention %v: must be at least 1 hour", c.EventRetention))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if c.ActivityRate <= 0 {
		errors = append(errors, fmt.Sprintf("invalid activity rate %v: must be positive", c.ActivityRate))
	}
	if c.ActivityRate > 0 && c.Idle().Enabled() {
		window := time.Duration(float64(time.Second) / c.ActivityRate)
		if active := c.Idle().PromptAfter(); window >= active {
			errors = append(errors, fmt.Sprintf("invalid activity rate %v: one pulse every %v does not fit in the %v active window before the prompt", c.ActivityRate, window, active))
		}
	}
	if c.ActivityBurst < 1 {
		errors = append(errors, fmt.Sprintf("invalid activity burst %d: must be at least 1", c.ActivityBurst))
	}

	if c.SessionReapAfter < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid session reap delay %v: must be at least 1 minute", c.SessionReapAfter))
	} else if c.Idle().Enabled() && c.SessionReapAfter < c.IdleTimeout {
		errors = append(errors, fmt.Sprintf("invalid session reap delay %v: must not be shorter than the idle timeout %v", c.SessionReapAfter, c.IdleTimeout))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("15m") or bare integers, read
// as milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
