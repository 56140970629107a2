package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"pesa/internal/core"
)

type Config struct {
	// HTTP Server
	Port string

	// Database
	SQLiteDBPath string

	// Parsing
	ProviderSender   string
	CurrencyPrefixes []string

	// Analytics
	TargetSavings string
	Timezone      string
	CacheTTL      time.Duration
	CacheSize     int

	// Logging
	LogLevel  string
	LogFormat string

	// AMQP (optional; empty URL disables queues)
	AMQPURL        string
	AMQPExchange   string
	AMQPBatchQueue string
	AMQPEntryQueue string

	// Google Sheets mirror (optional; empty spreadsheet ID disables it)
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	GoogleOAuthClientJSON    string
	GoogleOAuthClientFile    string
	GoogleOAuthTokenJSON     string
	GoogleOAuthTokenFile     string
	MirrorBackfill           time.Duration
}

func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "8081"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/pesa.db"),

		ProviderSender:   getEnv("PROVIDER_SENDER", "MPESA"),
		CurrencyPrefixes: getEnvList("CURRENCY_PREFIX", []string{"Ksh", "Kshs"}),

		TargetSavings: getEnv("TARGET_SAVINGS", "0"),
		Timezone:      getEnv("TIMEZONE", "Local"),
		CacheTTL:      getEnvDuration("CACHE_TTL", 30*time.Second),
		CacheSize:     getEnvInt("CACHE_SIZE", 128),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "pesa"),
		AMQPBatchQueue: getEnv("AMQP_BATCH_QUEUE", "sms_batches"),
		AMQPEntryQueue: getEnv("AMQP_ENTRY_QUEUE", "ledger_entries"),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:          getEnv("GOOGLE_SHEET_NAME", "Ledger"),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")),
		GoogleOAuthClientJSON:    getEnv("GOOGLE_OAUTH_CLIENT_JSON", ""),
		GoogleOAuthClientFile:    getEnv("GOOGLE_OAUTH_CLIENT_FILE", ""),
		GoogleOAuthTokenJSON:     getEnv("GOOGLE_OAUTH_TOKEN_JSON", ""),
		GoogleOAuthTokenFile:     getEnv("GOOGLE_OAUTH_TOKEN_FILE", ""),
		MirrorBackfill:           getEnvDuration("MIRROR_BACKFILL", 7*24*time.Hour),
	}
}

// AMQPEnabled reports whether queues are configured.
func (c *Config) AMQPEnabled() bool {
	return c.AMQPURL != ""
}

// SheetsEnabled reports whether the spreadsheet mirror is configured.
func (c *Config) SheetsEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}

// Target parses TargetSavings. Validate reports the same error.
func (c *Config) Target() (core.Money, error) {
	m, err := core.ParseMoney(c.TargetSavings)
	if err != nil {
		return core.Zero, fmt.Errorf("invalid target savings '%s': %w", c.TargetSavings, err)
	}
	return m, nil
}

// Location loads Timezone; "Local" and "" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
	}
	return loc, nil
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
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

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if strings.TrimSpace(c.ProviderSender) == "" {
		errors = append(errors, "provider sender cannot be empty")
	}
	if len(c.CurrencyPrefixes) == 0 {
		errors = append(errors, "at least one currency prefix is required")
	}

	if _, err := c.Target(); err != nil {
		errors = append(errors, err.Error())
	}
	if _, err := c.Location(); err != nil {
		errors = append(errors, err.Error())
	}

	if c.CacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid cache size %d: must be at least 1", c.CacheSize))
	} else if c.CacheSize > 10000 {
		errors = append(errors, fmt.Sprintf("invalid cache size %d: must be at most 10000", c.CacheSize))
	}
	if c.CacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid cache TTL %v: must not be negative", c.CacheTTL))
	} else if c.CacheTTL > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid cache TTL %v: must be at most 24 hours", c.CacheTTL))
	}

	if f := strings.ToLower(c.LogFormat); f != "" && f != "text" && f != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	if c.AMQPEnabled() {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPBatchQueue == "" {
			errors = append(errors, "AMQP batch queue name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPEntryQueue == "" {
			errors = append(errors, "AMQP entry queue name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPBatchQueue != "" && c.AMQPBatchQueue == c.AMQPEntryQueue {
			errors = append(errors, "AMQP batch and entry queues must differ")
		}
	}

	if c.SheetsEnabled() {
		if c.GoogleSheetName == "" {
			errors = append(errors, "Google Sheet name is required when a spreadsheet ID is set")
		}

		if c.MirrorBackfill < 0 {
			errors = append(errors, fmt.Sprintf("invalid mirror backfill %v: must not be negative", c.MirrorBackfill))
		}

		hasServiceAccount := c.GoogleServiceAccountJSON != "" || c.GoogleServiceAccountFile != ""
		hasOAuthClient := c.GoogleOAuthClientJSON != "" || c.GoogleOAuthClientFile != ""
		hasOAuthToken := c.GoogleOAuthTokenJSON != "" || c.GoogleOAuthTokenFile != ""

		switch {
		case hasServiceAccount:
			if c.GoogleServiceAccountJSON == "" {
				if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
					errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
				}
			}
		case hasOAuthClient:
			if !hasOAuthToken {
				errors = append(errors, "either GOOGLE_OAUTH_TOKEN_FILE or GOOGLE_OAUTH_TOKEN_JSON must be provided with an OAuth client")
			}
			if c.GoogleOAuthClientJSON == "" {
				if _, err := os.Stat(c.GoogleOAuthClientFile); os.IsNotExist(err) {
					errors = append(errors, fmt.Sprintf("Google OAuth client file does not exist: %s", c.GoogleOAuthClientFile))
				}
			}
		default:
			errors = append(errors, "Google credentials are required when a spreadsheet ID is set (service account or OAuth client)")
		}
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
