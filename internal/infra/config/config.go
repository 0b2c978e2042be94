package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	DatabaseURL             string
	LogLevel                string
	Environment             string
	StatusUpdateChannel     string // announcements of new transitions
	StatusChangedChannel    string // committed status changes, JSON
	ListenerWait            time.Duration
	ListenerShutdownTimeout time.Duration
	ListenerConnectTimeout  time.Duration
	CronSpecCatchUp         string
	Location                *time.Location

	// Telegram is optional; the bot starts only when TelegramToken is set.
	TelegramToken   string
	AdminTelegramID int64
	StatusChatID    int64
	// Status messages per second sent to StatusChatID.
	TelegramRatePerSec int
}

// TelegramEnabled reports whether the admin bot should run.
func (c *AppConfig) TelegramEnabled() bool {
	return c.TelegramToken != ""
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info" // Default log level
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development" // Default environment
	}

	cfg.StatusUpdateChannel = envOr("STATUS_UPDATE_CHANNEL", "status_to_update_channel")
	cfg.StatusChangedChannel = envOr("STATUS_CHANGED_CHANNEL", "poll_status_channel")

	if cfg.ListenerWait, err = millis("PG_LISTENER_WAIT_MS", 500); err != nil {
		return nil, err
	}
	if cfg.ListenerShutdownTimeout, err = millis("PG_LISTENER_SHUTDOWN_TIMEOUT_MS", 5000); err != nil {
		return nil, err
	}
	if cfg.ListenerConnectTimeout, err = millis("PG_LISTENER_CONNECT_TIMEOUT_MS", 10000); err != nil {
		return nil, err
	}

	cfg.CronSpecCatchUp = envOr("CRON_SPEC_CATCH_UP", "@every 1m")

	cfg.Location = time.Local
	if tz := os.Getenv("TIMEZONE"); tz != "" {
		cfg.Location, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
		}
	}

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if !cfg.TelegramEnabled() {
		return cfg, nil
	}

	adminIDStr := os.Getenv("ADMIN_TELEGRAM_ID")
	if adminIDStr == "" {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is not set")
	}
	cfg.AdminTelegramID, err = strconv.ParseInt(adminIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
	}

	cfg.TelegramRatePerSec = 1
	if rateStr := os.Getenv("TELEGRAM_RATE_PER_SEC"); rateStr != "" {
		cfg.TelegramRatePerSec, err = strconv.Atoi(rateStr)
		if err != nil || cfg.TelegramRatePerSec <= 0 {
			return nil, fmt.Errorf("invalid TELEGRAM_RATE_PER_SEC: %q", rateStr)
		}
	}

	cfg.StatusChatID = cfg.AdminTelegramID
	if chatIDStr := os.Getenv("STATUS_CHAT_ID"); chatIDStr != "" {
		cfg.StatusChatID, err = strconv.ParseInt(chatIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid STATUS_CHAT_ID: %w", err)
		}
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func millis(key string, fallback int) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(fallback) * time.Millisecond, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
