package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BrokerURL            string
	APIBaseURL           string
	AuthToken            string
	UserID               string
	WireFormat           string
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	ReconnectExponential bool
	MaxReconnectAttempts int
	TypingTimeout        time.Duration
	PresenceInterval     time.Duration
	MessageWindow        int
	// CacheDir enables the on-disk attachment cache when non-empty.
	CacheDir string
}

func Load() (*Config, error) {
	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	heartbeat, err := time.ParseDuration(getEnv("HEARTBEAT_INTERVAL", "10s"))
	if err != nil {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL: %w", err)
	}
	reconnectDelay, err := time.ParseDuration(getEnv("RECONNECT_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("RECONNECT_DELAY: %w", err)
	}
	typingTimeout, err := time.ParseDuration(getEnv("TYPING_TIMEOUT", "3s"))
	if err != nil {
		return nil, fmt.Errorf("TYPING_TIMEOUT: %w", err)
	}
	presenceInterval, err := time.ParseDuration(getEnv("PRESENCE_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("PRESENCE_INTERVAL: %w", err)
	}
	maxAttempts, err := strconv.Atoi(getEnv("MAX_RECONNECT_ATTEMPTS", "5"))
	if err != nil {
		return nil, fmt.Errorf("MAX_RECONNECT_ATTEMPTS: %w", err)
	}
	window, err := strconv.Atoi(getEnv("MESSAGE_WINDOW", "200"))
	if err != nil {
		return nil, fmt.Errorf("MESSAGE_WINDOW: %w", err)
	}

	cfg := &Config{
		BrokerURL:            getEnv("BROKER_URL", "ws://localhost:8080/ws"),
		APIBaseURL:           getEnv("API_BASE_URL", "http://localhost:8080"),
		AuthToken:            os.Getenv("AUTH_TOKEN"),
		UserID:               os.Getenv("USER_ID"),
		WireFormat:           getEnv("WIRE_FORMAT", "json"),
		HeartbeatInterval:    heartbeat,
		ReconnectDelay:       reconnectDelay,
		ReconnectExponential: getEnv("RECONNECT_EXPONENTIAL", "true") == "true",
		MaxReconnectAttempts: maxAttempts,
		TypingTimeout:        typingTimeout,
		PresenceInterval:     presenceInterval,
		MessageWindow:        window,
		CacheDir:             os.Getenv("CACHE_DIR"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("BROKER_URL is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be greater than 0")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.TypingTimeout <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT must be greater than 0")
	}
	if c.MessageWindow <= 0 {
		return fmt.Errorf("MESSAGE_WINDOW must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
