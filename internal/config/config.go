package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	// ServerID uniquely identifies this instance in the cluster. It is the
	// echo-suppression key for broker messages, so two instances must never
	// share one.
	ServerID string

	// RedisURL enables the distributed broker and state adapters. Empty means
	// single-instance mode with in-memory adapters.
	RedisURL string

	// BasePath is the URL prefix stripped from incoming connection paths
	// before namespace resolution.
	BasePath string

	PingInterval    time.Duration
	ShutdownTimeout time.Duration

	MaxConnections       int64
	MaxConnectionsPerIP  int
	ConnectionRatePerIP  float64
	ConnectionBurstPerIP int

	// AuthTokens maps credential tokens to user identities, the development
	// stand-in for an external identity service ("token:user,token:user").
	AuthTokens map[string]string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		ServerID:  getEnv("SERVER_ID", uuid.NewString()),
		RedisURL:  getEnv("REDIS_URL", ""),
		BasePath:  getEnv("BASE_PATH", "/realtime"),
	}

	if !strings.HasPrefix(cfg.BasePath, "/") {
		return nil, fmt.Errorf("BASE_PATH must start with '/', got %q", cfg.BasePath)
	}
	cfg.BasePath = strings.TrimSuffix(cfg.BasePath, "/")

	var err error
	if cfg.PingInterval, err = getDuration("PING_INTERVAL", 25*time.Second); err != nil {
		return nil, err
	}
	if cfg.PingInterval <= 0 {
		return nil, fmt.Errorf("PING_INTERVAL must be positive")
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.MaxConnections, err = getInt64("MAX_CONNECTIONS", 10000); err != nil {
		return nil, err
	}
	maxPerIP, err := getInt64("MAX_CONNECTIONS_PER_IP", 50)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnectionsPerIP = int(maxPerIP)
	if cfg.ConnectionRatePerIP, err = getFloat("CONNECTION_RATE_PER_IP", 10); err != nil {
		return nil, err
	}
	burst, err := getInt64("CONNECTION_BURST_PER_IP", 10)
	if err != nil {
		return nil, err
	}
	cfg.ConnectionBurstPerIP = int(burst)

	cfg.AuthTokens, err = parseAuthTokens(getEnv("AUTH_TOKENS", ""))
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseAuthTokens parses "token:user,token:user" pairs.
func parseAuthTokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	if raw == "" {
		return tokens, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		token, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("AUTH_TOKENS entry %q must have the form token:user", pair)
		}
		tokens[token] = user
	}
	return tokens, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. \"25s\"): %w", key, err)
	}
	return d, nil
}

func getInt64(key string, defaultValue int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}
