// --- File: realtimeservice/config/service_config.go ---
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/illmade-knight/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and
// finalized by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID            string
	RunMode              string
	APIPort              string
	WebSocketPort        string
	IdentityServiceURL   string
	MessageStoreURL      string
	CorsConfig           middleware.CorsConfig
	IngestTopicID        string
	IngestSubscriptionID string
	NumFanoutWorkers     int
	CircuitBreaker       YamlCircuitBreakerConfig
	FanoutRetry          YamlFanoutRetryConfig
	DeadLetter           YamlDeadLetterConfig
}

// FanoutRetryPolicy converts the configured retry knobs into the backoff
// policy the fan-out worker runs with.
func (c *AppConfig) FanoutRetryPolicy() realtime.BackoffPolicy {
	return realtime.BackoffPolicy{
		InitialDelay: time.Duration(c.FanoutRetry.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.FanoutRetry.MaxDelayMs) * time.Millisecond,
		MaxAttempts:  c.FanoutRetry.MaxAttempts,
	}
}

// OpenTimeout returns the breaker's configured open interval.
func (c *AppConfig) OpenTimeout() time.Duration {
	return time.Duration(c.CircuitBreaker.OpenTimeoutSeconds) * time.Second
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		logger.Debug("Overriding config value", "key", "GCP_PROJECT_ID", "source", "env")
		cfg.ProjectID = projectID
	}
	if idURL := os.Getenv("IDENTITY_SERVICE_URL"); idURL != "" {
		logger.Debug("Overriding config value", "key", "IDENTITY_SERVICE_URL", "source", "env")
		cfg.IdentityServiceURL = idURL
	}
	if storeURL := os.Getenv("MESSAGE_STORE_URL"); storeURL != "" {
		logger.Debug("Overriding config value", "key", "MESSAGE_STORE_URL", "source", "env")
		cfg.MessageStoreURL = storeURL
	}
	if port := os.Getenv("API_PORT"); port != "" {
		logger.Debug("Overriding config value", "key", "API_PORT", "source", "env")
		cfg.APIPort = port
	}
	if port := os.Getenv("WEBSOCKET_PORT"); port != "" {
		logger.Debug("Overriding config value", "key", "WEBSOCKET_PORT", "source", "env")
		cfg.WebSocketPort = port
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug("Overriding config value", "key", "REDIS_ADDR", "source", "env")
		cfg.DeadLetter.Redis.Addr = redisAddr
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		logger.Error("Final config validation failed", "error", "GCP_PROJECT_ID is not set")
		return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
	}
	if cfg.IdentityServiceURL == "" {
		logger.Error("Final config validation failed", "error", "IDENTITY_SERVICE_URL is not set")
		return nil, fmt.Errorf("IDENTITY_SERVICE_URL is not set in config or env var")
	}
	if cfg.MessageStoreURL == "" {
		logger.Error("Final config validation failed", "error", "MESSAGE_STORE_URL is not set")
		return nil, fmt.Errorf("MESSAGE_STORE_URL is not set in config or env var")
	}
	if cfg.APIPort == "" {
		logger.Error("Final config validation failed", "error", "API_PORT is not set")
		return nil, fmt.Errorf("API_PORT is not set in config or env var")
	}
	if cfg.WebSocketPort == "" {
		logger.Error("Final config validation failed", "error", "WEBSOCKET_PORT is not set")
		return nil, fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}
	switch cfg.DeadLetter.Type {
	case "firestore":
		if cfg.DeadLetter.Firestore.CollectionName == "" {
			return nil, fmt.Errorf("dead_letter.firestore.collection_name is not set")
		}
	case "redis":
		if cfg.DeadLetter.Redis.Addr == "" {
			return nil, fmt.Errorf("dead_letter.redis.addr is not set in config or REDIS_ADDR env var")
		}
	default:
		return nil, fmt.Errorf("unknown dead_letter.type %q (must be firestore or redis)", cfg.DeadLetter.Type)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
