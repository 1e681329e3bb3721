package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlFirestoreConfig struct {
	CollectionName string `yaml:"collection_name"`
}

// YamlDeadLetterConfig selects the durable sink for events that exhaust
// their fan-out retry budget.
type YamlDeadLetterConfig struct {
	Type      string              `yaml:"type"` // "firestore" or "redis"
	Redis     YamlRedisConfig     `yaml:"redis"`
	Firestore YamlFirestoreConfig `yaml:"firestore"`
}

type YamlCircuitBreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	OpenTimeoutSeconds int `yaml:"open_timeout_seconds"`
}

type YamlFanoutRetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID             string                   `yaml:"project_id"`
	RunMode               string                   `yaml:"run_mode"`
	APIPort               string                   `yaml:"api_port"`
	WebSocketPort         string                   `yaml:"websocket_port"`
	IdentityServiceURL    string                   `yaml:"identity_service_url"`
	MessageStoreURL       string                   `yaml:"message_store_url"`
	Cors                  YamlCorsConfig           `yaml:"cors"`
	IngestTopicID         string                   `yaml:"ingest_topic_id"`
	IngestSubscriptionID  string                   `yaml:"ingest_subscription_id"`
	NumFanoutWorkers      int                      `yaml:"num_fanout_workers"`
	CircuitBreaker        YamlCircuitBreakerConfig `yaml:"circuit_breaker"`
	FanoutRetry           YamlFanoutRetryConfig    `yaml:"fanout_retry"`
	DeadLetter            YamlDeadLetterConfig     `yaml:"dead_letter"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// clean, base AppConfig struct and fills documented defaults for the
// resilience knobs. Stage 1 complete: the AppConfig exists, but without
// environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Mapping YAML config to base config struct")

	appCfg := &AppConfig{
		ProjectID:            yamlCfg.ProjectID,
		RunMode:              yamlCfg.RunMode,
		APIPort:              yamlCfg.APIPort,
		WebSocketPort:        yamlCfg.WebSocketPort,
		IdentityServiceURL:   yamlCfg.IdentityServiceURL,
		MessageStoreURL:      yamlCfg.MessageStoreURL,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: yamlCfg.Cors.AllowedOrigins,
			Role:           middleware.CorsRole(yamlCfg.Cors.Role),
		},
		IngestTopicID:        yamlCfg.IngestTopicID,
		IngestSubscriptionID: yamlCfg.IngestSubscriptionID,
		NumFanoutWorkers:     yamlCfg.NumFanoutWorkers,
		CircuitBreaker:       yamlCfg.CircuitBreaker,
		FanoutRetry:          yamlCfg.FanoutRetry,
		DeadLetter:           yamlCfg.DeadLetter,
	}

	// Defaults for anything the YAML leaves at zero.
	if appCfg.NumFanoutWorkers <= 0 {
		// A single fan-out lane preserves per-conversation delivery order
		// end to end; raising this trades ordering for throughput.
		appCfg.NumFanoutWorkers = 1
	}
	if appCfg.CircuitBreaker.FailureThreshold <= 0 {
		appCfg.CircuitBreaker.FailureThreshold = 5
	}
	if appCfg.CircuitBreaker.OpenTimeoutSeconds <= 0 {
		appCfg.CircuitBreaker.OpenTimeoutSeconds = 30
	}
	defaultRetry := realtime.DefaultBackoffPolicy()
	if appCfg.FanoutRetry.MaxAttempts <= 0 {
		appCfg.FanoutRetry.MaxAttempts = defaultRetry.MaxAttempts
	}
	if appCfg.FanoutRetry.InitialDelayMs <= 0 {
		appCfg.FanoutRetry.InitialDelayMs = int(defaultRetry.InitialDelay / time.Millisecond)
	}
	if appCfg.FanoutRetry.MaxDelayMs <= 0 {
		appCfg.FanoutRetry.MaxDelayMs = int(defaultRetry.MaxDelay / time.Millisecond)
	}
	if appCfg.DeadLetter.Type == "" {
		appCfg.DeadLetter.Type = "firestore"
	}

	logger.Debug("YAML config mapping complete",
		"project_id", appCfg.ProjectID,
		"api_port", appCfg.APIPort,
		"websocket_port", appCfg.WebSocketPort,
		"identity_service_url", appCfg.IdentityServiceURL,
		"message_store_url", appCfg.MessageStoreURL,
		"dead_letter_type", appCfg.DeadLetter.Type,
	)

	return appCfg, nil
}
