/*
File: cmd/prod/runrealtimeservice.go
Description: Main entrypoint for the realtime service. Handles config
loading, dependency injection, and starting the application.
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog" // Required for interoperability with some libs DO NOT REMOVE
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-realtime-service/cmd"
	"github.com/tinywideclouds/go-realtime-service/internal/app"
	"github.com/tinywideclouds/go-realtime-service/internal/middleware"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/deadletter"
	psub "github.com/tinywideclouds/go-realtime-service/internal/platform/pubsub"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/store"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

func main() {
	// --- 1. Setup structured logging (slog) ---
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-realtime-service")

	slog.SetDefault(logger)

	// Some of the stack still logs through zerolog.
	zlogger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "go-realtime-service").Logger()

	// --- 2. Load Configuration (Stages 1 and 2) ---
	baseCfg, err := cmd.Load(logger)
	if err != nil {
		logger.Error("Failed to load embedded configuration", "err", err)
		os.Exit(1)
	}

	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Failed to finalize configuration with environment overrides", "err", err)
		os.Exit(1)
	}

	// Convert topic/sub IDs to full GCP resource names.
	cfg.IngestTopicID = convertPubsub(cfg.ProjectID, cfg.IngestTopicID, Pub)
	cfg.IngestSubscriptionID = convertPubsub(cfg.ProjectID, cfg.IngestSubscriptionID, Sub)

	// --- 3. Create dependencies ---
	ctx := context.Background()

	deps, err := newDependencies(ctx, cfg, logger, zlogger)
	if err != nil {
		logger.Error("Failed to initialize dependencies", "err", err)
		os.Exit(1)
	}

	// --- 4. Create Authentication Middleware ---
	authMiddleware, err := newAuthMiddleware(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize authentication middleware", "err", err)
		os.Exit(1)
	}

	// --- 5. Create the service ---
	apiService, err := realtimeservice.New(
		cfg,
		deps,
		authMiddleware,
		zlogger.With().Str("component", "RealtimeService").Logger(),
	)
	if err != nil {
		logger.Error("Failed to create realtime service", "err", err)
		os.Exit(1)
	}

	// --- 6. Run the application ---
	app.Run(ctx, logger, apiService, apiService.Gateway())
}

// newAuthMiddleware builds the JWT-validating middleware against the
// identity service's JWKS endpoint. Local mode injects a fixed identity.
func newAuthMiddleware(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.RunMode == "local" {
		logger.Warn("Running in 'local' mode. Handshake authentication is faked.")
		return middleware.NoopAuth(realtime.Identity{ID: "local-user", DisplayName: "Local User"}), nil
	}

	jwksURL := cfg.IdentityServiceURL + "/.well-known/jwks.json"
	verifier, err := middleware.NewJWKSVerifier(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWKS verifier: %w", err)
	}
	return middleware.Auth(verifier), nil
}

// newDependencies builds the service dependency container.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, zlogger zerolog.Logger) (*realtime.Dependencies, error) {
	if cfg.RunMode == "local" {
		logger.Warn("Running in 'local' mode. All external dependencies will be faked.")
		return cmd.NewFakeDependencies(ctx, cfg, zlogger)
	}
	return newProdDependencies(ctx, cfg, logger, zlogger)
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, zlogger zerolog.Logger) (*realtime.Dependencies, error) {
	logger.Debug("Connecting to PubSub", "project_id", cfg.ProjectID)
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
	}

	if err = ensureIngestResources(ctx, cfg, psClient, logger); err != nil {
		return nil, err
	}

	// Publishes are keyed by conversation ID, so ordering must be enabled
	// on the publisher side as well as the subscription.
	logger.Debug("Creating ingestion producer", "topic", cfg.IngestTopicID)
	topic := psClient.Publisher(cfg.IngestTopicID)
	topic.EnableMessageOrdering = true
	ingestProducer := psub.NewProducer(topic)

	// This external library expects a zerolog.Logger.
	ingestConsumer, err := messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(cfg.IngestSubscriptionID), psClient, zlogger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion consumer: %w", err)
	}

	messageStore, err := store.NewHTTPStore(cfg.MessageStoreURL, zlogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create message store client: %w", err)
	}

	deadLetterSink, err := newDeadLetterSink(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter sink: %w", err)
	}

	logger.Debug("All production dependencies initialized")

	return &realtime.Dependencies{
		IngestionProducer: ingestProducer,
		IngestionConsumer: ingestConsumer,
		MessageStore:      messageStore,
		DeadLetterSink:    deadLetterSink,
	}, nil
}

// newDeadLetterSink creates the pluggable dead-letter sink based on config.
func newDeadLetterSink(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (realtime.DeadLetterSink, error) {
	sinkType := cfg.DeadLetter.Type
	logger.Info("Initializing dead-letter sink...", "type", sinkType)

	switch sinkType {
	case "firestore":
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		return deadletter.NewFirestoreSink(fsClient, cfg.DeadLetter.Firestore.CollectionName, logger)

	case "redis":
		redisAddr := cfg.DeadLetter.Redis.Addr
		logger.Debug("Connecting to Redis dead-letter sink", "addr", redisAddr)
		rdb := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		// Test the connection
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", redisAddr, err)
		}
		return deadletter.NewRedisSink(rdb, logger)

	default:
		return nil, fmt.Errorf("invalid dead_letter type: %s (must be 'firestore' or 'redis')", sinkType)
	}
}

// ensureIngestResources creates the ingest topic and its fan-out
// subscription if they don't already exist. Both carry message ordering so
// per-conversation publish order survives the broker.
func ensureIngestResources(ctx context.Context, cfg *config.AppConfig, psClient *pubsub.Client, logger *slog.Logger) error {
	logger.Debug("Ensuring topic exists", "topic", cfg.IngestTopicID)
	_, err := psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{
		Name: cfg.IngestTopicID,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Topic already exists, skipping creation", "topic", cfg.IngestTopicID)
		} else {
			return fmt.Errorf("could not create topic %s: %w", cfg.IngestTopicID, err)
		}
	}

	subConfig := &pubsubpb.Subscription{
		Name:                  cfg.IngestSubscriptionID,
		Topic:                 cfg.IngestTopicID,
		AckDeadlineSeconds:    10,
		EnableMessageOrdering: true,
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err = psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			return fmt.Errorf("could not create subscription %s: %w", cfg.IngestSubscriptionID, err)
		}
	}
	return nil
}

// PS is a type for Pub/Sub resource types (Topic or Subscription).
type PS string

const (
	// Sub identifies a subscription resource.
	Sub PS = "subscriptions"
	// Pub identifies a topic resource.
	Pub PS = "topics"
)

// convertPubsub formats a short ID into a full GCP resource name.
func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
