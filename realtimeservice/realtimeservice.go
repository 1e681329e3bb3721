// Package realtimeservice wires the ingestion pipeline, fan-out worker,
// websocket gateway, and operator API into a runnable service.
package realtimeservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-microservice-base/pkg/microservice"

	"github.com/tinywideclouds/go-realtime-service/internal/api"
	"github.com/tinywideclouds/go-realtime-service/internal/gateway"
	"github.com/tinywideclouds/go-realtime-service/internal/pipeline"
	"github.com/tinywideclouds/go-realtime-service/internal/presence"
	"github.com/tinywideclouds/go-realtime-service/internal/resilience"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

// Wrapper embeds BaseServer to get standard server functionality for the
// operator API, and owns the background fan-out pipeline. The websocket
// gateway is exposed separately so the app runner can manage its lifecycle
// alongside this one.
type Wrapper struct {
	*microservice.BaseServer
	processingService *messagepipeline.StreamingService[realtime.IngestedMessageEvent]
	gateway           *gateway.Gateway
	registry          *presence.Registry
	breaker           *resilience.CircuitBreaker
	logger            zerolog.Logger
	httpReadyChan     chan struct{}
}

// New creates and wires up the entire realtime service.
func New(
	cfg *config.AppConfig,
	dependencies *realtime.Dependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
) (*Wrapper, error) {

	// 1. Create the standard base server for the operator API.
	baseServer := microservice.NewBaseServer(logger, ":"+cfg.APIPort)

	httpReadyChan := make(chan struct{})
	baseServer.SetReadyChannel(httpReadyChan)

	// Parts of the stack (pipeline processor, operator API) log through
	// slog; the rest still uses zerolog.
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// 2. Shared state: presence registry and the fan-out circuit breaker.
	registry := presence.NewRegistry(logger)

	breaker := resilience.NewCircuitBreaker(resilience.Settings{
		Name:             "fanout",
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		OpenTimeout:      cfg.OpenTimeout(),
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed.")
		},
	})

	// 3. Ingestion: persist-then-publish, fronted by the gateway.
	ingestionService, err := pipeline.NewIngestionService(
		dependencies.MessageStore,
		dependencies.IngestionProducer,
		logger.With().Str("component", "Ingestion").Logger(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion service: %w", err)
	}

	gw, err := gateway.New(cfg.WebSocketPort, authMiddleware, registry, ingestionService, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	// 4. Create the main background fan-out pipeline.
	processingService, err := newProcessingService(cfg, dependencies, gw, breaker, slogger, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create processing service: %w", err)
	}

	// 5. Mount the operator API on the base server's router.
	apiHandler := api.NewAPI(dependencies.DeadLetterSink, registry, breaker, slogger)
	apiHandler.RegisterRoutes(baseServer.Mux())

	return &Wrapper{
		BaseServer:        baseServer,
		processingService: processingService,
		gateway:           gw,
		registry:          registry,
		breaker:           breaker,
		logger:            logger,
		httpReadyChan:     httpReadyChan,
	}, nil
}

// Gateway returns the websocket gateway, which has its own Start/Shutdown
// lifecycle managed by the app runner.
func (w *Wrapper) Gateway() *gateway.Gateway {
	return w.gateway
}

// newProcessingService builds the fan-out pipeline: consume ingested
// events, decode them, and broadcast to conversation groups behind the
// circuit breaker.
func newProcessingService(
	cfg *config.AppConfig,
	dependencies *realtime.Dependencies,
	broadcaster realtime.Broadcaster,
	breaker *resilience.CircuitBreaker,
	slogger *slog.Logger,
	logger zerolog.Logger,
) (*messagepipeline.StreamingService[realtime.IngestedMessageEvent], error) {

	processor := pipeline.NewFanoutProcessor(
		broadcaster,
		breaker,
		dependencies.DeadLetterSink,
		cfg.FanoutRetryPolicy(),
		slogger,
	)

	return messagepipeline.NewStreamingService[realtime.IngestedMessageEvent](
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumFanoutWorkers},
		dependencies.IngestionConsumer,
		pipeline.EventTransformer,
		processor,
		logger,
	)
}

// Start runs the service's background components before starting the base
// HTTP server.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info().Msg("Fan-out pipeline starting...")
	if err := w.processingService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}

	serverErrChan := make(chan error, 1)
	go func() {
		if err := w.BaseServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error().Err(err).Msg("HTTP server failed")
			serverErrChan <- err
		}
		close(serverErrChan)
	}()

	// Wait for EITHER the server to be ready OR for it to fail on startup.
	select {
	case <-w.httpReadyChan:
		// Closed by BaseServer.Start() after net.Listen() succeeds.
		w.logger.Info().Msg("HTTP listener is active.")
		w.SetReady(true)
		w.logger.Info().Msg("Service is now ready.")

	case err := <-serverErrChan:
		return fmt.Errorf("HTTP server failed to start: %w", err)

	case <-ctx.Done():
		return ctx.Err()
	}

	// Wait for the server goroutine to exit (which happens on Shutdown).
	if err := <-serverErrChan; err != nil {
		return err
	}

	return nil
}

// Shutdown gracefully stops all service components in the correct order.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := w.processingService.Stop(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Processing service shutdown failed.")
		finalErr = err
	}

	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
