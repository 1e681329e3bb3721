// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tinywideclouds/go-realtime-service/internal/gateway"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice"
)

// Run executes the main application lifecycle for the realtime service. It
// starts both the operator API (with the fan-out pipeline) and the websocket
// gateway, listens for OS signals, and performs a graceful shutdown of both.
func Run(
	ctx context.Context,
	logger *slog.Logger,
	apiService *realtimeservice.Wrapper,
	gw *gateway.Gateway,
) {
	var wg sync.WaitGroup
	wg.Add(2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start both services in separate goroutines.
	go func() {
		defer wg.Done()
		logger.Info("Starting API Service...")
		err := apiService.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("API Service failed", "err", err)
			cancel() // Trigger shutdown of other services.
		}
	}()

	go func() {
		defer wg.Done()
		logger.Info("Starting Realtime Gateway...")
		err := gw.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Realtime Gateway failed", "err", err)
			cancel() // Trigger shutdown of other services.
		}
	}()

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info("Received shutdown signal.", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown.")
	}

	// Execute graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down API Service...")
	err := apiService.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("API Service shutdown failed.", "err", err)
	}

	logger.Info("Shutting down Realtime Gateway...")
	err = gw.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("Realtime Gateway shutdown failed.", "err", err)
	}

	wg.Wait()
	logger.Info("All services shut down gracefully.")
}
