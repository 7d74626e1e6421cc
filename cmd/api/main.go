package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/videocast-api/internal/app"
	"github.com/jwalitptl/videocast-api/internal/config"
	"github.com/jwalitptl/videocast-api/internal/observability"
	"github.com/jwalitptl/videocast-api/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := app.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal(err, "Failed to initialize tracing")
	}

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal(err, "Failed to build application")
	}
	a.Start(ctx)

	var scheduler *worker.Scheduler
	if cfg.Scheduler.Embedded {
		scheduler = worker.NewScheduler(logger, a.Metrics, a.Jobs()...)
		scheduler.Start(ctx)
	}

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     a.Router().Engine(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// Streams can run long; WriteTimeout stays zero unless configured.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(err, "Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Server forced to shutdown")
	}
	if scheduler != nil {
		scheduler.Wait()
	}
	if err := a.Close(); err != nil {
		logger.Error(err, "Failed to close resources")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error(err, "Failed to flush traces")
	}

	logger.Info("Server exited properly")
}
