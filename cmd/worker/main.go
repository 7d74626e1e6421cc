package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/videocast-api/internal/app"
	"github.com/jwalitptl/videocast-api/internal/config"
	"github.com/jwalitptl/videocast-api/internal/observability"
	"github.com/jwalitptl/videocast-api/internal/queue"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/worker"
)

const healthAddr = ":8081"

func setupHealthCheck(logger *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: healthAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Health check server failed")
		}
	}()
	return srv
}

// The worker runs the periodic jobs and, when the task queue is enabled,
// consumes cache warm-up and render finish tasks.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger := app.NewLogger(cfg.Log).With("worker")

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal(err, "Failed to initialize tracing")
	}

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal(err, "Failed to build application")
	}
	defer a.Close()
	a.Start(ctx)

	health := setupHealthCheck(logger)

	scheduler := worker.NewScheduler(logger, a.Metrics, a.Jobs()...)
	scheduler.Start(ctx)

	if cfg.Queue.Enabled && cfg.Redis.URL != "" {
		opt, err := asynq.ParseRedisURI(cfg.Redis.URL)
		if err != nil {
			logger.Fatal(err, "Failed to parse queue redis url")
		}
		server := asynq.NewServer(opt, asynq.Config{Concurrency: cfg.Queue.Concurrency})
		processor := queue.NewProcessor(a.Sweeper, a.Generation, logger)

		go func() {
			<-ctx.Done()
			server.Shutdown()
		}()
		if err := server.Run(processor.Handler()); err != nil {
			logger.Error(err, "Queue server stopped")
			stop()
		}
	}

	<-ctx.Done()
	logger.Info("Shutting down...")
	scheduler.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error(err, "Failed to flush traces")
	}
}
