// Package app assembles the pipeline from configuration. The API server,
// the worker and the operator CLI all build the same object graph here.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/videocast-api/internal/cache"
	"github.com/jwalitptl/videocast-api/internal/compositor"
	"github.com/jwalitptl/videocast-api/internal/config"
	"github.com/jwalitptl/videocast-api/internal/email"
	batchHandler "github.com/jwalitptl/videocast-api/internal/handler/batch"
	"github.com/jwalitptl/videocast-api/internal/handler/health"
	itemHandler "github.com/jwalitptl/videocast-api/internal/handler/item"
	personaHandler "github.com/jwalitptl/videocast-api/internal/handler/persona"
	previewHandler "github.com/jwalitptl/videocast-api/internal/handler/preview"
	recipientHandler "github.com/jwalitptl/videocast-api/internal/handler/recipient"
	"github.com/jwalitptl/videocast-api/internal/handler/stream"
	"github.com/jwalitptl/videocast-api/internal/handler/sweep"
	"github.com/jwalitptl/videocast-api/internal/handler/webhook"
	"github.com/jwalitptl/videocast-api/internal/middleware"
	"github.com/jwalitptl/videocast-api/internal/provider"
	"github.com/jwalitptl/videocast-api/internal/provider/avatar"
	"github.com/jwalitptl/videocast-api/internal/provider/messaging"
	"github.com/jwalitptl/videocast-api/internal/queue"
	"github.com/jwalitptl/videocast-api/internal/repository"
	"github.com/jwalitptl/videocast-api/internal/repository/memory"
	"github.com/jwalitptl/videocast-api/internal/repository/postgres"
	"github.com/jwalitptl/videocast-api/internal/router"
	"github.com/jwalitptl/videocast-api/internal/service/batch"
	"github.com/jwalitptl/videocast-api/internal/service/distribution"
	"github.com/jwalitptl/videocast-api/internal/service/generation"
	"github.com/jwalitptl/videocast-api/internal/service/persona"
	"github.com/jwalitptl/videocast-api/internal/service/preview"
	"github.com/jwalitptl/videocast-api/internal/service/recipient"
	"github.com/jwalitptl/videocast-api/internal/service/sweeper"
	"github.com/jwalitptl/videocast-api/internal/sharelink"
	"github.com/jwalitptl/videocast-api/internal/storage"
	jobs "github.com/jwalitptl/videocast-api/internal/worker"
	"github.com/jwalitptl/videocast-api/pkg/auth"
	"github.com/jwalitptl/videocast-api/pkg/event"
	"github.com/jwalitptl/videocast-api/pkg/lock"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	pkgmessaging "github.com/jwalitptl/videocast-api/pkg/messaging"
	"github.com/jwalitptl/videocast-api/pkg/messaging/redis"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
	"github.com/jwalitptl/videocast-api/pkg/worker"
)

// DriverMemory keeps all state in process. It is meant for local runs and
// tests; nothing survives a restart.
const DriverMemory = "memory"

type Options struct {
	// Registry isolates metrics from the process-wide default registry.
	Registry *prometheus.Registry
	// Email overrides the configured mail sender.
	Email email.Service
}

type App struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	DB    *sqlx.DB
	Redis *goredis.Client

	Batches repository.BatchRepository
	Items   repository.ItemRepository

	Broker pkgmessaging.Broker
	Events event.Publisher
	Links  *sharelink.Codec
	Cache  *cache.Cache
	JWT    auth.JWTService

	Batch        *batch.Service
	Generation   *generation.Service
	Distribution *distribution.Service
	Sweeper      *sweeper.Service
	Persona      *persona.Service
	Preview      *preview.Service
	Recipient    *recipient.Service

	Warmup      generation.WarmupEnqueuer
	Finish      generation.FinishEnqueuer
	locker      lock.Locker
	local       *queue.LocalEnqueuer
	asynqClient *asynq.Client

	registry *prometheus.Registry
	closers  []func() error
}

// New connects to the configured backends and builds every service. On
// failure whatever was already opened is closed again.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{Config: cfg, Logger: log, registry: opts.Registry}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) (err error) {
	cfg, log := a.Config, a.Logger
	if opts.Registry != nil {
		a.Metrics = metrics.NewWithRegisterer(opts.Registry, "videocast", "pipeline")
	} else {
		a.Metrics = metrics.Default()
	}

	if err = a.openStore(); err != nil {
		return err
	}
	if err = a.openRedis(ctx); err != nil {
		return err
	}

	a.Links, err = sharelink.NewCodec(cfg.Share.Secret, cfg.Share.TTL)
	if err != nil {
		return fmt.Errorf("failed to create share-link codec: %w", err)
	}
	a.Cache, err = cache.New(cfg.Cache.ToCacheConfig(), &http.Client{Timeout: cfg.Cache.DownloadTimeout}, log, a.Metrics)
	if err != nil {
		return err
	}
	a.JWT = auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.ExpiryHours)*time.Hour)

	avatarClient := avatar.NewClient(provider.TransportConfig{
		BaseURL:   cfg.Avatar.BaseURL,
		Timeout:   cfg.Avatar.Timeout,
		RateLimit: cfg.Avatar.RateLimit,
	}, cfg.Avatar.APIKey, log, a.Metrics)
	messagingClient := messaging.NewClient(provider.TransportConfig{
		BaseURL:   cfg.Messaging.BaseURL,
		Timeout:   cfg.Messaging.Timeout,
		RateLimit: cfg.Messaging.RateLimit,
	}, cfg.Messaging.Token, log, a.Metrics)

	var comp generation.Compositor
	if cfg.Compositor.Enabled {
		store, serr := storage.New(cfg.Storage)
		if serr != nil {
			return serr
		}
		c, cerr := compositor.New(compositor.Config{
			FFmpegPath: cfg.Compositor.FFmpegPath,
			WorkDir:    cfg.Compositor.WorkDir,
			Timeout:    cfg.Compositor.Timeout,
		}, store, log)
		if cerr != nil {
			return cerr
		}
		comp = c
	}

	mailer := opts.Email
	if mailer == nil {
		mailer = email.NewService(cfg.Email, log)
	}

	a.Batch = batch.NewService(batch.Dependencies{
		Batches:  a.Batches,
		Items:    a.Items,
		Notifier: mailer,
		Events:   a.Events,
		Logger:   log,
	})

	a.locker = lock.NewLocalLocker()
	if a.Redis != nil {
		a.locker = lock.NewRedisLocker(a.Redis, "videocast:lock:")
	}
	a.Sweeper = sweeper.NewService(sweeper.Dependencies{
		Items:     a.Items,
		Batches:   a.Batches,
		Cache:     a.Cache,
		Locker:    a.locker,
		Refresher: a.Batch,
		Metrics:   a.Metrics,
		Logger:    log,
	}, sweeper.Config{
		GenerationDeadline:   cfg.Sweeper.GenerationDeadline,
		DistributionDeadline: cfg.Sweeper.DistributionDeadline,
		WarmupBatchSize:      cfg.Sweeper.WarmupBatchSize,
		LockTTL:              cfg.Sweeper.LockTTL,
	})

	if err = a.openQueue(); err != nil {
		return err
	}

	a.Generation = generation.NewService(generation.Dependencies{
		Items:      a.Items,
		Batches:    a.Batches,
		Avatar:     avatarClient,
		Compositor: comp,
		Warmup:     a.Warmup,
		Finisher:   a.Finish,
		Refresher:  a.Batch,
		Events:     a.Events,
		Metrics:    a.Metrics,
		Logger:     log,
	}, generation.Config{
		Width:         cfg.Avatar.Width,
		Height:        cfg.Avatar.Height,
		NoopLanguages: cfg.Avatar.NoopLanguages,
		WebhookURL:    cfg.Avatar.WebhookURL,
	})
	a.Batch.SetSubmitter(a.Generation)
	if a.local != nil {
		a.local.SetFinisher(a.Generation)
	}

	a.Distribution = distribution.NewService(distribution.Dependencies{
		Items:     a.Items,
		Batches:   a.Batches,
		Messaging: messagingClient,
		Links:     a.Links,
		Refresher: a.Batch,
		Events:    a.Events,
		Metrics:   a.Metrics,
		Logger:    log,
	}, distribution.Config{
		PublicBaseURL:   cfg.Server.PublicBaseURL,
		StatusPollAfter: cfg.Scheduler.StatusPollAfter,
	})

	a.Persona = persona.NewService(avatarClient, cfg.Avatar.PersonaCacheTTL, log)
	a.Preview = preview.NewService(avatarClient, preview.Config{
		TTL:             cfg.Preview.TTL,
		CleanupInterval: cfg.Preview.CleanupInterval,
		Width:           cfg.Avatar.Width,
		Height:          cfg.Avatar.Height,
	}, log)
	a.Recipient = recipient.NewService(messagingClient, log)

	return nil
}

func (a *App) openStore() error {
	if a.Config.Database.Driver == DriverMemory {
		store := memory.NewStore()
		a.Batches, a.Items = store.Batches(), store.Items()
		return nil
	}
	db, err := postgres.NewDB(a.Config.Database)
	if err != nil {
		return err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	if a.Config.Database.AutoMigrate {
		if err := postgres.MigrateUp(db); err != nil {
			return err
		}
	}
	base := postgres.NewBaseRepository(db, a.Metrics)
	a.Batches = postgres.NewBatchRepository(base)
	a.Items = postgres.NewItemRepository(base)
	return nil
}

// openRedis connects when a URL is configured. Without Redis, events go to
// an in-process broker and sweep leases are process-local.
func (a *App) openRedis(ctx context.Context) error {
	if a.Config.Redis.URL == "" {
		a.Broker = pkgmessaging.NewMemoryBroker()
		a.Events = event.NewPublisher(a.Broker, a.Logger)
		return nil
	}
	client, err := redis.NewClient(ctx, a.Config.Redis.ToBrokerConfig())
	if err != nil {
		return err
	}
	a.Redis = client
	a.Broker = redis.NewRedisBroker(client, a.Logger)
	a.closers = append(a.closers, a.Broker.Close)
	a.Events = event.NewPublisher(a.Broker, a.Logger)
	return nil
}

func (a *App) openQueue() error {
	cfg := a.Config
	if cfg.Queue.Enabled && cfg.Redis.URL != "" {
		opt, err := asynq.ParseRedisURI(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse queue redis url: %w", err)
		}
		a.asynqClient = asynq.NewClient(opt)
		a.closers = append(a.closers, a.asynqClient.Close)
		enq := queue.NewAsynqEnqueuer(a.asynqClient, cfg.Queue.MaxRetry, a.Metrics)
		a.Warmup, a.Finish = enq, enq
		return nil
	}
	a.local = queue.NewLocalEnqueuer(a.Sweeper, 0, cfg.Queue.Concurrency, a.Logger, a.Metrics)
	a.Warmup, a.Finish = a.local, a.local
	return nil
}

// Start runs in-process background workers until ctx is done.
func (a *App) Start(ctx context.Context) {
	if a.local != nil {
		a.local.Start(ctx)
	}
}

// Jobs returns the periodic jobs for the scheduler.
func (a *App) Jobs() []worker.Job {
	cfg := jobs.ConfigFrom(a.Config.Scheduler)
	cfg.LockTTL = a.Config.Sweeper.LockTTL
	return jobs.Jobs(jobs.Dependencies{
		Generation:   a.Generation,
		Distribution: a.Distribution,
		Sweeper:      a.Sweeper,
		Locker:       a.locker,
		Logger:       a.Logger,
	}, cfg)
}

// Router builds the HTTP router over the app's services.
func (a *App) Router() *router.Router {
	cfg := a.Config
	checks := map[string]health.Pinger{}
	if a.DB != nil {
		checks["database"] = a.DB
	}
	if a.Redis != nil {
		checks["redis"] = redisPinger{a.Redis}
	}

	rc := router.RouterConfig{
		RateLimit:       rate.Limit(cfg.Server.RateLimit),
		RateBurst:       cfg.Server.RateBurst,
		CORSConfig:      middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins),
		RequestTimeout:  time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
		WebhookMaxBytes: cfg.Webhook.MaxBodyBytes,
	}
	if a.registry != nil {
		rc.Registerer, rc.Gatherer = a.registry, a.registry
	}

	return router.NewRouter(a.JWT, router.Handlers{
		Batch:     batchHandler.NewHandler(a.Batch, a.Distribution),
		Item:      itemHandler.NewHandler(a.Batch, a.Generation, a.Distribution),
		Persona:   personaHandler.NewHandler(a.Persona),
		Preview:   previewHandler.NewHandler(a.Preview),
		Recipient: recipientHandler.NewHandler(a.Recipient),
		Sweep:     sweep.NewHandler(a.Sweeper),
		Stream: stream.NewHandler(a.Links, a.Items, a.Cache, stream.Config{
			FillTimeout: cfg.Cache.DownloadTimeout,
			MaxAge:      cfg.Cache.MaxAgeSeconds,
		}, a.Logger),
		Webhook: webhook.NewHandler(a.Generation, a.Distribution, webhook.Config{
			Secret:       cfg.Webhook.Secret,
			MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		}, a.Logger, a.Metrics),
		Health: health.NewHandler(checks),
	}, rc)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

type redisPinger struct{ c *goredis.Client }

func (p redisPinger) PingContext(ctx context.Context) error { return p.c.Ping(ctx).Err() }

// NewLogger builds the process logger from the log section and makes it the
// zerolog global used by request logging.
func NewLogger(cfg config.LogConfig) *logger.Logger {
	l := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       strings.EqualFold(cfg.Format, "json"),
	})
	zlog.Logger = *l.Zerolog()
	return l
}
