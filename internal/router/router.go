package router

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/videocast-api/internal/handler/batch"
	"github.com/jwalitptl/videocast-api/internal/handler/health"
	"github.com/jwalitptl/videocast-api/internal/handler/item"
	"github.com/jwalitptl/videocast-api/internal/handler/persona"
	"github.com/jwalitptl/videocast-api/internal/handler/preview"
	"github.com/jwalitptl/videocast-api/internal/handler/recipient"
	"github.com/jwalitptl/videocast-api/internal/handler/stream"
	"github.com/jwalitptl/videocast-api/internal/handler/sweep"
	"github.com/jwalitptl/videocast-api/internal/handler/webhook"
	"github.com/jwalitptl/videocast-api/internal/middleware"
	"github.com/jwalitptl/videocast-api/pkg/auth"
)

// Handlers groups every HTTP handler the router mounts.
type Handlers struct {
	Batch     *batch.Handler
	Item      *item.Handler
	Persona   *persona.Handler
	Preview   *preview.Handler
	Recipient *recipient.Handler
	Sweep     *sweep.Handler
	Stream    *stream.Handler
	Webhook   *webhook.Handler
	Health    *health.Handler
}

type RouterConfig struct {
	RateLimit      rate.Limit
	RateBurst      int
	CORSConfig     middleware.CORSConfig
	MetricsPrefix  string
	RequestTimeout time.Duration
	// WebhookMaxBytes caps provider callback bodies.
	WebhookMaxBytes int64
	// Registerer and Gatherer default to the prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// route is one row of the routing table. An empty capability means public.
type route struct {
	method     string
	path       string
	handler    gin.HandlerFunc
	capability string
	before     []gin.HandlerFunc
}

type Router struct {
	engine  *gin.Engine
	routes  []route
	metrics *routerMetrics
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	errorTotal      *prometheus.CounterVec
}

func NewRouter(jwt auth.JWTService, h Handlers, config RouterConfig) *Router {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.MetricsPrefix == "" {
		config.MetricsPrefix = "videocast_http"
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	r := &Router{
		engine:  gin.New(),
		metrics: initRouterMetrics(config.Registerer, config.MetricsPrefix),
	}
	r.routes = r.table(h, config)

	authMW := middleware.NewAuthMiddleware(jwt, r.RouteTable())

	r.engine.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logger(),
		middleware.ErrorHandler(),
		r.metricsMiddleware(),
		middleware.CORS(config.CORSConfig),
		middleware.SecurityHeaders(middleware.DefaultSecurityConfig()),
	)
	if config.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
		r.engine.Use(limiter.RateLimit())
	}
	r.engine.Use(
		middleware.Timeout(middleware.TimeoutConfig{
			Duration:     config.RequestTimeout,
			SkipPrefixes: []string{"/stream/"},
		}),
		authMW.Authorize(),
	)

	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})))
	for _, rt := range r.routes {
		r.engine.Handle(rt.method, rt.path, append(rt.before, rt.handler)...)
	}
	return r
}

// table lists every route with the capability it needs.
func (r *Router) table(h Handlers, config RouterConfig) []route {
	webhookLimit := middleware.SizeLimit(config.WebhookMaxBytes)
	return []route{
		{http.MethodGet, "/health/live", h.Health.LivenessCheck, "", nil},
		{http.MethodGet, "/health/ready", h.Health.ReadinessCheck, "", nil},

		{http.MethodGet, "/stream/:file", h.Stream.Stream, "", nil},
		{http.MethodHead, "/stream/:file", h.Stream.Stream, "", nil},

		{http.MethodPost, "/webhooks/avatar", h.Webhook.Avatar, "", []gin.HandlerFunc{webhookLimit}},
		{http.MethodPost, "/webhooks/messaging", h.Webhook.Messaging, "", []gin.HandlerFunc{webhookLimit}},

		{http.MethodPost, "/api/v1/batches", h.Batch.CreateBatch, auth.CapBatchWrite, nil},
		{http.MethodGet, "/api/v1/batches", h.Batch.ListBatches, auth.CapBatchRead, nil},
		{http.MethodGet, "/api/v1/batches/:id", h.Batch.GetBatch, auth.CapBatchRead, nil},
		{http.MethodDelete, "/api/v1/batches/:id", h.Batch.DeleteBatch, auth.CapBatchWrite, nil},
		{http.MethodGet, "/api/v1/batches/:id/items", h.Batch.ListItems, auth.CapBatchRead, nil},
		{http.MethodPost, "/api/v1/batches/:id/generate", h.Batch.Generate, auth.CapBatchWrite, nil},
		{http.MethodPost, "/api/v1/batches/:id/send", h.Batch.Send, auth.CapBatchSend, nil},
		{http.MethodPost, "/api/v1/batches/:id/recount", h.Batch.Recount, auth.CapBatchWrite, nil},

		{http.MethodGet, "/api/v1/items/:id", h.Item.GetItem, auth.CapBatchRead, nil},
		{http.MethodPost, "/api/v1/items/:id/regenerate", h.Item.Regenerate, auth.CapBatchWrite, nil},
		{http.MethodPost, "/api/v1/items/:id/resend", h.Item.Resend, auth.CapBatchSend, nil},
		{http.MethodPatch, "/api/v1/items/:id/exclusion", h.Item.SetExclusion, auth.CapBatchWrite, nil},
		{http.MethodPost, "/api/v1/items/:id/poll", h.Item.Poll, auth.CapBatchWrite, nil},
		{http.MethodGet, "/api/v1/items/:id/share-link", h.Item.ShareLink, auth.CapBatchRead, nil},

		{http.MethodGet, "/api/v1/personas", h.Persona.ListPersonas, auth.CapPersonaRead, nil},
		{http.MethodPost, "/api/v1/previews", h.Preview.CreatePreview, auth.CapPersonaRead, nil},
		{http.MethodGet, "/api/v1/previews/:id", h.Preview.GetPreview, auth.CapPersonaRead, nil},
		{http.MethodPost, "/api/v1/recipients/check", h.Recipient.CheckRecipients, auth.CapBatchRead, nil},
		{http.MethodPost, "/api/v1/sweeps/:name", h.Sweep.RunSweep, auth.CapOpsSweep, nil},
	}
}

// RouteTable returns the protected subset of the routing table.
func (r *Router) RouteTable() middleware.RouteTable {
	table := make(middleware.RouteTable)
	for _, rt := range r.routes {
		if rt.capability != "" {
			table[middleware.Route{Method: rt.method, Path: rt.path}] = rt.capability
		}
	}
	return table
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func initRouterMetrics(reg prometheus.Registerer, prefix string) *routerMetrics {
	factory := promauto.With(reg)
	return &routerMetrics{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: prefix + "_request_duration_seconds",
				Help: "Duration of HTTP requests in seconds",
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		errorTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_errors_total",
				Help: "Total number of HTTP errors",
			},
			[]string{"method", "path", "type"},
		),
	}
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		r.metrics.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		r.metrics.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()

		if c.Writer.Status() >= 500 {
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path, "server").Inc()
		} else if c.Writer.Status() >= 400 {
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path, "client").Inc()
		}
	}
}
