package webhook

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

const (
	sourceAvatar    = "avatar"
	sourceMessaging = "messaging"
)

// RenderCallbacks applies avatar provider job callbacks.
type RenderCallbacks interface {
	OnRenderCallback(ctx context.Context, jobID, status, resultURL string) error
}

// DeliveryEvents applies messaging provider status reports.
type DeliveryEvents interface {
	OnDeliveryEvent(ctx context.Context, providerMessageID, status, timestamp string) error
}

type Config struct {
	Secret       string
	MaxBodyBytes int64
}

// Handler acknowledges every delivery with 200 so providers never retry
// into a hot loop; anything wrong with a payload is logged instead.
type Handler struct {
	render   RenderCallbacks
	delivery DeliveryEvents
	cfg      Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewHandler(render RenderCallbacks, delivery DeliveryEvents, cfg Config, log *logger.Logger, m *metrics.Metrics) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{render: render, delivery: delivery, cfg: cfg, logger: log.With("webhook"), metrics: m}
}

func (h *Handler) Avatar(c *gin.Context) {
	defer h.ack(c)
	recs, ok := h.accept(c, sourceAvatar)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	for _, rec := range recs {
		var evt RenderEvent
		if err := decode(rec, renderAliases, &evt); err != nil || evt.JobID == "" {
			h.count(sourceAvatar, "malformed")
			h.logger.Warn("Malformed render callback", "payload", rec)
			continue
		}
		if err := h.render.OnRenderCallback(ctx, evt.JobID, evt.Status, strings.TrimSpace(evt.ResultURL)); err != nil {
			h.count(sourceAvatar, "error")
			h.logger.Error(err, "Failed to apply render callback", "job_id", evt.JobID, "status", evt.Status)
			continue
		}
		h.count(sourceAvatar, "applied")
	}
}

func (h *Handler) Messaging(c *gin.Context) {
	defer h.ack(c)
	recs, ok := h.accept(c, sourceMessaging)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	for _, rec := range recs {
		var evt DeliveryEvent
		if err := decode(rec, deliveryAliases, &evt); err != nil || evt.MessageID == "" || evt.Status == "" {
			h.count(sourceMessaging, "malformed")
			h.logger.Warn("Malformed delivery event", "payload", rec)
			continue
		}
		if err := h.delivery.OnDeliveryEvent(ctx, evt.MessageID, evt.Status, evt.Timestamp); err != nil {
			h.count(sourceMessaging, "error")
			h.logger.Error(err, "Failed to apply delivery event", "message_id", evt.MessageID, "status", evt.Status)
			continue
		}
		h.count(sourceMessaging, "applied")
	}
}

// accept checks the shared secret and parses the body.
func (h *Handler) accept(c *gin.Context, source string) ([]map[string]interface{}, bool) {
	if !h.authorized(c) {
		h.count(source, "rejected")
		h.logger.Warn("Webhook secret mismatch", "source", source, "ip", c.ClientIP())
		return nil, false
	}
	recs, err := readRecords(c.Request, h.cfg.MaxBodyBytes)
	if err != nil {
		h.count(source, "malformed")
		h.logger.Warn("Unreadable webhook payload", "source", source, "error", err.Error())
		return nil, false
	}
	return recs, true
}

func (h *Handler) authorized(c *gin.Context) bool {
	if h.cfg.Secret == "" {
		return true
	}
	got := c.GetHeader("X-Webhook-Secret")
	if got == "" {
		got = c.Query("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.Secret)) == 1
}

func (h *Handler) ack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) count(source, outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookEvents.WithLabelValues(source, outcome).Inc()
	}
}
