package item

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/videocast-api/internal/handler"
	batchService "github.com/jwalitptl/videocast-api/internal/service/batch"
	"github.com/jwalitptl/videocast-api/internal/service/distribution"
	"github.com/jwalitptl/videocast-api/internal/service/generation"
	"github.com/jwalitptl/videocast-api/pkg/httputil"
)

type Handler struct {
	batches      batchService.Servicer
	generation   generation.Servicer
	distribution distribution.Servicer
}

func NewHandler(batches batchService.Servicer, gen generation.Servicer, dist distribution.Servicer) *Handler {
	return &Handler{batches: batches, generation: gen, distribution: dist}
}

type exclusionRequest struct {
	Excluded *bool `json:"excluded" binding:"required"`
}

func (h *Handler) GetItem(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "item")
	if !ok {
		return
	}
	item, err := h.batches.GetItem(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(item))
}

func (h *Handler) Regenerate(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "item")
	if !ok {
		return
	}
	item, err := h.generation.ForceRegenerate(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handler.NewSuccessResponse(item))
}

func (h *Handler) Resend(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "item")
	if !ok {
		return
	}
	item, err := h.distribution.ResendOne(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(item))
}

func (h *Handler) SetExclusion(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "item")
	if !ok {
		return
	}
	var req exclusionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("excluded is required"))
		return
	}
	item, err := h.batches.SetExclusion(c.Request.Context(), id, *req.Excluded)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(item))
}

// Poll asks the provider about the item right away instead of waiting for
// the scheduled poll.
func (h *Handler) Poll(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "item")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	item, err := h.batches.GetItem(ctx, id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	outcome, err := h.generation.PollOnce(ctx, item)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"outcome": outcome,
		"item":    item,
	}))
}

func (h *Handler) ShareLink(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "item")
	if !ok {
		return
	}
	link, err := h.distribution.ShareLink(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"url": link}))
}
