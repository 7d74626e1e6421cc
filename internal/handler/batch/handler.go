package batch

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/videocast-api/internal/handler"
	"github.com/jwalitptl/videocast-api/internal/middleware"
	batchService "github.com/jwalitptl/videocast-api/internal/service/batch"
	"github.com/jwalitptl/videocast-api/internal/service/distribution"
	"github.com/jwalitptl/videocast-api/pkg/httputil"
)

type Handler struct {
	service      batchService.Servicer
	distribution distribution.Servicer
}

func NewHandler(service batchService.Servicer, dist distribution.Servicer) *Handler {
	return &Handler{service: service, distribution: dist}
}

func (h *Handler) CreateBatch(c *gin.Context) {
	var req batchService.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid request body"))
		return
	}

	batch, err := h.service.Create(c.Request.Context(), c.GetString(middleware.ContextSubject), &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(batch))
}

func (h *Handler) ListBatches(c *gin.Context) {
	batches, err := h.service.List(c.Request.Context(), handler.Page(c))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(batches))
}

func (h *Handler) GetBatch(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "batch")
	if !ok {
		return
	}
	batch, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(batch))
}

func (h *Handler) DeleteBatch(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "batch")
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListItems(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "batch")
	if !ok {
		return
	}
	items, err := h.service.ListItems(c.Request.Context(), id, handler.Page(c))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(items))
}

func (h *Handler) Generate(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "batch")
	if !ok {
		return
	}
	report, err := h.service.Generate(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handler.NewSuccessResponse(report))
}

func (h *Handler) Send(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "batch")
	if !ok {
		return
	}
	report, err := h.distribution.SendBatch(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(report))
}

func (h *Handler) Recount(c *gin.Context) {
	id, ok := handler.PathID(c, "id", "batch")
	if !ok {
		return
	}
	batch, err := h.service.Recount(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(batch))
}
