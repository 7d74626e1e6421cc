package preview

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/videocast-api/internal/handler"
	previewService "github.com/jwalitptl/videocast-api/internal/service/preview"
	"github.com/jwalitptl/videocast-api/pkg/httputil"
)

type Handler struct {
	service previewService.Servicer
}

func NewHandler(service previewService.Servicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) CreatePreview(c *gin.Context) {
	var req previewService.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid request body"))
		return
	}
	session, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handler.NewSuccessResponse(session))
}

func (h *Handler) GetPreview(c *gin.Context) {
	session, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(session))
}
