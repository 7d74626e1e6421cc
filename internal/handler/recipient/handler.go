package recipient

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/videocast-api/internal/handler"
	recipientService "github.com/jwalitptl/videocast-api/internal/service/recipient"
	"github.com/jwalitptl/videocast-api/pkg/httputil"
)

type Handler struct {
	service recipientService.Servicer
}

func NewHandler(service recipientService.Servicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) CheckRecipients(c *gin.Context) {
	var req recipientService.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid request body"))
		return
	}
	results, err := h.service.Check(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(results))
}
