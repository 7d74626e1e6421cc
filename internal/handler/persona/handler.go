package persona

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/videocast-api/internal/handler"
	personaService "github.com/jwalitptl/videocast-api/internal/service/persona"
	"github.com/jwalitptl/videocast-api/pkg/httputil"
)

type Handler struct {
	service personaService.Servicer
}

func NewHandler(service personaService.Servicer) *Handler {
	return &Handler{service: service}
}

// ListPersonas returns the provider catalogue. ?refresh=true drops the
// cached copy first.
func (h *Handler) ListPersonas(c *gin.Context) {
	if c.Query("refresh") == "true" {
		h.service.Invalidate()
	}
	personas, err := h.service.List(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(personas))
}
