package sweep

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/videocast-api/internal/handler"
	"github.com/jwalitptl/videocast-api/internal/service/sweeper"
	"github.com/jwalitptl/videocast-api/pkg/httputil"
)

type Handler struct {
	sweeper sweeper.Servicer
}

func NewHandler(s sweeper.Servicer) *Handler {
	return &Handler{sweeper: s}
}

// RunSweep runs one named sweep synchronously. Item-level failures are
// reported in the result rather than as an error status.
func (h *Handler) RunSweep(c *gin.Context) {
	result, err := h.sweeper.Run(c.Request.Context(), c.Param("name"))
	if errors.Is(err, sweeper.ErrUnknownSweep) {
		c.JSON(http.StatusNotFound, handler.NewErrorResponse(err.Error()))
		return
	}
	if err != nil && result.FinishedAt.IsZero() {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(result))
}
