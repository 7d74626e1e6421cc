package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/videocast-api/pkg/httputil"
)

// ErrorHandler logs errors attached to the context. Handlers write their own
// responses; only a request that ended with errors and no body gets a
// generic 500 here.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		requestID := c.GetString(ContextRequestID)
		for _, e := range c.Errors {
			status := httputil.StatusFor(e.Err)
			evt := log.Warn()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.Err(e.Err).
				Str("request_id", requestID).
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Int("status", status).
				Msg("Request error")
		}

		if !c.Writer.Written() {
			c.JSON(http.StatusInternalServerError, httputil.Response{
				Status:  "error",
				Message: "internal server error",
			})
		}
	}
}
