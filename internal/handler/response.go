package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/videocast-api/internal/model"
)

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

// PathID parses the named path parameter as a UUID, answering 400 itself
// when it is not one.
func PathID(c *gin.Context, name, resource string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("invalid "+resource+" ID"))
		return uuid.Nil, false
	}
	return id, true
}

// Page reads page and page_size query parameters.
func Page(c *gin.Context) model.Pagination {
	var p model.Pagination
	_ = c.ShouldBindQuery(&p)
	return p.Normalize()
}
