package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/richardliu001/event-service/internal/service"
)

const (
	codeValidation  = "validation_error"
	codeConflict    = "conflict"
	codeNotFound    = "not_found"
	codeInternal    = "internal_error"
	codeRateLimited = "rate_limited"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps service errors onto status codes. Anything unclassified is
// logged and reported without detail.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: codeValidation, Message: err.Error()})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: codeConflict, Message: err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: codeNotFound, Message: err.Error()})
	default:
		log.Errorw("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: codeInternal, Message: "internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: codeValidation, Message: msg})
}
