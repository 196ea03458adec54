package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/middleware"
	"github.com/tieubaoca/ragchat/types"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func sendError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, types.DataResponse{
		Status:  false,
		Message: err.Error(),
	})
}

func sendBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, types.DataResponse{
		Status:  false,
		Message: message,
	})
}

func sendSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, types.DataResponse{
		Status: true,
		Data:   data,
	})
}

func ownerID(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}

func HandleHealth(c *gin.Context) {
	sendSuccess(c, http.StatusOK, gin.H{"status": "ok"})
}
