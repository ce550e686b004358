package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/weddingdesk/pkg/errors"
	"github.com/charlesng35/weddingdesk/pkg/logger"
	"github.com/charlesng35/weddingdesk/pkg/response"
)

// Recovery converts panics into a 500 response and logs the error.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithModule("http").Error("panic",
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", c.GetString(CtxRequestIDKey)),
					zap.Any("error", r),
				)
				// Avoid leaking internals to clients
				response.Error(c, errors.ErrInternalServer)
				c.Abort()
			}
		}()
		c.Next()
	}
}

// NotFoundHandler returns a JSON 404 response for unknown routes.
func NotFoundHandler(c *gin.Context) {
	response.Error(c, errors.ErrNotFound.WithMessage(fmt.Sprintf("route %s not found", c.Request.URL.Path)))
}
