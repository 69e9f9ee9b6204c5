package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/apperr"
	"go.uber.org/zap"
)

// Recovery returns a Gin middleware that catches panics, logs them with a
// stack trace, and answers 500 with a store-kind error body.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("error", r),
					zap.String("trace_id", GetTraceID(c)),
					zap.String("path", c.Request.URL.Path),
					zap.Int64("user_id", GetUserID(c)),
					zap.Stack("stack"),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
					"kind":  apperr.KindStore,
				})
			}
		}()
		c.Next()
	}
}
