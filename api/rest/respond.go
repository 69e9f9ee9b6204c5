package rest

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/apperr"
	mw "github.com/shelfmates/server/middleware"
	"go.uber.org/zap"
)

// respondError writes err as {error, kind} with the status of its kind.
// Store failures are logged and reported without their cause.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	e := apperr.As(err)
	msg := e.Message
	if e.Kind == apperr.KindStore {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.Error(err))
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(e.Kind), gin.H{"error": msg, "kind": e.Kind})
}

// optionalSelf checks an optional user id query parameter against the
// authenticated user. Absent means the caller.
func optionalSelf(c *gin.Context, param string) (int64, error) {
	self := mw.GetUserID(c)
	raw := c.Query(param)
	if raw == "" {
		return self, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid " + param)
	}
	if id != self {
		return 0, apperr.Forbidden(param + " does not match the authenticated user")
	}
	return self, nil
}

func mwUser(c *gin.Context) int64 {
	return mw.GetUserID(c)
}
