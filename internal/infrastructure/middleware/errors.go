package middleware

import (
	"net/http"

	apperrors "leakrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var internalError = apperrors.NewInternalError("Internal server error")

// ErrorHandler renders the last error attached with c.Error as the
// collaborator error document {"error": message, "code": code}.
func ErrorHandler(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := apperrors.GetAppError(err); appErr != nil {
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				logger.Errorw("request failed",
					"code", appErr.Code,
					"message", appErr.Message,
					"path", c.Request.URL.Path,
					"error", appErr.Cause,
				)
			} else {
				logger.Debugw("request rejected",
					"code", appErr.Code,
					"message", appErr.Message,
					"path", c.Request.URL.Path,
				)
			}
			c.JSON(appErr.HTTPStatus, appErr.Body())
			return
		}

		logger.Errorw("unhandled error",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, internalError.Body())
	}
}

// Recovery turns a handler panic into a 500 instead of dropping the connection.
func Recovery(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered",
					"error", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, internalError.Body())
			}
		}()

		c.Next()
	}
}
