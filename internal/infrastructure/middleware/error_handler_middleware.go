package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mediagate/pkg/errors"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. Handlers translate domain errors into *errors.AppError; anything
// they leave untranslated is reported as INTERNAL_ERROR without its text.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		appErr, ok := errors.As(err)
		if !ok {
			appErr = errors.Wrap(err, errors.ErrCodeInternal, "Internal server error")
		}
		status := appErr.HTTPStatus()

		fields := []interface{}{
			"code", appErr.Code,
			"status", status,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", err,
		}
		if status >= http.StatusInternalServerError {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Warnw("request rejected", fields...)
		}

		renderError(c, appErr)
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				renderError(c, errors.New(errors.ErrCodeInternal, "Internal server error"))
				c.Abort()
			}
		}()

		c.Next()
	}
}

func renderError(c *gin.Context, appErr *errors.AppError) {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	c.JSON(appErr.HTTPStatus(), body)
}
