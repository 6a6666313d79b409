package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/logger"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-Id"

// Recovery recovers handler panics, logs the stack and answers 500.
func Recovery() gin.HandlerFunc {
	log := logger.Get("server")
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", logger.Fields(
					logger.FieldError, fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				))
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					errors.New(errors.ErrCodeInternal, "internal server error"))
			}
		}()
		c.Next()
	}
}

// RequestID propagates or assigns X-Request-Id and stores it in the request
// context for logging.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(logger.FieldRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(logger.ContextWithTraceID(c.Request.Context(), id))
		c.Next()
	}
}

// RequestLogger logs each finished request at a level chosen by status.
// Probe paths are skipped.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isProbe(c.Request.URL.Path) {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := logger.Fields(
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			logger.FieldStatus, status,
			logger.FieldDuration, time.Since(start).Milliseconds(),
		)
		if id, ok := c.Get(logger.FieldRequestID); ok {
			fields[logger.FieldRequestID] = id
		}
		switch {
		case status >= 500:
			log.Error("request completed", fields)
		case status >= 400:
			log.Warn("request completed", fields)
		default:
			log.Debug("request completed", fields)
		}
	}
}

func isProbe(path string) bool {
	switch path {
	case "/health", "/alive":
		return true
	}
	return false
}
