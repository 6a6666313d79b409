package sse

import (
	"context"
	stderrors "errors"

	"github.com/gin-gonic/gin"

	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/pipeline"
)

// Handler returns a gin handler that serves f to every request. Each
// request is its own subscription; use a pipeline.Hub to share one
// upstream.
func Handler[T any](f *pipeline.Flow[T], opts ...Option) gin.HandlerFunc {
	log := newOptions(opts).log
	return func(c *gin.Context) {
		err := Serve(c.Request.Context(), c.Writer, f, opts...)
		if err == nil || stderrors.Is(err, context.Canceled) {
			return
		}
		if _, ok := pipeline.AsFault(err); ok {
			return
		}
		log.Error("stream aborted", logger.Fields(
			logger.FieldError, err.Error(),
			"path", c.Request.URL.Path,
			"client_ip", c.ClientIP(),
		))
	}
}
