package middleware

import (
	"time"

	"meshcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// RequestLogMiddleware logs every request with the trace and user ids it
// ran under. Register it after TracingMiddleware so the span exists.
func RequestLogMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		if id := c.Param("id"); id != "" {
			ctx = logger.WithCallID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if id, ok := UserID(c); ok {
			ctx = logger.WithUserID(ctx, string(id))
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		cl.LogRequest(ctx, c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
