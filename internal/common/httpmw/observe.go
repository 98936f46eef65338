// Package httpmw carries the front door's request observability
// middleware.
package httpmw

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/common/logger"
)

// ProbeHeader marks monitoring traffic. The front door checks it before
// dispatching into the proxy plane (so probes never count as session
// activity); here a probe still gets its span, tagged clusterdesk.probe,
// but its completion line is logged only when the status is 5xx.
const ProbeHeader = "X-Clusterdesk-Probe"

// Observe wraps each request in an OTel span and logs its completion.
//
// Tracing is live only when tracing.Init installed a provider; otherwise
// the global tracer is a no-op and only the log line remains. The
// authenticated principal is attached to both the span and the log line
// once the auth middleware has resolved it.
func Observe(log *logger.Logger, serverName string) gin.HandlerFunc {
	tracer := otel.Tracer(serverName)

	return func(c *gin.Context) {
		start := time.Now()
		probe := c.GetHeader(ProbeHeader) != ""
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, path))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		user := c.GetString("user")

		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.Int("http.response.size", size),
			attribute.Bool("clusterdesk.probe", probe),
		)
		if user != "" {
			span.SetAttributes(attribute.String("clusterdesk.user", user))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", size),
		}
		if user != "" {
			fields = append(fields, zap.String("user", user))
		}

		switch {
		case status >= 500:
			log.Error("http", fields...)
		case probe:
			// Health checks fire every few seconds per session; their
			// completion line is not logged at any level.
		default:
			log.Debug("http", fields...)
		}
	}
}
