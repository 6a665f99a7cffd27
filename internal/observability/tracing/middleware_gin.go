package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/feeledger/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request and tags it with the route
// and the ledger entities the request touched.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("feeledger/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		method := strings.ToUpper(c.Request.Method)
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)
		span.SetAttributes(SafeAttributes(append([]attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		}, ledgerAttributes(c, route)...)...)...)

		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				span.RecordError(SafeError(lastErr.Err))
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// ledgerAttributes reads the tenant set by the org middleware and the ids in
// the matched route.
func ledgerAttributes(c *gin.Context, route string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if orgID := obscontext.OrgIDFromContext(c.Request.Context()); orgID != "" {
		attrs = append(attrs, attribute.String("ledger.org_id", orgID))
	}
	if studentID := c.Param("studentId"); studentID != "" {
		attrs = append(attrs, attribute.String("ledger.student_id", studentID))
	}
	if strings.HasPrefix(route, "/api/payments/") {
		attrs = append(attrs, attribute.String("ledger.payment_id", c.Param("id")))
	}
	return attrs
}
