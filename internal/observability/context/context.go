package context

import (
	"context"
	"strings"

	"github.com/smallbiznis/feeledger/internal/orgcontext"
)

type requestIDKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// OrgIDFromContext renders the scoped organization as a log-friendly string.
func OrgIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return ""
	}
	return orgID.String()
}
