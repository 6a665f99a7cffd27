package tracing

import (
	"context"
	"errors"

	"github.com/smallbiznis/feeledger/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var blockedAttributeKeys = map[attribute.Key]struct{}{
	"email":     {},
	"phone":     {},
	"name":      {},
	"db.params": {},
}

// SafeAttributes drops attributes that could carry student contact data.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedAttributeKeys[attr.Key]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError reduces err to its classification so raw driver messages stay out of spans.
func SafeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrStoreUnavailable):
		return db.ErrStoreUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	default:
		return errors.New("internal_error")
	}
}

func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
