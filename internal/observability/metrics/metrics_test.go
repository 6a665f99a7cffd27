package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsStudentIdentifiers(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "123"),
		attribute.String("student_id", "STU-001"),
		attribute.String("payment_id", "456"),
		attribute.String("outcome", ReconcileOutcomeUpdated),
	)

	keys := make([]attribute.Key, 0, len(attrs))
	for _, attr := range attrs {
		keys = append(keys, attr.Key)
	}
	assert.ElementsMatch(t, []attribute.Key{"org_id", "outcome"}, keys)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordReconcile(ctx, ReconcileOutcomeUnchanged)
		m.RecordPromotions(ctx, 2)
		m.RecordPaymentMutation(ctx, "add")
		m.ObserveLockWait(ctx, "local", time.Millisecond)
	})
}

func TestNoopMetricsRecord(t *testing.T) {
	m := NewNoop()
	assert.NotNil(t, m)
	assert.NotPanics(t, func() {
		m.RecordReconcile(context.Background(), ReconcileOutcomeError)
		m.ObserveLockWait(context.Background(), "redis", time.Second)
	})
}
