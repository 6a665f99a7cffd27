package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

const (
	ReconcileOutcomeUpdated   = "updated"
	ReconcileOutcomeUnchanged = "unchanged"
	ReconcileOutcomeError     = "error"
)

// Metrics exposes ledger instruments exported over OTLP.
type Metrics struct {
	reconcileRuns    metric.Int64Counter
	statusPromotions metric.Int64Counter
	paymentMutations metric.Int64Counter
	lockWait         metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New creates the ledger instruments on the given provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "feeledger"
	}
	meter := provider.Meter(name)

	reconcileRuns, err := meter.Int64Counter("feeledger_reconcile_runs_total",
		metric.WithDescription("Student reconciliations by outcome."))
	if err != nil {
		return nil, err
	}
	statusPromotions, err := meter.Int64Counter("feeledger_status_promotions_total",
		metric.WithDescription("Payments promoted from pending to overdue."))
	if err != nil {
		return nil, err
	}
	paymentMutations, err := meter.Int64Counter("feeledger_payment_mutations_total",
		metric.WithDescription("Payment log mutations by operation."))
	if err != nil {
		return nil, err
	}
	lockWait, err := meter.Float64Histogram("feeledger_lock_wait_seconds",
		metric.WithDescription("Time spent acquiring the per-student lock."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reconcileRuns:    reconcileRuns,
		statusPromotions: statusPromotions,
		paymentMutations: paymentMutations,
		lockWait:         lockWait,
	}, nil
}

// NewNoop returns instruments bound to a no-op provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) RecordReconcile(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", outcome))
	m.reconcileRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPromotions(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.statusPromotions.Add(ctx, int64(count))
}

func (m *Metrics) RecordPaymentMutation(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.paymentMutations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) ObserveLockWait(ctx context.Context, backend string, wait time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("backend", backend))
	m.lockWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Student and payment identifiers are unbounded and never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"org_id":    {},
	"outcome":   {},
	"operation": {},
	"backend":   {},
	"reason":    {},
	"status":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
