package observability

import (
	"github.com/smallbiznis/feeledger/internal/observability/logger"
	"github.com/smallbiznis/feeledger/internal/observability/metrics"
	"github.com/smallbiznis/feeledger/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires logging, tracing and the ledger meters from one Config.
var Module = fx.Module("observability",
	fx.Provide(LoadConfig),
	fx.Provide(
		func(cfg Config) logger.Config { return cfg.loggerConfig() },
		logger.New,
	),
	fx.Provide(
		func(cfg Config) tracing.Config { return cfg.tracingConfig() },
		tracing.NewProvider,
	),
	fx.Provide(
		func(cfg Config) metrics.Config { return cfg.metricsConfig() },
		metrics.NewProvider,
		metrics.New,
		metrics.SchedulerWithConfig,
	),
	// The provider must be built even when nothing asks for it so spans get exported.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

func (c Config) loggerConfig() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) tracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
	}
}

func (c Config) metricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
