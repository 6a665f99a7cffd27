package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/feeledger/internal/config"
)

// Config holds observability configuration derived from environment variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	// MetricsPath is where the prometheus registry is served.
	MetricsPath string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	protocol := lookup("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	protocol = lookup("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", protocol)

	out := Config{
		ServiceName:          lookup("OTEL_SERVICE_NAME", cfg.AppName),
		Environment:          lookup("DEPLOYMENT_ENV", cfg.Environment),
		Version:              lookup("SERVICE_VERSION", cfg.AppVersion),
		LogLevel:             strings.ToLower(lookup("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(lookup("LOG_FORMAT", "json")),
		MetricsPath:          lookup("METRICS_PATH", "/metrics"),
		OtelEnabled:          lookupBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: lookup("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(protocol),
		OtelSamplingRatio:    lookupRatio("OTEL_SAMPLING_RATIO", 0.1),
	}
	if out.ServiceName == "" {
		out.ServiceName = "feeledger"
	}
	if !strings.HasPrefix(out.MetricsPath, "/") {
		out.MetricsPath = "/" + out.MetricsPath
	}
	return out
}

// Debug is on for debug logging and for development environments.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func lookup(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(def)
}

func lookupBool(key string, def bool) bool {
	parsed, err := strconv.ParseBool(lookup(key, ""))
	if err != nil {
		return def
	}
	return parsed
}

// lookupRatio reads a sampling ratio and keeps it within [0, 1].
func lookupRatio(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(lookup(key, ""), 64)
	if err != nil {
		return def
	}
	switch {
	case parsed < 0:
		return 0
	case parsed > 1:
		return 1
	default:
		return parsed
	}
}
