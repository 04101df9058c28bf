package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
)

const defaultServiceName = "creditledger"

// Config is the observability view of the process environment.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel    string
	LogFormat   string
	LogSampling bool

	// SlowQuery marks ledger and webhook statements worth a warning.
	SlowQuery time.Duration
	LogSQL    bool

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	env := envReader(os.Getenv)

	out := Config{
		ServiceName:          strings.TrimSpace(cfg.AppName),
		Environment:          env.str("DEPLOYMENT_ENV", cfg.Environment),
		Version:              env.str("SERVICE_VERSION", cfg.AppVersion),
		LogLevel:             strings.ToLower(env.str("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(env.str("LOG_FORMAT", "json")),
		LogSampling:          env.boolean("LOG_SAMPLING", true),
		SlowQuery:            env.duration("DB_SLOW_QUERY_THRESHOLD", 100*time.Millisecond),
		LogSQL:               env.boolean("LOG_SQL", false),
		OtelExporterEndpoint: env.str("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(env.str("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OtelSamplingRatio:    env.float("OTEL_SAMPLING_RATIO", 0.1),
	}
	if out.ServiceName == "" {
		out.ServiceName = defaultServiceName
	}
	// Export stays off until a collector is configured.
	out.OtelEnabled = env.boolean("OTEL_ENABLED", out.OtelExporterEndpoint != "")
	return out
}

// Debug reports whether error details and stack traces may be logged.
func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

type envReader func(string) string

func (e envReader) str(key, def string) string {
	if value := strings.TrimSpace(e(key)); value != "" {
		return value
	}
	return strings.TrimSpace(def)
}

func (e envReader) boolean(key string, def bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(e(key)))
	if err != nil {
		return def
	}
	return value
}

func (e envReader) float(key string, def float64) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(e(key)), 64)
	if err != nil {
		return def
	}
	return value
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	value, err := time.ParseDuration(strings.TrimSpace(e(key)))
	if err != nil || value < 0 {
		return def
	}
	return value
}
