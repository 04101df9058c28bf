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

const exportInterval = 10 * time.Second

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	ledgerTransactions metric.Int64Counter
	overdrafts         metric.Int64Counter
	creditsGranted     metric.Int64Counter
	creditsDeducted    metric.Int64Counter
	webhookEvents      metric.Int64Counter
}

// NewProvider installs the global meter provider. Without a collector it is a no-op.
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
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	log = nopIfNil(log)
	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}
	log.Info("metrics exporter configured",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

func nopIfNil(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

// New registers the ledger and webhook counters on the service meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditledger"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.ledgerTransactions, "creditledger_ledger_transactions_total", "Ledger transactions appended by type."},
		{&m.overdrafts, "creditledger_overdraft_rejections_total", "Debits rejected for insufficient credits."},
		{&m.creditsGranted, "creditledger_credits_granted_total", "Credits added to tenant balances."},
		{&m.creditsDeducted, "creditledger_credits_deducted_total", "Credits deducted from tenant balances."},
		{&m.webhookEvents, "creditledger_webhook_events_total", "Webhook events processed by kind and status."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.target = counter
	}
	return m, nil
}

// RecordLedgerTransaction counts an appended transaction and its amount.
func (m *Metrics) RecordLedgerTransaction(ctx context.Context, txType string, amount int64) {
	if m == nil {
		return
	}
	txType = strings.TrimSpace(txType)
	attrs := FilterAttributes(attribute.String("type", txType))
	m.ledgerTransactions.Add(ctx, 1, metric.WithAttributes(attrs...))
	switch txType {
	case "credit":
		m.creditsGranted.Add(ctx, amount)
	case "debit":
		m.creditsDeducted.Add(ctx, amount)
	}
}

// RecordOverdraft counts a rejected debit.
func (m *Metrics) RecordOverdraft(ctx context.Context) {
	if m == nil {
		return
	}
	m.overdrafts.Add(ctx, 1)
}

// RecordWebhookEvent counts a processed webhook event.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, kind, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
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

// Tenant ids are deliberately absent: one series per tenant would be unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"type":     {},
	"provider": {},
	"kind":     {},
	"status":   {},
	"route":    {},
	"method":   {},
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
