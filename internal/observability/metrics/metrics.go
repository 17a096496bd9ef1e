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

// Metrics exposes application-level instruments.
type Metrics struct {
	creditDebits        metric.Int64Counter
	creditsDebited      metric.Int64Counter
	creditGrants        metric.Int64Counter
	creditRefunds       metric.Int64Counter
	creditExpirations   metric.Int64Counter
	creditPurchases     metric.Int64Counter
	insufficientCredits metric.Int64Counter
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

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditledger"
	}
	meter := provider.Meter(name)

	creditDebits, err := meter.Int64Counter("creditledger_debits_total")
	if err != nil {
		return nil, err
	}
	creditsDebited, err := meter.Int64Counter("creditledger_credits_debited_total")
	if err != nil {
		return nil, err
	}
	creditGrants, err := meter.Int64Counter("creditledger_grants_total")
	if err != nil {
		return nil, err
	}
	creditRefunds, err := meter.Int64Counter("creditledger_refunds_total")
	if err != nil {
		return nil, err
	}
	creditExpirations, err := meter.Int64Counter("creditledger_expirations_total")
	if err != nil {
		return nil, err
	}
	creditPurchases, err := meter.Int64Counter("creditledger_purchases_total")
	if err != nil {
		return nil, err
	}
	insufficientCredits, err := meter.Int64Counter("creditledger_insufficient_credits_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		creditDebits:        creditDebits,
		creditsDebited:      creditsDebited,
		creditGrants:        creditGrants,
		creditRefunds:       creditRefunds,
		creditExpirations:   creditExpirations,
		creditPurchases:     creditPurchases,
		insufficientCredits: insufficientCredits,
	}, nil
}

// RecordDebit increments debit counts and the debited credit volume.
func (m *Metrics) RecordDebit(ctx context.Context, featureType string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_type", strings.TrimSpace(featureType)))
	m.creditDebits.Add(ctx, 1, metric.WithAttributes(attrs...))
	if amount > 0 {
		m.creditsDebited.Add(ctx, amount, metric.WithAttributes(attrs...))
	}
}

// RecordGrant increments grant counts.
func (m *Metrics) RecordGrant(ctx context.Context, transactionType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("transaction_type", strings.TrimSpace(transactionType)))
	m.creditGrants.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRefund increments refund counts.
func (m *Metrics) RecordRefund(ctx context.Context, featureType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_type", strings.TrimSpace(featureType)))
	m.creditRefunds.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordExpiration increments expired included-pool counts.
func (m *Metrics) RecordExpiration(ctx context.Context) {
	if m == nil {
		return
	}
	m.creditExpirations.Add(ctx, 1)
}

// RecordPurchase increments purchase counts by provider.
func (m *Metrics) RecordPurchase(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.creditPurchases.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInsufficientCredits increments rejected debit counts.
func (m *Metrics) RecordInsufficientCredits(ctx context.Context, featureType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_type", strings.TrimSpace(featureType)))
	m.insufficientCredits.Add(ctx, 1, metric.WithAttributes(attrs...))
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature_type":     {},
	"credit_type":      {},
	"transaction_type": {},
	"provider":         {},
	"tier":             {},
	"job":              {},
	"resource":         {},
	"reason":           {},
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
