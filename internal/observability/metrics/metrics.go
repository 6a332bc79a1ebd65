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

// Metrics exposes enforcement instruments.
type Metrics struct {
	decisions     metric.Int64Counter
	rejections    metric.Int64Counter
	overage       metric.Int64Counter
	cacheLookups  metric.Int64Counter
	overageAmount metric.Int64Counter
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
		name = "entitlement"
	}
	meter := provider.Meter(name)

	decisions, err := meter.Int64Counter("entitlement_decisions_total",
		metric.WithDescription("Enforcement decisions by outcome."))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("entitlement_rejections_total",
		metric.WithDescription("Rejected enforcement calls by reason."))
	if err != nil {
		return nil, err
	}
	overage, err := meter.Int64Counter("overage_records_total",
		metric.WithDescription("Overage ledger writes by outcome."))
	if err != nil {
		return nil, err
	}
	overageAmount, err := meter.Int64Counter("overage_quantity_total",
		metric.WithDescription("Chargeable overage units recorded."))
	if err != nil {
		return nil, err
	}
	cacheLookups, err := meter.Int64Counter("policy_cache_lookups_total",
		metric.WithDescription("Effective policy cache lookups by outcome."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		decisions:     decisions,
		rejections:    rejections,
		overage:       overage,
		overageAmount: overageAmount,
		cacheLookups:  cacheLookups,
	}, nil
}

// NewNop returns instruments bound to a noop provider.
func NewNop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordDecision counts an allowed enforcement decision.
func (m *Metrics) RecordDecision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("decision", strings.TrimSpace(decision)))
	m.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRejection counts a rejected enforcement call.
func (m *Metrics) RecordRejection(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rejections.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOverage counts a ledger write. outcome is "created" or "replayed".
func (m *Metrics) RecordOverage(ctx context.Context, outcome, featureKey string, quantity int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
		attribute.String("feature_key", strings.TrimSpace(featureKey)),
	)
	m.overage.Add(ctx, 1, metric.WithAttributes(attrs...))
	if outcome == "created" && quantity > 0 {
		m.overageAmount.Add(ctx, quantity, metric.WithAttributes(attrs...))
	}
}

// RecordCacheLookup counts a policy cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
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
	"decision":    {},
	"kind":        {},
	"reason":      {},
	"outcome":     {},
	"feature_key": {},
	"action":      {},
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
