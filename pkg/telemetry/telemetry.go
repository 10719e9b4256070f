// Package telemetry wires up the OpenTelemetry meter provider and the
// Prometheus endpoint used across the project.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"small-dns/pkg/config"
	"small-dns/pkg/logging"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	registry         *promclient.Registry
	prometheusServer *http.Server
	logger           *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	PacketsReceived metric.Int64Counter
	PacketsDropped  metric.Int64Counter
	QueriesAnswered metric.Int64Counter
	QueryDuration   metric.Float64Histogram

	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter
	CacheSize   metric.Int64UpDownCounter

	RateLimitTrips metric.Int64Counter

	ActiveQueries metric.Int64UpDownCounter

	StorageQueriesDropped metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// NewWithMeterProvider wraps an existing meter provider. Tests use it with a
// manual reader to inspect recorded values.
func NewWithMeterProvider(provider metric.MeterProvider, logger *logging.Logger) *Telemetry {
	return &Telemetry{
		cfg:           &config.TelemetryConfig{Enabled: true},
		meterProvider: provider,
		logger:        logger,
	}
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	t.registry = promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.startPrometheusServer()
	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

// Handler serves the Prometheus exposition for this instance's registry.
// It returns nil when Prometheus is disabled.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("small-dns")
	m := &Metrics{}
	var err error

	if m.PacketsReceived, err = meter.Int64Counter(
		"dns.packets.received",
		metric.WithDescription("UDP packets handed to the request pipeline"),
	); err != nil {
		return nil, fmt.Errorf("failed to create packets received counter: %w", err)
	}

	if m.PacketsDropped, err = meter.Int64Counter(
		"dns.packets.dropped",
		metric.WithDescription("Packets dropped without a response, by reason"),
	); err != nil {
		return nil, fmt.Errorf("failed to create packets dropped counter: %w", err)
	}

	if m.QueriesAnswered, err = meter.Int64Counter(
		"dns.queries.answered",
		metric.WithDescription("Queries answered, by response code"),
	); err != nil {
		return nil, fmt.Errorf("failed to create queries answered counter: %w", err)
	}

	if m.QueryDuration, err = meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("Packet processing duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	if m.CacheHits, err = meter.Int64Counter(
		"dns.cache.hits",
		metric.WithDescription("Number of DNS cache hits"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	if m.CacheMisses, err = meter.Int64Counter(
		"dns.cache.misses",
		metric.WithDescription("Number of DNS cache misses"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	if m.CacheSize, err = meter.Int64UpDownCounter(
		"cache.size",
		metric.WithDescription("Number of entries in DNS cache"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache size gauge: %w", err)
	}

	if m.RateLimitTrips, err = meter.Int64Counter(
		"rate_limit.trips",
		metric.WithDescription("Clients moved to the temporary blocklist"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rate limit trips counter: %w", err)
	}

	if m.ActiveQueries, err = meter.Int64UpDownCounter(
		"dns.queries.active",
		metric.WithDescription("Packets currently being processed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active queries gauge: %w", err)
	}

	if m.StorageQueriesDropped, err = meter.Int64Counter(
		"storage.queries.dropped",
		metric.WithDescription("Number of query log entries dropped due to full buffer"),
	); err != nil {
		return nil, fmt.Errorf("failed to create storage queries dropped counter: %w", err)
	}

	return m, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// RecordDrop counts a packet dropped for reason.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	if m == nil || m.PacketsDropped == nil {
		return
	}
	m.PacketsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAnswer counts an answered query and its processing time.
func (m *Metrics) RecordAnswer(ctx context.Context, rcode string, cached bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.QueriesAnswered != nil {
		m.QueriesAnswered.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rcode", rcode),
			attribute.Bool("cached", cached),
		))
	}
	if m.QueryDuration != nil {
		m.QueryDuration.Record(ctx, float64(elapsed.Microseconds())/1000)
	}
}

// AddDroppedQuery implements storage.MetricsRecorder
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telemetry shutdown errors: %w", err)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
