package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
// A nil or disabled *Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Scheduler
	schedulerEvents metric.Int64Counter
	itemsActive     metric.Int64UpDownCounter

	// Transfers
	transfersTotal     metric.Int64Counter
	transfersActive    metric.Int64UpDownCounter
	transferBytes      metric.Int64Counter
	transferDuration   metric.Float64Histogram
	integrityFailures  metric.Int64Counter
	storeOperations    metric.Int64Counter
	storeOperationTime metric.Float64Histogram
	sourceOperations   metric.Int64Counter
	sourceErrors       metric.Int64Counter

	// Cache
	cacheLookups   metric.Int64Counter
	cacheEvictions metric.Int64Counter
	cacheErrors    metric.Int64Counter

	// System health
	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, adds a periodic OTLP/gRPC metric reader next to Prometheus.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter), sdkmetric.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	if t == nil {
		return nil
	}

	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordSchedulerEvent counts a scheduler state change
// (submitted, started, completed, failed, removed, rejected).
func (t *Telemetry) RecordSchedulerEvent(event string) {
	if t != nil && t.schedulerEvents != nil {
		t.schedulerEvents.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("event", event)),
		)
	}
}

// IncrementActiveItems increments the active work item gauge.
func (t *Telemetry) IncrementActiveItems() {
	if t != nil && t.itemsActive != nil {
		t.itemsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveItems decrements the active work item gauge.
func (t *Telemetry) DecrementActiveItems() {
	if t != nil && t.itemsActive != nil {
		t.itemsActive.Add(context.Background(), -1)
	}
}

// RecordTransfer records a finished transfer attempt.
func (t *Telemetry) RecordTransfer(status string, duration time.Duration) {
	if t == nil || t.transfersTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.transfersTotal.Add(context.Background(), 1, attrs)
	t.transferDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementActiveTransfers increments active transfers counter.
func (t *Telemetry) IncrementActiveTransfers() {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), 1)
	}
}

// DecrementActiveTransfers decrements active transfers counter.
func (t *Telemetry) DecrementActiveTransfers() {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), -1)
	}
}

// RecordTransferBytes adds n to the materialized byte counter.
func (t *Telemetry) RecordTransferBytes(n int64) {
	if t != nil && t.transferBytes != nil && n > 0 {
		t.transferBytes.Add(context.Background(), n)
	}
}

// RecordIntegrityFailure counts a partial artifact discarded on load.
func (t *Telemetry) RecordIntegrityFailure(reason string) {
	if t != nil && t.integrityFailures != nil {
		t.integrityFailures.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)),
		)
	}
}

// RecordStoreOperation records resume store operation metrics.
func (t *Telemetry) RecordStoreOperation(operation, status string, duration time.Duration) {
	if t == nil || t.storeOperations == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.storeOperations.Add(context.Background(), 1, attrs)
	t.storeOperationTime.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSourceOperation records remote source operation metrics.
func (t *Telemetry) RecordSourceOperation(source, operation, status string) {
	if t == nil || t.sourceOperations == nil {
		return
	}

	t.sourceOperations.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)

	if status == "error" {
		t.sourceErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("source", source),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordCacheLookup counts a tier lookup with result hit, miss or expired.
func (t *Telemetry) RecordCacheLookup(tier, result string) {
	if t != nil && t.cacheLookups != nil {
		t.cacheLookups.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("tier", tier),
				attribute.String("result", result),
			),
		)
	}
}

// RecordCacheEviction counts evicted entries for a tier.
func (t *Telemetry) RecordCacheEviction(tier string, n int) {
	if t != nil && t.cacheEvictions != nil && n > 0 {
		t.cacheEvictions.Add(context.Background(), int64(n),
			metric.WithAttributes(attribute.String("tier", tier)),
		)
	}
}

// RecordCacheError counts a tier I/O error.
func (t *Telemetry) RecordCacheError(tier, operation string) {
	if t != nil && t.cacheErrors != nil {
		t.cacheErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("tier", tier),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeSchedulerMetrics(); err != nil {
		return err
	}

	if err := t.initializeTransferMetrics(); err != nil {
		return err
	}

	if err := t.initializeCacheMetrics(); err != nil {
		return err
	}

	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSchedulerMetrics() error {
	var err error

	t.schedulerEvents, err = t.meter.Int64Counter(
		"scheduler_events_total",
		metric.WithDescription("Scheduler work item state changes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler_events_total counter: %w", err)
	}

	t.itemsActive, err = t.meter.Int64UpDownCounter(
		"scheduler_items_active",
		metric.WithDescription("Number of work items currently active"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler_items_active counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeTransferMetrics() error {
	var err error

	t.transfersTotal, err = t.meter.Int64Counter(
		"transfers_total",
		metric.WithDescription("Total number of transfer attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfers_total counter: %w", err)
	}

	t.transfersActive, err = t.meter.Int64UpDownCounter(
		"transfers_active",
		metric.WithDescription("Number of active transfers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfers_active counter: %w", err)
	}

	t.transferBytes, err = t.meter.Int64Counter(
		"transfer_bytes_total",
		metric.WithDescription("Bytes written to local partial artifacts"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer_bytes_total counter: %w", err)
	}

	t.transferDuration, err = t.meter.Float64Histogram(
		"transfer_duration_seconds",
		metric.WithDescription("Transfer attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer_duration histogram: %w", err)
	}

	t.integrityFailures, err = t.meter.Int64Counter(
		"transfer_integrity_failures_total",
		metric.WithDescription("Partial artifacts discarded because they could not be verified"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer_integrity_failures_total counter: %w", err)
	}

	t.storeOperations, err = t.meter.Int64Counter(
		"store_operations_total",
		metric.WithDescription("Total number of resume store operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create store_operations_total counter: %w", err)
	}

	t.storeOperationTime, err = t.meter.Float64Histogram(
		"store_operation_duration_seconds",
		metric.WithDescription("Resume store operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create store_operation_duration histogram: %w", err)
	}

	t.sourceOperations, err = t.meter.Int64Counter(
		"source_operations_total",
		metric.WithDescription("Total number of remote source operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create source_operations_total counter: %w", err)
	}

	t.sourceErrors, err = t.meter.Int64Counter(
		"source_errors_total",
		metric.WithDescription("Total number of remote source errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create source_errors_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeCacheMetrics() error {
	var err error

	t.cacheLookups, err = t.meter.Int64Counter(
		"cache_lookups_total",
		metric.WithDescription("Cache tier lookups by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_lookups_total counter: %w", err)
	}

	t.cacheEvictions, err = t.meter.Int64Counter(
		"cache_evictions_total",
		metric.WithDescription("Entries evicted from a cache tier"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_evictions_total counter: %w", err)
	}

	t.cacheErrors, err = t.meter.Int64Counter(
		"cache_errors_total",
		metric.WithDescription("Cache tier I/O errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_errors_total counter: %w", err)
	}

	return nil
}
