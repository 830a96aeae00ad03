// Package metrics records OpenTelemetry counters and histograms for the
// session core, which records two: the session.active up-down counter
// (Session create/dispose) and the photo.requests counter (accepted photo
// requests). A disabled or
// uninitialized MetricCreator is always safe to call through — every
// Record* method degrades to a no-op rather than forcing callers to guard
// every call site with a nil check.
//
// Grounded on utils/metrics-go/metrics.go's OTLP-push MetricCreator
// singleton, unchanged in shape; only the flag defaults and GetEnv* source
// package differ from the original.
package metrics

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/glasses-os/session-core/internal/config"
)

// MetricsConfig holds configuration for the metrics system.
type MetricsConfig struct {
	OTLPEndpoint     string
	ExportIntervalMS int
	ServiceName      string
	ServiceVersion   string
	GlobalTags       map[string]string
	Enabled          bool
}

// MetricCreator provides thread-safe metric recording capabilities.
// All methods are safe for concurrent use by multiple goroutines.
type MetricCreator struct {
	meterProvider      *sdkmetric.MeterProvider
	meter              metric.Meter
	counterCache       sync.Map // map[string]metric.Int64Counter
	upDownCounterCache sync.Map // map[string]metric.Int64UpDownCounter
	histogramCache     sync.Map // map[string]metric.Float64Histogram
	globalTags         map[string]string // Immutable after initialization
}

var (
	instance    *MetricCreator
	initMutex   sync.Mutex
	initialized bool
	initErr     error
)

// InitMetricCreator initializes the global MetricCreator singleton.
// This must be called before GetMetricCreator. It is safe to call multiple
// times; only the first successful call will initialize the singleton. A
// failed call leaves it uninitialized, so a later call retries.
func InitMetricCreator(config MetricsConfig) error {
	initMutex.Lock()
	defer initMutex.Unlock()
	if initialized {
		return initErr
	}
	if !config.Enabled {
		initialized = true
		return nil
	}
	mc, err := newMetricCreator(config)
	initErr = err
	if err != nil {
		return err
	}
	instance = mc
	initialized = true
	return nil
}

// GetMetricCreator returns the global MetricCreator singleton.
// Returns nil if InitMetricCreator has not been called, failed, or was
// called with Enabled: false.
func GetMetricCreator() *MetricCreator {
	return instance
}

func newMetricCreator(cfg MetricsConfig) (*MetricCreator, error) {
	ctx := context.Background()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(time.Duration(cfg.ExportIntervalMS)*time.Millisecond),
		)),
		sdkmetric.WithResource(res),
	)

	globalTags := make(map[string]string, len(cfg.GlobalTags))
	for k, v := range cfg.GlobalTags {
		globalTags[k] = v
	}

	meterName := cfg.ServiceName
	if cfg.ServiceVersion != "" {
		meterName = cfg.ServiceName + "@" + cfg.ServiceVersion
	}

	return &MetricCreator{
		meterProvider: provider,
		meter:         provider.Meter(meterName),
		globalTags:    globalTags,
	}, nil
}

// RecordCounter records an integer counter metric.
// Safe for concurrent use by multiple goroutines.
func (mc *MetricCreator) RecordCounter(ctx context.Context, name string, value int64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil // Graceful degradation if metrics not initialized
	}

	counter, err := mc.getOrCreateCounter(name, unit, description)
	if err != nil {
		return err
	}

	attrs := mc.buildAttributes(tags)
	counter.Add(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

// RecordUpDownCounter records an integer up-down counter metric.
// Unlike Counter, this can record both positive and negative values.
// Safe for concurrent use by multiple goroutines.
func (mc *MetricCreator) RecordUpDownCounter(ctx context.Context, name string, value int64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil
	}

	upDownCounter, err := mc.getOrCreateUpDownCounter(name, unit, description)
	if err != nil {
		return err
	}

	attrs := mc.buildAttributes(tags)
	upDownCounter.Add(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

// RecordHistogram records a floating-point histogram metric.
// Safe for concurrent use by multiple goroutines.
func (mc *MetricCreator) RecordHistogram(ctx context.Context, name string, value float64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil
	}

	histogram, err := mc.getOrCreateHistogram(name, unit, description)
	if err != nil {
		return err
	}

	attrs := mc.buildAttributes(tags)
	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

func (mc *MetricCreator) getOrCreateCounter(name, unit, description string) (metric.Int64Counter, error) {
	if cached, ok := mc.counterCache.Load(name); ok {
		return cached.(metric.Int64Counter), nil
	}

	counter, err := mc.meter.Int64Counter(
		name,
		metric.WithUnit(unit),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}

	actual, _ := mc.counterCache.LoadOrStore(name, counter)
	return actual.(metric.Int64Counter), nil
}

func (mc *MetricCreator) getOrCreateUpDownCounter(name, unit, description string) (metric.Int64UpDownCounter, error) {
	if cached, ok := mc.upDownCounterCache.Load(name); ok {
		return cached.(metric.Int64UpDownCounter), nil
	}

	upDownCounter, err := mc.meter.Int64UpDownCounter(
		name,
		metric.WithUnit(unit),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create up-down counter %s: %w", name, err)
	}

	actual, _ := mc.upDownCounterCache.LoadOrStore(name, upDownCounter)
	return actual.(metric.Int64UpDownCounter), nil
}

func (mc *MetricCreator) getOrCreateHistogram(name, unit, description string) (metric.Float64Histogram, error) {
	if cached, ok := mc.histogramCache.Load(name); ok {
		return cached.(metric.Float64Histogram), nil
	}

	histogram, err := mc.meter.Float64Histogram(
		name,
		metric.WithUnit(unit),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}

	actual, _ := mc.histogramCache.LoadOrStore(name, histogram)
	return actual.(metric.Float64Histogram), nil
}

func (mc *MetricCreator) buildAttributes(callTags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(mc.globalTags)+len(callTags))

	for k, v := range mc.globalTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	for k, v := range callTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	return attrs
}

// Shutdown gracefully shuts down the meter provider, flushing any pending metrics.
func (mc *MetricCreator) Shutdown(ctx context.Context) error {
	if mc == nil || mc.meterProvider == nil {
		return nil
	}
	return mc.meterProvider.Shutdown(ctx)
}

// FlagPointers holds pointers to flag values for metrics configuration.
type FlagPointers struct {
	enable     *bool
	host       *string
	port       *int
	intervalMS *int
	component  *string
	version    *string
}

// RegisterFlags registers metrics-related command-line flags. Returns a
// FlagPointers that should be converted to MetricsConfig after flag.Parse().
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		enable: flag.Bool("metrics-otel-enable",
			config.GetEnvBool("METRICS_OTEL_ENABLE", false),
			"Enable OpenTelemetry metrics"),
		host: flag.String("metrics-otel-collector-host",
			config.GetEnv("METRICS_OTEL_COLLECTOR_HOST", "localhost"),
			"OpenTelemetry collector host"),
		port: flag.Int("metrics-otel-collector-port",
			config.GetEnvInt("METRICS_OTEL_COLLECTOR_PORT", 4317),
			"OpenTelemetry collector port"),
		intervalMS: flag.Int("metrics-otel-interval-ms",
			config.GetEnvInt("METRICS_OTEL_INTERVAL_MS", 6000),
			"OpenTelemetry export interval in milliseconds"),
		component: flag.String("metrics-otel-service-name",
			config.GetEnv("METRICS_OTEL_SERVICE_NAME", "session-core"),
			"Service name for OpenTelemetry metrics"),
		version: flag.String("service-version",
			config.GetEnv("SERVICE_VERSION", "unknown"),
			"Service version for OpenTelemetry metrics"),
	}
}

// ToMetricsConfig converts flag pointers to MetricsConfig.
// This should be called after flag.Parse().
func (f *FlagPointers) ToMetricsConfig() MetricsConfig {
	return MetricsConfig{
		OTLPEndpoint:     fmt.Sprintf("%s:%d", *f.host, *f.port),
		ExportIntervalMS: *f.intervalMS,
		ServiceName:      *f.component,
		ServiceVersion:   *f.version,
		GlobalTags:       make(map[string]string),
		Enabled:          *f.enable,
	}
}
