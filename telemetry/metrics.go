package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/image-cache"
)

// Removal reasons recorded on image_cache_removals_total.
const (
	ReasonExplicit   = "explicit"
	ReasonEvicted    = "evicted"
	ReasonPruned     = "pruned"
	ReasonCleared    = "cleared"
	ReasonReconciled = "reconciled"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal        metric.Int64Counter
	responseBytesTotal   metric.Int64Counter
	requestDuration      metric.Float64Histogram
	requestsByRouteTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	// Cache core metrics
	lookupsTotal         metric.Int64Counter
	admissionsTotal      metric.Int64Counter
	admissionSize        metric.Float64Histogram
	removalsTotal        metric.Int64Counter
	removalBytesTotal    metric.Int64Counter
	evictionRunsTotal    metric.Int64Counter
	evictionRunDuration  metric.Float64Histogram
	evictionSkipsTotal   metric.Int64Counter
	indexRecoveriesTotal metric.Int64Counter
	cacheSizeBytes       metric.Int64Gauge
	cacheEntries         metric.Int64Gauge
	cacheMaxSizeBytes    metric.Int64Gauge
	cacheOverlimitBytes  metric.Int64Gauge

	// Remote store metrics
	uploadsTotal     metric.Int64Counter
	uploadDuration   metric.Float64Histogram
	uploadBytesTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "image-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp)
	if err != nil {
		return err
	}
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on a meter from mp.
func newMetrics(mp *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{meterProvider: mp}

	durationBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.requestsTotal, "image_cache_http_requests_total", "Total number of HTTP requests", "{request}"},
		{&m.responseBytesTotal, "image_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"},
		{&m.requestsByRouteTotal, "image_cache_http_requests_by_route_total", "Total number of HTTP requests by route (detail metric)", "{request}"},
		{&m.upstreamFetchTotal, "image_cache_upstream_fetch_total", "Total number of external image fetches", "{request}"},
		{&m.upstreamFetchBytesTotal, "image_cache_upstream_fetch_bytes_total", "Total bytes fetched from external image hosts", "By"},
		{&m.backendRequestsTotal, "image_cache_backend_requests_total", "Total number of backend storage operations", "{request}"},
		{&m.backendBytesTotal, "image_cache_backend_bytes_total", "Total bytes transferred in backend operations", "By"},
		{&m.lookupsTotal, "image_cache_lookups_total", "Total cache lookups by result", "{lookup}"},
		{&m.admissionsTotal, "image_cache_admissions_total", "Total images admitted to the cache", "{image}"},
		{&m.removalsTotal, "image_cache_removals_total", "Total entries removed by reason", "{image}"},
		{&m.removalBytesTotal, "image_cache_removal_bytes_total", "Total bytes released by removals", "By"},
		{&m.evictionRunsTotal, "image_cache_eviction_runs_total", "Total eviction passes", "{run}"},
		{&m.evictionSkipsTotal, "image_cache_eviction_skips_total", "Total candidates skipped during eviction", "{skip}"},
		{&m.indexRecoveriesTotal, "image_cache_index_recoveries_total", "Total index loads that discarded an unreadable document", "{recovery}"},
		{&m.uploadsTotal, "image_cache_uploads_total", "Total uploads to the remote store", "{upload}"},
		{&m.uploadBytesTotal, "image_cache_upload_bytes_total", "Total bytes uploaded to the remote store", "By"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
		unit string
		opt  metric.Float64HistogramOption
	}{
		{&m.requestDuration, "image_cache_http_request_duration_seconds", "HTTP request duration in seconds", "s", durationBuckets},
		{&m.upstreamFetchDuration, "image_cache_upstream_fetch_duration_seconds", "Duration of external image fetches", "s",
			metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30)},
		{&m.backendRequestDuration, "image_cache_backend_request_duration_seconds", "Duration of backend storage operations", "s",
			metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)},
		{&m.admissionSize, "image_cache_admission_size_bytes", "Size of images admitted to the cache", "By",
			metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 524288, 1048576, 2097152, 4194304, 8388608, 16777216)},
		{&m.evictionRunDuration, "image_cache_eviction_run_duration_seconds", "Duration of eviction passes", "s", durationBuckets},
		{&m.uploadDuration, "image_cache_upload_duration_seconds", "Duration of uploads to the remote store", "s",
			metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60)},
	}
	for _, h := range histograms {
		inst, err := meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit(h.unit), h.opt)
		if err != nil {
			return nil, err
		}
		*h.dst = inst
	}

	gauges := []struct {
		dst  *metric.Int64Gauge
		name string
		desc string
		unit string
	}{
		{&m.cacheSizeBytes, "image_cache_size_bytes", "Current total size of cached images", "By"},
		{&m.cacheEntries, "image_cache_entries", "Current number of cached images", "{image}"},
		{&m.cacheMaxSizeBytes, "image_cache_max_size_bytes", "Configured cache size ceiling (0 is unlimited)", "By"},
		{&m.cacheOverlimitBytes, "image_cache_overlimit_bytes", "Bytes over the cache ceiling (pressure indicator)", "By"},
	}
	for _, g := range gauges {
		inst, err := meter.Int64Gauge(g.name, metric.WithDescription(g.desc), metric.WithUnit(g.unit))
		if err != nil {
			return nil, err
		}
		*g.dst = inst
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheBypass)
	route := ""
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		route = tags.Route
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {method, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: only when a handler named the route
	if route != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByRouteTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records a fetch of an external image.
func RecordUpstreamFetch(ctx context.Context, source string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordLookup records a cache lookup by key.
func RecordLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordAdmission records an image written into the cache. replaced is true
// when the key already had an entry.
func RecordAdmission(ctx context.Context, size int64, replaced bool) {
	if globalMetrics == nil {
		return
	}

	result := "new"
	if replaced {
		result = "replaced"
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	globalMetrics.admissionsTotal.Add(ctx, 1, attrs)
	globalMetrics.admissionSize.Record(ctx, float64(size), attrs)
}

// RecordRemoval records an entry leaving the cache. reason is one of the
// Reason constants.
func RecordRemoval(ctx context.Context, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.removalsTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.removalBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordEvictionRun records one eviction pass.
func RecordEvictionRun(ctx context.Context, strategy string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("strategy", strategy))
	globalMetrics.evictionRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictionRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordEvictionSkip records n entries left in place during eviction.
// reason is "protected" or "skipped".
func RecordEvictionSkip(ctx context.Context, reason string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.evictionSkipsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordIndexRecovery records an index load that discarded the persisted
// document. reason is "decode" or "version".
func RecordIndexRecovery(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.indexRecoveriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// UpdateCacheState updates the cache size gauges. Called after every
// mutation that changes the aggregates.
func UpdateCacheState(ctx context.Context, totalBytes int64, entries int, maxBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheSizeBytes.Record(ctx, totalBytes)
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	globalMetrics.cacheMaxSizeBytes.Record(ctx, maxBytes)
	overlimit := int64(0)
	if maxBytes > 0 && totalBytes > maxBytes {
		overlimit = totalBytes - maxBytes
	}
	globalMetrics.cacheOverlimitBytes.Record(ctx, overlimit)
}

// RecordUpload records an upload to the remote store. outcome is
// "success", "exists" or "error".
func RecordUpload(ctx context.Context, store, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("outcome", outcome),
	)
	globalMetrics.uploadsTotal.Add(ctx, 1, attrs)
	globalMetrics.uploadDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 && outcome != "error" {
		globalMetrics.uploadBytesTotal.Add(ctx, bytes, attrs)
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
