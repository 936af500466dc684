package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OtelSink reports every Sink metric onto an OpenTelemetry Meter, scraped
// via the Prometheus exporter's pull registry.
type OtelSink struct {
	provider *sdkmetric.MeterProvider

	requestsTotal       otelmetric.Int64Counter
	requestDuration     otelmetric.Float64Histogram
	backendRequests     otelmetric.Int64Counter
	cacheHits           otelmetric.Int64Counter
	cacheMisses         otelmetric.Int64Counter
	tokensSaved         otelmetric.Float64Counter
	tokensBaseline      otelmetric.Float64Gauge
	tokensOptimized     otelmetric.Float64Gauge
	circuitBreakerState otelmetric.Int64Gauge
	healthStatus        otelmetric.Int64Gauge
	poolActive          otelmetric.Int64Gauge
	poolIdle            otelmetric.Int64Gauge
	batchSize           otelmetric.Int64Histogram
	compressionRatio    otelmetric.Float64Histogram
}

// NewOtelSink builds an OtelSink backed by a fresh Prometheus-exporting
// MeterProvider. The returned registry exporter is exposed by the caller
// (cmd/mcpgatewayd) on an HTTP handler; this package never opens a
// listener itself.
func NewOtelSink() (*OtelSink, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: building prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("mcpgatewayd")

	s := &OtelSink{provider: provider}

	if s.requestsTotal, err = meter.Int64Counter("requests_total"); err != nil {
		return nil, err
	}
	if s.requestDuration, err = meter.Float64Histogram("request_duration_seconds"); err != nil {
		return nil, err
	}
	if s.backendRequests, err = meter.Int64Counter("backend_requests_total"); err != nil {
		return nil, err
	}
	if s.cacheHits, err = meter.Int64Counter("cache_hits_total"); err != nil {
		return nil, err
	}
	if s.cacheMisses, err = meter.Int64Counter("cache_misses_total"); err != nil {
		return nil, err
	}
	if s.tokensSaved, err = meter.Float64Counter("tokens_saved_total"); err != nil {
		return nil, err
	}
	if s.tokensBaseline, err = meter.Float64Gauge("tokens_baseline"); err != nil {
		return nil, err
	}
	if s.tokensOptimized, err = meter.Float64Gauge("tokens_optimized"); err != nil {
		return nil, err
	}
	if s.circuitBreakerState, err = meter.Int64Gauge("circuit_breaker_state"); err != nil {
		return nil, err
	}
	if s.healthStatus, err = meter.Int64Gauge("health_status"); err != nil {
		return nil, err
	}
	if s.poolActive, err = meter.Int64Gauge("pool_active"); err != nil {
		return nil, err
	}
	if s.poolIdle, err = meter.Int64Gauge("pool_idle"); err != nil {
		return nil, err
	}
	if s.batchSize, err = meter.Int64Histogram("batch_size"); err != nil {
		return nil, err
	}
	if s.compressionRatio, err = meter.Float64Histogram("compression_ratio"); err != nil {
		return nil, err
	}
	return s, nil
}

// Shutdown flushes and stops the underlying MeterProvider.
func (s *OtelSink) Shutdown(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}

func (s *OtelSink) IncRequests(method string) {
	s.requestsTotal.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("method", method)))
}

func (s *OtelSink) ObserveRequestDuration(method string, seconds float64) {
	s.requestDuration.Record(context.Background(), seconds, otelmetric.WithAttributes(attribute.String("method", method)))
}

func (s *OtelSink) IncBackendRequests(backendID, outcome string) {
	s.backendRequests.Add(context.Background(), 1, otelmetric.WithAttributes(
		attribute.String("backend_id", backendID), attribute.String("outcome", outcome)))
}

func (s *OtelSink) IncCacheHit(layer string) {
	s.cacheHits.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("layer", layer)))
}

func (s *OtelSink) IncCacheMiss(layer string) {
	s.cacheMisses.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("layer", layer)))
}

func (s *OtelSink) AddTokensSaved(n float64) {
	s.tokensSaved.Add(context.Background(), n)
}

func (s *OtelSink) SetTokensBaseline(n float64) {
	s.tokensBaseline.Record(context.Background(), n)
}

func (s *OtelSink) SetTokensOptimized(n float64) {
	s.tokensOptimized.Record(context.Background(), n)
}

func (s *OtelSink) SetCircuitBreakerState(backendID string, phase int) {
	s.circuitBreakerState.Record(context.Background(), int64(phase), otelmetric.WithAttributes(attribute.String("backend_id", backendID)))
}

func (s *OtelSink) SetHealthStatus(backendID string, state int) {
	s.healthStatus.Record(context.Background(), int64(state), otelmetric.WithAttributes(attribute.String("backend_id", backendID)))
}

func (s *OtelSink) SetPoolActive(backendID string, n int) {
	s.poolActive.Record(context.Background(), int64(n), otelmetric.WithAttributes(attribute.String("backend_id", backendID)))
}

func (s *OtelSink) SetPoolIdle(backendID string, n int) {
	s.poolIdle.Record(context.Background(), int64(n), otelmetric.WithAttributes(attribute.String("backend_id", backendID)))
}

func (s *OtelSink) ObserveBatchSize(n int) {
	s.batchSize.Record(context.Background(), int64(n))
}

func (s *OtelSink) ObserveCompressionRatio(ratio float64) {
	s.compressionRatio.Record(context.Background(), ratio)
}

var _ Sink = (*OtelSink)(nil)
