// Package metrics defines the push-sink contract the engine reports
// through, and an OpenTelemetry-backed implementation of it. The engine
// only ever depends on the Sink interface; concrete OTel/Prometheus
// wiring lives behind it and is constructed by cmd/mcpgatewayd.
package metrics

// Sink accepts the counters, gauges, and histograms the engine and its
// components report during normal operation. Every method name and the
// metric it backs corresponds to one named series.
type Sink interface {
	// requests_total
	IncRequests(method string)
	// request_duration_seconds
	ObserveRequestDuration(method string, seconds float64)
	// backend_requests_total
	IncBackendRequests(backendID, outcome string)
	// cache_hits_total / cache_misses_total
	IncCacheHit(layer string)
	IncCacheMiss(layer string)
	// tokens_saved_total / tokens_baseline / tokens_optimized
	AddTokensSaved(n float64)
	SetTokensBaseline(n float64)
	SetTokensOptimized(n float64)
	// circuit_breaker_state / health_status
	SetCircuitBreakerState(backendID string, phase int)
	SetHealthStatus(backendID string, state int)
	// pool_active / pool_idle
	SetPoolActive(backendID string, n int)
	SetPoolIdle(backendID string, n int)
	// batch_size
	ObserveBatchSize(n int)
	// compression_ratio
	ObserveCompressionRatio(ratio float64)
}

// Nop is a Sink that discards everything, used when metrics are disabled
// and by components under test that don't assert on reported values.
type Nop struct{}

func (Nop) IncRequests(string)                       {}
func (Nop) ObserveRequestDuration(string, float64)    {}
func (Nop) IncBackendRequests(string, string)         {}
func (Nop) IncCacheHit(string)                        {}
func (Nop) IncCacheMiss(string)                       {}
func (Nop) AddTokensSaved(float64)                    {}
func (Nop) SetTokensBaseline(float64)                 {}
func (Nop) SetTokensOptimized(float64)                {}
func (Nop) SetCircuitBreakerState(string, int)        {}
func (Nop) SetHealthStatus(string, int)               {}
func (Nop) SetPoolActive(string, int)                 {}
func (Nop) SetPoolIdle(string, int)                   {}
func (Nop) ObserveBatchSize(int)                      {}
func (Nop) ObserveCompressionRatio(float64)            {}

var _ Sink = Nop{}
