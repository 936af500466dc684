package metrics_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacklok-labs/mcpgatewayd/internal/metrics"
)

func TestOtelSink_RecordsWithoutError(t *testing.T) {
	t.Parallel()
	sink, err := metrics.NewOtelSink()
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Shutdown(context.Background())) }()

	sink.IncRequests("tools/call")
	sink.ObserveRequestDuration("tools/call", 0.012)
	sink.IncBackendRequests("backend-a", "success")
	sink.IncCacheHit("l1_hot")
	sink.IncCacheMiss("l2_warm")
	sink.AddTokensSaved(128)
	sink.SetTokensBaseline(1000)
	sink.SetTokensOptimized(872)
	sink.SetCircuitBreakerState("backend-a", 0)
	sink.SetHealthStatus("backend-a", 0)
	sink.SetPoolActive("backend-a", 2)
	sink.SetPoolIdle("backend-a", 3)
	sink.ObserveBatchSize(12)
	sink.ObserveCompressionRatio(0.41)
}

func TestNopSink_SatisfiesInterface(t *testing.T) {
	t.Parallel()
	var s metrics.Sink = metrics.Nop{}
	s.IncRequests("ping")
}
