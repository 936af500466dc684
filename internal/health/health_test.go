package health_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok-labs/mcpgatewayd/internal/health"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

func TestRecord_HealthyToDegradedOnConsecutiveFailures(t *testing.T) {
	t.Parallel()
	th := health.DefaultThresholds()
	th.DegradeErrorRate = 1.1 // isolate the consecutive-failure path
	r := health.NewRecord(th)

	r.RecordOutcome(false, 10*time.Millisecond)
	assert.Equal(t, mcptypes.HealthHealthy, r.State())

	r.RecordOutcome(true, 10*time.Millisecond)
	r.RecordOutcome(true, 10*time.Millisecond)
	assert.Equal(t, mcptypes.HealthHealthy, r.State(), "two failures must not yet degrade")

	r.RecordOutcome(true, 10*time.Millisecond)
	assert.Equal(t, mcptypes.HealthDegraded, r.State())
}

func TestRecord_HealthyToDegradedOnWindowedErrorRate(t *testing.T) {
	t.Parallel()
	th := health.DefaultThresholds()
	th.DegradeConsecutiveFailures = 1000 // isolate the windowed-rate path
	r := health.NewRecord(th)

	for i := 0; i < 20; i++ {
		r.RecordOutcome(false, time.Millisecond)
	}
	assert.Equal(t, mcptypes.HealthHealthy, r.State())

	r.RecordOutcome(true, time.Millisecond)
	r.RecordOutcome(true, time.Millisecond)
	r.RecordOutcome(true, time.Millisecond)
	assert.Equal(t, mcptypes.HealthDegraded, r.State(), "windowed error rate above 10% should degrade")
}

func TestRecord_DegradedToUnhealthyOnLatency(t *testing.T) {
	t.Parallel()
	th := health.DefaultThresholds()
	th.LatencyUnhealthy = 50 * time.Millisecond
	th.DegradeConsecutiveFailures = 1000
	th.UnhealthyConsecutiveFailures = 1000
	th.UnhealthyErrorRate = 1.1
	r := health.NewRecord(th)

	for i := 0; i < 20; i++ {
		r.RecordOutcome(false, time.Millisecond)
	}
	r.RecordOutcome(true, time.Millisecond)
	assert.Equal(t, mcptypes.HealthHealthy, r.State())

	r.RecordOutcome(false, time.Second)
	assert.Equal(t, mcptypes.HealthHealthy, r.State(), "a single slow success should not yet flip state")

	// Enter Degraded from Unknown on a first failure, then exceed the
	// latency threshold; the error-rate and consecutive-failure triggers
	// are disabled so only latency can reach Unhealthy.
	th2 := health.DefaultThresholds()
	th2.LatencyUnhealthy = 50 * time.Millisecond
	th2.UnhealthyErrorRate = 1.1
	th2.UnhealthyConsecutiveFailures = 1000
	r2 := health.NewRecord(th2)
	r2.RecordOutcome(true, time.Second)
	r2.RecordOutcome(true, time.Second)
	r2.RecordOutcome(true, time.Second)
	assert.Equal(t, mcptypes.HealthUnhealthy, r2.State())
}

func TestRecord_UnhealthyToDegradedOnProbeRecovery(t *testing.T) {
	t.Parallel()
	th := health.DefaultThresholds()
	th.UnhealthyConsecutiveFailures = 2
	th.RecoverConsecutiveProbeOK = 2
	r := health.NewRecord(th)

	r.RecordOutcome(true, 0)
	r.RecordOutcome(true, 0)
	assert.Equal(t, mcptypes.HealthUnhealthy, r.State())

	r.RecordProbe(true)
	r.RecordProbe(true)
	assert.Equal(t, mcptypes.HealthDegraded, r.State())
}

func TestIntervals_NextIntervalVariesByState(t *testing.T) {
	t.Parallel()
	iv := health.DefaultIntervals()
	healthy := iv.NextInterval(mcptypes.HealthHealthy)
	unhealthy := iv.NextInterval(mcptypes.HealthUnhealthy)
	assert.Less(t, healthy, unhealthy)
}
