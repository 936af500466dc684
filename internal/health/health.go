package health

import (
	"math/rand"
	"sync"
	"time"

	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

// ewmaAlpha is the error-rate smoothing factor from the passive-accounting
// design.
const ewmaAlpha = 0.1

// slidingWindowSize is the count of recent outcomes the windowed error rate
// is computed over.
const slidingWindowSize = 100

// Thresholds parameterizes the four-state health model's transition rules.
type Thresholds struct {
	DegradeConsecutiveFailures  int
	DegradeErrorRate            float64
	UnhealthyConsecutiveFailures int
	UnhealthyErrorRate           float64
	LatencyUnhealthy             time.Duration
	RecoverConsecutiveProbeOK    int
	HealthyConsecutiveSuccesses  int
	HealthySustainDuration       time.Duration
	HealthyErrorRate             float64
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradeConsecutiveFailures:   3,
		DegradeErrorRate:             0.10,
		UnhealthyConsecutiveFailures: 5,
		UnhealthyErrorRate:           0.50,
		LatencyUnhealthy:             5 * time.Second,
		RecoverConsecutiveProbeOK:    2,
		HealthyConsecutiveSuccesses:  5,
		HealthySustainDuration:       60 * time.Second,
		HealthyErrorRate:             0.05,
	}
}

// Intervals parameterizes the active-probe cadence per current state.
type Intervals struct {
	Healthy   time.Duration
	Degraded  time.Duration
	Unhealthy time.Duration
}

// DefaultIntervals returns the documented defaults.
func DefaultIntervals() Intervals {
	return Intervals{Healthy: 10 * time.Second, Degraded: 5 * time.Second, Unhealthy: 30 * time.Second}
}

// NextInterval returns the jittered (±20%) probe interval for state.
func (iv Intervals) NextInterval(state mcptypes.HealthState) time.Duration {
	var base time.Duration
	switch state {
	case mcptypes.HealthDegraded:
		base = iv.Degraded
	case mcptypes.HealthUnhealthy:
		base = iv.Unhealthy
	default:
		base = iv.Healthy
	}
	delta := float64(base) * 0.2
	return base + time.Duration((rand.Float64()*2-1)*delta)
}

// Record is the mutable per-backend health record. A dedicated monitor
// task is the single writer; the request path updates it only through
// RecordOutcome, which is safe for concurrent callers.
type Record struct {
	mu sync.Mutex

	state              mcptypes.HealthState
	consecutiveSuccess int
	consecutiveFailure int
	errorRateEWMA      float64
	latencyEWMA        time.Duration
	lastProbeAt        time.Time

	window      [slidingWindowSize]bool
	windowCount int
	windowPos   int

	healthySince time.Time

	thresholds Thresholds
}

// NewRecord builds an Unknown-state record.
func NewRecord(thresholds Thresholds) *Record {
	return &Record{state: mcptypes.HealthUnknown, thresholds: thresholds}
}

// Snapshot is an immutable copy of Record for reporting/diagnostics.
type Snapshot struct {
	State              mcptypes.HealthState
	ConsecutiveSuccess int
	ConsecutiveFailure int
	ErrorRateEWMA      float64
	LatencyEWMA        time.Duration
	LastProbeAt        time.Time
	WindowedErrorRate  float64
}

func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		State:              r.state,
		ConsecutiveSuccess: r.consecutiveSuccess,
		ConsecutiveFailure: r.consecutiveFailure,
		ErrorRateEWMA:      r.errorRateEWMA,
		LatencyEWMA:        r.latencyEWMA,
		LastProbeAt:        r.lastProbeAt,
		WindowedErrorRate:  r.windowedErrorRateLocked(),
	}
}

func (r *Record) windowedErrorRateLocked() float64 {
	if r.windowCount == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < r.windowCount; i++ {
		if r.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(r.windowCount)
}

func (r *Record) recordWindowLocked(failed bool) {
	r.window[r.windowPos] = failed
	r.windowPos = (r.windowPos + 1) % slidingWindowSize
	if r.windowCount < slidingWindowSize {
		r.windowCount++
	}
}

// RecordOutcome updates EWMA error rate and latency from one real request
// outcome and re-evaluates the state machine.
func (r *Record) RecordOutcome(failed bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	errSample := 0.0
	if failed {
		errSample = 1.0
		r.consecutiveFailure++
		r.consecutiveSuccess = 0
	} else {
		r.consecutiveSuccess++
		r.consecutiveFailure = 0
	}
	r.errorRateEWMA = ewmaAlpha*errSample + (1-ewmaAlpha)*r.errorRateEWMA
	if r.latencyEWMA == 0 {
		r.latencyEWMA = latency
	} else {
		r.latencyEWMA = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(r.latencyEWMA))
	}
	r.recordWindowLocked(failed)
	r.evaluateLocked()
}

// RecordProbe updates the record from an active health probe's outcome
// (success/failure) without touching the EWMA/window, which are reserved
// for real request traffic.
func (r *Record) RecordProbe(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastProbeAt = time.Now()
	if ok {
		r.consecutiveSuccess++
		r.consecutiveFailure = 0
	} else {
		r.consecutiveFailure++
		r.consecutiveSuccess = 0
	}
	r.evaluateLocked()
}

func (r *Record) evaluateLocked() {
	windowedRate := r.windowedErrorRateLocked()

	switch r.state {
	case mcptypes.HealthUnknown:
		if r.consecutiveSuccess > 0 {
			r.state = mcptypes.HealthHealthy
			r.healthySince = time.Now()
		} else if r.consecutiveFailure > 0 {
			r.state = mcptypes.HealthDegraded
		}
	case mcptypes.HealthHealthy:
		if r.consecutiveFailure >= r.thresholds.DegradeConsecutiveFailures ||
			windowedRate > r.thresholds.DegradeErrorRate {
			r.state = mcptypes.HealthDegraded
		}
	case mcptypes.HealthDegraded:
		if r.consecutiveFailure >= r.thresholds.UnhealthyConsecutiveFailures ||
			windowedRate > r.thresholds.UnhealthyErrorRate ||
			r.latencyEWMA > r.thresholds.LatencyUnhealthy {
			r.state = mcptypes.HealthUnhealthy
			break
		}
		if r.consecutiveSuccess >= r.thresholds.HealthyConsecutiveSuccesses &&
			windowedRate < r.thresholds.HealthyErrorRate {
			if r.healthySince.IsZero() {
				r.healthySince = time.Now()
			}
			if time.Since(r.healthySince) >= r.thresholds.HealthySustainDuration {
				r.state = mcptypes.HealthHealthy
			}
		} else {
			r.healthySince = time.Time{}
		}
	case mcptypes.HealthUnhealthy:
		if r.consecutiveSuccess >= r.thresholds.RecoverConsecutiveProbeOK {
			r.state = mcptypes.HealthDegraded
			r.healthySince = time.Time{}
		}
	}
}

// State returns the current health state.
func (r *Record) State() mcptypes.HealthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
