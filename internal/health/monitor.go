package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

// Prober performs one active health check against a backend, returning nil
// on success. HTTP backends probe a configurable health endpoint; stdio
// backends issue health/check, falling back to tools/list if the backend
// doesn't declare the former.
type Prober func(ctx context.Context) error

// MonitorConfig bundles the tunables a Monitor needs for every backend it
// watches.
type MonitorConfig struct {
	Intervals      Intervals
	Thresholds     Thresholds
	ProbeTimeout   time.Duration
}

// DefaultMonitorConfig returns the documented defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Intervals: DefaultIntervals(), Thresholds: DefaultThresholds(), ProbeTimeout: 5 * time.Second}
}

// backendEntry pairs one backend's health record, breaker, and prober.
type backendEntry struct {
	record  *Record
	breaker *CircuitBreaker
	prober  Prober
	cancel  context.CancelFunc
}

// Monitor runs one long-lived active-probe task per backend and owns the
// Health Record / Circuit Breaker pair the request path consults.
type Monitor struct {
	cfg MonitorConfig

	mu       sync.RWMutex
	backends map[string]*backendEntry
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	return &Monitor{cfg: cfg, backends: make(map[string]*backendEntry)}
}

// Register adds a backend to be actively probed and creates its health
// record + circuit breaker. Call once per backend id at registry install.
func (m *Monitor) Register(ctx context.Context, backendID string, breakerCfg CircuitBreakerConfig, prober Prober) {
	entry := &backendEntry{
		record:  NewRecord(m.cfg.Thresholds),
		breaker: NewCircuitBreaker(breakerCfg),
		prober:  prober,
	}
	probeCtx, cancel := context.WithCancel(ctx)
	entry.cancel = cancel

	m.mu.Lock()
	m.backends[backendID] = entry
	m.mu.Unlock()

	go m.probeLoop(probeCtx, backendID, entry)
}

// Unregister stops probing backendID and discards its records.
func (m *Monitor) Unregister(backendID string) {
	m.mu.Lock()
	entry, ok := m.backends[backendID]
	if ok {
		delete(m.backends, backendID)
	}
	m.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

func (m *Monitor) probeLoop(ctx context.Context, backendID string, entry *backendEntry) {
	for {
		state := entry.record.State()
		wait := m.cfg.Intervals.NextInterval(state)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := entry.prober(probeCtx)
		cancel()

		entry.record.RecordProbe(err == nil)
		if err != nil {
			logger.Debugf("health probe for %s failed: %v", backendID, err)
		}
	}
}

// Gate reports whether a request to backendID may be attempted: the
// backend must be Healthy or Degraded, and have breaker capacity. For a
// HalfOpen circuit it also reserves one of the limited in-flight probe
// slots — the caller MUST pair every allowed==true result with exactly one
// later RecordOutcome call, on every exit path, or the reservation leaks
// and the circuit can never accumulate enough HalfOpen successes to close.
// This is why Gate has exactly one caller: the single request-dispatch
// path in engine.doBackendCall. Routing/filtering code that evaluates many
// backends without following up with RecordOutcome must use CanServe
// instead.
func (m *Monitor) Gate(backendID string) (allowed bool, state mcptypes.HealthState, phase mcptypes.CircuitPhase) {
	m.mu.RLock()
	entry, ok := m.backends[backendID]
	m.mu.RUnlock()
	if !ok {
		return false, mcptypes.HealthUnknown, mcptypes.CircuitOpen
	}
	state = entry.record.State()
	if state != mcptypes.HealthHealthy && state != mcptypes.HealthDegraded {
		return false, state, entry.breaker.GetState()
	}
	if !entry.breaker.CanAttempt() {
		return false, state, entry.breaker.GetState()
	}
	return true, state, entry.breaker.GetState()
}

// CanServe is Gate's side-effect-free counterpart: it reports the same
// (allowed, state, phase) triple but never reserves a HalfOpen probe slot,
// so it is safe to call on every candidate during routing (router.go's
// serviceable) and on every backend during a fan-out listing, neither of
// which ever calls RecordOutcome back.
func (m *Monitor) CanServe(backendID string) (allowed bool, state mcptypes.HealthState, phase mcptypes.CircuitPhase) {
	m.mu.RLock()
	entry, ok := m.backends[backendID]
	m.mu.RUnlock()
	if !ok {
		return false, mcptypes.HealthUnknown, mcptypes.CircuitOpen
	}
	state = entry.record.State()
	if state != mcptypes.HealthHealthy && state != mcptypes.HealthDegraded {
		return false, state, entry.breaker.GetState()
	}
	if !entry.breaker.CanServe() {
		return false, state, entry.breaker.GetState()
	}
	return true, state, entry.breaker.GetState()
}

// RecordOutcome feeds a real request's result back into both the health
// record and the circuit breaker for backendID.
func (m *Monitor) RecordOutcome(backendID string, failed bool, latency time.Duration) {
	m.mu.RLock()
	entry, ok := m.backends[backendID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	entry.record.RecordOutcome(failed, latency)
	if failed {
		entry.breaker.RecordFailure()
	} else {
		entry.breaker.RecordSuccess()
	}
	entry.breaker.RecordFailureRate(entry.record.Snapshot().WindowedErrorRate)
}

// Snapshot returns backendID's current health snapshot and circuit phase,
// for status reporting.
func (m *Monitor) Snapshot(backendID string) (Snapshot, mcptypes.CircuitPhase, error) {
	m.mu.RLock()
	entry, ok := m.backends[backendID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, mcptypes.CircuitClosed, fmt.Errorf("no health record for backend %q", backendID)
	}
	return entry.record.Snapshot(), entry.breaker.GetState(), nil
}

// ProbeOnce runs a single synchronous probe through prober with the given
// timeout, used by the registry install protocol's health gate on new or
// changed backends. It does not affect the ongoing probe loop's state.
func ProbeOnce(ctx context.Context, prober Prober, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return prober(probeCtx)
}
