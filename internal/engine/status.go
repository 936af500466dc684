package engine

// BackendStatus is one backend's readiness snapshot: health state, circuit
// phase, and pool occupancy.
type BackendStatus struct {
	ID         string  `json:"id"`
	Health     string  `json:"health"`
	Circuit    string  `json:"circuit"`
	ErrorRate  float64 `json:"error_rate"`
	PoolActive int     `json:"pool_active"`
	PoolIdle   int     `json:"pool_idle"`
}

// EngineStatus is the supplemented readiness/status report returned by
// Engine.Status: the active generation's version and
// every backend's current health/circuit/pool snapshot.
type EngineStatus struct {
	GenerationVersion uint64          `json:"generation_version"`
	Backends          []BackendStatus `json:"backends"`
}

// Status reports the engine's current readiness across the active
// generation's backends. A backend with no health record yet (installed
// but not probed) reports zero values rather than erroring.
func (e *Engine) Status() EngineStatus {
	gen := e.reg.Current()
	poolStats := e.pools.AllStats()

	out := EngineStatus{GenerationVersion: gen.Version}
	for _, id := range gen.BackendIDs() {
		bs := BackendStatus{ID: id}

		if snap, phase, err := e.monitor.Snapshot(id); err == nil {
			bs.Health = snap.State.String()
			bs.Circuit = phase.String()
			bs.ErrorRate = snap.WindowedErrorRate
		}
		if ps, ok := poolStats[id]; ok {
			bs.PoolActive = ps.Active
			bs.PoolIdle = ps.Idle
		}
		out.Backends = append(out.Backends, bs)
	}
	return out
}
