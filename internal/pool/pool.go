// Package pool implements per-backend pools of stdio processes and HTTP
// connections, with idle/health maintenance and drain-on-removal
// semantics.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
	"github.com/stacklok-labs/mcpgatewayd/internal/transport"
)

// Entry wraps one pooled transport.Driver with the bookkeeping the pool
// needs to age it out and track usage.
type Entry struct {
	Driver     transport.Driver
	SpawnedAt  time.Time
	LastUsed   time.Time
	InUse      bool
	unhealthy  bool
}

// Factory constructs a fresh transport.Driver for a backend on demand.
type Factory func(ctx context.Context) (transport.Driver, error)

// LivenessProbe performs a cheap liveness check on an entry before it is
// handed back out on release.
type LivenessProbe func(ctx context.Context, e *Entry) bool

// Config bounds one backend's pool.
type Config struct {
	Max            int
	MinIdle        int
	MaxIdle        time.Duration
	AcquireTimeout time.Duration
	DrainTimeout   time.Duration
}

// BackendPool is the bounded pool of entries for a single backend.
type BackendPool struct {
	backendID string
	cfg       Config
	factory   Factory
	probe     LivenessProbe

	mu       sync.Mutex
	idle     []*Entry
	total    int
	draining bool
	drainCh  chan struct{}
	waiters  []chan struct{}
}

// NewBackendPool builds an empty pool for one backend.
func NewBackendPool(backendID string, cfg Config, factory Factory, probe LivenessProbe) *BackendPool {
	return &BackendPool{
		backendID: backendID,
		cfg:       cfg,
		factory:   factory,
		probe:     probe,
		drainCh:   make(chan struct{}),
	}
}

// Acquire returns an idle entry, creating a new one if under max and none
// idle, blocking up to cfg.AcquireTimeout otherwise.
func (p *BackendPool) Acquire(ctx context.Context) (*Entry, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, errs.New(errs.KindNoBackendAvailable, fmt.Errorf("pool for %s is draining", p.backendID)).WithBackend(p.backendID)
		}
		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			e.InUse = true
			e.LastUsed = time.Now()
			p.mu.Unlock()
			return e, nil
		}
		if p.total < p.cfg.Max {
			p.total++
			p.mu.Unlock()
			driver, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, errs.Wrap(errs.KindBackendError, err, "creating pool entry").WithBackend(p.backendID)
			}
			now := time.Now()
			return &Entry{Driver: driver, SpawnedAt: now, LastUsed: now, InUse: true}, nil
		}
		wake := make(chan struct{})
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errs.New(errs.KindExhausted, fmt.Errorf("pool for %s exhausted", p.backendID)).WithBackend(p.backendID)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errs.New(errs.KindCanceled, ctx.Err()).WithBackend(p.backendID)
		case <-timer.C:
			return nil, errs.New(errs.KindExhausted, fmt.Errorf("pool for %s exhausted", p.backendID)).WithBackend(p.backendID)
		case <-wake:
			timer.Stop()
			continue
		}
	}
}

// Release returns e to the idle set after a cheap liveness re-check; an
// unhealthy or draining entry is closed instead.
func (p *BackendPool) Release(ctx context.Context, e *Entry) {
	e.InUse = false
	e.LastUsed = time.Now()

	alive := p.probe == nil || p.probe(ctx, e)

	p.mu.Lock()
	if p.draining || !alive {
		p.total--
		draining := p.draining
		p.mu.Unlock()
		_ = e.Driver.Close()
		if draining {
			p.checkDrainComplete()
		}
		return
	}
	p.idle = append(p.idle, e)
	p.wakeOneLocked()
	p.mu.Unlock()
}

func (p *BackendPool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(w)
}

// MaintenanceTick runs one maintenance pass: close entries idle beyond
// MaxIdle, top up to MinIdle. Intended to be called every 60s by a
// long-lived maintenance task.
func (p *BackendPool) MaintenanceTick(ctx context.Context) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	cutoff := time.Now().Add(-p.cfg.MaxIdle)
	kept := p.idle[:0]
	var stale []*Entry
	for _, e := range p.idle {
		if e.LastUsed.Before(cutoff) {
			stale = append(stale, e)
			p.total--
		} else {
			kept = append(kept, e)
		}
	}
	p.idle = kept
	needed := p.cfg.MinIdle - len(p.idle)
	p.mu.Unlock()

	for _, e := range stale {
		_ = e.Driver.Close()
	}

	for i := 0; i < needed; i++ {
		p.mu.Lock()
		if p.total >= p.cfg.Max || p.draining {
			p.mu.Unlock()
			break
		}
		p.total++
		p.mu.Unlock()

		driver, err := p.factory(ctx)
		if err != nil {
			logger.Warnf("pool %s: maintenance top-up failed: %v", p.backendID, err)
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			continue
		}
		now := time.Now()
		p.mu.Lock()
		p.idle = append(p.idle, &Entry{Driver: driver, SpawnedAt: now, LastUsed: now})
		p.mu.Unlock()
	}
}

// Drain marks the pool draining: no further acquisitions succeed, idle
// entries close immediately, in-use entries close on release. After
// deadline elapses without natural completion, ForceClose is invoked.
func (p *BackendPool) Drain(ctx context.Context, deadline time.Duration) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, e := range idle {
		_ = e.Driver.Close()
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-p.drainCh:
	case <-timer.C:
		p.ForceClose()
	case <-ctx.Done():
	}
}

func (p *BackendPool) checkDrainComplete() {
	p.mu.Lock()
	done := p.draining && p.total == 0
	p.mu.Unlock()
	if done {
		select {
		case <-p.drainCh:
		default:
			close(p.drainCh)
		}
	}
}

// ForceClose closes every idle entry and resets the pool's entry count;
// called when the drain deadline is exceeded. Entries that are checked out
// at that moment are not tracked by the pool and are not closed here.
func (p *BackendPool) ForceClose() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.total = 0
	p.mu.Unlock()
	for _, e := range idle {
		_ = e.Driver.Close()
	}
}

// Stats reports current occupancy for the metrics sink (pool_active,
// pool_idle).
type Stats struct {
	Active int
	Idle   int
}

func (p *BackendPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Active: p.total - len(p.idle), Idle: len(p.idle)}
}
