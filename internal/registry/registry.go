package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stacklok-labs/mcpgatewayd/internal/health"
	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
	"github.com/stacklok-labs/mcpgatewayd/internal/pool"
)

// ProberFactory builds a health.Prober for one backend descriptor — the
// engine supplies this so the registry stays transport-agnostic.
type ProberFactory func(mcptypes.BackendDescriptor) health.Prober

// DrainHook is invoked for each backend id that must start draining as
// part of an install's diff step.
type DrainHook func(ctx context.Context, backendID string)

// Registry is the single global: an atomic pointer to the current
// generation. Readers (router, tool registry, handler) call Current() for
// a constant-time, lock-free snapshot. The reconfiguration task is the
// single writer and builds the entire next generation before publishing
// it, so no reader ever observes a partially-constructed generation.
type Registry struct {
	current atomic.Pointer[Generation]
	version atomic.Uint64

	proberFactory ProberFactory
	monitor       *health.Monitor
	pools         *pool.Manager
	drainHook     DrainHook
	virtualNodes  int
}

// New builds an empty registry (generation 0, no backends).
func New(proberFactory ProberFactory, monitor *health.Monitor, pools *pool.Manager, drainHook DrainHook, virtualNodes int) *Registry {
	r := &Registry{
		proberFactory: proberFactory,
		monitor:       monitor,
		pools:         pools,
		drainHook:     drainHook,
		virtualNodes:  virtualNodes,
	}
	r.current.Store(&Generation{Version: 0, Descriptors: map[string]mcptypes.BackendDescriptor{}, Ring: BuildHashRing(nil, virtualNodes)})
	return r
}

// Current returns the active generation. Safe for concurrent callers; the
// suspension point here is a single atomic load.
func (r *Registry) Current() *Generation {
	return r.current.Load()
}

// Install runs the dual-copy swap protocol (spec §4.4) against a new
// descriptor set: build standby, health-gate new/changed backends,
// atomically swap, then drain the old generation's removed/changed
// backends.
func (r *Registry) Install(ctx context.Context, descriptors []mcptypes.BackendDescriptor, drainWindow time.Duration) error {
	old := r.current.Load()

	descMap := make(map[string]mcptypes.BackendDescriptor, len(descriptors))
	for _, d := range descriptors {
		descMap[d.ID] = d
	}
	ids := make([]string, 0, len(descMap))
	for id := range descMap {
		ids = append(ids, id)
	}

	next := &Generation{
		Version:     r.version.Load() + 1,
		Descriptors: descMap,
		Ring:        BuildHashRing(ids, r.virtualNodes),
	}

	_, toProbe := Diff(old, next)

	for _, id := range toProbe {
		desc := descMap[id]
		if r.proberFactory == nil {
			continue
		}
		prober := r.proberFactory(desc)
		if err := health.ProbeOnce(ctx, prober, 5*time.Second); err != nil {
			return fmt.Errorf("install aborted: health gate failed for backend %q: %w", id, err)
		}
	}

	r.current.Store(next)
	r.version.Store(next.Version)
	logger.Infof("registry: installed generation %d with %d backends", next.Version, len(descMap))

	toDrain, _ := Diff(old, next)
	for _, id := range toDrain {
		if r.monitor != nil {
			r.monitor.Unregister(id)
		}
		if r.drainHook != nil {
			go r.drainHook(ctx, id)
		} else if r.pools != nil {
			go r.pools.Remove(ctx, id, drainWindow)
		}
	}

	for _, id := range toProbe {
		if r.monitor == nil || r.proberFactory == nil {
			continue
		}
		desc := descMap[id]
		r.monitor.Register(ctx, id, health.DefaultCircuitBreakerConfig(), r.proberFactory(desc))
	}

	return nil
}

// Version returns the monotonic generation counter.
func (r *Registry) Version() uint64 { return r.version.Load() }
