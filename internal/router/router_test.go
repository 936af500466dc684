package router_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok-labs/mcpgatewayd/internal/health"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
	"github.com/stacklok-labs/mcpgatewayd/internal/registry"
	"github.com/stacklok-labs/mcpgatewayd/internal/router"
)

func buildGen(t *testing.T, ids ...string) *registry.Generation {
	t.Helper()
	descs := make(map[string]mcptypes.BackendDescriptor, len(ids))
	for _, id := range ids {
		descs[id] = mcptypes.BackendDescriptor{ID: id}
	}
	return &registry.Generation{Version: 1, Descriptors: descs, Ring: registry.BuildHashRing(ids, 160)}
}

func TestRouter_RouteSingleBackend(t *testing.T) {
	t.Parallel()
	gen := buildGen(t, "a")
	r := router.New(nil, nil, nil, nil)

	id, err := r.Route(gen, "fs.read")
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestRouter_RouteEmptyRing(t *testing.T) {
	t.Parallel()
	gen := buildGen(t)
	r := router.New(nil, nil, nil, nil)
	_, err := r.Route(gen, "fs.read")
	assert.Error(t, err)
}

func TestRouter_FallsBackWhenPrimaryUnhealthy(t *testing.T) {
	t.Parallel()
	gen := buildGen(t, "a", "b")

	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	monitor.Register(context.Background(), "a", health.DefaultCircuitBreakerConfig(), func(ctx context.Context) error { return nil })
	monitor.Register(context.Background(), "b", health.DefaultCircuitBreakerConfig(), func(ctx context.Context) error { return nil })

	// Drive "a" unhealthy via repeated failed outcomes.
	for i := 0; i < 10; i++ {
		monitor.RecordOutcome("a", true, 0)
	}
	monitor.RecordOutcome("b", false, 0)

	r := router.New(monitor, nil, nil, nil)

	key, _ := gen.Ring.Lookup("fs.read")
	id, err := r.Route(gen, "fs.read")
	require.NoError(t, err)
	if key == "a" {
		assert.Equal(t, "b", id, "unhealthy primary must fall back to the other backend")
	}
}

func TestRouter_DeclaresPreconditionExcludesNonDeclaringBackend(t *testing.T) {
	t.Parallel()
	gen := buildGen(t, "a", "b")
	declares := func(backendID, key string) bool { return backendID == "b" }
	r := router.New(nil, declares, nil, nil)

	id, err := r.Route(gen, "fs.read")
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestRouter_PowerOfTwoChoicesPrefersLessLoaded(t *testing.T) {
	t.Parallel()
	gen := buildGen(t, "a", "b", "c")
	// The ring primary does not declare the key, so every call falls back
	// to Power of Two Choices between the two other backends, one of which
	// carries no load.
	primary, _ := gen.Ring.Lookup("fs.read")
	declares := func(backendID, key string) bool { return backendID != primary }
	unloaded := "b"
	if primary == "b" {
		unloaded = "a"
	}
	load := map[string]int{"a": 10, "b": 10, "c": 10}
	load[unloaded] = 0
	inFlight := func(backendID string) int { return load[backendID] }

	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	for _, id := range []string{"a", "b", "c"} {
		monitor.Register(context.Background(), id, health.DefaultCircuitBreakerConfig(), func(ctx context.Context) error { return nil })
		for i := 0; i < 10; i++ {
			monitor.RecordOutcome(id, false, 0)
		}
	}

	r := router.New(monitor, declares, inFlight, nil)

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		id, err := r.Route(gen, "fs.read")
		require.NoError(t, err)
		counts[id]++
	}
	assert.Greater(t, counts[unloaded], 0, "the unloaded backend should be selected at least once")
}
