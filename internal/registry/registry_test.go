package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok-labs/mcpgatewayd/internal/health"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
	"github.com/stacklok-labs/mcpgatewayd/internal/pool"
	"github.com/stacklok-labs/mcpgatewayd/internal/registry"
)

func alwaysHealthyProber(mcptypes.BackendDescriptor) health.Prober {
	return func(ctx context.Context) error { return nil }
}

func TestRegistry_InstallAddsBackends(t *testing.T) {
	t.Parallel()
	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	r := registry.New(alwaysHealthyProber, monitor, pool.NewManager(), nil, 160)

	err := r.Install(context.Background(), []mcptypes.BackendDescriptor{
		{ID: "a", Name: "Backend A", Transport: mcptypes.TransportHTTP, URL: "http://a"},
	}, 30*time.Second)
	require.NoError(t, err)

	gen := r.Current()
	assert.True(t, gen.Declares("a"))
	assert.Equal(t, uint64(1), r.Version())
}

func TestRegistry_InstallAbortsOnHealthGateFailure(t *testing.T) {
	t.Parallel()
	failing := func(mcptypes.BackendDescriptor) health.Prober {
		return func(ctx context.Context) error { return assertError }
	}
	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	r := registry.New(failing, monitor, pool.NewManager(), nil, 160)

	err := r.Install(context.Background(), []mcptypes.BackendDescriptor{
		{ID: "a", Name: "Backend A", Transport: mcptypes.TransportHTTP, URL: "http://a"},
	}, 30*time.Second)
	require.Error(t, err)

	gen := r.Current()
	assert.False(t, gen.Declares("a"), "failed install must leave the active generation unchanged")
}

var assertError = assertErrorType{}

type assertErrorType struct{}

func (assertErrorType) Error() string { return "probe failed" }

func TestRegistry_InstallCarriesOverUnchangedBackends(t *testing.T) {
	t.Parallel()
	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	r := registry.New(alwaysHealthyProber, monitor, pool.NewManager(), nil, 160)

	descA := mcptypes.BackendDescriptor{ID: "a", Name: "Backend A", Transport: mcptypes.TransportHTTP, URL: "http://a"}
	descB := mcptypes.BackendDescriptor{ID: "b", Name: "Backend B", Transport: mcptypes.TransportHTTP, URL: "http://b"}

	require.NoError(t, r.Install(context.Background(), []mcptypes.BackendDescriptor{descA, descB}, 30*time.Second))
	require.NoError(t, r.Install(context.Background(), []mcptypes.BackendDescriptor{descA}, 30*time.Second))

	gen := r.Current()
	assert.True(t, gen.Declares("a"))
	assert.False(t, gen.Declares("b"))
}

func TestWithGenerationRoundTrip(t *testing.T) {
	t.Parallel()
	gen := &registry.Generation{Version: 1, Descriptors: map[string]mcptypes.BackendDescriptor{}}
	ctx := registry.WithGeneration(context.Background(), gen)
	got, ok := registry.GenerationFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, gen, got)
}
