package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok-labs/mcpgatewayd/internal/batcher"
	"github.com/stacklok-labs/mcpgatewayd/internal/cache"
	"github.com/stacklok-labs/mcpgatewayd/internal/compress"
	"github.com/stacklok-labs/mcpgatewayd/internal/engine"
	"github.com/stacklok-labs/mcpgatewayd/internal/health"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
	"github.com/stacklok-labs/mcpgatewayd/internal/pool"
	"github.com/stacklok-labs/mcpgatewayd/internal/registry"
	"github.com/stacklok-labs/mcpgatewayd/internal/router"
	"github.com/stacklok-labs/mcpgatewayd/internal/tools"
	"github.com/stacklok-labs/mcpgatewayd/internal/transport"
)

// fakeDriver echoes back a canned result for every request it's sent,
// regardless of the method, so tests can assert on the pipeline around it
// rather than on any particular backend behavior.
type fakeDriver struct {
	result map[string]any
	err    error
	calls  int
}

func (d *fakeDriver) Send(_ context.Context, reqBytes []byte) ([]byte, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(reqBytes, &req)
	resp := map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": d.result}
	out, _ := json.Marshal(resp)
	return out, nil
}

func (d *fakeDriver) Stream(_ context.Context, _ []byte, _ func([]byte) error) error { return nil }
func (d *fakeDriver) Close() error                                                   { return nil }

func newTestHarness(t *testing.T, desc mcptypes.BackendDescriptor, driver *fakeDriver) (*engine.Engine, *registry.Registry, *health.Monitor) {
	t.Helper()

	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	pools := pool.NewManager()
	reg := registry.New(nil, monitor, pools, nil, 160)

	require.NoError(t, reg.Install(context.Background(), []mcptypes.BackendDescriptor{desc}, time.Second))

	monitor.Register(context.Background(), desc.ID, health.DefaultCircuitBreakerConfig(), func(context.Context) error { return nil })
	monitor.RecordOutcome(desc.ID, false, time.Millisecond) // Unknown -> Healthy

	rt := router.New(monitor, func(string, string) bool { return true }, nil, nil)

	toolsReg := tools.NewRegistry(func(_ context.Context, backendID, toolName string) (*mcptypes.ToolSchema, error) {
		return &mcptypes.ToolSchema{Name: toolName, BackendID: backendID, JSONSchema: map[string]any{}}, nil
	})
	toolsReg.InstallStubs([]mcptypes.ToolStub{{Name: "echo", ShortDescription: "echoes input", BackendID: desc.ID}})

	cacheS, err := cache.New(cache.Config{
		L1: cache.LayerConfig{MaxEntries: 100, TTL: time.Minute},
		L2: cache.LayerConfig{MaxEntries: 100, TTL: time.Minute},
		L3: cache.LayerConfig{MaxEntries: 100, TTL: time.Minute},
		MaxTotalBytes: 1 << 20,
	})
	require.NoError(t, err)

	compressr := compress.New(compress.DefaultConfig())

	cfg := engine.Config{
		Batcher:          batcher.DefaultConfig(),
		BatchableMethods: []string{"tools/call"},
	}

	e := engine.New(cfg, reg, rt, monitor, pools, toolsReg, cacheS, compressr, nil, nil,
		func(mcptypes.BackendDescriptor) (pool.Factory, pool.LivenessProbe) {
			return func(context.Context) (transport.Driver, error) { return driver, nil },
				func(context.Context, *pool.Entry) bool { return true }
		})

	return e, reg, monitor
}

func desc(id string) mcptypes.BackendDescriptor {
	return mcptypes.BackendDescriptor{
		ID:              id,
		Name:            id,
		Transport:       mcptypes.TransportStdio,
		Idempotent:      []string{"echo"},
		ToolNamePattern: []string{"echo"},
	}
}

func rpcCall(t *testing.T, e *engine.Engine, method string, params any) map[string]any {
	t.Helper()
	paramsBytes, _ := json.Marshal(params)
	req := map[string]any{"jsonrpc": "2.0", "id": "1", "method": method, "params": json.RawMessage(paramsBytes)}
	raw, _ := json.Marshal(req)

	out := e.HandleMessage(context.Background(), "client-1", raw)
	require.NotNil(t, out)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))
	return resp
}

func TestEngine_Ping(t *testing.T) {
	e, _, _ := newTestHarness(t, desc("b1"), &fakeDriver{})
	resp := rpcCall(t, e, "ping", nil)
	assert.Nil(t, resp["error"])
}

func TestEngine_UnknownMethodReturnsMethodNotFound(t *testing.T) {
	e, _, _ := newTestHarness(t, desc("b1"), &fakeDriver{})
	resp := rpcCall(t, e, "nonexistent/method", nil)
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-32601), errObj["code"])
}

func TestEngine_ToolsListServesStubsWithoutSchema(t *testing.T) {
	e, _, _ := newTestHarness(t, desc("b1"), &fakeDriver{})
	resp := rpcCall(t, e, "tools/list", nil)
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok)
	toolsList, ok := result["tools"].([]any)
	require.True(t, ok)
	require.Len(t, toolsList, 1)
	tool := toolsList[0].(map[string]any)
	assert.Equal(t, "echo", tool["name"])
}

func TestEngine_ToolsCallRoutesThroughPipeline(t *testing.T) {
	driver := &fakeDriver{result: map[string]any{"ok": true}}
	e, _, _ := newTestHarness(t, desc("b1"), driver)

	resp := rpcCall(t, e, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}})
	require.Nil(t, resp["error"])
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, 1, driver.calls)
}

func TestEngine_ToolsCallUnknownToolIsMethodNotFound(t *testing.T) {
	e, _, _ := newTestHarness(t, desc("b1"), &fakeDriver{})
	resp := rpcCall(t, e, "tools/call", map[string]any{"name": "missing", "arguments": map[string]any{}})
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-32601), errObj["code"])
}

func TestEngine_NoHealthyBackendIsNoBackendAvailable(t *testing.T) {
	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	pools := pool.NewManager()
	reg := registry.New(nil, monitor, pools, nil, 160)
	d := desc("b1")
	require.NoError(t, reg.Install(context.Background(), []mcptypes.BackendDescriptor{d}, time.Second))
	// Never registered with the monitor: CanServe reports it unavailable, so the router finds no serviceable backend.

	rt := router.New(monitor, func(string, string) bool { return true }, nil, nil)
	toolsReg := tools.NewRegistry(func(_ context.Context, backendID, toolName string) (*mcptypes.ToolSchema, error) {
		return &mcptypes.ToolSchema{Name: toolName, BackendID: backendID, JSONSchema: map[string]any{}}, nil
	})
	toolsReg.InstallStubs([]mcptypes.ToolStub{{Name: "echo", BackendID: d.ID}})

	cfg := engine.Config{Batcher: batcher.DefaultConfig(), BatchableMethods: []string{"tools/call"}}
	e := engine.New(cfg, reg, rt, monitor, pools, toolsReg, nil, nil, nil, nil,
		func(mcptypes.BackendDescriptor) (pool.Factory, pool.LivenessProbe) {
			return func(context.Context) (transport.Driver, error) { return &fakeDriver{}, nil },
				func(context.Context, *pool.Entry) bool { return true }
		})

	resp := rpcCall(t, e, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{}})
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-32001), errObj["code"])
}

func TestEngine_AuthDenyMapsToDashCode(t *testing.T) {
	driver := &fakeDriver{result: map[string]any{"ok": true}}
	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	pools := pool.NewManager()
	reg := registry.New(nil, monitor, pools, nil, 160)
	d := desc("b1")
	require.NoError(t, reg.Install(context.Background(), []mcptypes.BackendDescriptor{d}, time.Second))
	monitor.Register(context.Background(), d.ID, health.DefaultCircuitBreakerConfig(), func(context.Context) error { return nil })
	monitor.RecordOutcome(d.ID, false, time.Millisecond)

	rt := router.New(monitor, func(string, string) bool { return true }, nil, nil)
	toolsReg := tools.NewRegistry(func(_ context.Context, backendID, toolName string) (*mcptypes.ToolSchema, error) {
		return &mcptypes.ToolSchema{Name: toolName, BackendID: backendID, JSONSchema: map[string]any{}}, nil
	})
	toolsReg.InstallStubs([]mcptypes.ToolStub{{Name: "echo", BackendID: d.ID}})

	cfg := engine.Config{Batcher: batcher.DefaultConfig(), BatchableMethods: []string{"tools/call"}}
	e := engine.New(cfg, reg, rt, monitor, pools, toolsReg, nil, nil, nil,
		func(context.Context, string, string, string) (bool, string) { return false, "not entitled" },
		func(mcptypes.BackendDescriptor) (pool.Factory, pool.LivenessProbe) {
			return func(context.Context) (transport.Driver, error) { return driver, nil },
				func(context.Context, *pool.Entry) bool { return true }
		})

	resp := rpcCall(t, e, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{}})
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-32004), errObj["code"])
	assert.Equal(t, 0, driver.calls)
}

func TestEngine_ResourcesListFansOutAndDedups(t *testing.T) {
	driverA := &fakeDriver{result: map[string]any{"resources": []map[string]any{{"name": "a"}, {"name": "shared"}}}}
	driverB := &fakeDriver{result: map[string]any{"resources": []map[string]any{{"name": "b"}, {"name": "shared"}}}}

	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	pools := pool.NewManager()
	reg := registry.New(nil, monitor, pools, nil, 160)
	dA, dB := desc("a"), desc("b")
	require.NoError(t, reg.Install(context.Background(), []mcptypes.BackendDescriptor{dA, dB}, time.Second))
	for _, id := range []string{"a", "b"} {
		monitor.Register(context.Background(), id, health.DefaultCircuitBreakerConfig(), func(context.Context) error { return nil })
		monitor.RecordOutcome(id, false, time.Millisecond)
	}

	rt := router.New(monitor, func(string, string) bool { return true }, nil, nil)
	toolsReg := tools.NewRegistry(func(_ context.Context, backendID, toolName string) (*mcptypes.ToolSchema, error) {
		return &mcptypes.ToolSchema{Name: toolName, BackendID: backendID}, nil
	})

	cacheS, err := cache.New(cache.Config{
		L1: cache.LayerConfig{MaxEntries: 10, TTL: time.Minute},
		L2: cache.LayerConfig{MaxEntries: 10, TTL: time.Minute},
		L3: cache.LayerConfig{MaxEntries: 10, TTL: time.Minute},
		MaxTotalBytes: 1 << 20,
	})
	require.NoError(t, err)

	cfg := engine.Config{Batcher: batcher.DefaultConfig()}
	e := engine.New(cfg, reg, rt, monitor, pools, toolsReg, cacheS, nil, nil, nil,
		func(d mcptypes.BackendDescriptor) (pool.Factory, pool.LivenessProbe) {
			drv := driverA
			if d.ID == "b" {
				drv = driverB
			}
			return func(context.Context) (transport.Driver, error) { return drv, nil },
				func(context.Context, *pool.Entry) bool { return true }
		})

	resp := rpcCall(t, e, "resources/list", nil)
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]any)
	resources := result["resources"].([]any)
	assert.Len(t, resources, 3) // a, b, shared (deduped)
}
