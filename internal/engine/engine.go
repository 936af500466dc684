package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok-labs/mcpgatewayd/internal/batcher"
	"github.com/stacklok-labs/mcpgatewayd/internal/cache"
	"github.com/stacklok-labs/mcpgatewayd/internal/compress"
	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
	"github.com/stacklok-labs/mcpgatewayd/internal/health"
	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
	"github.com/stacklok-labs/mcpgatewayd/internal/metrics"
	"github.com/stacklok-labs/mcpgatewayd/internal/pool"
	"github.com/stacklok-labs/mcpgatewayd/internal/registry"
	"github.com/stacklok-labs/mcpgatewayd/internal/router"
	"github.com/stacklok-labs/mcpgatewayd/internal/tools"
	"github.com/stacklok-labs/mcpgatewayd/internal/transport"
)

// defaultRequestTimeout is the documented client-request deadline applied
// when the caller's context carries none.
const defaultRequestTimeout = 30 * time.Second

// fanoutConcurrency bounds how many backends are queried in parallel for
// an aggregate listing.
const fanoutConcurrency = 8

// AuthorizeFunc is the pre-dispatch Auth/RBAC callback the engine consults
// before any routed call. A nil AuthorizeFunc allows everything.
type AuthorizeFunc func(ctx context.Context, principal, method, tool string) (allow bool, reason string)

// PoolFactoryFor builds a transport.Driver factory and liveness probe for
// one backend descriptor, supplied by cmd/mcpgatewayd so the engine stays
// decoupled from concrete transport construction.
type PoolFactoryFor func(desc mcptypes.BackendDescriptor) (pool.Factory, pool.LivenessProbe)

// Config bundles the engine's tunables drawn from the embedded
// configuration contract.
type Config struct {
	Cache             cache.Config
	Batcher           batcher.Config
	BatchableMethods  []string
	Compression       compress.Config
	CompressionOn     bool
	PoolConfigFor     map[mcptypes.TransportKind]pool.Config
	PerClientLimit    int
	GlobalConcurrency int
	Host              string
	Port              int
}

// Engine is the Protocol Handler (C10): it owns no backend state directly,
// consulting the registry, router, health monitor, pool manager, tool
// registry, cache, batcher, and compressor for each inbound request.
type Engine struct {
	cfg Config

	reg       *registry.Registry
	rt        *router.Router
	monitor   *health.Monitor
	pools     *pool.Manager
	toolsReg  *tools.Registry
	cacheS    *cache.Cache
	batch     *batcher.Batcher
	compressr *compress.Selector
	sink      metrics.Sink
	authorize AuthorizeFunc
	poolFor   PoolFactoryFor

	sem chan struct{}

	clientMu   sync.Mutex
	clientSems map[string]chan struct{}
}

// New wires an Engine from its collaborators. sink and authorize may be
// nil (a Nop sink is used; authorization always allows).
func New(
	cfg Config,
	reg *registry.Registry,
	rt *router.Router,
	monitor *health.Monitor,
	pools *pool.Manager,
	toolsReg *tools.Registry,
	cacheS *cache.Cache,
	compressr *compress.Selector,
	sink metrics.Sink,
	authorize AuthorizeFunc,
	poolFor PoolFactoryFor,
) *Engine {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 256
	}
	if cfg.PerClientLimit <= 0 {
		cfg.PerClientLimit = 32
	}

	e := &Engine{
		cfg:        cfg,
		reg:        reg,
		rt:         rt,
		monitor:    monitor,
		pools:      pools,
		toolsReg:   toolsReg,
		cacheS:     cacheS,
		compressr:  compressr,
		sink:       sink,
		authorize:  authorize,
		poolFor:    poolFor,
		sem:        make(chan struct{}, cfg.GlobalConcurrency),
		clientSems: make(map[string]chan struct{}),
	}
	e.batch = batcher.New(cfg.Batcher, cfg.BatchableMethods, e.execBatch)
	return e
}

// HandleMessage parses, dispatches, and replies to one inbound JSON-RPC
// message. It returns nil for a valid notification (no reply expected).
func (e *Engine) HandleMessage(ctx context.Context, principal string, raw []byte) []byte {
	req, err := ParseRequest(raw)
	if err != nil {
		resp := errorResponse(nil, err)
		out, _ := json.Marshal(resp)
		return out
	}

	e.sink.IncRequests(req.Method)
	start := time.Now()

	if req.IsNotification() {
		go func() {
			_, _ = e.dispatch(context.Background(), principal, req)
		}()
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	if err := e.acquireSlot(ctx, principal); err != nil {
		resp := errorResponse(req.ID, err)
		out, _ := json.Marshal(resp)
		return out
	}
	defer e.releaseSlot(principal)

	result, err := e.dispatch(ctx, principal, req)
	e.sink.ObserveRequestDuration(req.Method, time.Since(start).Seconds())

	var resp *Response
	if err != nil {
		resp = errorResponse(req.ID, err)
	} else {
		resp = resultResponse(req.ID, result)
	}
	out, _ := json.Marshal(resp)
	return out
}

func (e *Engine) acquireSlot(ctx context.Context, principal string) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return errs.New(errs.KindCanceled, ctx.Err())
	}

	e.clientMu.Lock()
	cs, ok := e.clientSems[principal]
	if !ok {
		cs = make(chan struct{}, e.cfg.PerClientLimit)
		e.clientSems[principal] = cs
	}
	e.clientMu.Unlock()

	select {
	case cs <- struct{}{}:
		return nil
	case <-ctx.Done():
		<-e.sem
		return errs.New(errs.KindCanceled, ctx.Err())
	}
}

func (e *Engine) releaseSlot(principal string) {
	<-e.sem
	e.clientMu.Lock()
	cs := e.clientSems[principal]
	e.clientMu.Unlock()
	if cs != nil {
		<-cs
	}
}

func (e *Engine) dispatch(ctx context.Context, principal string, req *Request) (any, error) {
	switch req.Method {
	case "ping":
		return struct{}{}, nil
	case "initialize":
		return e.handleInitialize(), nil
	case "tools/list":
		return e.handleToolsList(principal)
	case "resources/list":
		return e.handleFanout(ctx, principal, "resources/list")
	case "prompts/list":
		return e.handleFanout(ctx, principal, "prompts/list")
	case "tools/call":
		return e.handleToolCall(ctx, principal, req.Params)
	case "resources/read":
		return e.handleRoutedGeneric(ctx, principal, "resources/read", req.Params)
	case "prompts/get":
		return e.handleRoutedGeneric(ctx, principal, "prompts/get", req.Params)
	default:
		return nil, errs.New(errs.KindMethodNotFound, fmt.Errorf("unknown method %q", req.Method))
	}
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      map[string]any `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

func (e *Engine) handleInitialize() initializeResult {
	gen := e.reg.Current()
	return initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      map[string]any{"name": "mcpgatewayd", "version": "0.1.0"},
		Capabilities: map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
			"backends":  len(gen.Descriptors),
		},
	}
}

type toolsListResult struct {
	Tools []mcp.Tool `json:"tools"`
}

// handleToolsList serves the always-resident stubs without touching the
// lazily-fetched per-tool schema, wrapping them in the wire Tool shape a
// client expects rather than leaking the internal stub's backend routing
// fields. Results go through the cache layer cache.LayerFor assigns to
// tools/list, the L3 cold layer.
func (e *Engine) handleToolsList(principal string) (json.RawMessage, error) {
	gen := e.reg.Current()
	layer := cache.LayerFor("tools/list")

	var key cache.Key
	var err error
	if e.cacheS != nil {
		key, err = cache.NewKey(gen.Version, "tools/list", nil, principal)
		if err == nil {
			if stored, hit := e.cacheS.Get(layer, key); hit {
				if raw, derr := e.decodeCached(stored); derr == nil {
					e.sink.IncCacheHit(layer.String())
					return raw, nil
				}
			}
			e.sink.IncCacheMiss(layer.String())
		}
	}

	stubs := e.toolsReg.Stubs()
	wire := make([]mcp.Tool, len(stubs))
	for i, s := range stubs {
		wire[i] = mcp.Tool{
			Name:        s.Name,
			Description: s.ShortDescription,
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		}
	}
	raw, _ := json.Marshal(toolsListResult{Tools: wire})

	if e.cacheS != nil && err == nil {
		e.cacheS.Put(layer, key, "", e.encodeCached(raw))
	}
	return json.RawMessage(raw), nil
}

func uuidID() string { return uuid.NewString() }

func logAndSkip(backendID, method string, err error) {
	logger.Warnf("engine: fan-out %s against backend %s failed, skipping: %v", method, backendID, err)
}
