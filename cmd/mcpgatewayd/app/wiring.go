package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok-labs/mcpgatewayd/internal/batcher"
	"github.com/stacklok-labs/mcpgatewayd/internal/cache"
	"github.com/stacklok-labs/mcpgatewayd/internal/compress"
	"github.com/stacklok-labs/mcpgatewayd/internal/config"
	"github.com/stacklok-labs/mcpgatewayd/internal/engine"
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

// metricsShutdownGrace bounds how long the Prometheus scrape endpoint waits
// to drain on shutdown.
const metricsShutdownGrace = 5 * time.Second

// bootstrapTimeout bounds one probe or discovery call issued against a
// backend outside the normal request path (health checks, tool discovery).
const bootstrapTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config")
	}
	loader := config.NewYAMLLoader(configPath, config.OSReader{})
	validator := config.NewValidator()

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := validator.Validate(cfg); err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	drainWindow, _ := cmd.Flags().GetDuration("drain-window")

	sink, err := metrics.NewOtelSink()
	if err != nil {
		return fmt.Errorf("starting metrics sink: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownGrace)
		defer cancel()
		if err := sink.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("metrics sink shutdown: %v", err)
		}
	}()

	poolConfigFor := buildPoolConfigFor(cfg.Pools)

	monitor := health.NewMonitor(health.MonitorConfig{
		Intervals: health.Intervals{
			Healthy:   time.Duration(cfg.Health.Intervals.HealthySeconds) * time.Second,
			Degraded:  time.Duration(cfg.Health.Intervals.DegradedSeconds) * time.Second,
			Unhealthy: time.Duration(cfg.Health.Intervals.UnhealthySeconds) * time.Second,
		},
		Thresholds:   mapThresholds(cfg.Health.Thresholds),
		ProbeTimeout: time.Duration(cfg.Health.TimeoutMS) * time.Millisecond,
	})

	pools := pool.NewManager()
	poolFor := buildPoolFactory(cfg)
	proberFactory := buildProberFactory(poolFor, pools, poolConfigFor)

	reg := registry.New(proberFactory, monitor, pools, nil, cfg.Router.VirtualNodes)

	toolsReg := tools.NewRegistry(buildSchemaFetcher(reg, poolFor, pools, poolConfigFor))
	declares := buildDeclares(toolsReg)
	rt := router.New(monitor, declares, buildInFlightCounter(pools), nil)

	cacheS, err := cache.New(mapCacheConfig(cfg.Cache))
	if err != nil {
		return fmt.Errorf("building cache: %w", err)
	}

	var compressr *compress.Selector
	if cfg.Compression.Enabled {
		compressr = compress.New(mapCompressConfig(cfg.Compression))
	}

	engineCfg := engine.Config{
		Cache:            mapCacheConfig(cfg.Cache),
		Batcher:          batcher.Config{Window: time.Duration(cfg.Batcher.WindowMS) * time.Millisecond, MaxBatchSize: cfg.Batcher.MaxBatchSize},
		BatchableMethods: cfg.Batcher.EnabledMethods,
		Compression:      mapCompressConfig(cfg.Compression),
		CompressionOn:    cfg.Compression.Enabled,
		PoolConfigFor:    poolConfigFor,
		Host:             host,
		Port:             port,
	}
	eng := engine.New(engineCfg, reg, rt, monitor, pools, toolsReg, cacheS, compressr, sink, nil, poolFor)

	descriptors := descriptorsFrom(cfg.Backends)
	if err := reg.Install(ctx, descriptors, drainWindow); err != nil {
		return fmt.Errorf("installing initial backend generation: %w", err)
	}
	toolsReg.InstallStubs(discoverTools(ctx, reg.Current(), poolFor, pools, poolConfigFor))

	watcher := config.NewWatcher(loader, validator)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx, configPath) })
	g.Go(func() error {
		return reconcile(gctx, watcher, reg, toolsReg, poolFor, pools, poolConfigFor, drainWindow)
	})
	g.Go(func() error { return eng.Serve(gctx) })
	g.Go(func() error { return serveMetrics(gctx, metricsAddr) })

	return g.Wait()
}

// reconcile installs each validated config snapshot the watcher emits as a
// new registry generation and refreshes the tool catalog behind it.
func reconcile(
	ctx context.Context,
	watcher *config.Watcher,
	reg *registry.Registry,
	toolsReg *tools.Registry,
	poolFor engine.PoolFactoryFor,
	pools *pool.Manager,
	poolConfigFor map[mcptypes.TransportKind]pool.Config,
	drainWindow time.Duration,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case newCfg, ok := <-watcher.Changes():
			if !ok {
				return nil
			}
			if err := reg.Install(ctx, descriptorsFrom(newCfg.Backends), drainWindow); err != nil {
				logger.Warnf("config reconcile: installing new generation: %v", err)
				continue
			}
			toolsReg.InstallStubs(discoverTools(ctx, reg.Current(), poolFor, pools, poolConfigFor))
		}
	}
}

// serveMetrics exposes the OtelSink's Prometheus registration for external
// scraping, per the metrics design's pull model.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func descriptorsFrom(backends []config.BackendConfig) []mcptypes.BackendDescriptor {
	out := make([]mcptypes.BackendDescriptor, 0, len(backends))
	for _, b := range backends {
		out = append(out, b.ToDescriptor())
	}
	return out
}

func buildPoolConfigFor(cfg config.PoolsConfig) map[mcptypes.TransportKind]pool.Config {
	out := make(map[mcptypes.TransportKind]pool.Config, len(cfg.PerTransport))
	for transportName, tc := range cfg.PerTransport {
		out[mcptypes.TransportKind(transportName)] = pool.Config{
			Max:            tc.Max,
			MinIdle:        tc.MinIdle,
			MaxIdle:        tc.MaxIdle,
			AcquireTimeout: tc.AcquireTimeout,
			DrainTimeout:   tc.DrainTimeout,
		}
	}
	return out
}

// mapThresholds overrides health.DefaultThresholds() with the subset the
// YAML contract exposes; the remaining fields keep their documented
// defaults rather than forcing every operator to spell out all nine.
func mapThresholds(t config.HealthThresholds) health.Thresholds {
	d := health.DefaultThresholds()
	if t.Fall > 0 {
		d.DegradeConsecutiveFailures = t.Fall
		d.UnhealthyConsecutiveFailures = t.Fall + 2
	}
	if t.Rise > 0 {
		d.RecoverConsecutiveProbeOK = t.Rise
		d.HealthyConsecutiveSuccesses = t.Rise
	}
	if t.ErrRate > 0 {
		d.DegradeErrorRate = t.ErrRate
	}
	return d
}

func mapCacheConfig(c config.CacheConfig) cache.Config {
	return cache.Config{
		L1:            cache.LayerConfig{MaxEntries: int64(c.L1.MaxEntries), TTL: c.L1.TTL},
		L2:            cache.LayerConfig{MaxEntries: int64(c.L2.MaxEntries), TTL: c.L2.TTL},
		L3:            cache.LayerConfig{MaxEntries: int64(c.L3.MaxEntries), TTL: c.L3.TTL},
		MaxTotalBytes: c.MaxTotalBytes,
	}
}

func mapCompressConfig(c config.CompressionConfig) compress.Config {
	algos := make([]compress.Algorithm, 0, len(c.Algorithms))
	for _, a := range c.Algorithms {
		algos = append(algos, compress.Algorithm(a))
	}
	return compress.Config{Enabled: algos, MinSize: c.MinSizeBytes}
}

// buildPoolFactory returns the transport.Driver factory + liveness probe
// pair for a backend descriptor, dispatching on transport kind. This is the
// one place cmd/mcpgatewayd hands the engine a concrete transport
// implementation, keeping internal/engine itself transport-agnostic.
func buildPoolFactory(cfg *config.Config) engine.PoolFactoryFor {
	allowed := allowlistChecker(cfg.Pools.StdioCommandAllow)

	return func(desc mcptypes.BackendDescriptor) (pool.Factory, pool.LivenessProbe) {
		switch desc.Transport {
		case mcptypes.TransportStdio:
			factory := func(ctx context.Context) (transport.Driver, error) {
				var args []string
				var env map[string]string
				command := ""
				if desc.Stdio != nil {
					command = desc.Stdio.Command
					args = desc.Stdio.Args
					env = desc.Stdio.Env
				}
				return transport.NewStdioDriver(ctx, desc.ID, command, args, env, allowed)
			}
			return factory, stdioLivenessProbe
		case mcptypes.TransportSSE:
			factory := func(_ context.Context) (transport.Driver, error) {
				return transport.NewSSEDriver(desc.ID, desc.URL, desc.Timeout), nil
			}
			return factory, nil
		case mcptypes.TransportWebSocket:
			factory := func(ctx context.Context) (transport.Driver, error) {
				return transport.NewWebSocketDriver(ctx, desc.ID, desc.URL)
			}
			return factory, nil
		default: // http, streamable_http
			opts := []transport.HTTPDriverOption{transport.WithMaxRetries(desc.Retries)}
			if len(desc.Idempotent) > 0 {
				opts = append(opts, transport.WithIdempotentMethods(desc.Idempotent))
			}
			factory := func(_ context.Context) (transport.Driver, error) {
				return transport.NewHTTPDriver(desc.ID, desc.URL, desc.Timeout, opts...), nil
			}
			return factory, nil
		}
	}
}

// stdioLivenessProbe checks the spawned child's pid is still a live
// process, per the stdio pool entry's {pid, ...} liveness contract.
func stdioLivenessProbe(_ context.Context, entry *pool.Entry) bool {
	sd, ok := entry.Driver.(*transport.StdioDriver)
	if !ok {
		return true
	}
	pid := sd.Pid()
	if pid == 0 {
		return false
	}
	running, err := process.PidExists(int32(pid))
	return err == nil && running
}

func allowlistChecker(allow []string) transport.AllowlistChecker {
	set := make(map[string]struct{}, len(allow))
	for _, c := range allow {
		set[c] = struct{}{}
	}
	return func(command string) bool {
		if len(set) == 0 {
			return true
		}
		_, ok := set[command]
		return ok
	}
}

// buildProberFactory builds the health.Prober every registered backend is
// actively probed with: a JSON-RPC health/check call, falling back to
// tools/list when the backend doesn't declare the former.
func buildProberFactory(poolFor engine.PoolFactoryFor, pools *pool.Manager, poolConfigFor map[mcptypes.TransportKind]pool.Config) registry.ProberFactory {
	return func(desc mcptypes.BackendDescriptor) health.Prober {
		return func(ctx context.Context) error {
			if _, err := rawBootstrapCall(ctx, pools, poolFor, poolConfigFor, desc, "health/check"); err == nil {
				return nil
			}
			_, err := rawBootstrapCall(ctx, pools, poolFor, poolConfigFor, desc, "tools/list")
			return err
		}
	}
}

// buildDeclares reports whether a backend declares a routing key. Tool
// names are resolved through the tool registry's stubs, the routing table's
// source of truth for which backend owns a tool name; any other routing key
// (resources/read, prompts/get, ...) is declared by every backend in the
// active generation.
func buildDeclares(toolsReg *tools.Registry) router.Declares {
	return func(backendID, routingKey string) bool {
		stub, err := toolsReg.Resolve(routingKey)
		if err != nil {
			return true
		}
		return stub.BackendID == backendID
	}
}

// buildInFlightCounter reports a backend's current pool checkout count, the
// router's load signal for Power of Two Choices.
func buildInFlightCounter(pools *pool.Manager) router.InFlightCounter {
	return func(backendID string) int {
		bp, ok := pools.Get(backendID)
		if !ok {
			return 0
		}
		return bp.Stats().Active
	}
}

// buildSchemaFetcher fetches one tool's full schema lazily by re-querying
// the backend's tools/list and picking out the matching entry, since the
// protocol has no dedicated per-tool schema method.
func buildSchemaFetcher(reg *registry.Registry, poolFor engine.PoolFactoryFor, pools *pool.Manager, poolConfigFor map[mcptypes.TransportKind]pool.Config) tools.SchemaFetcher {
	return func(ctx context.Context, backendID, toolName string) (*mcptypes.ToolSchema, error) {
		desc, ok := reg.Current().Descriptors[backendID]
		if !ok {
			return nil, fmt.Errorf("backend %q not in active generation", backendID)
		}
		raw, err := rawBootstrapCall(ctx, pools, poolFor, poolConfigFor, desc, "tools/list")
		if err != nil {
			return nil, err
		}
		var listed struct {
			Tools []struct {
				Name        string         `json:"name"`
				Description string         `json:"description"`
				InputSchema map[string]any `json:"inputSchema"`
			} `json:"tools"`
		}
		if err := json.Unmarshal(raw, &listed); err != nil {
			return nil, err
		}
		for _, t := range listed.Tools {
			if t.Name == toolName {
				return &mcptypes.ToolSchema{
					Name:       t.Name,
					Descr:      t.Description,
					JSONSchema: t.InputSchema,
					BackendID:  backendID,
					LoadedAt:   time.Now(),
				}, nil
			}
		}
		return nil, fmt.Errorf("backend %q does not declare tool %q", backendID, toolName)
	}
}

// discoverTools queries tools/list against every backend in gen and
// flattens the results into stubs, the bootstrap step InstallStubs needs
// before tools/list can serve anything beyond an empty catalog.
func discoverTools(ctx context.Context, gen *registry.Generation, poolFor engine.PoolFactoryFor, pools *pool.Manager, poolConfigFor map[mcptypes.TransportKind]pool.Config) []mcptypes.ToolStub {
	var stubs []mcptypes.ToolStub
	for _, backendID := range gen.BackendIDs() {
		desc := gen.Descriptors[backendID]
		raw, err := rawBootstrapCall(ctx, pools, poolFor, poolConfigFor, desc, "tools/list")
		if err != nil {
			logger.Warnf("tool discovery: backend %s: %v", backendID, err)
			continue
		}
		var listed struct {
			Tools []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"tools"`
		}
		if err := json.Unmarshal(raw, &listed); err != nil {
			logger.Warnf("tool discovery: backend %s: decoding tools/list: %v", backendID, err)
			continue
		}
		for _, t := range listed.Tools {
			stubs = append(stubs, mcptypes.ToolStub{Name: t.Name, ShortDescription: t.Description, BackendID: backendID})
		}
	}
	return stubs
}

type rpcEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
}

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// rawBootstrapCall issues one request/reply round trip against a backend
// outside the normal routed request path, for health probing and tool
// discovery where there is no client-side request to route.
func rawBootstrapCall(
	ctx context.Context,
	pools *pool.Manager,
	poolFor engine.PoolFactoryFor,
	poolConfigFor map[mcptypes.TransportKind]pool.Config,
	desc mcptypes.BackendDescriptor,
	method string,
) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	factory, probe := poolFor(desc)
	cfg, ok := poolConfigFor[desc.Transport]
	if !ok {
		cfg = pool.Config{Max: 1, MaxIdle: time.Minute, AcquireTimeout: bootstrapTimeout, DrainTimeout: bootstrapTimeout}
	}
	bp := pools.GetOrCreate(desc.ID, cfg, factory, probe)

	entry, err := bp.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer bp.Release(ctx, entry)

	reqBytes, err := json.Marshal(rpcEnvelope{JSONRPC: "2.0", ID: "bootstrap", Method: method})
	if err != nil {
		return nil, err
	}
	respBytes, err := entry.Driver.Send(ctx, reqBytes)
	if err != nil {
		return nil, err
	}
	var reply rpcReply
	if err := json.Unmarshal(respBytes, &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("%s", reply.Error.Message)
	}
	return reply.Result, nil
}
