// Package config loads, validates, and watches the engine's configuration
// contract: backends, router, cache, batcher, compression, health, circuit
// breaker, and pool settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

// Config is the in-memory, validated configuration contract.
type Config struct {
	Backends       []BackendConfig      `yaml:"backends"`
	Router         RouterConfig         `yaml:"router"`
	Cache          CacheConfig          `yaml:"cache"`
	Batcher        BatcherConfig        `yaml:"batcher"`
	Compression    CompressionConfig    `yaml:"compression"`
	Health         HealthConfig         `yaml:"health"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pools          PoolsConfig          `yaml:"pools"`
}

type BackendConfig struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Transport       string            `yaml:"transport"`
	URL             string            `yaml:"url,omitempty"`
	Command         string            `yaml:"command,omitempty"`
	Args            []string          `yaml:"args,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	AuthRef         string            `yaml:"auth_ref,omitempty"`
	TimeoutMS       int               `yaml:"timeout_ms"`
	Retries         int               `yaml:"retries"`
	ToolNamePattern []string          `yaml:"tool_name_patterns,omitempty"`
	Priority        int               `yaml:"priority"`
	Idempotent      []string          `yaml:"idempotent_methods,omitempty"`
	Batchable       []string          `yaml:"batchable_methods,omitempty"`
}

// ToDescriptor converts the YAML-facing config shape into the engine's
// runtime descriptor type.
func (b BackendConfig) ToDescriptor() mcptypes.BackendDescriptor {
	d := mcptypes.BackendDescriptor{
		ID:              b.ID,
		Name:            b.Name,
		Transport:       mcptypes.TransportKind(b.Transport),
		URL:             b.URL,
		AuthRef:         b.AuthRef,
		Timeout:         time.Duration(b.TimeoutMS) * time.Millisecond,
		Retries:         b.Retries,
		ToolNamePattern: b.ToolNamePattern,
		Priority:        b.Priority,
		Idempotent:      b.Idempotent,
		Batchable:       b.Batchable,
	}
	if b.Command != "" {
		d.Stdio = &mcptypes.StdioEndpoint{Command: b.Command, Args: b.Args, Env: b.Env}
	}
	return d
}

type RouterConfig struct {
	VirtualNodes     int    `yaml:"virtual_nodes"`
	HashKeyStrategy  string `yaml:"hash_key_strategy"`
}

type CacheLayerConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

type CacheConfig struct {
	L1            CacheLayerConfig `yaml:"l1"`
	L2            CacheLayerConfig `yaml:"l2"`
	L3            CacheLayerConfig `yaml:"l3"`
	MaxTotalBytes int64            `yaml:"max_total_bytes"`
}

type BatcherConfig struct {
	WindowMS       int      `yaml:"window_ms"`
	MaxBatchSize   int      `yaml:"max_batch_size"`
	EnabledMethods []string `yaml:"enabled_methods"`
}

type CompressionConfig struct {
	Enabled       bool     `yaml:"enabled"`
	MinSizeBytes  int      `yaml:"min_size_bytes"`
	Algorithms    []string `yaml:"algorithms"`
}

type HealthIntervals struct {
	HealthySeconds   int `yaml:"healthy"`
	DegradedSeconds  int `yaml:"degraded"`
	UnhealthySeconds int `yaml:"unhealthy"`
}

type HealthThresholds struct {
	Fall    int     `yaml:"fall"`
	Rise    int     `yaml:"rise"`
	ErrRate float64 `yaml:"err_rate"`
}

type HealthConfig struct {
	Intervals  HealthIntervals  `yaml:"intervals"`
	TimeoutMS  int              `yaml:"timeout_ms"`
	Thresholds HealthThresholds `yaml:"thresholds"`
}

type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
	HalfOpenLimit      int           `yaml:"half_open_limit"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
}

type TransportPoolConfig struct {
	Max            int           `yaml:"max"`
	MinIdle        int           `yaml:"min_idle"`
	MaxIdle        time.Duration `yaml:"max_idle"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

type PoolsConfig struct {
	PerTransport        map[string]TransportPoolConfig `yaml:"per_transport"`
	StdioCommandAllow   []string                       `yaml:"stdio_command_allowlist"`
}

// Default returns a Config populated with every documented default from the
// embedded configuration contract.
func Default() *Config {
	return &Config{
		Router: RouterConfig{VirtualNodes: 160, HashKeyStrategy: "tool_name"},
		Cache: CacheConfig{
			L1:            CacheLayerConfig{MaxEntries: 1000, TTL: 5 * time.Minute},
			L2:            CacheLayerConfig{MaxEntries: 5000, TTL: 30 * time.Minute},
			L3:            CacheLayerConfig{MaxEntries: 10000, TTL: 2 * time.Hour},
			MaxTotalBytes: 256 << 20,
		},
		Batcher: BatcherConfig{WindowMS: 100, MaxBatchSize: 50},
		Compression: CompressionConfig{
			Enabled:      true,
			MinSizeBytes: 1024,
			Algorithms:   []string{"zstd", "gzip"},
		},
		Health: HealthConfig{
			Intervals:  HealthIntervals{HealthySeconds: 10, DegradedSeconds: 5, UnhealthySeconds: 30},
			TimeoutMS:  5000,
			Thresholds: HealthThresholds{Fall: 3, Rise: 5, ErrRate: 0.10},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:   5,
			ErrorRateThreshold: 0.50,
			RecoveryTimeout:    30 * time.Second,
			HalfOpenLimit:      3,
			SuccessThreshold:   3,
			BackoffMultiplier:  2.0,
			MaxBackoff:         5 * time.Minute,
		},
		Pools: PoolsConfig{
			PerTransport: map[string]TransportPoolConfig{
				"http":  {Max: 100, MinIdle: 5, MaxIdle: 5 * time.Minute, AcquireTimeout: 30 * time.Second, DrainTimeout: 30 * time.Second},
				"stdio": {Max: 5, MinIdle: 1, MaxIdle: 5 * time.Minute, AcquireTimeout: 30 * time.Second, DrainTimeout: 30 * time.Second},
			},
		},
	}
}

// EnvReader abstracts environment-variable lookup so the loader's ${VAR}
// expansion is testable without touching the real process environment.
type EnvReader interface {
	LookupEnv(key string) (string, bool)
}

// OSReader is the production EnvReader backed by os.LookupEnv.
type OSReader struct{}

func (OSReader) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

// YAMLLoader reads and parses a YAML config file, expanding ${VAR}
// references against an EnvReader.
type YAMLLoader struct {
	path string
	env  EnvReader
}

func NewYAMLLoader(path string, env EnvReader) *YAMLLoader {
	if env == nil {
		env = OSReader{}
	}
	return &YAMLLoader{path: path, env: env}
}

// Load reads the file at path, expands environment references, and merges
// the result onto Default().
func (l *YAMLLoader) Load() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", l.path, err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		if v, ok := l.env.LookupEnv(key); ok {
			return v
		}
		return ""
	})
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Validator checks backend entries (id present and unique, known
// transport, a command or url), virtual_nodes within [150,200],
// max_batch_size, failure_threshold and half_open_limit of at least 1, and
// compression algorithms limited to zstd and gzip. Other thresholds are not
// range-checked.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

func (*Validator) Validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend missing id")
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("duplicate backend id %q", b.ID)
		}
		seen[b.ID] = struct{}{}
		switch mcptypes.TransportKind(b.Transport) {
		case mcptypes.TransportStdio, mcptypes.TransportHTTP, mcptypes.TransportStreamableHTTP,
			mcptypes.TransportSSE, mcptypes.TransportWebSocket:
		default:
			return fmt.Errorf("backend %q: unknown transport %q", b.ID, b.Transport)
		}
		if b.Transport == string(mcptypes.TransportStdio) && b.Command == "" {
			return fmt.Errorf("backend %q: stdio transport requires command", b.ID)
		}
		if b.Transport != string(mcptypes.TransportStdio) && b.URL == "" {
			return fmt.Errorf("backend %q: %s transport requires url", b.ID, b.Transport)
		}
	}
	if cfg.Router.VirtualNodes < 150 || cfg.Router.VirtualNodes > 200 {
		return fmt.Errorf("router.virtual_nodes must be in [150,200], got %d", cfg.Router.VirtualNodes)
	}
	if cfg.Batcher.MaxBatchSize < 1 {
		return fmt.Errorf("batcher.max_batch_size must be >= 1")
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	if cfg.CircuitBreaker.HalfOpenLimit < 1 {
		return fmt.Errorf("circuit_breaker.half_open_limit must be >= 1")
	}
	for _, algo := range cfg.Compression.Algorithms {
		switch algo {
		case "zstd", "gzip":
		default:
			return fmt.Errorf("compression.algorithms: unsupported algorithm %q", algo)
		}
	}
	return nil
}
