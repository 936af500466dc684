// Package mcptypes holds the data-model types shared by the registry,
// router, tool registry, and protocol handler: the shapes described by the
// data model (backend descriptors, tool stubs and schemas, cache layers,
// health states and circuit phases). Generations live in package registry.
package mcptypes

import "time"

// TransportKind enumerates the wire protocols a backend may speak.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportHTTP           TransportKind = "http"
	TransportStreamableHTTP TransportKind = "streamable_http"
	TransportSSE            TransportKind = "sse"
	TransportWebSocket      TransportKind = "websocket"
)

// StdioEndpoint describes how to spawn a stdio backend.
type StdioEndpoint struct {
	Command string
	Args    []string
	Env     map[string]string
}

// BackendDescriptor is the immutable, per-generation definition of one
// backend. Two descriptors are considered identical (for registry diffing)
// when every exported field compares equal.
type BackendDescriptor struct {
	ID              string
	Name            string
	Transport       TransportKind
	URL             string
	Stdio           *StdioEndpoint
	AuthRef         string
	Timeout         time.Duration
	Retries         int
	ToolNamePattern []string
	Priority        int
	Idempotent      []string
	Batchable       []string
}

// ToolStub is the always-resident, minimal tool entry exposed to clients.
type ToolStub struct {
	Name             string
	ShortDescription string
	BackendID        string
	Tags             []string
}

// ToolSchema is the full tool definition, fetched lazily and cached with a
// TTL.
type ToolSchema struct {
	Name       string
	Descr      string
	JSONSchema map[string]any
	Examples   []map[string]any
	BackendID  string
	LoadedAt   time.Time
}

// CacheLayer names one of the three response-cache tiers.
type CacheLayer int

const (
	LayerL1Hot CacheLayer = iota
	LayerL2Warm
	LayerL3Cold
)

func (l CacheLayer) String() string {
	switch l {
	case LayerL1Hot:
		return "l1_hot"
	case LayerL2Warm:
		return "l2_warm"
	case LayerL3Cold:
		return "l3_cold"
	default:
		return "unknown"
	}
}

// HealthState is the four-state health model for a backend.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthUnhealthy
	HealthUnknown
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CircuitPhase is the three-state circuit breaker phase.
type CircuitPhase int

const (
	CircuitClosed CircuitPhase = iota
	CircuitOpen
	CircuitHalfOpen
)

func (p CircuitPhase) String() string {
	switch p {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}
