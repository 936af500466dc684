// Package router implements the consistent-hash-ring primary routing
// decision with a health-aware Power-of-Two-Choices fallback.
package router

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
	"github.com/stacklok-labs/mcpgatewayd/internal/health"
	"github.com/stacklok-labs/mcpgatewayd/internal/registry"
)

// MethodRoutingKey fixed synthetic keys used for the aggregate-listing
// methods, which fan out rather than route to one backend.
const (
	KeyToolsList     = "__fanout_tools_list__"
	KeyResourcesList = "__fanout_resources_list__"
	KeyPromptsList   = "__fanout_prompts_list__"
)

// RoutingKey derives the routing key for a request per the router design:
// the tool name for tools/call-like operations, the fixed synthetic keys
// for the three listing methods, and the bare method string otherwise.
func RoutingKey(method, toolName string) string {
	switch method {
	case "tools/list":
		return KeyToolsList
	case "resources/list":
		return KeyResourcesList
	case "prompts/list":
		return KeyPromptsList
	case "tools/call", "tools/schema":
		return toolName
	default:
		return method
	}
}

// Declares reports whether a backend declares the given tool/method name;
// supplied by the tool registry (for tools/call) or the generation's
// descriptor (for everything else) so the router stays decoupled from tool
// storage.
type Declares func(backendID, routingKey string) bool

// InFlightCounter reports a backend's current in-flight request count, for
// Power of Two Choices tie-breaking.
type InFlightCounter func(backendID string) int

// LatencyEWMA reports a backend's recent latency EWMA, for P2C
// tie-breaking.
type LatencyEWMA func(backendID string) time.Duration

// Router picks a backend id for a routing key using the hash ring first,
// falling back to Power of Two Choices among serviceable backends.
type Router struct {
	monitor   *health.Monitor
	declares  Declares
	inFlight  InFlightCounter
	latency   LatencyEWMA

	mu   sync.Mutex
	rand *rand.Rand
}

// New builds a Router. declares, inFlight, and latency may be nil during
// tests that don't exercise the fallback path.
func New(monitor *health.Monitor, declares Declares, inFlight InFlightCounter, latency LatencyEWMA) *Router {
	return &Router{
		monitor:  monitor,
		declares: declares,
		inFlight: inFlight,
		latency:  latency,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Route selects a backend id for routingKey within gen. It tries the hash
// ring primary first; if the primary fails any of the three
// preconditions (declares, serviceable health, breaker capacity), it falls
// back to Power of Two Choices among the declaring, currently-serviceable
// backends.
func (r *Router) Route(gen *registry.Generation, routingKey string) (string, error) {
	if gen.Ring.Empty() {
		return "", errs.New(errs.KindNoBackendAvailable, fmt.Errorf("no backends registered"))
	}

	if primary, ok := gen.Ring.Lookup(routingKey); ok && r.serviceable(primary, routingKey) {
		return primary, nil
	}

	candidates := r.serviceableCandidates(gen, routingKey)
	if len(candidates) == 0 {
		return "", errs.New(errs.KindNoBackendAvailable, fmt.Errorf("no serviceable backend for %q", routingKey))
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	return r.powerOfTwoChoices(candidates), nil
}

func (r *Router) serviceable(backendID, routingKey string) bool {
	if r.declares != nil && !r.declares(backendID, routingKey) {
		return false
	}
	if r.monitor == nil {
		return true
	}
	// CanServe, not Gate: this evaluates every candidate during routing
	// and never pairs the check with a RecordOutcome call, so it must not
	// reserve a HalfOpen probe slot.
	allowed, _, _ := r.monitor.CanServe(backendID)
	return allowed
}

func (r *Router) serviceableCandidates(gen *registry.Generation, routingKey string) []string {
	var out []string
	for _, id := range gen.BackendIDs() {
		if r.serviceable(id, routingKey) {
			out = append(out, id)
		}
	}
	return out
}

// powerOfTwoChoices samples two candidates uniformly at random and picks
// the one with fewer in-flight requests, tie-breaking on lower latency
// EWMA.
func (r *Router) powerOfTwoChoices(candidates []string) string {
	r.mu.Lock()
	i := r.rand.Intn(len(candidates))
	j := r.rand.Intn(len(candidates))
	r.mu.Unlock()

	a, b := candidates[i], candidates[j]
	if a == b {
		return a
	}

	loadA, loadB := r.loadOf(a), r.loadOf(b)
	if loadA != loadB {
		if loadA < loadB {
			return a
		}
		return b
	}
	if r.latency == nil {
		return a
	}
	if r.latency(a) <= r.latency(b) {
		return a
	}
	return b
}

func (r *Router) loadOf(backendID string) int {
	if r.inFlight == nil {
		return 0
	}
	return r.inFlight(backendID)
}
