package registry

import (
	"maps"
	"slices"
	"sort"

	"github.com/stacklok-labs/mcpgatewayd/internal/health"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

// Generation is a complete, immutable snapshot of the configured backend
// set: descriptors, the hash ring built over their ids, and the version
// counter it was installed under. Pool, health, and tool-registry handles
// are looked up by id through the owning components, not stored here —
// Generation never holds a back-reference to them, keeping the
// pool/health/breaker/registry graph one-way.
type Generation struct {
	Version    uint64
	Descriptors map[string]mcptypes.BackendDescriptor
	Ring       *HashRing
}

// BackendIDs returns the generation's backend ids in stable sorted order.
func (g *Generation) BackendIDs() []string {
	ids := make([]string, 0, len(g.Descriptors))
	for id := range g.Descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Declares reports whether backendID is present in the generation. It does
// not consult the descriptor's tool-name patterns: the tool registry is the
// authority for tool-name membership.
func (g *Generation) Declares(backendID string) bool {
	_, ok := g.Descriptors[backendID]
	return ok
}

// Diff computes the set of backend ids present in old but absent (or with
// a changed descriptor) in next — the set whose pools must start draining
// per the install protocol — and the set that is new or changed and so
// needs a health-gate probe.
func Diff(old, next *Generation) (toDrain, toProbe []string) {
	if old != nil {
		for id, oldDesc := range old.Descriptors {
			newDesc, ok := next.Descriptors[id]
			if !ok || !descriptorsEqual(oldDesc, newDesc) {
				toDrain = append(toDrain, id)
			}
		}
	}
	for id, newDesc := range next.Descriptors {
		var oldDesc mcptypes.BackendDescriptor
		var existed bool
		if old != nil {
			oldDesc, existed = old.Descriptors[id]
		}
		if !existed || !descriptorsEqual(oldDesc, newDesc) {
			toProbe = append(toProbe, id)
		}
	}
	return toDrain, toProbe
}

func descriptorsEqual(a, b mcptypes.BackendDescriptor) bool {
	if a.ID != b.ID || a.Name != b.Name || a.Transport != b.Transport || a.URL != b.URL ||
		a.AuthRef != b.AuthRef || a.Timeout != b.Timeout || a.Retries != b.Retries || a.Priority != b.Priority {
		return false
	}
	if !slices.Equal(a.ToolNamePattern, b.ToolNamePattern) || !slices.Equal(a.Idempotent, b.Idempotent) ||
		!slices.Equal(a.Batchable, b.Batchable) {
		return false
	}
	if (a.Stdio == nil) != (b.Stdio == nil) {
		return false
	}
	if a.Stdio != nil {
		if a.Stdio.Command != b.Stdio.Command || len(a.Stdio.Args) != len(b.Stdio.Args) ||
			!maps.Equal(a.Stdio.Env, b.Stdio.Env) {
			return false
		}
		for i := range a.Stdio.Args {
			if a.Stdio.Args[i] != b.Stdio.Args[i] {
				return false
			}
		}
	}
	return true
}

// healthGate is the install protocol's step 2: a single successful probe
// per new/changed backend with a 5s timeout.
var healthGate = health.ProbeOnce
