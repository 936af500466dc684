// Package cache implements the layered (L1/L2/L3) response cache keyed by
// a 256-bit content hash of the canonicalized request. Each layer is a
// ristretto cache with per-entry TTL, bounded by total byte cost. Eviction
// follows ristretto's own admission and sampled-eviction policy, not LRU,
// and the number of entries is not capped: MaxEntries only sizes the
// frequency counters.
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"sort"

	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

// Key is the 32-byte content hash identifying one cache entry.
type Key [32]byte

// canonical is the sorted-key-serializable form of {version, method, args}
// the key hash is computed over.
type canonical struct {
	Version   uint64         `json:"version"`
	Method    string         `json:"method"`
	Args      map[string]any `json:"args"`
	Namespace string         `json:"namespace,omitempty"`
}

// NewKey hashes the canonicalized {version, method, args} triple. args'
// map keys are serialized in sorted order by encoding/json's default
// map-key ordering, satisfying "sorted-key-serialized" without a custom
// canonicalizer; namespace is an optional multi-tenant prefix folded into
// the same hash rather than carried as a separate dimension.
func NewKey(version uint64, method string, args map[string]any, namespace string) (Key, error) {
	sortedArgs := make(map[string]any, len(args))
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sortedArgs[k] = args[k]
	}

	payload, err := json.Marshal(canonical{Version: version, Method: method, Args: sortedArgs, Namespace: namespace})
	if err != nil {
		return Key{}, err
	}
	return sha256.Sum256(payload), nil
}

// LayerFor classifies a method into the cache layer it belongs to, per the
// response-cache design's per-method-class layering.
func LayerFor(method string) mcptypes.CacheLayer {
	switch method {
	case "tools/call":
		return mcptypes.LayerL1Hot
	case "resources/list", "resources/read":
		return mcptypes.LayerL2Warm
	case "prompts/list", "prompts/get", "tools/list":
		return mcptypes.LayerL3Cold
	default:
		return mcptypes.LayerL1Hot
	}
}
