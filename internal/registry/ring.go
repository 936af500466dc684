// Package registry implements the authoritative backend set: a consistent
// hash ring per generation and the dual-copy atomic-swap install protocol.
package registry

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// vnodesPerBackend is the default virtual-node count; the configured
// value (150-200) is passed in at ring construction instead when available.
const vnodesPerBackend = 160

// vnode is one entry in the ordered ring: a hash and the backend id it
// maps to. Ties are broken lexicographically by backend id, per the
// router design's determinism requirement.
type vnode struct {
	hash      uint64
	backendID string
}

// HashRing is an ordered map from 64-bit hash to backend id via multiple
// virtual nodes per backend. It is immutable once built — reconfiguration
// builds an entirely new ring rather than mutating this one.
type HashRing struct {
	nodes []vnode
}

// BuildHashRing constructs a ring with vnodesPerBackendOverride virtual
// nodes per backend id (falls back to vnodesPerBackend if <= 0).
func BuildHashRing(backendIDs []string, vnodesPerBackendOverride int) *HashRing {
	n := vnodesPerBackendOverride
	if n <= 0 {
		n = vnodesPerBackend
	}

	nodes := make([]vnode, 0, len(backendIDs)*n)
	for _, id := range backendIDs {
		for i := 0; i < n; i++ {
			key := id + "#" + strconv.Itoa(i)
			nodes = append(nodes, vnode{hash: xxhash.Sum64String(key), backendID: id})
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].hash != nodes[j].hash {
			return nodes[i].hash < nodes[j].hash
		}
		return nodes[i].backendID < nodes[j].backendID
	})
	return &HashRing{nodes: nodes}
}

// Lookup returns the backend id owning key's routing key, via a clockwise
// binary search that wraps to the first node past the largest hash.
func (r *HashRing) Lookup(routingKey string) (string, bool) {
	if len(r.nodes) == 0 {
		return "", false
	}
	h := xxhash.Sum64String(routingKey)
	idx := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i].hash >= h })
	if idx == len(r.nodes) {
		idx = 0
	}
	return r.nodes[idx].backendID, true
}

// Empty reports whether the ring has zero vnodes (zero backends).
func (r *HashRing) Empty() bool { return len(r.nodes) == 0 }
