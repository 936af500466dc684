package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/time/rate"

	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

// entry is the value stored behind a Key; size and hit count are tracked
// alongside the payload so Stats() and eviction reporting don't need a
// second lookup.
type entry struct {
	payload   []byte
	createdAt time.Time
	size      int64
	hits      atomic.Int64
}

// LayerConfig bounds one cache layer.
type LayerConfig struct {
	MaxEntries    int64
	TTL           time.Duration
	MaxTotalBytes int64
}

// layer wraps one ristretto instance plus the prefix index invalidation
// needs (ristretto has no native key-enumeration, so a sharded prefix
// index is maintained alongside it).
type layer struct {
	name mcptypes.CacheLayer
	ttl  time.Duration
	rc   *ristretto.Cache

	mu       sync.Mutex
	byPrefix map[string]map[Key]struct{}
}

func newLayer(name mcptypes.CacheLayer, cfg LayerConfig) (*layer, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxTotalBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &layer{name: name, ttl: cfg.TTL, rc: rc, byPrefix: make(map[string]map[Key]struct{})}, nil
}

func (l *layer) set(key Key, prefix string, payload []byte) {
	e := &entry{payload: payload, createdAt: time.Now(), size: int64(len(payload))}
	l.rc.SetWithTTL(key, e, e.size, l.ttl)
	l.rc.Wait()

	if prefix != "" {
		l.mu.Lock()
		set, ok := l.byPrefix[prefix]
		if !ok {
			set = make(map[Key]struct{})
			l.byPrefix[prefix] = set
		}
		set[key] = struct{}{}
		l.mu.Unlock()
	}
}

func (l *layer) get(key Key) ([]byte, bool) {
	v, ok := l.rc.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	e.hits.Add(1)
	return e.payload, true
}

func (l *layer) invalidatePrefix(prefix string) int {
	l.mu.Lock()
	set, ok := l.byPrefix[prefix]
	if ok {
		delete(l.byPrefix, prefix)
	}
	l.mu.Unlock()
	if !ok {
		return 0
	}
	for key := range set {
		l.rc.Del(key)
	}
	return len(set)
}

// Cache is the three-layer (L1 hot / L2 warm / L3 cold) response cache.
type Cache struct {
	layers [3]*layer

	invalidateLimiter *rate.Limiter
}

// Config bundles the three layers' bounds, matching the embedded
// configuration contract's cache section.
type Config struct {
	L1            LayerConfig
	L2            LayerConfig
	L3            LayerConfig
	MaxTotalBytes int64
}

// New builds an empty three-layer cache.
func New(cfg Config) (*Cache, error) {
	c := &Cache{invalidateLimiter: rate.NewLimiter(rate.Limit(1), 5)}

	l1cfg, l2cfg, l3cfg := cfg.L1, cfg.L2, cfg.L3
	l1cfg.MaxTotalBytes = cfg.MaxTotalBytes
	l2cfg.MaxTotalBytes = cfg.MaxTotalBytes
	l3cfg.MaxTotalBytes = cfg.MaxTotalBytes

	var err error
	c.layers[mcptypes.LayerL1Hot], err = newLayer(mcptypes.LayerL1Hot, l1cfg)
	if err != nil {
		return nil, err
	}
	c.layers[mcptypes.LayerL2Warm], err = newLayer(mcptypes.LayerL2Warm, l2cfg)
	if err != nil {
		return nil, err
	}
	c.layers[mcptypes.LayerL3Cold], err = newLayer(mcptypes.LayerL3Cold, l3cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get looks up key in layer, returning the stored payload on a hit.
func (c *Cache) Get(layerName mcptypes.CacheLayer, key Key) ([]byte, bool) {
	return c.layers[layerName].get(key)
}

// Put stores payload under key in layer, optionally indexed by prefix for
// later pattern invalidation (e.g. "resources:list:<parent-uri>").
func (c *Cache) Put(layerName mcptypes.CacheLayer, key Key, prefix string, payload []byte) {
	c.layers[layerName].set(key, prefix, payload)
}

// InvalidatePrefix removes every entry in layer previously stored with the
// given prefix. Pattern invalidation is rate-limited since it is O(n) over
// the layer's prefix index.
func (c *Cache) InvalidatePrefix(layerName mcptypes.CacheLayer, prefix string) {
	if !c.invalidateLimiter.Allow() {
		logger.Warnf("cache: prefix invalidation for %q rate-limited, dropping", prefix)
		return
	}
	n := c.layers[layerName].invalidatePrefix(prefix)
	logger.Debugf("cache: invalidated %d entries under prefix %q", n, prefix)
}

// InvalidateMatchingPrefixes invalidates every tracked prefix on layer
// that is a string prefix of parent or has parent as a string prefix, e.g.
// parent "resources:list:/a/b" invalidates both "resources:list:/a" and
// "resources:list:/a/b/c".
func (c *Cache) InvalidateMatchingPrefixes(layerName mcptypes.CacheLayer, parent string) {
	l := c.layers[layerName]
	l.mu.Lock()
	var matched []string
	for prefix := range l.byPrefix {
		if strings.HasPrefix(parent, prefix) || strings.HasPrefix(prefix, parent) {
			matched = append(matched, prefix)
		}
	}
	l.mu.Unlock()
	for _, p := range matched {
		c.InvalidatePrefix(layerName, p)
	}
}

// Close releases the underlying ristretto caches.
func (c *Cache) Close() {
	for _, l := range c.layers {
		l.rc.Close()
	}
}
