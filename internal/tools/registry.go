// Package tools implements the dynamic tool registry: always-resident
// stubs, lazily-loaded and TTL-cached full schemas, and the predictive
// preloader.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

// SchemaFetcher fetches a tool's full schema from its backend (via the
// protocol handler's C10 transport path) — a distinct operation from
// invoking the tool itself.
type SchemaFetcher func(ctx context.Context, backendID, toolName string) (*mcptypes.ToolSchema, error)

// schemaCacheTTL is the default full-schema cache lifetime.
const schemaCacheTTL = 5 * time.Minute

// negativeCacheTTL is how long a failed schema fetch is cached negative.
const negativeCacheTTL = 10 * time.Second

type schemaCacheEntry struct {
	schema    *mcptypes.ToolSchema
	expiresAt time.Time
	negative  bool
	err       error
}

// Registry holds tool stubs (always resident) and a TTL-cached map of full
// schemas, fetched lazily through a SchemaFetcher.
type Registry struct {
	fetch SchemaFetcher
	group singleflight.Group

	mu     sync.RWMutex
	stubs  map[string]mcptypes.ToolStub
	schema map[string]*schemaCacheEntry

	preloader *Preloader
}

// NewRegistry builds an empty tool registry.
func NewRegistry(fetch SchemaFetcher) *Registry {
	return &Registry{
		fetch:     fetch,
		stubs:     make(map[string]mcptypes.ToolStub),
		schema:    make(map[string]*schemaCacheEntry),
		preloader: NewPreloader(60*time.Second, 0.7),
	}
}

// InstallStubs replaces the entire stub set, e.g. following a registry
// generation install. Schemas for tool names absent from the new stub set
// are pruned so the "every cached schema has a corresponding stub"
// invariant holds.
func (r *Registry) InstallStubs(stubs []mcptypes.ToolStub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]mcptypes.ToolStub, len(stubs))
	for _, s := range stubs {
		next[s.Name] = s
	}
	r.stubs = next
	for name := range r.schema {
		if _, ok := next[name]; !ok {
			delete(r.schema, name)
		}
	}
}

// Stubs returns all tool stubs, sorted lexicographically by name, and
// never including a full JSON schema.
func (r *Registry) Stubs() []mcptypes.ToolStub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcptypes.ToolStub, 0, len(r.stubs))
	for _, s := range r.stubs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve looks up a stub's backend id.
func (r *Registry) Resolve(toolName string) (mcptypes.ToolStub, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stubs[toolName]
	if !ok {
		return mcptypes.ToolStub{}, errs.New(errs.KindMethodNotFound, fmt.Errorf("unknown tool %q", toolName))
	}
	return s, nil
}

// Schema returns toolName's full schema, fetching it on cache miss and
// coalescing concurrent fetches for the same tool via singleflight. A
// recent fetch failure is served back immediately from the negative
// cache without a repeat backend call.
func (r *Registry) Schema(ctx context.Context, toolName string) (*mcptypes.ToolSchema, error) {
	stub, err := r.Resolve(toolName)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	entry, ok := r.schema[toolName]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		if entry.negative {
			return nil, errs.New(errs.KindSchemaFetchFailed, entry.err)
		}
		return entry.schema, nil
	}

	v, err, _ := r.group.Do(toolName, func() (any, error) {
		schema, ferr := r.fetch(ctx, stub.BackendID, toolName)
		r.mu.Lock()
		defer r.mu.Unlock()
		if ferr != nil {
			r.schema[toolName] = &schemaCacheEntry{negative: true, err: ferr, expiresAt: time.Now().Add(negativeCacheTTL)}
			return nil, errs.New(errs.KindSchemaFetchFailed, ferr)
		}
		r.schema[toolName] = &schemaCacheEntry{schema: schema, expiresAt: time.Now().Add(schemaCacheTTL)}
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*mcptypes.ToolSchema), nil
}

// Preload eagerly fetches and caches schemas for the configured preload
// list, e.g. at startup.
func (r *Registry) Preload(ctx context.Context, names []string) {
	for _, n := range names {
		if _, err := r.Schema(ctx, n); err != nil {
			// Failures are skipped without being logged or returned;
			// preload failures don't abort startup.
			continue
		}
	}
}

// RecordUsage feeds a tool invocation into the predictive preloader and
// triggers co-occurrence preloads for the current tool.
func (r *Registry) RecordUsage(ctx context.Context, sessionID, toolName string) {
	if r.preloader == nil {
		return
	}
	for _, predicted := range r.preloader.RecordAndPredict(sessionID, toolName) {
		go func(name string) {
			_, _ = r.Schema(ctx, name)
		}(predicted)
	}
}
