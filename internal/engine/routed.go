package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/stacklok-labs/mcpgatewayd/internal/batcher"
	"github.com/stacklok-labs/mcpgatewayd/internal/cache"
	"github.com/stacklok-labs/mcpgatewayd/internal/compress"
	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
	"github.com/stacklok-labs/mcpgatewayd/internal/router"
)

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (e *Engine) handleToolCall(ctx context.Context, principal string, paramsRaw json.RawMessage) (any, error) {
	var params callToolParams
	if err := json.Unmarshal(paramsRaw, &params); err != nil {
		return nil, errs.Wrap(errs.KindInvalidParams, err, "decoding tools/call params")
	}
	if params.Name == "" {
		return nil, errs.New(errs.KindInvalidParams, fmt.Errorf("tools/call requires a tool name"))
	}

	if _, err := e.toolsReg.Resolve(params.Name); err != nil {
		return nil, err
	}

	if e.authorize != nil {
		if allow, reason := e.authorize(ctx, principal, "tools/call", params.Name); !allow {
			return nil, errs.New(errs.KindAuthDenied, fmt.Errorf("%s", reason))
		}
	}

	schema, err := e.toolsReg.Schema(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	if err := validateArgs(schema, params.Arguments); err != nil {
		return nil, errs.Wrap(errs.KindInvalidParams, err, "validating tools/call arguments")
	}

	e.toolsReg.RecordUsage(ctx, principal, params.Name)

	return e.routedCall(ctx, principal, "tools/call", params.Name, params.Name, params.Arguments)
}

// validateArgs checks args against schema's JSON schema document. A schema
// with no declared properties is treated as unconstrained.
func validateArgs(schema *mcptypes.ToolSchema, args map[string]any) error {
	if schema == nil || len(schema.JSONSchema) == 0 {
		return nil
	}
	schemaLoader := gojsonschema.NewGoLoader(schema.JSONSchema)
	docLoader := gojsonschema.NewGoLoader(args)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return err
	}
	if !result.Valid() {
		if len(result.Errors()) > 0 {
			return fmt.Errorf("%s", result.Errors()[0].String())
		}
		return fmt.Errorf("arguments do not satisfy tool schema")
	}
	return nil
}

func (e *Engine) handleRoutedGeneric(ctx context.Context, principal, method string, paramsRaw json.RawMessage) (any, error) {
	var args map[string]any
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &args); err != nil {
			return nil, errs.Wrap(errs.KindInvalidParams, err, "decoding "+method+" params")
		}
	}
	routingKey := router.RoutingKey(method, "")
	return e.routedCall(ctx, principal, method, routingKey, "", args)
}

// routedCall implements the C5->C7->C8->C3->C2->C1 routed-call pipeline
// for one client request: routing, cache lookup, (miss) batcher-coalesced
// backend call behind the health/breaker gate and pool, optional
// compressed cache store.
func (e *Engine) routedCall(ctx context.Context, principal, method, routingKey, idempotenceKey string, args map[string]any) (json.RawMessage, error) {
	gen := e.reg.Current()

	backendID, err := e.rt.Route(gen, routingKey)
	if err != nil {
		return nil, err
	}
	desc, ok := gen.Descriptors[backendID]
	if !ok {
		return nil, errs.New(errs.KindNoBackendAvailable, fmt.Errorf("backend %q left the active generation", backendID))
	}

	if idempotenceKey == "" {
		idempotenceKey = method
	}
	cacheable := e.cacheS != nil && containsString(desc.Idempotent, idempotenceKey)

	var key cache.Key
	layer := cache.LayerFor(method)
	if cacheable {
		key, err = cache.NewKey(gen.Version, method, args, principal)
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

	id := uuidID()
	payload, err := backendRequestBytes(id, method, args)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidParams, err, "encoding backend request")
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	res := e.batch.Submit(ctx, backendID, method, batcher.Item{ID: id, Payload: payload}, deadline)
	if res.Err != nil {
		return nil, res.Err
	}

	if cacheable {
		e.cacheS.Put(layer, key, "", e.encodeCached(res.Payload))
	}
	return json.RawMessage(res.Payload), nil
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// handleFanout implements the aggregate-listing path (C10 step 3):
// every healthy backend is queried in parallel, bounded concurrency,
// entries deduplicated by name; a per-backend error is logged and
// skipped rather than failing the whole request.
func (e *Engine) handleFanout(ctx context.Context, principal, method string) (any, error) {
	gen := e.reg.Current()
	routingKey := router.RoutingKey(method, "")
	layer := cache.LayerFor(method)

	var key cache.Key
	var err error
	if e.cacheS != nil {
		key, err = cache.NewKey(gen.Version, method, nil, principal)
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

	var healthyIDs []string
	for _, id := range gen.BackendIDs() {
		// CanServe: filters every backend without a matching RecordOutcome,
		// so it must not reserve a HalfOpen probe slot the way Gate does.
		if allowed, _, _ := e.monitor.CanServe(id); allowed {
			healthyIDs = append(healthyIDs, id)
		}
	}
	if len(healthyIDs) == 0 {
		return nil, errs.New(errs.KindNoBackendAvailable, fmt.Errorf("no healthy backend for %s", routingKey))
	}

	type listField struct {
		Resources []map[string]any `json:"resources,omitempty"`
		Prompts   []map[string]any `json:"prompts,omitempty"`
	}

	var mu sync.Mutex
	seen := make(map[string]struct{})
	var merged []map[string]any
	var anySucceeded bool

	sem := make(chan struct{}, fanoutConcurrency)
	var wg sync.WaitGroup
	for _, backendID := range healthyIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(backendID string) {
			defer wg.Done()
			defer func() { <-sem }()

			id := uuidID()
			payload, berr := backendRequestBytes(id, method, nil)
			if berr != nil {
				logAndSkip(backendID, method, berr)
				return
			}
			results := e.doBackendCall(ctx, backendID, method, []batcher.Item{{ID: id, Payload: payload}})
			if len(results) == 0 || results[0].Err != nil {
				if len(results) > 0 {
					logAndSkip(backendID, method, results[0].Err)
				}
				return
			}

			var fields listField
			if err := json.Unmarshal(results[0].Payload, &fields); err != nil {
				logAndSkip(backendID, method, err)
				return
			}
			items := fields.Resources
			if method == "prompts/list" {
				items = fields.Prompts
			}

			mu.Lock()
			anySucceeded = true
			for _, it := range items {
				name, _ := it["name"].(string)
				if name != "" {
					if _, dup := seen[name]; dup {
						continue
					}
					seen[name] = struct{}{}
				}
				merged = append(merged, it)
			}
			mu.Unlock()
		}(backendID)
	}
	wg.Wait()

	if !anySucceeded {
		return nil, errs.New(errs.KindNoBackendAvailable, fmt.Errorf("every backend failed %s", method))
	}

	resultObj := map[string]any{}
	if method == "prompts/list" {
		resultObj["prompts"] = merged
	} else {
		resultObj["resources"] = merged
	}
	raw, _ := json.Marshal(resultObj)

	if e.cacheS != nil && err == nil {
		e.cacheS.Put(layer, key, "", e.encodeCached(raw))
	}
	return json.RawMessage(raw), nil
}

// cachedEnvelope is the on-disk (well, in-ristretto) shape of a cached
// routed-call or fan-out result: the compression algorithm used (empty
// for a passthrough) plus the possibly-compressed payload.
type cachedEnvelope struct {
	Algo string `json:"algo,omitempty"`
	Data []byte `json:"data"`
}

func (e *Engine) encodeCached(raw []byte) []byte {
	if e.compressr == nil {
		env := cachedEnvelope{Data: raw}
		out, _ := json.Marshal(env)
		return out
	}
	algo, compressed, err := e.compressr.Compress(raw)
	if err != nil {
		env := cachedEnvelope{Data: raw}
		out, _ := json.Marshal(env)
		return out
	}
	if algo != "" && len(raw) > 0 {
		e.sink.ObserveCompressionRatio(float64(len(compressed)) / float64(len(raw)))
	}
	env := cachedEnvelope{Algo: string(algo), Data: compressed}
	out, _ := json.Marshal(env)
	return out
}

func (e *Engine) decodeCached(stored []byte) (json.RawMessage, error) {
	var env cachedEnvelope
	if err := json.Unmarshal(stored, &env); err != nil {
		return nil, err
	}
	if e.compressr == nil || env.Algo == "" {
		return json.RawMessage(env.Data), nil
	}
	raw, err := e.compressr.Decompress(compress.Algorithm(env.Algo), env.Data)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
