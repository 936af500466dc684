package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok-labs/mcpgatewayd/internal/batcher"
	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

// backendRequestBytes marshals one JSON-RPC request addressed to a
// backend, reusing the same envelope shape as the client-facing protocol
// since both speak JSON-RPC 2.0.
func backendRequestBytes(id, method string, params any) ([]byte, error) {
	idBytes, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	var paramsBytes json.RawMessage
	if params != nil {
		paramsBytes, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Request{JSONRPC: "2.0", ID: idBytes, Method: method, Params: paramsBytes})
}

// execBatch is the batcher.BatchFunc the engine's Batcher calls once a
// window of coalesced items is ready to send to one backend.
func (e *Engine) execBatch(ctx context.Context, backendID, method string, items []batcher.Item) []batcher.Result {
	return e.doBackendCall(ctx, backendID, method, items)
}

// doBackendCall gates a call on the backend's health/breaker state, checks
// out a pooled transport.Driver, sends the (possibly batched) request, and
// demuxes the response back into per-item results. It is used both as the
// batcher's BatchFunc and directly by the fan-out path, which bypasses the
// batcher window entirely.
func (e *Engine) doBackendCall(ctx context.Context, backendID, method string, items []batcher.Item) []batcher.Result {
	allowed, _, phase := e.monitor.Gate(backendID)
	if !allowed {
		return failAll(items, gateError(backendID, phase))
	}

	gen := e.reg.Current()
	desc, ok := gen.Descriptors[backendID]
	if !ok {
		// Gate already reserved a HalfOpen slot for this attempt; every exit
		// path below must report an outcome back or the reservation leaks.
		e.monitor.RecordOutcome(backendID, true, 0)
		return failAll(items, errs.New(errs.KindNoBackendAvailable, fmt.Errorf("backend %q not in active generation", backendID)).WithBackend(backendID))
	}

	p := e.poolFor
	if p == nil {
		e.monitor.RecordOutcome(backendID, true, 0)
		return failAll(items, errs.New(errs.KindNoBackendAvailable, fmt.Errorf("no pool factory configured")).WithBackend(backendID))
	}
	factory, probe := p(desc)
	poolCfg := e.cfg.PoolConfigFor[desc.Transport]
	bp := e.pools.GetOrCreate(backendID, poolCfg, factory, probe)

	entry, err := bp.Acquire(ctx)
	if err != nil {
		e.monitor.RecordOutcome(backendID, true, 0)
		return failAll(items, errs.Wrap(errs.KindExhausted, err, "acquiring pool entry").WithBackend(backendID))
	}
	defer bp.Release(ctx, entry)

	payload := marshalOutbound(items)

	start := time.Now()
	respBytes, sendErr := entry.Driver.Send(ctx, payload)
	latency := time.Since(start)

	if sendErr != nil {
		e.monitor.RecordOutcome(backendID, true, latency)
		e.sink.IncBackendRequests(backendID, "error")
		return failAll(items, mapSendError(sendErr).WithBackend(backendID))
	}
	e.monitor.RecordOutcome(backendID, false, latency)
	e.sink.IncBackendRequests(backendID, "success")

	return demux(items, respBytes)
}

func gateError(backendID string, phase mcptypes.CircuitPhase) *errs.Error {
	if phase == mcptypes.CircuitOpen {
		return errs.New(errs.KindCircuitOpen, fmt.Errorf("backend %q circuit is open", backendID)).WithBackend(backendID)
	}
	return errs.New(errs.KindNoBackendAvailable, fmt.Errorf("backend %q is unhealthy", backendID)).WithBackend(backendID)
}

func mapSendError(err error) *errs.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, err, "backend send timed out")
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindCanceled, err, "backend send canceled")
	}
	return errs.Wrap(errs.KindBackendError, err, "backend send failed")
}

func failAll(items []batcher.Item, err error) []batcher.Result {
	out := make([]batcher.Result, len(items))
	for i, it := range items {
		out[i] = batcher.Result{ID: it.ID, Err: err}
	}
	return out
}

// marshalOutbound produces a single JSON-RPC object for a one-item batch,
// or a JSON array for a coalesced multi-item batch.
func marshalOutbound(items []batcher.Item) []byte {
	if len(items) == 1 {
		return items[0].Payload
	}
	raws := make([]json.RawMessage, len(items))
	for i, it := range items {
		raws[i] = it.Payload
	}
	out, _ := json.Marshal(raws)
	return out
}

// demux splits a backend response (single object or batch array) back
// into per-item results keyed by JSON-RPC id, falling back to an error for
// any item the backend's response omitted.
func demux(items []batcher.Item, respBytes []byte) []batcher.Result {
	if len(items) == 1 {
		return []batcher.Result{decodeSingle(items[0].ID, respBytes)}
	}

	var resps []Response
	if err := json.Unmarshal(respBytes, &resps); err != nil {
		return failAll(items, errs.Wrap(errs.KindBackendError, err, "decoding batch response"))
	}

	byID := make(map[string]Response, len(resps))
	for _, r := range resps {
		byID[decodeRPCID(r.ID)] = r
	}

	out := make([]batcher.Result, len(items))
	for i, it := range items {
		resp, ok := byID[it.ID]
		if !ok {
			out[i] = batcher.Result{ID: it.ID, Err: errs.New(errs.KindBackendError, fmt.Errorf("backend omitted item %q from batch response", it.ID))}
			continue
		}
		out[i] = responseToResult(it.ID, resp)
	}
	return out
}

func decodeSingle(id string, respBytes []byte) batcher.Result {
	var resp Response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return batcher.Result{ID: id, Err: errs.Wrap(errs.KindBackendError, err, "decoding backend response")}
	}
	return responseToResult(id, resp)
}

func responseToResult(id string, resp Response) batcher.Result {
	if resp.Error != nil {
		return batcher.Result{ID: id, Err: errs.New(errs.KindBackendError, fmt.Errorf("%s", resp.Error.Message))}
	}
	raw, _ := json.Marshal(resp.Result)
	return batcher.Result{ID: id, Payload: raw}
}

func decodeRPCID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}
