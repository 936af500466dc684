// Package batcher implements window-based request coalescing per
// (backend_id, method): concurrent requests to the same batchable method
// on the same backend are combined into one backend call and
// de-multiplexed back to their individual callers.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
)

// defaultWindow and defaultMaxBatchSize match the documented defaults for
// the rolling coalescing window and per-batch cap.
const (
	defaultWindow       = 100 * time.Millisecond
	defaultMaxBatchSize = 50
)

// Item is one request pending in a batch.
type Item struct {
	ID      string
	Payload []byte
}

// Result is one item's outcome, correlated back to its Item.ID.
type Result struct {
	ID      string
	Payload []byte
	Err     error
}

// BatchFunc performs the actual backend call given the accumulated items
// for one (backend_id, method) key, returning one Result per item. A
// BatchFunc that only ever receives a single item is a valid pass-through
// implementation for backends that don't support batching.
type BatchFunc func(ctx context.Context, backendID, method string, items []Item) []Result

// Config bounds one batcher's behavior.
type Config struct {
	Window       time.Duration
	MaxBatchSize int
}

// DefaultConfig returns the documented window/cap defaults.
func DefaultConfig() Config {
	return Config{Window: defaultWindow, MaxBatchSize: defaultMaxBatchSize}
}

type pendingRequest struct {
	item     Item
	deadline time.Time
	resultCh chan Result
}

type pendingBatch struct {
	mu       sync.Mutex
	backend  string
	method   string
	items    []pendingRequest
	timer    *time.Timer
	flushed  bool
}

// Batcher coalesces requests keyed by (backend_id, method).
type Batcher struct {
	cfg Config
	fn  BatchFunc

	// batchableMethods restricts coalescing to methods the backend has
	// declared batchable; everything else bypasses the batcher entirely.
	batchableMethods map[string]struct{}

	mu      sync.Mutex
	pending map[string]*pendingBatch
}

// New builds a Batcher. batchableMethods lists the method names eligible
// for coalescing (e.g. "tools/call", "resources/read", "prompts/get");
// any method not in this set is always passed straight through to fn as a
// single-item batch.
func New(cfg Config, batchableMethods []string, fn BatchFunc) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	set := make(map[string]struct{}, len(batchableMethods))
	for _, m := range batchableMethods {
		set[m] = struct{}{}
	}
	return &Batcher{cfg: cfg, fn: fn, batchableMethods: set, pending: make(map[string]*pendingBatch)}
}

func batchKey(backendID, method string) string { return backendID + "\x00" + method }

// Submit enqueues one request for (backendID, method) and blocks until its
// batch flushes, returning that request's individual result. deadline is
// the caller's own cancellation deadline; the batcher honors the tightest
// deadline among a batch's contents and flushes early at 80% elapsed.
func (b *Batcher) Submit(ctx context.Context, backendID, method string, item Item, deadline time.Time) Result {
	if _, ok := b.batchableMethods[method]; !ok {
		results := b.fn(ctx, backendID, method, []Item{item})
		if len(results) == 0 {
			return Result{ID: item.ID, Err: ctx.Err()}
		}
		return results[0]
	}

	key := batchKey(backendID, method)
	resultCh := make(chan Result, 1)
	req := pendingRequest{item: item, deadline: deadline, resultCh: resultCh}

	b.mu.Lock()
	pb, ok := b.pending[key]
	if !ok || pb.isFlushed() {
		pb = &pendingBatch{backend: backendID, method: method}
		b.pending[key] = pb
	}
	pb.mu.Lock()
	pb.items = append(pb.items, req)
	n := len(pb.items)
	if n == 1 {
		pb.timer = time.AfterFunc(b.cfg.Window, func() { b.flush(ctx, key, pb) })
	}
	atCap := n >= b.cfg.MaxBatchSize
	pb.mu.Unlock()
	b.mu.Unlock()

	if atCap {
		b.flush(ctx, key, pb)
	} else {
		b.scheduleDeadlineFlush(ctx, key, pb, deadline)
	}

	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		return Result{ID: item.ID, Err: ctx.Err()}
	}
}

func (pb *pendingBatch) isFlushed() bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.flushed
}

// scheduleDeadlineFlush arranges an early flush at 80% of the tightest
// deadline among the batch's contents, so no request is held past its
// own timeout budget waiting on window/cap conditions.
func (b *Batcher) scheduleDeadlineFlush(ctx context.Context, key string, pb *pendingBatch, deadline time.Time) {
	if deadline.IsZero() {
		return
	}
	budget := time.Until(deadline)
	if budget <= 0 {
		b.flush(ctx, key, pb)
		return
	}
	at := time.Duration(float64(budget) * 0.8)
	time.AfterFunc(at, func() { b.flush(ctx, key, pb) })
}

func (b *Batcher) flush(ctx context.Context, key string, pb *pendingBatch) {
	pb.mu.Lock()
	if pb.flushed {
		pb.mu.Unlock()
		return
	}
	pb.flushed = true
	if pb.timer != nil {
		pb.timer.Stop()
	}
	items := pb.items
	pb.mu.Unlock()

	b.mu.Lock()
	if b.pending[key] == pb {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if len(items) == 0 {
		return
	}

	payloads := make([]Item, len(items))
	for i, r := range items {
		payloads[i] = r.item
	}

	logger.Debugf("batcher: flushing %d items for %s", len(payloads), key)
	results := b.fn(ctx, pb.backend, pb.method, payloads)

	byID := make(map[string]Result, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for _, r := range items {
		res, ok := byID[r.item.ID]
		if !ok {
			res = Result{ID: r.item.ID, Err: errBackendOmittedResult}
		}
		r.resultCh <- res
	}
}

var errBackendOmittedResult = &omittedResultError{}

type omittedResultError struct{}

func (*omittedResultError) Error() string { return "batch response omitted this request's result" }
