package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
)

var defaultIdempotentMethods = map[string]bool{
	"tools/list":     true,
	"resources/list": true,
	"prompts/list":   true,
}

// HTTPDriver POSTs JSON-RPC payloads to a backend URL. It retries
// idempotent methods with capped exponential backoff; non-idempotent
// methods are never retried at this layer.
type HTTPDriver struct {
	backendID         string
	url               string
	client            *http.Client
	maxRetries        int
	idempotentMethods map[string]bool
}

// HTTPDriverOption configures an HTTPDriver at construction.
type HTTPDriverOption func(*HTTPDriver)

// WithIdempotentMethods overrides the set of methods eligible for retry.
func WithIdempotentMethods(methods []string) HTTPDriverOption {
	return func(d *HTTPDriver) {
		m := make(map[string]bool, len(methods))
		for _, x := range methods {
			m[x] = true
		}
		d.idempotentMethods = m
	}
}

// WithMaxRetries overrides the default retry count of 3.
func WithMaxRetries(n int) HTTPDriverOption {
	return func(d *HTTPDriver) { d.maxRetries = n }
}

// NewHTTPDriver builds an HTTPDriver targeting url with the given request
// timeout. HTTP/2 is preferred by the default transport's protocol
// negotiation; http.Client falls back to HTTP/1.1 automatically when the
// server doesn't support h2.
func NewHTTPDriver(backendID, url string, timeout time.Duration, opts ...HTTPDriverOption) *HTTPDriver {
	d := &HTTPDriver{
		backendID:         backendID,
		url:               url,
		client:            &http.Client{Timeout: timeout},
		maxRetries:        3,
		idempotentMethods: defaultIdempotentMethods,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// methodOf extracts the JSON-RPC "method" field from a raw request without
// a full unmarshal, since it's only needed to decide retry eligibility.
func methodOf(requestBytes []byte) string {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(requestBytes, &probe); err != nil {
		return ""
	}
	return probe.Method
}

func (d *HTTPDriver) Send(ctx context.Context, requestBytes []byte) ([]byte, error) {
	method := methodOf(requestBytes)
	if !d.idempotentMethods[method] {
		return d.doOnce(ctx, requestBytes)
	}

	op := func() (result []byte, err error) {
		body, err := d.doOnce(ctx, requestBytes)
		if err != nil {
			if errs.KindOf(err) == errs.KindTimeout || errs.KindOf(err) == errs.KindBackendError {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return body, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(jitteredExponential()),
		backoff.WithMaxTries(uint(d.maxRetries+1)),
	)
}

// jitteredExponential builds the base-50ms, cap-2s, ±20%-jitter backoff
// policy named by the transport drivers design.
func jitteredExponential() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.RandomizationFactor = 0.2
	return eb
}

func (d *HTTPDriver) doOnce(ctx context.Context, requestBytes []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(requestBytes))
	if err != nil {
		return nil, errs.Wrap(errs.KindBackendError, err, "building http request").WithBackend(d.backendID)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.New(errs.KindCanceled, ctx.Err()).WithBackend(d.backendID)
		}
		return nil, errs.New(errs.KindTimeout, err).WithBackend(d.backendID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindBackendError, err, "reading response body").WithBackend(d.backendID)
	}

	if resp.StatusCode >= 500 {
		return nil, errs.New(errs.KindBackendError, fmt.Errorf("backend returned %d", resp.StatusCode)).WithBackend(d.backendID)
	}
	if resp.StatusCode >= 400 {
		return nil, errs.New(errs.KindBackendError, fmt.Errorf("backend returned %d: %s", resp.StatusCode, body)).WithBackend(d.backendID)
	}

	return body, nil
}

// Stream issues a chunked-transfer request and yields each chunk as a
// frame; used for backends that stream tool-call results over plain HTTP
// chunked encoding rather than SSE/WS.
func (d *HTTPDriver) Stream(ctx context.Context, requestBytes []byte, fn func(frame []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(requestBytes))
	if err != nil {
		return errs.Wrap(errs.KindBackendError, err, "building http request").WithBackend(d.backendID)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return errs.New(errs.KindTimeout, err).WithBackend(d.backendID)
	}
	defer resp.Body.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if cbErr := fn(frame); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.KindBackendError, err, "reading stream chunk").WithBackend(d.backendID)
		}
	}
}

func (d *HTTPDriver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// jitter is exposed for callers (e.g. SSE reconnect) wanting consistent
// ±20% randomization without pulling in a second jitter policy.
func jitter(base time.Duration) time.Duration {
	delta := float64(base) * 0.2
	return base + time.Duration((rand.Float64()*2-1)*delta)
}
