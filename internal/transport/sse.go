package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
)

// sseReconnectWindow and sseMaxReconnectFailures implement "dropped after 5
// reconnect failures within 60s".
const (
	sseReconnectWindow      = 60 * time.Second
	sseMaxReconnectFailures = 5
)

// SSEDriver parses a legacy Server-Sent-Events backend, reconnecting with
// Last-Event-ID and capped backoff.
type SSEDriver struct {
	backendID string
	url       string
	client    *http.Client

	mu           sync.Mutex
	lastEventID  string
	failures     []time.Time
	dropped      atomic.Bool
}

func NewSSEDriver(backendID, url string, timeout time.Duration) *SSEDriver {
	return &SSEDriver{
		backendID: backendID,
		url:       url,
		client:    &http.Client{Timeout: 0}, // streaming: no overall timeout
	}
}

func (d *SSEDriver) Send(ctx context.Context, requestBytes []byte) ([]byte, error) {
	var first []byte
	err := d.Stream(ctx, requestBytes, func(frame []byte) error {
		if first == nil {
			first = frame
		}
		return errStopStream
	})
	if err == errStopStream {
		err = nil
	}
	return first, err
}

var errStopStream = fmt.Errorf("sse: stop after first frame")

func (d *SSEDriver) Stream(ctx context.Context, requestBytes []byte, fn func(frame []byte) error) error {
	if d.dropped.Load() {
		return errs.New(errs.KindBackendError, fmt.Errorf("backend dropped after repeated reconnect failures")).WithBackend(d.backendID)
	}

	for {
		err := d.connectAndRead(ctx, requestBytes, fn)
		if err == nil || err == errStopStream {
			return err
		}
		select {
		case <-ctx.Done():
			return errs.New(errs.KindCanceled, ctx.Err()).WithBackend(d.backendID)
		default:
		}

		d.mu.Lock()
		now := time.Now()
		d.failures = append(d.failures, now)
		cutoff := now.Add(-sseReconnectWindow)
		kept := d.failures[:0]
		for _, f := range d.failures {
			if f.After(cutoff) {
				kept = append(kept, f)
			}
		}
		d.failures = kept
		tooMany := len(d.failures) >= sseMaxReconnectFailures
		d.mu.Unlock()

		if tooMany {
			d.dropped.Store(true)
			logger.Warnf("sse backend %s dropped after %d reconnect failures within %s", d.backendID, sseMaxReconnectFailures, sseReconnectWindow)
			return errs.New(errs.KindBackendError, fmt.Errorf("reconnect budget exhausted")).WithBackend(d.backendID)
		}

		backoffDur := jitter(time.Duration(len(d.failures)) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			return errs.New(errs.KindCanceled, ctx.Err()).WithBackend(d.backendID)
		case <-time.After(backoffDur):
		}
	}
}

func (d *SSEDriver) connectAndRead(ctx context.Context, requestBytes []byte, fn func(frame []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(requestBytes))
	if err != nil {
		return errs.Wrap(errs.KindBackendError, err, "building sse request").WithBackend(d.backendID)
	}
	req.Header.Set("Accept", "text/event-stream")
	d.mu.Lock()
	lastID := d.lastEventID
	d.mu.Unlock()
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return errs.New(errs.KindTimeout, err).WithBackend(d.backendID)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id:"):
			d.mu.Lock()
			d.lastEventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			d.mu.Unlock()
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		case line == "":
			if len(dataLines) > 0 {
				payload := strings.Join(dataLines, "\n")
				dataLines = nil
				if err := fn([]byte(payload)); err != nil {
					return err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.KindBackendError, err, "reading sse stream").WithBackend(d.backendID)
	}
	return nil
}

func (d *SSEDriver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
