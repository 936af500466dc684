package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
)

const wsKeepalive = 30 * time.Second

// WebSocketDriver speaks full-duplex JSON-RPC text frames over one
// connection, correlating request/response pairs by JSON-RPC id and
// maintaining a keepalive ping.
type WebSocketDriver struct {
	backendID string
	conn      *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan wsResult
	closed  bool
	done    chan struct{}
}

type wsResult struct {
	body []byte
	err  error
}

// NewWebSocketDriver dials url and starts the read-pump and keepalive
// goroutines.
func NewWebSocketDriver(ctx context.Context, backendID, url string) (*WebSocketDriver, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindBackendError, err, "dialing websocket backend").WithBackend(backendID)
	}

	d := &WebSocketDriver{
		backendID: backendID,
		conn:      conn,
		pending:   make(map[string]chan wsResult),
		done:      make(chan struct{}),
	}

	go d.readPump()
	go d.keepalive()

	return d, nil
}

func (d *WebSocketDriver) readPump() {
	for {
		_, msg, err := d.conn.ReadMessage()
		if err != nil {
			d.failAllPending(err)
			return
		}
		var envelope struct {
			ID json.RawMessage `json:"id"`
		}
		if jsonErr := json.Unmarshal(msg, &envelope); jsonErr != nil || envelope.ID == nil {
			continue
		}
		key := string(envelope.ID)
		d.mu.Lock()
		ch, ok := d.pending[key]
		if ok {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		if ok {
			ch <- wsResult{body: msg}
		}
	}
}

func (d *WebSocketDriver) failAllPending(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, ch := range d.pending {
		ch <- wsResult{err: errs.Wrap(errs.KindBackendError, err, "websocket connection closed").WithBackend(d.backendID)}
		delete(d.pending, k)
	}
}

func (d *WebSocketDriver) keepalive() {
	ticker := time.NewTicker(wsKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			_ = d.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

// Send writes requestBytes and waits for the correlated response by id.
func (d *WebSocketDriver) Send(ctx context.Context, requestBytes []byte) ([]byte, error) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(requestBytes, &envelope); err != nil || envelope.ID == nil {
		return nil, errs.New(errs.KindInvalidRequest, fmt.Errorf("request missing correlation id")).WithBackend(d.backendID)
	}
	key := string(envelope.ID)

	ch := make(chan wsResult, 1)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errs.New(errs.KindBackendError, fmt.Errorf("driver closed")).WithBackend(d.backendID)
	}
	d.pending[key] = ch
	d.mu.Unlock()

	if err := d.conn.WriteMessage(websocket.TextMessage, requestBytes); err != nil {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return nil, errs.Wrap(errs.KindBackendError, err, "writing websocket frame").WithBackend(d.backendID)
	}

	select {
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return nil, errs.New(errs.KindCanceled, ctx.Err()).WithBackend(d.backendID)
	case r := <-ch:
		return r.body, r.err
	}
}

// Stream sends requestBytes and yields the single correlated response to
// fn as one frame. Further messages sharing the request id are not
// delivered: the read pump hands only the first one to the waiting call
// and discards the rest.
func (d *WebSocketDriver) Stream(ctx context.Context, requestBytes []byte, fn func(frame []byte) error) error {
	resp, err := d.Send(ctx, requestBytes)
	if err != nil {
		return err
	}
	return fn(resp)
}

func (d *WebSocketDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
	_ = d.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return d.conn.Close()
}
