package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
)

// poolMaintenanceInterval matches the pool design's documented 60s
// maintenance cadence.
const poolMaintenanceInterval = 60 * time.Second

// shutdownGrace bounds how long Serve waits for in-flight requests to
// drain once its context is canceled.
const shutdownGrace = 10 * time.Second

// Address reports the host:port Serve listens on.
func (e *Engine) Address() string {
	return fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
}

// Serve runs the single client-facing JSON-RPC endpoint (spec's "outer
// layer... not covered here" made concrete, per the thin CLI wiring) and
// the pool manager's maintenance loop, blocking until ctx is canceled or
// the listener fails.
func (e *Engine) Serve(ctx context.Context) error {
	r := chi.NewRouter()
	r.Post("/", e.httpHandler)

	srv := &http.Server{Addr: e.Address(), Handler: r}

	if e.pools != nil {
		go e.pools.Run(ctx, poolMaintenanceInterval)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Infof("engine: shutting down %s", e.Address())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// httpHandler adapts one HTTP POST into a HandleMessage call. The request
// body is the full JSON-RPC envelope; the response, if any, is written back
// verbatim. Principal defaults to the remote address when the caller names
// none — auth middleware belongs to the outer layer this package stays
// agnostic of.
func (e *Engine) httpHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, errs.Wrap(errs.KindParseError, err, "reading request body"))
		return
	}

	principal := r.Header.Get("X-Client-Id")
	if principal == "" {
		principal = r.RemoteAddr
	}

	resp := e.HandleMessage(r.Context(), principal, body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func writeRPCError(w http.ResponseWriter, err error) {
	resp := errorResponse(nil, err)
	out, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write(out)
}
