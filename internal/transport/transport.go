// Package transport implements the four wire-protocol drivers (stdio, HTTP,
// SSE, WebSocket) that speak JSON-RPC to one backend, behind a single
// Driver interface kept monomorphic by a closed set of implementations.
package transport

import (
	"context"
	"io"
)

// Driver is the fixed trait every backend transport implements: a
// request/response call, and a streaming variant for backends that emit
// incremental frames.
type Driver interface {
	// Send delivers requestBytes and waits for one response, honoring
	// ctx's deadline.
	Send(ctx context.Context, requestBytes []byte) ([]byte, error)

	// Stream delivers requestBytes and yields each response frame to fn as
	// it arrives; it returns once the stream ends or ctx is canceled.
	Stream(ctx context.Context, requestBytes []byte, fn func(frame []byte) error) error

	// Close releases any transport-owned resources (child process,
	// connection, socket).
	Close() error
}

// Frame is a single unit of streamed output carrying data or an error. The
// drivers' Stream methods hand frames to their callbacks as plain byte
// slices, not as Frame values.
type Frame struct {
	Data []byte
	Err  error
}

// FrameWriter is an io.Writer-backed sink for diagnostic output. StdioDriver
// does not use it: it drains stderr line by line into the logger.
type FrameWriter interface {
	io.Writer
}
