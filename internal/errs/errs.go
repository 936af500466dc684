// Package errs defines the typed error taxonomy used across the proxy's
// request path and the JSON-RPC error-code mapping described in the
// protocol handler's error handling design.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories the protocol handler
// maps to a JSON-RPC error response.
type Kind string

const (
	KindParseError        Kind = "parse_error"
	KindInvalidRequest     Kind = "invalid_request"
	KindMethodNotFound     Kind = "method_not_found"
	KindInvalidParams      Kind = "invalid_params"
	KindNoBackendAvailable Kind = "no_backend_available"
	KindCircuitOpen        Kind = "circuit_open"
	KindTimeout            Kind = "timeout"
	KindBackendError       Kind = "backend_error"
	KindExhausted          Kind = "exhausted"
	KindCanceled           Kind = "canceled"
	KindSchemaFetchFailed  Kind = "schema_fetch_failed"
	KindConfigViolation    Kind = "config_violation"
	KindAuthDenied         Kind = "auth_denied"
)

// rpcMapping holds the JSON-RPC 2.0 code and default message for a Kind.
type rpcMapping struct {
	code    int
	message string
}

// mappings implements the error handling design's Kind -> JSON-RPC code table.
// Codes below -32000 are the reserved JSON-RPC range; -32000..-32099 is the
// implementation-defined server-error range this proxy uses for domain errors.
var mappings = map[Kind]rpcMapping{
	KindParseError:         {-32700, "parse error"},
	KindInvalidRequest:     {-32600, "invalid request"},
	KindMethodNotFound:     {-32601, "method not found"},
	KindInvalidParams:      {-32602, "invalid params"},
	KindNoBackendAvailable: {-32001, "no backend available"},
	KindCircuitOpen:        {-32002, "circuit open"},
	KindTimeout:            {-32003, "request timed out"},
	KindAuthDenied:         {-32004, "denied"},
	KindExhausted:          {-32005, "resource exhausted"},
	KindCanceled:           {-32006, "request canceled"},
	KindSchemaFetchFailed:  {-32602, "schema fetch failed"},
	KindConfigViolation:    {-32008, "configuration violation"},
	KindBackendError:       {-32010, "backend error"},
}

// Error is the proxy's wrapped error type: a Kind, an optional backend or
// tool identifier for diagnostics, and the underlying cause.
type Error struct {
	Kind    Kind
	Backend string
	Cause   error
}

func (e *Error) Error() string {
	if e.Backend != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s (backend %s): %v", e.Kind, e.Backend, e.Cause)
		}
		return fmt.Sprintf("%s (backend %s)", e.Kind, e.Backend)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WithBackend attaches a backend identifier for diagnostics.
func (e *Error) WithBackend(id string) *Error {
	return &Error{Kind: e.Kind, Backend: id, Cause: e.Cause}
}

// Wrap attaches context to cause and wraps it with kind.
func Wrap(kind Kind, cause error, context string) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf("%s: %w", context, cause)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise returns KindBackendError as the catch-all.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackendError
}

// RPCError maps err to the JSON-RPC 2.0 (code, message, data) triple per
// the error handling design table. Unrecognized errors fall back to the
// generic internal-error code -32603.
func RPCError(err error) (code int, message string, data any) {
	var e *Error
	if errors.As(err, &e) {
		if m, ok := mappings[e.Kind]; ok {
			d := map[string]any{}
			if e.Backend != "" {
				d["backend"] = e.Backend
			}
			if e.Cause != nil {
				d["cause"] = e.Cause.Error()
			}
			if len(d) == 0 {
				return m.code, m.message, nil
			}
			return m.code, m.message, d
		}
	}
	return -32603, "internal error", map[string]any{"cause": err.Error()}
}
