// Package engine implements the Protocol Handler (C10): the JSON-RPC
// inbound endpoint that orchestrates the registry, router, health/breaker
// gate, pool, transport, tool registry, cache, batcher, and compressor
// into one request/response flow.
package engine

import (
	"encoding/json"

	"github.com/stacklok-labs/mcpgatewayd/internal/errs"
)

// Request is one inbound JSON-RPC 2.0 message. ID is nil for a
// notification, which the handler processes but never replies to.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether req carries no id and therefore expects
// no reply.
func (r *Request) IsNotification() bool { return len(r.ID) == 0 }

// Response is one outbound JSON-RPC 2.0 message: exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCErrorObject `json:"error,omitempty"`
}

// RPCErrorObject is the JSON-RPC 2.0 error shape.
type RPCErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ParseRequest validates framing and the JSON-RPC envelope per JSON-RPC
// 2.0 rules, returning ParseError for malformed JSON and InvalidRequest
// for a structurally valid message missing required fields.
func ParseRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errs.Wrap(errs.KindParseError, err, "decoding request")
	}
	if req.JSONRPC != "2.0" {
		return nil, errs.New(errs.KindInvalidRequest, errInvalidVersion)
	}
	if req.Method == "" {
		return nil, errs.New(errs.KindInvalidRequest, errMissingMethod)
	}
	return &req, nil
}

var (
	errInvalidVersion = jsonrpcError("jsonrpc field must be \"2.0\"")
	errMissingMethod  = jsonrpcError("method field is required")
)

type jsonrpcError string

func (e jsonrpcError) Error() string { return string(e) }

// errorResponse builds a Response carrying err mapped to its JSON-RPC
// (code, message, data) triple.
func errorResponse(id json.RawMessage, err error) *Response {
	code, msg, data := errs.RPCError(err)
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCErrorObject{Code: code, Message: msg, Data: data}}
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}
