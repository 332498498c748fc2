package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// JSON-RPC error codes produced by the dispatcher.
const (
	CodeInternalError  = -32000
	CodeMethodNotFound = -32601
)

// Envelope is a single inbound JSON-RPC message.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether e must not produce a response envelope.
// A null id or a notifications/ method marks a one-way message.
func (e Envelope) IsNotification() bool {
	return e.ID == nil || strings.HasPrefix(e.Method, "notifications/")
}

// ParamsMap decodes the params member into a generic map. Absent or
// non-object params yield an empty map.
func (e Envelope) ParamsMap() map[string]any {
	m := map[string]any{}
	if len(e.Params) > 0 {
		_ = json.Unmarshal(e.Params, &m)
	}
	return m
}

// ParseEnvelope validates raw bytes as a single JSON-RPC message.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid json-rpc: %w", err)
	}
	if env.Method == "" {
		return Envelope{}, errors.New("invalid json-rpc: missing method")
	}
	return env, nil
}

// Response is an outbound JSON-RPC envelope. Result is kept pre-marshaled so
// an empty object result survives serialization.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newResult(id any, result any) *Response {
	b, err := json.Marshal(result)
	if err != nil {
		return newError(id, CodeInternalError, err.Error())
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: b}
}

func newError(id any, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}
}
