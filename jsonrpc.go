package main

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes. The first block matches the standard codes
// defined by the spec and mirrored by mark3labs/mcp-go/mcp; the second
// block is specific to this proxy.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeUnauthorized       = -32001
	CodeRateLimitExceeded  = -32002
	CodeUpstreamTransport  = -32010
	CodeUpstreamTimeout    = -32011
)

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is a JSON-RPC 2.0 envelope wide enough to represent a request, a
// response, or a notification. ID and Params/Result are kept as raw JSON so
// the proxy never has to interpret payloads it merely relays; only the
// fields the router explicitly rewrites (name/uri/params.proxy) are
// re-marshaled.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether m carries both an id and a method.
func (m *Message) IsRequest() bool {
	return len(m.ID) > 0 && m.Method != ""
}

// IsNotification reports whether m carries a method but no id.
func (m *Message) IsNotification() bool {
	return len(m.ID) == 0 && m.Method != ""
}

// IsResponse reports whether m carries an id and either a result or an error,
// with no method (a request and a response are mutually exclusive shapes).
func (m *Message) IsResponse() bool {
	return len(m.ID) > 0 && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IDString renders m's id (or a supplied raw id) as a stable map key,
// independent of whether the wire value was a JSON string or a JSON number.
func IDString(id json.RawMessage) string {
	return string(id)
}

func newRequest(id json.RawMessage, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

func newNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

func newResultMessage(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

func newErrorMessage(id json.RawMessage, code int, msg string, data any) *Message {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		// A nil json.RawMessage boxed in `any` is not itself a nil
		// interface, so it must be checked explicitly rather than falling
		// through to json.Marshal (which would encode it as "null").
		if len(v) > 0 {
			raw = v
		}
	default:
		raw, _ = json.Marshal(data)
	}
	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: msg, Data: raw},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// intID renders an integer request id as it would appear on the wire.
func intID(n int64) json.RawMessage {
	b, _ := json.Marshal(n)
	return b
}

// stringID renders a string request id as it would appear on the wire.
func stringID(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
