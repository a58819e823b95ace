package acp

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/m4xw311/acpbridge/errors"
)

// Message is a generic JSON-RPC 2.0 message: request, notification or
// response. The id is kept raw so client ids of any JSON type survive the
// round trip untouched.
type Message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *errors.RPCError `json:"error,omitempty"`
}

// Parse decodes a single JSON-RPC message.
func Parse(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if isNull(msg.ID) {
		msg.ID = nil
	}
	return &msg, nil
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool { return len(m.ID) > 0 && !isNull(m.ID) }

// IsRequest reports whether the message is a method call expecting an answer.
func (m *Message) IsRequest() bool { return m.HasID() && m.Method != "" }

// IsNotification reports whether the message is a method call without id.
func (m *Message) IsNotification() bool { return !m.HasID() && m.Method != "" }

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.HasID() && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NumericID returns the id as an int64 when it is a JSON number.
func (m *Message) NumericID() (int64, bool) {
	if !m.HasID() {
		return 0, false
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(m.ID)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DecodeParams unmarshals the params into v.
func (m *Message) DecodeParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// Marshal encodes the message, filling in the protocol version.
func (m *Message) Marshal() (json.RawMessage, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = "2.0"
	}
	return json.Marshal(m)
}

// NewRequest builds a request message.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	p, err := marshalOptional(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Method: method, Params: p}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	p, err := marshalOptional(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: p}, nil
}

// NewResult builds a success response. A nil result is sent as JSON null.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: data}, nil
}

// NewError builds an error response.
func NewError(id json.RawMessage, rpcErr *errors.RPCError) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Error: rpcErr}
}

// IntID renders a numeric id as a raw JSON id.
func IntID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// StringID renders a string id as a raw JSON id.
func StringID(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// IDString returns the id as a plain string: unquoted for JSON strings,
// the literal text for numbers.
func IDString(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(id))
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
