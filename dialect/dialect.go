// Package dialect holds one codec per client-facing wire protocol and the
// detector that picks a codec for a connection.
//
// Detection is an ordered, explicit attempt: each registered codec is asked
// whether a document belongs to its dialect and the first that accepts wins.
// The choice is memoized for the connection, so later documents are decoded
// by that codec alone.
package dialect

import (
	"encoding/json"
	"sync"

	"github.com/m4xw311/acpbridge/message"
)

// Codec decodes client documents into envelopes and renders events back into
// the dialect's wire shape. Encode may return several documents (the SDK
// dialect renders a deferred response as a message plus idle notifications)
// or none (noop events).
type Codec interface {
	Name() message.Dialect
	Detect(raw json.RawMessage) bool
	Decode(raw json.RawMessage) (*message.Envelope, error)
	Encode(ev message.Event) ([]json.RawMessage, error)
}

// Detector picks and memoizes a codec for one connection.
type Detector struct {
	codecs []Codec

	mu     sync.Mutex
	chosen Codec
}

// NewDetector tries codecs in the given order. With no arguments it uses
// pass-through ACP, then SDK, then event-stream.
func NewDetector(codecs ...Codec) *Detector {
	if len(codecs) == 0 {
		codecs = []Codec{NewPassthrough(), NewSDK(), NewStream()}
	}
	return &Detector{codecs: codecs}
}

// Detect returns the connection's codec, choosing it from raw if none has
// been chosen yet.
func (d *Detector) Detect(raw json.RawMessage) (Codec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.chosen != nil {
		return d.chosen, true
	}
	for _, c := range d.codecs {
		if c.Detect(raw) {
			d.chosen = c
			return c, true
		}
	}
	return nil, false
}

// Chosen returns the memoized codec, or nil before detection.
func (d *Detector) Chosen() Codec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chosen
}

// probe is the union of top-level fields the codecs look at to classify a
// document.
type probe struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
	Type    *string         `json:"type"`
}

func parseProbe(raw json.RawMessage) (probe, bool) {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, false
	}
	return p, true
}

func (p probe) method() string {
	if p.Method == nil {
		return ""
	}
	return *p.Method
}

func (p probe) isJSONRPC() bool {
	return p.JSONRPC != nil || p.Method != nil || (len(p.ID) > 0 && (p.Result != nil || p.Error != nil))
}

func marshalAll(vs ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(vs))
	for _, v := range vs {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}
