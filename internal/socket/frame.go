// Package socket is the event transport shared by browser sessions and
// the agent mesh: JSON frames over one websocket, with optional
// acknowledgements.
package socket

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypeEvent = "event"
	TypeAck   = "ack"
)

// Frame is one message on the wire. ID is zero when the sender does not
// expect an acknowledgement.
type Frame struct {
	Type  string            `json:"type"`
	ID    uint64            `json:"id,omitempty"`
	Event string            `json:"event,omitempty"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
}

// Args are the raw arguments of an event.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i >= len(a) {
		return fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// String returns argument i as a string, or "" when absent or not a
// string.
func (a Args) String(i int) string {
	var s string
	if a.Decode(i, &s) != nil {
		return ""
	}
	return s
}

// Int returns argument i as an int, or 0.
func (a Args) Int(i int) int {
	var n float64
	if a.Decode(i, &n) != nil {
		return 0
	}
	return int(n)
}

// From returns the arguments starting at i.
func (a Args) From(i int) Args {
	if i >= len(a) {
		return nil
	}
	return a[i:]
}

// EncodeArgs marshals each value to a raw argument.
func EncodeArgs(values ...any) (Args, error) {
	out := make(Args, 0, len(values))
	for _, v := range values {
		if raw, ok := v.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode argument: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

// tagEndpoint adds "endpoint" to a JSON object. Other values are returned
// unchanged.
func tagEndpoint(raw json.RawMessage, endpoint string) json.RawMessage {
	if len(raw) == 0 || raw[0] != '{' {
		return raw
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	ep, _ := json.Marshal(endpoint)
	obj["endpoint"] = ep
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}
