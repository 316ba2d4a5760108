// Package wire defines the frames exchanged with the native host and their
// JSON encoding.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Dialect names the keys used for the correlation id and the command.
type Dialect struct {
	Name       string
	IDKey      string
	CommandKey string
}

var (
	// Standard is the relay's own frame layout.
	Standard = Dialect{Name: "standard", IDKey: "correlationId", CommandKey: "command"}
	// Legacy matches hosts written against the browser extension, which
	// use requestId and cmd.
	Legacy = Dialect{Name: "legacy", IDKey: "requestId", CommandKey: "cmd"}
)

// ParseDialect resolves a dialect by name. The empty string selects Standard.
func ParseDialect(name string) (Dialect, error) {
	switch name {
	case "", Standard.Name:
		return Standard, nil
	case Legacy.Name:
		return Legacy, nil
	}
	return Dialect{}, fmt.Errorf("wire: unknown dialect %q", name)
}

// Reserved reports whether key collides with a key the dialect writes itself.
func (d Dialect) Reserved(key string) bool {
	return key == d.IDKey || key == d.CommandKey
}

var (
	ErrNotObject   = errors.New("wire: payload is not a JSON object")
	ErrReservedKey = errors.New("wire: payload uses a reserved key")
)

// Outbound is a frame sent to the native host. Fields are flattened into the
// top level of the encoded object next to the id and command. An empty
// CorrelationID is omitted, which is how stateless control commands travel.
type Outbound struct {
	CorrelationID string
	Command       string
	Fields        map[string]any
}

// Object returns the frame as a generic map laid out for the dialect.
func (o Outbound) Object(d Dialect) map[string]any {
	m := make(map[string]any, len(o.Fields)+2)
	for k, v := range o.Fields {
		m[k] = v
	}
	if o.CorrelationID != "" {
		m[d.IDKey] = o.CorrelationID
	}
	m[d.CommandKey] = o.Command
	return m
}

// Marshal encodes the frame as JSON for the dialect.
func (o Outbound) Marshal(d Dialect) ([]byte, error) {
	return json.Marshal(o.Object(d))
}

// DecodeFields parses a caller payload into frame fields. A nil or null
// payload yields no fields; anything other than a JSON object is rejected,
// as are keys the dialect reserves. Numbers are kept as json.Number so they
// reach the host exactly as the caller wrote them.
func DecodeFields(d Dialect, payload json.RawMessage) (map[string]any, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, ErrNotObject
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrNotObject
	}
	for k := range fields {
		if d.Reserved(k) {
			return nil, fmt.Errorf("%w: %s", ErrReservedKey, k)
		}
	}
	return fields, nil
}

// Inbound is a frame received from the native host. Frames answering a
// request carry CorrelationID; unsolicited host events (host_ready, typed
// text, control acknowledgements) do not and are reported through Status,
// Event and Raw only.
type Inbound struct {
	CorrelationID string
	OK            bool
	Result        json.RawMessage
	Error         string
	Status        string
	Event         string
	Raw           json.RawMessage
}

// Routable reports whether the frame names a correlation id.
func (f Inbound) Routable() bool { return f.CorrelationID != "" }

// DecodeInbound parses one JSON host message. Keys with unexpected types are
// treated as absent so a malformed id makes the frame unroutable rather than
// failing the channel.
func DecodeInbound(d Dialect, data []byte) (Inbound, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Inbound{}, fmt.Errorf("wire: decode inbound: %w", err)
	}
	f := Inbound{Raw: append(json.RawMessage(nil), data...)}
	stringField(m, d.IDKey, &f.CorrelationID)
	if v, ok := m["ok"]; ok {
		_ = json.Unmarshal(v, &f.OK)
	}
	if v, ok := m["result"]; ok && string(v) != "null" {
		f.Result = v
	}
	stringField(m, "error", &f.Error)
	stringField(m, "status", &f.Status)
	stringField(m, "event", &f.Event)
	return f, nil
}

func stringField(m map[string]json.RawMessage, key string, dst *string) {
	v, ok := m[key]
	if !ok {
		return
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		*dst = s
	}
}
