package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"

	"github.com/gaspardpetit/voicerelay/internal/wire"
)

// Codec selects how frames are carried in WebSocket messages.
type Codec string

const (
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
)

var (
	cborDec      cbor.DecMode
	mapStringAny = reflect.TypeOf(map[string]any(nil))
)

func init() {
	var err error
	cborDec, err = cbor.DecOptions{DefaultMapType: mapStringAny}.DecMode()
	if err != nil {
		panic(err)
	}
}

// WebSocketTransport reaches the native host through a WebSocket bridge.
// Each WebSocket message carries one frame.
type WebSocketTransport struct {
	URL        string
	Header     http.Header
	Codec      Codec
	Dialect    wire.Dialect
	MaxMessage int
}

const wsDialTimeout = 10 * time.Second

// Dial connects to the bridge. The connection outlives ctx, which usually
// belongs to the request that triggered the connect.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wsDialTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	conn, _, err := websocket.Dial(dctx, t.URL, &websocket.DialOptions{HTTPHeader: t.Header})
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", t.URL, err)
	}
	if t.MaxMessage > 0 {
		conn.SetReadLimit(int64(t.MaxMessage))
	}
	dialect := t.Dialect
	if dialect.IDKey == "" {
		dialect = wire.Standard
	}
	codec := t.Codec
	if codec == "" {
		codec = CodecJSON
	}
	return &wsConn{conn: conn, codec: codec, dialect: dialect}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	codec   Codec
	dialect wire.Dialect
}

func (c *wsConn) ReadFrame() (wire.Inbound, error) {
	_, data, err := c.conn.Read(context.Background())
	if err != nil {
		return wire.Inbound{}, err
	}
	if c.codec == CodecCBOR {
		var m map[string]any
		if err := cborDec.Unmarshal(data, &m); err != nil {
			return wire.Inbound{}, &MalformedError{Err: err}
		}
		if data, err = json.Marshal(m); err != nil {
			return wire.Inbound{}, &MalformedError{Err: err}
		}
	}
	f, err := wire.DecodeInbound(c.dialect, data)
	if err != nil {
		return wire.Inbound{}, &MalformedError{Err: err}
	}
	return f, nil
}

func (c *wsConn) WriteFrame(f wire.Outbound) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.codec == CodecCBOR {
		b, err := cbor.Marshal(cborValue(f.Object(c.dialect)))
		if err != nil {
			return err
		}
		return c.conn.Write(ctx, websocket.MessageBinary, b)
	}
	b, err := f.Marshal(c.dialect)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

// cborValue rewrites json.Number leaves as CBOR integers or floats so
// payload numbers are not encoded as text.
func cborValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cborValue(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cborValue(e)
		}
		return out
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if n, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return string(v)
	}
	return v
}

// Close starts the closing handshake without waiting for it; the pending
// ReadFrame returns once the handshake completes or times out.
func (c *wsConn) Close() error {
	go func() { _ = c.conn.Close(websocket.StatusNormalClosure, "relay closing") }()
	return nil
}
