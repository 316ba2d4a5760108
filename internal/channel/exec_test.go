package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/voicerelay/internal/channel"
	"github.com/gaspardpetit/voicerelay/internal/nativemsg"
	"github.com/gaspardpetit/voicerelay/internal/wire"
)

const (
	helperEnv     = "VOICERELAY_HELPER_HOST"
	helperModeEnv = "VOICERELAY_HELPER_MODE"
)

// TestHelperNativeHost is not a real test: it is the native host spawned by
// the exec transport tests. It announces itself, echoes the text field of
// every request and exits when asked to. In stall mode it never reads.
func TestHelperNativeHost(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	if os.Getenv(helperModeEnv) == "stall" {
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	r := nativemsg.NewReader(os.Stdin, 0)
	w := nativemsg.NewWriter(os.Stdout, 0)
	write := func(v any) {
		b, _ := json.Marshal(v)
		_ = w.WriteMessage(b)
	}
	write(map[string]any{"ok": true, "status": "host_ready"})
	for {
		body, err := r.ReadMessage()
		if err != nil {
			os.Exit(0)
		}
		var msg map[string]any
		_ = json.Unmarshal(body, &msg)
		switch msg["command"] {
		case "exit":
			os.Exit(3)
		case "echo":
			write(map[string]any{"correlationId": msg["correlationId"], "ok": true, "result": msg["text"]})
		default:
			write(map[string]any{"correlationId": msg["correlationId"], "ok": false, "error": "unknown_cmd"})
		}
	}
}

func helperTransport() *channel.ExecTransport {
	return &channel.ExecTransport{
		Path:       os.Args[0],
		Args:       []string{"-test.run=^TestHelperNativeHost$"},
		Env:        []string{helperEnv + "=1"},
		Dialect:    wire.Standard,
		CloseGrace: 2 * time.Second,
	}
}

type chanObserver struct {
	frames chan wire.Inbound
	closed chan error
}

func newChanObserver() *chanObserver {
	return &chanObserver{frames: make(chan wire.Inbound, 16), closed: make(chan error, 1)}
}

func (o *chanObserver) OnFrame(_ *channel.Channel, f wire.Inbound) { o.frames <- f }
func (o *chanObserver) OnClosed(_ *channel.Channel, err error)    { o.closed <- err }

func (o *chanObserver) next(t *testing.T) wire.Inbound {
	t.Helper()
	select {
	case f := <-o.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return wire.Inbound{}
	}
}

func TestExecTransportRoundTrip(t *testing.T) {
	obs := newChanObserver()
	ch, err := channel.Open(context.Background(), 1, helperTransport(), obs)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ch.Pid() == 0 {
		t.Fatalf("expected a host pid")
	}
	if f := obs.next(t); f.Routable() || f.Status != "host_ready" {
		t.Fatalf("expected unsolicited ready frame, got %+v", f)
	}
	if err := ch.Send(wire.Outbound{CorrelationID: "1", Command: "echo", Fields: map[string]any{"text": "hello"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	f := obs.next(t)
	if f.CorrelationID != "1" || !f.OK || string(f.Result) != `"hello"` {
		t.Fatalf("unexpected reply %+v", f)
	}

	_ = ch.Close()
	select {
	case err := <-obs.closed:
		if !errors.Is(err, io.EOF) {
			t.Logf("closed with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not report closure")
	}
}

func TestExecTransportHostExit(t *testing.T) {
	obs := newChanObserver()
	ch, err := channel.Open(context.Background(), 1, helperTransport(), obs)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	obs.next(t)
	if err := ch.Send(wire.Outbound{CorrelationID: "1", Command: "exit"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-obs.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("host exit not reported")
	}
	if ch.State() != channel.StateClosed {
		t.Fatalf("state after exit: %s", ch.State())
	}
}

func TestExecTransportHostThatStopsReading(t *testing.T) {
	tr := helperTransport()
	tr.Env = append(tr.Env, helperModeEnv+"=stall")
	tr.WriteTimeout = 300 * time.Millisecond
	tr.CloseGrace = 200 * time.Millisecond
	obs := newChanObserver()
	ch, err := channel.Open(context.Background(), 1, tr, obs)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	big := strings.Repeat("x", 200<<10)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := ch.Send(wire.Outbound{CorrelationID: strconv.Itoa(i + 1), Command: "echo", Fields: map[string]any{"text": big}}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("send blocked for %s", elapsed)
	}
	select {
	case <-obs.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled host was not torn down")
	}
	if err := ch.Send(wire.Outbound{CorrelationID: "9", Command: "echo"}); !errors.Is(err, channel.ErrClosed) {
		t.Fatalf("send after teardown: %v", err)
	}
}

func TestExecTransportOversizedFrame(t *testing.T) {
	tr := helperTransport()
	tr.MaxMessage = 64
	obs := newChanObserver()
	ch, err := channel.Open(context.Background(), 1, tr, obs)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	obs.next(t)
	err = ch.Send(wire.Outbound{CorrelationID: "1", Command: "echo", Fields: map[string]any{"text": strings.Repeat("x", 100)}})
	if !errors.Is(err, nativemsg.ErrMessageTooLarge) {
		t.Fatalf("expected size error, got %v", err)
	}
	if err := ch.Send(wire.Outbound{CorrelationID: "2", Command: "echo", Fields: map[string]any{"text": "ok"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f := obs.next(t); f.CorrelationID != "2" {
		t.Fatalf("unexpected reply %+v", f)
	}
}

func TestExecTransportMissingBinary(t *testing.T) {
	tr := &channel.ExecTransport{Path: "/nonexistent/voicetype-host"}
	if _, err := tr.Dial(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	if _, err := (&channel.ExecTransport{}).Dial(context.Background()); err == nil {
		t.Fatal("expected failure without a path")
	}
}
