package main

import (
	"testing"
	"time"

	"github.com/gaspardpetit/voicerelay/internal/channel"
	"github.com/gaspardpetit/voicerelay/internal/config"
	"github.com/gaspardpetit/voicerelay/internal/wire"
)

func TestNewTransport(t *testing.T) {
	var cfg config.RelayConfig
	cfg.SetDefaults()
	cfg.HostPath = "/usr/local/bin/voice-host"
	cfg.HostArgs = []string{"chrome-extension://abc/"}
	cfg.CloseGrace = 2 * time.Second

	et, ok := newTransport(cfg, wire.Legacy).(*channel.ExecTransport)
	if !ok {
		t.Fatalf("exec transport expected")
	}
	if et.Path != cfg.HostPath || et.Args[0] != "chrome-extension://abc/" || et.Dialect.IDKey != "requestId" || et.CloseGrace != 2*time.Second || et.WriteTimeout != 5*time.Second {
		t.Fatalf("exec transport = %+v", et)
	}

	cfg.Transport = config.TransportWS
	cfg.HostURL = "ws://127.0.0.1:9000/native"
	cfg.Codec = "cbor"
	wt, ok := newTransport(cfg, wire.Standard).(*channel.WebSocketTransport)
	if !ok {
		t.Fatalf("websocket transport expected")
	}
	if wt.URL != cfg.HostURL || wt.Codec != channel.CodecCBOR || wt.MaxMessage != 8<<20 {
		t.Fatalf("websocket transport = %+v", wt)
	}
}
