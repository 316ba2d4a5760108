package relaystate

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/gaspardpetit/voicerelay/internal/relay"
)

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rs, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer rs.Close()

	if got := rs.Load().State; got != relay.Idle {
		t.Fatalf("initial state = %q; want %q", got, relay.Idle)
	}

	p := NewPublisher(rs)
	p.StatusChanged(relay.Status{State: relay.Active, ChannelID: 2, Opens: 2, HostPid: 4242})
	p.Close()

	// a second store sees the persisted state
	rs2, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer rs2.Close()
	st := rs2.Load()
	if st.State != relay.Active || st.ChannelID != 2 || st.HostPid != 4242 {
		t.Fatalf("persisted state = %#v", st)
	}
	if !mr.Exists(redisKey) {
		t.Fatalf("key %q missing", redisKey)
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisStore(addr); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
		tls    bool
	}{
		{"localhost:6379", 1, "", 0, false},
		{"redis://:pass@localhost:6379/1", 1, "", 1, false},
		{"redis://host1:6379,host2:6379/0", 2, "", 0, false},
		{"rediss://localhost:6380?db=3", 1, "", 3, true},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2, false},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parseRedisURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Fatalf("%q addrs = %d; want %d", tt.url, len(opts.Addrs), tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Fatalf("%q master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Fatalf("%q db = %d; want %d", tt.url, opts.DB, tt.db)
		}
		if (opts.TLSConfig != nil) != tt.tls {
			t.Fatalf("%q tls = %v; want %v", tt.url, opts.TLSConfig != nil, tt.tls)
		}
	}
	for _, bad := range []string{"http://localhost", "redis://localhost/abc"} {
		if _, err := parseRedisURL(bad); err == nil {
			t.Fatalf("parseRedisURL(%q): expected error", bad)
		}
	}
}
