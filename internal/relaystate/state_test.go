package relaystate

import (
	"testing"
	"time"

	"github.com/gaspardpetit/voicerelay/internal/relay"
)

func TestMemoryStore(t *testing.T) {
	ms := NewMemoryStore()
	if got := ms.Load().State; got != relay.Idle {
		t.Fatalf("initial state = %q; want %q", got, relay.Idle)
	}
	ms.Store(relay.Status{State: relay.Active, ChannelID: 3, Pending: 2})
	st := ms.Load()
	if st.State != relay.Active || st.ChannelID != 3 || st.Pending != 2 {
		t.Fatalf("stored state = %#v", st)
	}
}

func TestPublisherWritesLatestSnapshot(t *testing.T) {
	ms := NewMemoryStore()
	p := NewPublisher(ms)
	for i := 1; i <= 50; i++ {
		p.StatusChanged(relay.Status{State: relay.Active, Pending: i})
	}
	p.Close()
	if got := ms.Load().Pending; got != 50 {
		t.Fatalf("pending = %d; want 50", got)
	}
	// Close is idempotent
	p.Close()
}

func TestPublisherFollowsDispatcher(t *testing.T) {
	ms := NewMemoryStore()
	p := NewPublisher(ms)
	defer p.Close()
	p.StatusChanged(relay.Status{State: relay.Active, ChannelID: 1})
	deadline := time.Now().Add(2 * time.Second)
	for ms.Load().State != relay.Active {
		if time.Now().After(deadline) {
			t.Fatal("snapshot never stored")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
