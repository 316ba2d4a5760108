package callers_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/voicerelay/internal/callers"
	"github.com/gaspardpetit/voicerelay/internal/relay"
)

func TestPollDrainsMailbox(t *testing.T) {
	h := callers.NewHub(4)
	h.Caller("tab-1").Deliver(relay.Result{CorrelationID: "1", OK: true})
	h.Caller("tab-1").Deliver(relay.Result{CorrelationID: "2", OK: true})
	h.Caller("tab-2").Deliver(relay.Result{CorrelationID: "3", OK: true})

	assert.Equal(t, 2, h.Waiting("tab-1"))
	got := h.Poll("tab-1")
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].CorrelationID)
	assert.Equal(t, "2", got[1].CorrelationID)
	assert.Empty(t, h.Poll("tab-1"))
	assert.Equal(t, 1, h.Waiting("tab-2"))
	assert.Empty(t, h.Poll("nobody"))
}

func TestFullMailboxEvictsOldest(t *testing.T) {
	h := callers.NewHub(2)
	c := h.Caller("tab")
	for _, id := range []string{"1", "2", "3"} {
		c.Deliver(relay.Result{CorrelationID: id})
	}
	got := h.Poll("tab")
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].CorrelationID)
	assert.Equal(t, "3", got[1].CorrelationID)
}

func TestSubscribeReceivesBacklogThenLive(t *testing.T) {
	h := callers.NewHub(8)
	c := h.Caller("tab")
	c.Deliver(relay.Result{CorrelationID: "early"})

	stream, cancel := h.Subscribe("tab")
	defer cancel()
	c.Deliver(relay.Result{CorrelationID: "live"})

	for _, want := range []string{"early", "live"} {
		select {
		case r := <-stream:
			assert.Equal(t, want, r.CorrelationID)
		case <-time.After(time.Second):
			t.Fatalf("missing %s", want)
		}
	}
	assert.Zero(t, h.Waiting("tab"))
}

func TestUnsubscribedResultsGoToMailbox(t *testing.T) {
	h := callers.NewHub(8)
	_, cancel := h.Subscribe("tab")
	cancel()
	cancel()
	h.Caller("tab").Deliver(relay.Result{CorrelationID: "after"})
	got := h.Poll("tab")
	require.Len(t, got, 1)
	assert.Equal(t, "after", got[0].CorrelationID)
}

func TestDefaultCapacity(t *testing.T) {
	h := callers.NewHub(0)
	c := h.Caller("tab")
	for i := 0; i < callers.DefaultCapacity+5; i++ {
		c.Deliver(relay.Result{})
	}
	assert.Equal(t, callers.DefaultCapacity, h.Waiting("tab"))
}

func TestUnsubscribeReturnsUnreadResults(t *testing.T) {
	h := callers.NewHub(8)
	_, cancel := h.Subscribe("tab")
	h.Caller("tab").Deliver(relay.Result{CorrelationID: "unread"})
	cancel()
	got := h.Poll("tab")
	require.Len(t, got, 1)
	assert.Equal(t, "unread", got[0].CorrelationID)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestIdleMailboxesExpire(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	h := callers.NewHub(4, callers.WithTTL(time.Minute), callers.WithClock(clk.now))
	h.Caller("abandoned").Deliver(relay.Result{CorrelationID: "1"})
	_, unsubscribe := h.Subscribe("listening")
	defer unsubscribe()

	clk.advance(30 * time.Second)
	h.Caller("recent").Deliver(relay.Result{CorrelationID: "2"})
	assert.Equal(t, 3, h.Len())

	clk.advance(45 * time.Second)
	h.Caller("new").Deliver(relay.Result{CorrelationID: "3"})
	assert.Zero(t, h.Waiting("abandoned"))
	assert.Equal(t, 1, h.Waiting("recent"))
	assert.Equal(t, 3, h.Len(), "subscribed mailbox must survive")
}

func TestAnonymousCallersDoNotAccumulate(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	h := callers.NewHub(4, callers.WithMaxMailboxes(100), callers.WithClock(clk.now))
	for i := 0; i < 10000; i++ {
		clk.advance(time.Millisecond)
		h.Caller(fmt.Sprintf("anon-%d", i)).Deliver(relay.Result{CorrelationID: "x"})
	}
	assert.Equal(t, 100, h.Len())
	assert.Equal(t, 1, h.Waiting("anon-9999"))
	assert.Zero(t, h.Waiting("anon-0"))
}

func TestUnsubscribeKeepsDeliveryOrder(t *testing.T) {
	h := callers.NewHub(4)
	stream, unsubscribe := h.Subscribe("tab")
	c := h.Caller("tab")
	for _, id := range []string{"1", "2", "3"} {
		c.Deliver(relay.Result{CorrelationID: id})
	}
	first := <-stream
	unsubscribe(first)

	got := h.Poll("tab")
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.CorrelationID
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}
