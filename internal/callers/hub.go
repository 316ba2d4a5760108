// Package callers keeps the results addressed to each caller until the
// caller collects them, by polling or over a stream.
package callers

import (
	"sync"
	"time"

	"github.com/gaspardpetit/voicerelay/internal/metrics"
	"github.com/gaspardpetit/voicerelay/internal/relay"
)

const (
	// DefaultCapacity bounds each caller's mailbox.
	DefaultCapacity = 64
	// DefaultTTL is how long an unread mailbox survives without activity.
	DefaultTTL = 10 * time.Minute
	// DefaultMaxMailboxes bounds how many callers have a mailbox at once.
	DefaultMaxMailboxes = 4096
)

type mailbox struct {
	results []relay.Result
	subs    map[chan relay.Result]struct{}
	touched time.Time
}

// Hub routes results to per-caller mailboxes. Deliveries never block: when a
// mailbox is full its oldest result is evicted. Mailboxes nobody reads are
// dropped once idle for the TTL, or least recently used first when there
// are more than the configured maximum.
type Hub struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	max       int
	now       func() time.Time
	lastSweep time.Time
	boxes     map[string]*mailbox
}

// Option configures a Hub.
type Option func(*Hub)

// WithTTL sets how long an idle mailbox is kept. d <= 0 selects DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.ttl = d
		}
	}
}

// WithMaxMailboxes bounds the number of mailboxes. n <= 0 selects
// DefaultMaxMailboxes.
func WithMaxMailboxes(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.max = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub returns a Hub whose mailboxes hold at most capacity results.
func NewHub(capacity int, opts ...Option) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h := &Hub{
		capacity: capacity,
		ttl:      DefaultTTL,
		max:      DefaultMaxMailboxes,
		now:      time.Now,
		boxes:    make(map[string]*mailbox),
	}
	for _, o := range opts {
		o(h)
	}
	h.lastSweep = h.now()
	return h
}

// Caller returns the relay.Caller that delivers into id's mailbox.
func (h *Hub) Caller(id string) relay.Caller {
	return relay.CallerFunc(func(r relay.Result) { h.deliver(id, r) })
}

func (h *Hub) box(id string) *mailbox {
	now := h.now()
	b, ok := h.boxes[id]
	if !ok {
		h.evict(now)
		b = &mailbox{subs: make(map[chan relay.Result]struct{})}
		h.boxes[id] = b
	}
	b.touched = now
	return b
}

// evict drops expired mailboxes at most every ttl/4, and the least recently
// used one when the hub is full. Mailboxes with subscribers are kept.
func (h *Hub) evict(now time.Time) {
	if now.Sub(h.lastSweep) >= h.ttl/4 {
		h.lastSweep = now
		for id, b := range h.boxes {
			if len(b.subs) == 0 && now.Sub(b.touched) >= h.ttl {
				h.drop(id, b)
			}
		}
	}
	if len(h.boxes) < h.max {
		return
	}
	var (
		oldestID string
		oldest   *mailbox
	)
	for id, b := range h.boxes {
		if len(b.subs) == 0 && (oldest == nil || b.touched.Before(oldest.touched)) {
			oldestID, oldest = id, b
		}
	}
	if oldest != nil {
		h.drop(oldestID, oldest)
	}
}

func (h *Hub) drop(id string, b *mailbox) {
	delete(h.boxes, id)
	metrics.RecordMailboxEvicted(len(b.results))
}

func (h *Hub) deliver(id string, r relay.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.box(id)
	sent := false
	for sub := range b.subs {
		select {
		case sub <- r:
			sent = true
		default:
		}
	}
	if !sent {
		h.store(b, r)
	}
}

func (h *Hub) store(b *mailbox, r relay.Result) {
	if len(b.results) >= h.capacity {
		b.results = b.results[1:]
		metrics.RecordMailboxOverflow()
	}
	b.results = append(b.results, r)
}

// Poll removes and returns every result waiting for id.
func (h *Hub) Poll(id string) []relay.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.boxes[id]
	if !ok {
		return nil
	}
	out := b.results
	b.results = nil
	if len(b.subs) == 0 {
		delete(h.boxes, id)
	}
	return out
}

// Subscribe streams id's results. Results already waiting are sent first.
// The returned function ends the subscription: the results passed to it go
// back to the mailbox, followed by those the subscriber had not received.
func (h *Hub) Subscribe(id string) (<-chan relay.Result, func(unread ...relay.Result)) {
	ch := make(chan relay.Result, h.capacity)
	h.mu.Lock()
	b := h.box(id)
	for _, r := range b.results {
		ch <- r
	}
	b.results = nil
	b.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func(unread ...relay.Result) {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(b.subs, ch)
			b.touched = h.now()
			// results stored while ch was full are newer than those in ch
			later := b.results
			b.results = nil
			for _, r := range unread {
				h.store(b, r)
			}
			for drained := false; !drained; {
				select {
				case r := <-ch:
					h.store(b, r)
				default:
					drained = true
				}
			}
			for _, r := range later {
				h.store(b, r)
			}
			if len(b.subs) == 0 && len(b.results) == 0 && h.boxes[id] == b {
				delete(h.boxes, id)
			}
		})
	}
}

// Waiting returns how many results are queued for id.
func (h *Hub) Waiting(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.boxes[id]; ok {
		return len(b.results)
	}
	return 0
}

// Len returns how many callers currently have a mailbox.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boxes)
}
