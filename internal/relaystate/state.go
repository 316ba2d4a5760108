// Package relaystate publishes the relay status snapshot to a Store so that
// other processes (and the HTTP API) can read it.
package relaystate

import (
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/voicerelay/internal/relay"
)

// Store defines how the relay status is persisted. Implementations may keep
// it in memory or in an external service such as Redis.
type Store interface {
	Load() relay.Status
	Store(relay.Status)
}

// memoryStore implements Store using an atomic.Pointer. It is safe for
// concurrent use within a single process.
type memoryStore struct {
	v atomic.Pointer[relay.Status]
}

// NewMemoryStore returns a memory-backed Store initialized to idle.
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(&relay.Status{State: relay.Idle})
	return ms
}

func (m *memoryStore) Load() relay.Status { return *m.v.Load() }

func (m *memoryStore) Store(s relay.Status) { m.v.Store(&s) }

// Publisher is a relay.StatusObserver that writes snapshots to a Store from
// its own goroutine. Bursts of changes are coalesced; only the newest
// snapshot is written.
type Publisher struct {
	store  Store
	mu     sync.Mutex
	latest *relay.Status
	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewPublisher starts a Publisher writing to store.
func NewPublisher(store Store) *Publisher {
	p := &Publisher{
		store:  store,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// StatusChanged implements relay.StatusObserver. It never blocks.
func (p *Publisher) StatusChanged(s relay.Status) {
	p.mu.Lock()
	p.latest = &s
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Publisher) flush() {
	p.mu.Lock()
	s := p.latest
	p.latest = nil
	p.mu.Unlock()
	if s != nil {
		p.store.Store(*s)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.signal:
			p.flush()
		case <-p.stop:
			p.flush()
			return
		}
	}
}

// Close writes any pending snapshot and stops the Publisher.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}
