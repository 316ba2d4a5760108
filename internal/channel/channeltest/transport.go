// Package channeltest provides an in-memory channel.Transport whose
// connections are driven by tests.
package channeltest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gaspardpetit/voicerelay/internal/channel"
	"github.com/gaspardpetit/voicerelay/internal/wire"
)

// Transport hands out Conns. Setting FailDial makes every Dial fail.
type Transport struct {
	mu       sync.Mutex
	failDial error
	conns    []*Conn
	dialed   chan *Conn
}

// New returns a Transport that dials successfully.
func New() *Transport {
	return &Transport{dialed: make(chan *Conn, 64)}
}

// FailDial makes subsequent dials return err; nil restores success.
func (t *Transport) FailDial(err error) {
	t.mu.Lock()
	t.failDial = err
	t.mu.Unlock()
}

// Dial implements channel.Transport.
func (t *Transport) Dial(ctx context.Context) (channel.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failDial != nil {
		return nil, t.failDial
	}
	c := &Conn{
		in:     make(chan item, 1024),
		sent:   make(chan wire.Outbound, 1024),
		closed: make(chan struct{}),
	}
	t.conns = append(t.conns, c)
	select {
	case t.dialed <- c:
	default:
	}
	return c, nil
}

// Dials returns the number of successful dials so far.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Last returns the most recently dialed Conn or nil.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// NextDial waits for the next successful dial.
func (t *Transport) NextDial(timeout time.Duration) *Conn {
	select {
	case c := <-t.dialed:
		return c
	case <-time.After(timeout):
		return nil
	}
}

type item struct {
	frame wire.Inbound
	err   error
}

// Conn is an in-memory channel.Conn. Frames written by the relay are
// available through Sent; frames for the relay are injected with Reply.
type Conn struct {
	in     chan item
	sent   chan wire.Outbound
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	writeErr error
}

// ReadFrame implements channel.Conn.
func (c *Conn) ReadFrame() (wire.Inbound, error) {
	select {
	case it := <-c.in:
		return it.frame, it.err
	case <-c.closed:
		return wire.Inbound{}, io.EOF
	}
}

// WriteFrame implements channel.Conn.
func (c *Conn) WriteFrame(f wire.Outbound) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.New("channeltest: write on closed conn")
	default:
	}
	c.sent <- f
	return nil
}

// Close implements channel.Conn.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether the relay closed the conn.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// FailWrites makes subsequent writes return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Reply injects an inbound frame.
func (c *Conn) Reply(f wire.Inbound) { c.in <- item{frame: f} }

// Malformed injects an undecodable message.
func (c *Conn) Malformed() {
	c.in <- item{err: &channel.MalformedError{Err: errors.New("bad json")}}
}

// Hangup simulates the remote side going away after any frames already
// injected have been read.
func (c *Conn) Hangup() { c.in <- item{err: io.EOF} }

// Sent waits for the next frame written by the relay.
func (c *Conn) Sent(timeout time.Duration) (wire.Outbound, bool) {
	select {
	case f := <-c.sent:
		return f, true
	case <-time.After(timeout):
		return wire.Outbound{}, false
	}
}
