// Package channel owns the single connection to the native host. A Channel
// is one lifetime of that connection: it is opened, delivers inbound frames
// in order, and reports its closure exactly once.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/voicerelay/internal/logx"
	"github.com/gaspardpetit/voicerelay/internal/metrics"
	"github.com/gaspardpetit/voicerelay/internal/wire"
)

// ErrClosed is returned by Send once the channel is closed.
var ErrClosed = errors.New("channel: closed")

// State is the connection state of a Channel.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Conn is one established transport connection.
type Conn interface {
	// ReadFrame blocks until the next inbound frame. A *MalformedError
	// reports a message that arrived intact but could not be decoded; any
	// other error ends the connection.
	ReadFrame() (wire.Inbound, error)
	WriteFrame(wire.Outbound) error
	Close() error
}

// Transport establishes connections to the native host.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// MalformedError wraps a decode failure for a single message.
type MalformedError struct{ Err error }

func (e *MalformedError) Error() string { return "channel: malformed frame: " + e.Err.Error() }
func (e *MalformedError) Unwrap() error { return e.Err }

// Observer receives channel events. Both methods are called from the
// channel's reader goroutine: OnFrame once per frame in receipt order,
// then OnClosed exactly once.
type Observer interface {
	OnFrame(ch *Channel, f wire.Inbound)
	OnClosed(ch *Channel, err error)
}

// Channel is one lifetime of the native host connection.
type Channel struct {
	id     uint64
	conn   Conn
	obs    Observer
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

// Open dials the transport and starts delivering events to obs.
func Open(ctx context.Context, id uint64, t Transport, obs Observer) (*Channel, error) {
	conn, err := t.Dial(ctx)
	if err != nil {
		metrics.RecordChannelOpen(false)
		return nil, fmt.Errorf("channel: dial: %w", err)
	}
	metrics.RecordChannelOpen(true)
	ch := &Channel{id: id, conn: conn, obs: obs, done: make(chan struct{})}
	go ch.readLoop()
	return ch, nil
}

// ID returns the channel's lifetime number.
func (c *Channel) ID() uint64 { return c.id }

// State reports whether the channel is still open.
func (c *Channel) State() State {
	if c.closed.Load() {
		return StateClosed
	}
	return StateOpen
}

// Done is closed after OnClosed has returned.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Pid returns the native host process id when the transport spawned one.
func (c *Channel) Pid() int {
	if p, ok := c.conn.(interface{ Pid() int }); ok {
		return p.Pid()
	}
	return 0
}

// Send writes one frame. Sending on a closed channel returns ErrClosed.
func (c *Channel) Send(f wire.Outbound) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.conn.WriteFrame(f); err != nil {
		return fmt.Errorf("channel: send: %w", err)
	}
	return nil
}

// Close tears the connection down. OnClosed follows from the reader
// goroutine once the transport reports the end of the stream.
func (c *Channel) Close() error {
	c.closed.Store(true)
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}

func (c *Channel) readLoop() {
	log := logx.Log.With().Uint64("channel_id", c.id).Logger()
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			var me *MalformedError
			if errors.As(err, &me) {
				log.Warn().Err(err).Msg("dropping malformed native frame")
				metrics.RecordDroppedFrame("malformed")
				continue
			}
			c.closed.Store(true)
			c.once.Do(func() { _ = c.conn.Close() })
			log.Info().Err(err).Msg("native channel closed")
			metrics.RecordChannelClosed()
			c.obs.OnClosed(c, err)
			close(c.done)
			return
		}
		c.obs.OnFrame(c, f)
	}
}
