package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/voicerelay/internal/channel"
	"github.com/gaspardpetit/voicerelay/internal/logx"
	"github.com/gaspardpetit/voicerelay/internal/metrics"
	"github.com/gaspardpetit/voicerelay/internal/nativemsg"
	"github.com/gaspardpetit/voicerelay/internal/pending"
	"github.com/gaspardpetit/voicerelay/internal/wire"
)

// Options configures a Dispatcher.
type Options struct {
	Transport channel.Transport
	Dialect   wire.Dialect
	// RequestTimeout bounds how long an entry may stay pending. Zero waits
	// until a response or channel closure.
	RequestTimeout time.Duration
	// IDPrefix is prepended to every correlation id.
	IDPrefix string
	Observer StatusObserver
}

// Dispatcher multiplexes caller requests over a single native channel and
// routes each response back to the caller that issued it.
//
// All state below the inbox is owned by the loop goroutine.
type Dispatcher struct {
	opts   Options
	log    zerolog.Logger
	inbox  *inbox
	done   chan struct{}
	closed atomic.Bool
	status atomic.Pointer[Status]

	ch        *channel.Channel
	channelID uint64
	opens     uint64
	table     *pending.Table[Caller]
	ids       *pending.IDSource
	timers    map[string]*time.Timer
	lastErr   string
	lastEvent json.RawMessage
	stopping  bool
}

// New returns a running Dispatcher in the idle state. No channel is opened
// until the first request or Reconnect.
func New(opts Options) *Dispatcher {
	if opts.Dialect.IDKey == "" {
		opts.Dialect = wire.Standard
	}
	d := &Dispatcher{
		opts:   opts,
		log:    logx.Component("relay"),
		inbox:  newInbox(),
		done:   make(chan struct{}),
		table:  pending.NewTable[Caller](),
		ids:    pending.NewIDSource(opts.IDPrefix),
		timers: make(map[string]*time.Timer),
	}
	d.publish()
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for range d.inbox.signal {
		for _, fn := range d.inbox.take() {
			fn()
			if d.stopping {
				return
			}
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (d *Dispatcher) do(fn func()) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	finished := make(chan struct{})
	d.inbox.push(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return nil
	case <-d.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrDispatcherClosed
		}
	}
}

// Submit sends req to the native host on behalf of caller and returns the
// correlation id assigned to it. The result is always delivered to caller
// later, exactly once. When the channel cannot be opened the failure is
// delivered to caller and the returned id is empty.
//
// ctx bounds opening the channel only.
func (d *Dispatcher) Submit(ctx context.Context, req Request, caller Caller) (string, error) {
	if caller == nil {
		return "", fmt.Errorf("%w: caller is required", ErrInvalidRequest)
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return "", fmt.Errorf("%w: command is required", ErrInvalidRequest)
	}
	fields, err := wire.DecodeFields(d.opts.Dialect, req.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var id string
	if err := d.do(func() { id = d.submit(ctx, command, fields, caller) }); err != nil {
		return "", err
	}
	return id, nil
}

func (d *Dispatcher) submit(ctx context.Context, command string, fields map[string]any, caller Caller) string {
	ch, err := d.ensureOpen(ctx)
	if err != nil {
		metrics.RecordRequest(command, Code(ErrConnectFailed))
		caller.Deliver(failure("", ErrConnectFailed))
		return ""
	}
	id := d.ids.Next()
	entry := pending.Entry[Caller]{
		CorrelationID: id,
		Command:       command,
		Caller:        caller,
		SubmittedAt:   time.Now(),
	}
	if err := d.table.Register(entry); err != nil {
		d.log.Error().Err(err).Str("correlation_id", id).Msg("correlation id collision")
		metrics.RecordRequest(command, Code(err))
		caller.Deliver(failure(id, err))
		return id
	}
	metrics.SetPending(d.table.Len())
	d.armTimer(id)

	err = ch.Send(wire.Outbound{CorrelationID: id, Command: command, Fields: fields})
	switch {
	case err == nil:
		d.log.Debug().Str("correlation_id", id).Str("command", command).Uint64("channel_id", ch.ID()).Msg("request sent")
	case errors.Is(err, nativemsg.ErrMessageTooLarge):
		// nothing reached the host; the stream is still usable
		d.resolve(id, failure(id, err))
	default:
		d.log.Warn().Err(err).Str("correlation_id", id).Msg("send failed")
		d.lastErr = err.Error()
		d.resolve(id, failure(id, ErrDisconnected))
		d.retire(ch, err)
	}
	d.publish()
	return id
}

// Reconnect opens the native channel if it is not already open.
func (d *Dispatcher) Reconnect(ctx context.Context) error {
	var err error
	if derr := d.do(func() { _, err = d.ensureOpen(ctx) }); derr != nil {
		return derr
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return nil
}

// Control sends an uncorrelated control command to the host and returns the
// transitional status reported to the user.
func (d *Dispatcher) Control(ctx context.Context, command string) (string, error) {
	if command != ControlStart && command != ControlStop {
		return "", fmt.Errorf("%w: unknown control command %q", ErrInvalidRequest, command)
	}
	var (
		status string
		err    error
	)
	if derr := d.do(func() { status, err = d.control(ctx, command) }); derr != nil {
		return "", derr
	}
	return status, err
}

func (d *Dispatcher) control(ctx context.Context, command string) (string, error) {
	var ch *channel.Channel
	if command == ControlStart {
		var err error
		if ch, err = d.ensureOpen(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrConnectFailed, err)
		}
	} else {
		ch = d.current()
		if ch == nil {
			return "", ErrNotConnected
		}
	}
	if err := ch.Send(wire.Outbound{Command: command}); err != nil {
		d.lastErr = err.Error()
		d.retire(ch, err)
		return "", fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	d.log.Info().Str("command", command).Uint64("channel_id", ch.ID()).Msg("control command sent")
	if command == ControlStart {
		return "starting", nil
	}
	return "stopping", nil
}

// Disconnect closes the native channel. Every pending request is failed with
// native_disconnected. It reports whether a channel was open.
func (d *Dispatcher) Disconnect() bool {
	var had bool
	_ = d.do(func() {
		if ch := d.current(); ch != nil {
			had = true
			d.retire(ch, nil)
		}
	})
	return had
}

// Cancel fails the pending request id with canceled. It reports whether the
// request was still pending.
func (d *Dispatcher) Cancel(id string) bool {
	var ok bool
	_ = d.do(func() { ok = d.resolve(id, failure(id, ErrCanceled)) })
	return ok
}

// Status returns the most recent status snapshot.
func (d *Dispatcher) Status() Status {
	return *d.status.Load()
}

// Close disconnects, fails every pending request and stops the dispatcher.
func (d *Dispatcher) Close() error {
	err := d.do(func() {
		d.closed.Store(true)
		if ch := d.current(); ch != nil {
			d.retire(ch, nil)
		}
		for id, t := range d.timers {
			t.Stop()
			delete(d.timers, id)
		}
		d.stopping = true
	})
	if errors.Is(err, ErrDispatcherClosed) {
		return nil
	}
	<-d.done
	return err
}

// current returns the live channel, retiring it first when its reader has
// already stopped but the closure has not been processed yet.
func (d *Dispatcher) current() *channel.Channel {
	if d.ch != nil && d.ch.State() == channel.StateClosed {
		d.retire(d.ch, channel.ErrClosed)
	}
	return d.ch
}

func (d *Dispatcher) ensureOpen(ctx context.Context) (*channel.Channel, error) {
	if ch := d.current(); ch != nil {
		return ch, nil
	}
	d.channelID++
	ch, err := channel.Open(ctx, d.channelID, d.opts.Transport, events{d})
	if err != nil {
		d.lastErr = err.Error()
		d.log.Warn().Err(err).Uint64("channel_id", d.channelID).Msg("native connect failed")
		d.publish()
		return nil, err
	}
	d.ch = ch
	d.opens++
	d.log.Info().Uint64("channel_id", ch.ID()).Int("pid", ch.Pid()).Msg("native channel opened")
	d.publish()
	return ch, nil
}

// retire closes ch if it is current, fails every pending entry in insertion
// order and returns to idle. Later events from ch are ignored.
func (d *Dispatcher) retire(ch *channel.Channel, cause error) {
	if d.ch != ch {
		return
	}
	d.ch = nil
	_ = ch.Close()
	drained := d.table.DrainAll()
	for _, e := range drained {
		d.stopTimer(e.CorrelationID)
		metrics.RecordRequest(e.Command, Code(ErrDisconnected))
		e.Caller.Deliver(failure(e.CorrelationID, ErrDisconnected))
	}
	metrics.SetPending(0)
	ev := d.log.Info()
	if cause != nil && !errors.Is(cause, channel.ErrClosed) {
		d.lastErr = cause.Error()
		ev = d.log.Warn().Err(cause)
	}
	ev.Uint64("channel_id", ch.ID()).Int("drained", len(drained)).Msg("native channel closed")
	d.publish()
}

// resolve removes id from the table and delivers res to its caller.
func (d *Dispatcher) resolve(id string, res Result) bool {
	e, ok := d.table.Resolve(id)
	if !ok {
		return false
	}
	d.stopTimer(id)
	outcome := "ok"
	if !res.OK {
		outcome = res.Error
	} else {
		metrics.ObserveRoundTrip(e.Command, time.Since(e.SubmittedAt))
	}
	metrics.RecordRequest(e.Command, outcome)
	metrics.SetPending(d.table.Len())
	e.Caller.Deliver(res)
	d.publish()
	return true
}

func (d *Dispatcher) onFrame(ch *channel.Channel, f wire.Inbound) {
	if ch != d.ch {
		metrics.RecordDroppedFrame("stale_channel")
		return
	}
	if !f.Routable() {
		d.lastEvent = f.Raw
		metrics.RecordDroppedFrame("uncorrelated")
		d.log.Debug().RawJSON("frame", f.Raw).Msg("uncorrelated host frame")
		d.publish()
		return
	}
	res := Result{CorrelationID: f.CorrelationID, OK: f.OK, Result: f.Result, Error: f.Error}
	if !res.OK && res.Error == "" {
		res.Error = "native_error"
	}
	if !d.resolve(f.CorrelationID, res) {
		metrics.RecordDroppedFrame("unknown_id")
		d.log.Debug().Str("correlation_id", f.CorrelationID).Msg("response for unknown correlation id")
	}
}

func (d *Dispatcher) armTimer(id string) {
	if d.opts.RequestTimeout <= 0 {
		return
	}
	d.timers[id] = time.AfterFunc(d.opts.RequestTimeout, func() {
		d.inbox.push(func() {
			if d.resolve(id, failure(id, ErrTimeout)) {
				d.log.Warn().Str("correlation_id", id).Dur("timeout", d.opts.RequestTimeout).Msg("request timed out")
			}
		})
	})
}

func (d *Dispatcher) stopTimer(id string) {
	if t, ok := d.timers[id]; ok {
		t.Stop()
		delete(d.timers, id)
	}
}

func (d *Dispatcher) publish() {
	s := Status{
		State:         Idle,
		Pending:       d.table.Len(),
		Opens:         d.opens,
		LastError:     d.lastErr,
		LastHostEvent: d.lastEvent,
		UpdatedAt:     time.Now().UTC(),
	}
	if d.ch != nil {
		s.State = Active
		s.ChannelID = d.ch.ID()
		s.HostPid = d.ch.Pid()
	}
	d.status.Store(&s)
	if d.opts.Observer != nil {
		d.opts.Observer.StatusChanged(s)
	}
}

// events forwards channel callbacks into the dispatcher inbox.
type events struct{ d *Dispatcher }

func (e events) OnFrame(ch *channel.Channel, f wire.Inbound) {
	e.d.inbox.push(func() { e.d.onFrame(ch, f) })
}

func (e events) OnClosed(ch *channel.Channel, err error) {
	e.d.inbox.push(func() {
		if err == nil {
			err = channel.ErrClosed
		}
		e.d.retire(ch, err)
	})
}
