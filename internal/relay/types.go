package relay

import (
	"encoding/json"
	"time"
)

// Request is a logical request from a caller. Payload, when present, must be
// a JSON object; its fields travel next to the command in the wire frame.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is the terminal notification for one request.
type Result struct {
	CorrelationID string          `json:"correlationId,omitempty"`
	OK            bool            `json:"ok"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func failure(id string, err error) Result {
	return Result{CorrelationID: id, OK: false, Error: Code(err)}
}

// Caller is where a request's result is delivered. Deliver runs on the
// dispatcher goroutine and must not block.
type Caller interface {
	Deliver(Result)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(Result)

// Deliver implements Caller.
func (f CallerFunc) Deliver(r Result) { f(r) }

// State of the dispatcher's channel.
type State string

const (
	Idle   State = "idle"
	Active State = "active"
)

// Status is a point-in-time view of the dispatcher.
type Status struct {
	State         State           `json:"state"`
	ChannelID     uint64          `json:"channelId,omitempty"`
	Pending       int             `json:"pending"`
	Opens         uint64          `json:"opens"`
	HostPid       int             `json:"hostPid,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	LastHostEvent json.RawMessage `json:"lastHostEvent,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// StatusObserver is told about every status change, on the dispatcher
// goroutine.
type StatusObserver interface {
	StatusChanged(Status)
}

// Control commands accepted by Dispatcher.Control.
const (
	ControlStart = "start"
	ControlStop  = "stop"
)
