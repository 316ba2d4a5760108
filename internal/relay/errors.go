package relay

import (
	"errors"

	"github.com/gaspardpetit/voicerelay/internal/nativemsg"
	"github.com/gaspardpetit/voicerelay/internal/pending"
)

// Error codes surfaced to callers. Each sentinel's message is its code.
var (
	ErrConnectFailed    = errors.New("native_connect_failed")
	ErrDisconnected     = errors.New("native_disconnected")
	ErrNotConnected     = errors.New("not_connected")
	ErrTimeout          = errors.New("native_timeout")
	ErrCanceled         = errors.New("canceled")
	ErrInvalidRequest   = errors.New("invalid_request")
	ErrDispatcherClosed = errors.New("relay_closed")
)

var codes = []error{
	ErrConnectFailed,
	ErrDisconnected,
	ErrNotConnected,
	ErrTimeout,
	ErrCanceled,
	ErrInvalidRequest,
	ErrDispatcherClosed,
}

// Code maps err to the code reported to callers.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c) {
			return c.Error()
		}
	}
	switch {
	case errors.Is(err, nativemsg.ErrMessageTooLarge):
		return "message_too_large"
	case errors.Is(err, pending.ErrDuplicate):
		return "duplicate_correlation_id"
	}
	return "internal_error"
}
