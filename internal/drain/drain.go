// Package drain tracks whether the relay has stopped taking new requests
// while the ones already sent to the native host finish.
package drain

import (
	"context"
	"sync/atomic"
	"time"
)

// Gate is closed to new work once Start is called. The zero value is open.
type Gate struct {
	draining atomic.Bool
}

// Start marks the process as draining. It reports false if draining had
// already started.
func (g *Gate) Start() bool { return g.draining.CompareAndSwap(false, true) }

// IsDraining reports whether draining is in progress. A nil Gate never
// drains.
func (g *Gate) IsDraining() bool { return g != nil && g.draining.Load() }

// Wait polls pending until it reports zero or ctx ends.
func Wait(ctx context.Context, pending func() int, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
