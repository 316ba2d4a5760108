package drain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGate(t *testing.T) {
	var nilGate *Gate
	if nilGate.IsDraining() {
		t.Fatal("nil gate drains")
	}
	var g Gate
	if g.IsDraining() {
		t.Fatal("zero gate drains")
	}
	if !g.Start() || g.Start() {
		t.Fatal("Start should report true only the first time")
	}
	if !g.IsDraining() {
		t.Fatal("gate not draining after Start")
	}
}

func TestWaitReturnsWhenIdle(t *testing.T) {
	var n atomic.Int32
	n.Store(3)
	pending := func() int { return int(n.Add(-1)) + 1 }
	if err := Wait(context.Background(), pending, time.Millisecond); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := Wait(ctx, func() int { return 1 }, time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v; want deadline exceeded", err)
	}
}
