package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRunDispatchesInPriorityOrder(t *testing.T) {
	loop := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	loop.Post(PriorityLow, "low", func() {
		mu.Lock()
		order = append(order, "low")
		mu.Unlock()
	})
	loop.Post(PriorityHigh, "high", func() {
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
	})
	loop.Post(PriorityNormal, "normal", func() {
		mu.Lock()
		order = append(order, "normal")
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestFrameAdvancesPerHandler(t *testing.T) {
	loop := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	done := make(chan struct{})
	loop.Post(PriorityNormal, "one", func() {})
	loop.Post(PriorityNormal, "two", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	time.Sleep(10 * time.Millisecond)
	require.GreaterOrEqual(t, loop.Frame(), uint64(2))
}

func TestHandlerPanicDoesNotKillLoop(t *testing.T) {
	loop := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	done := make(chan struct{})
	loop.Post(PriorityNormal, "boom", func() { panic("boom") })
	loop.Post(PriorityNormal, "survivor", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not survive a panicking handler")
	}
}
