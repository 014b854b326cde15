// Package eventloop implements the single-threaded cooperative reactor
// every other sysmasterd component dispatches through. Exactly one
// goroutine runs handlers; every handler runs to completion before the
// next is dispatched, and there is no shared-state concurrency inside the
// core because of it.
package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Priority orders dispatch among events that became ready in the same
// wake. Lower values run first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 10
	PriorityLow    Priority = 20
)

// task is one queued unit of work: a ready signal from a Source (sigchld
// reaped, notify datagram readable, inotify event, timer fired) paired
// with the closure that handles it.
type task struct {
	priority Priority
	seq      uint64
	name     string
	fn       func()
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// EventLoop is the reactor. Sources never call handlers directly; they
// call Post, and the loop goroutine runs the handler in priority order.
type EventLoop struct {
	mu      sync.Mutex
	queue   taskHeap
	nextSeq uint64
	wake    chan struct{}
	stopped chan struct{}
	frame   uint64
	logger  zerolog.Logger
}

// New allocates an EventLoop. Run must be called to start dispatching.
func New(logger zerolog.Logger) *EventLoop {
	return &EventLoop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  logger.With().Str("component", "eventloop").Logger(),
	}
}

// Post enqueues fn to run on the loop goroutine, tagged with priority for
// ordering against whatever else became ready in the same wake. name is
// used only for logging.
func (l *EventLoop) Post(priority Priority, name string, fn func()) {
	l.mu.Lock()
	l.nextSeq++
	heap.Push(&l.queue, &task{priority: priority, seq: l.nextSeq, name: name, fn: fn})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Frame returns the number of handlers dispatched so far, used as the
// checkpoint cursor the reliability store persists as the last-frame
// marker.
func (l *EventLoop) Frame() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frame
}

// Run blocks dispatching tasks until ctx is cancelled.
// Each wake drains the entire queue in priority order before blocking
// again, so a burst of sigchld/notify/timer readiness is fully processed
// as one batch.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(l.stopped)
			return ctx.Err()
		case <-l.wake:
			l.drain()
		}
	}
}

func (l *EventLoop) drain() {
	for {
		l.mu.Lock()
		if l.queue.Len() == 0 {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.queue).(*task)
		l.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error().Str("source", t.name).Interface("panic", r).Msg("event handler panicked")
				}
			}()
			t.fn()
		}()

		l.mu.Lock()
		l.frame++
		l.mu.Unlock()
	}
}

// Stopped returns a channel closed once Run has returned.
func (l *EventLoop) Stopped() <-chan struct{} {
	return l.stopped
}

// AfterFunc schedules fn to be Posted at priority once d elapses, mirroring
// time.AfterFunc but routed through the single loop goroutine instead of
// running on its own. Used by internal/timer to implement one-shot
// per-phase timeouts and watchdog deadlines.
func (l *EventLoop) AfterFunc(d time.Duration, priority Priority, name string, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Post(priority, name, fn)
	})
}
