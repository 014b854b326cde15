// Package sigchld implements the SIGCHLD dispatcher: it reaps children via
// waitid, looks the exited pid up in UnitDb, and hands the wait status to
// the owning unit. Only this component ever calls waitid; sysmasterd is
// assumed to be the subreaper (or PID 1) for its scope.
package sigchld

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/sysmasterd/internal/eventloop"
	"github.com/cuemby/sysmasterd/internal/unitdb"
)

// WaitStatus is the reaped child's disposition, translated from the raw
// unix.WaitStatus into the three shapes the service state machine's
// sigchld_result distinguishes.
type WaitStatus struct {
	Pid      int
	Exited   bool
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
	CoreDump bool
}

// Handler is invoked once per reaped child, already resolved to its
// owning unit.
type Handler func(unit *unitdb.UnitEntry, ws WaitStatus)

// Dispatcher owns the SIGCHLD signal.Notify channel and the reap loop.
type Dispatcher struct {
	db      *unitdb.UnitDb
	loop    *eventloop.EventLoop
	logger  zerolog.Logger
	handler Handler
	sigCh   chan os.Signal
	stopCh  chan struct{}
}

// New constructs a Dispatcher. Start must be called to begin reaping.
func New(db *unitdb.UnitDb, loop *eventloop.EventLoop, logger zerolog.Logger, handler Handler) *Dispatcher {
	return &Dispatcher{
		db:      db,
		loop:    loop,
		logger:  logger.With().Str("component", "sigchld").Logger(),
		handler: handler,
		sigCh:   make(chan os.Signal, 8),
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to SIGCHLD and begins routing reaps onto the EventLoop.
func (d *Dispatcher) Start() {
	signal.Notify(d.sigCh, unix.SIGCHLD)
	go d.run()
}

// Stop unsubscribes and halts the reap goroutine.
func (d *Dispatcher) Stop() {
	signal.Stop(d.sigCh)
	close(d.stopCh)
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.sigCh:
			d.loop.Post(eventloop.PriorityHigh, "sigchld", d.reapAll)
		case <-d.stopCh:
			return
		}
	}
}

// reapAll drains every exited child via wait4(-1, WNOHANG) completely per
// wake, dispatching each one before returning control to the event loop,
// per §5's serialization guarantee.
func (d *Dispatcher) reapAll() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				return
			}
			d.logger.Error().Err(err).Msg("wait4 failed")
			return
		}
		if pid <= 0 {
			return
		}

		ws := translate(pid, status)

		unit, ok := d.db.GetUnitByPid(pid)
		if !ok {
			d.logger.Debug().Int("pid", pid).Msg("reaped pid with no owning unit")
			continue
		}
		d.db.ChildUnwatchPid(pid)
		d.handler(unit, ws)
	}
}

func translate(pid int, status unix.WaitStatus) WaitStatus {
	ws := WaitStatus{Pid: pid}
	switch {
	case status.Exited():
		ws.Exited = true
		ws.ExitCode = status.ExitStatus()
	case status.Signaled():
		ws.Signaled = true
		ws.Signal = status.Signal()
		ws.CoreDump = status.CoreDump()
	}
	return ws
}
