// Package timer implements the per-unit timer registry every ServiceState
// phase timeout and the watchdog keepalive deadline are armed through. All
// timers are one-shot EventLoop sources; a transition out of the state
// that armed one must disarm it explicitly, mirroring the source's
// delete_timer contract.
package timer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sysmasterd/internal/eventloop"
)

// Kind names which per-unit timer slot an armed timer occupies. A unit
// never has more than one live timer per Kind; arming replaces whatever
// was there.
type Kind string

const (
	KindPhaseTimeout Kind = "phase_timeout" // TimeoutStartSec / TimeoutStopSec per current state
	KindRestart      Kind = "restart"       // RestartSec, armed on enter_dead -> AutoRestart
	KindWatchdog     Kind = "watchdog"      // WatchdogSec keepalive deadline
	KindClean        Kind = "clean"         // TimeoutCleanSec
)

type slot struct {
	timer *time.Timer
}

// Registry reconciles a live set of per-unit, per-kind one-shot timers
// against the EventLoop, the same way the teacher's health monitor
// reconciles a live set of per-container tickers against a cancelFunc map.
type Registry struct {
	mu     sync.Mutex
	loop   *eventloop.EventLoop
	timers map[string]map[Kind]*slot
	logger zerolog.Logger
}

// NewRegistry allocates a Registry bound to loop.
func NewRegistry(loop *eventloop.EventLoop, logger zerolog.Logger) *Registry {
	return &Registry{
		loop:   loop,
		timers: make(map[string]map[Kind]*slot),
		logger: logger.With().Str("component", "timer").Logger(),
	}
}

// Arm registers a one-shot timer for unitID under kind, disarming any
// existing timer in that slot first. d == 0 or d == time.Duration(math.MaxInt64)
// disarms without rearming, matching restart_watchdog's "0 or u64::MAX
// stops the watchdog" rule; callers pass d <= 0 to mean "disabled".
func (r *Registry) Arm(unitID string, kind Kind, d time.Duration, priority eventloop.Priority, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disarmLocked(unitID, kind)

	if d <= 0 {
		return
	}

	if r.timers[unitID] == nil {
		r.timers[unitID] = make(map[Kind]*slot)
	}
	name := string(kind) + ":" + unitID
	t := r.loop.AfterFunc(d, priority, name, fn)
	r.timers[unitID][kind] = &slot{timer: t}
}

// Disarm cancels whatever timer occupies unitID's kind slot, if any.
func (r *Registry) Disarm(unitID string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disarmLocked(unitID, kind)
}

func (r *Registry) disarmLocked(unitID string, kind Kind) {
	kinds := r.timers[unitID]
	if kinds == nil {
		return
	}
	if s, ok := kinds[kind]; ok {
		s.timer.Stop()
		delete(kinds, kind)
	}
	if len(kinds) == 0 {
		delete(r.timers, unitID)
	}
}

// DisarmAll cancels every timer owned by unitID, used on entry_clear and
// when a unit is removed outright.
func (r *Registry) DisarmAll(unitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := r.timers[unitID]
	for _, s := range kinds {
		s.timer.Stop()
	}
	delete(r.timers, unitID)
}

// Armed reports whether unitID currently has a live timer under kind.
func (r *Registry) Armed(unitID string, kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := r.timers[unitID]
	if kinds == nil {
		return false
	}
	_, ok := kinds[kind]
	return ok
}
