package manager

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/sysmasterd/internal/events"
	"github.com/cuemby/sysmasterd/internal/job"
)

// SystemOps is the out-of-core collaborator that actually performs a
// reboot/poweroff/process exit; sysmasterd itself never calls these
// syscalls directly from within this package so tests can substitute a
// fake.
type SystemOps interface {
	Reboot() error
	Poweroff() error
	Exit(code int) error
}

// EmergencyActionDispatcher is the §2 EmergencyActionDispatcher: a
// subscriber to TypeEmergencyAction events (never an inline side effect of
// set_state, per §9's design note) that triggers reboot/poweroff/exit
// targets, or their -force/-immediate variants, for the action each event
// names. Those events are published for a service's FailureAction and
// StartLimitAction only; SuccessAction and JobTimeoutAction never reach it.
type EmergencyActionDispatcher struct {
	mgr    *Manager
	ops    SystemOps
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewEmergencyActionDispatcher constructs a dispatcher bound to mgr for
// the graceful/force paths and ops for the immediate path.
func NewEmergencyActionDispatcher(mgr *Manager, ops SystemOps, logger zerolog.Logger) *EmergencyActionDispatcher {
	return &EmergencyActionDispatcher{
		mgr:    mgr,
		ops:    ops,
		logger: logger.With().Str("component", "emergency_action").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Run subscribes to sub and dispatches every TypeEmergencyAction event
// until Stop is called or sub is closed. Intended to run in its own
// goroutine, fed by the same events.Broker the job and service
// subsystems publish through.
func (d *EmergencyActionDispatcher) Run(sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type != events.TypeEmergencyAction {
				continue
			}
			d.dispatch(ev.UnitID, ev.Metadata["action"])
		case <-d.stopCh:
			return
		}
	}
}

// Stop halts Run.
func (d *EmergencyActionDispatcher) Stop() {
	close(d.stopCh)
}

// dispatch maps an action value (none, reboot, reboot-force,
// reboot-immediate, poweroff, poweroff-force, poweroff-immediate, exit,
// exit-force, exit-immediate) to the corresponding behavior.
func (d *EmergencyActionDispatcher) dispatch(unitID, action string) {
	if action == "" || action == "none" {
		return
	}

	d.logger.Warn().Str("unit", unitID).Str("action", action).Msg("emergency action triggered")

	switch {
	case strings.HasSuffix(action, "-immediate"):
		d.immediate(strings.TrimSuffix(action, "-immediate"))
	case strings.HasSuffix(action, "-force"):
		d.isolate(strings.TrimSuffix(action, "-force"), job.ModeIgnoreDependencies)
	default:
		d.isolate(action, job.ModeIsolate)
	}
}

func (d *EmergencyActionDispatcher) isolate(kind string, mode job.Mode) {
	target, ok := targetUnit(kind)
	if !ok {
		d.logger.Warn().Str("action", kind).Msg("unrecognised emergency action kind")
		return
	}
	if _, err := d.mgr.Start(target, false, mode); err != nil {
		d.logger.Error().Err(err).Str("target", target).Msg("failed to start emergency-action target")
	}
}

func (d *EmergencyActionDispatcher) immediate(kind string) {
	if d.ops == nil {
		d.logger.Error().Str("action", kind).Msg("no SystemOps wired, cannot perform immediate emergency action")
		return
	}
	var err error
	switch kind {
	case "reboot":
		err = d.ops.Reboot()
	case "poweroff":
		err = d.ops.Poweroff()
	case "exit":
		err = d.ops.Exit(1)
	default:
		d.logger.Warn().Str("action", kind).Msg("unrecognised immediate emergency action kind")
		return
	}
	if err != nil {
		d.logger.Error().Err(err).Str("action", kind).Msg("immediate emergency action failed")
	}
}

func targetUnit(kind string) (string, bool) {
	switch kind {
	case "reboot":
		return "reboot.target", true
	case "poweroff":
		return "poweroff.target", true
	case "exit":
		return "exit.target", true
	default:
		return "", false
	}
}
