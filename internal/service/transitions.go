package service

import (
	"fmt"
	"syscall"
	"time"

	"github.com/cuemby/sysmasterd/internal/events"
	"github.com/cuemby/sysmasterd/internal/eventloop"
	"github.com/cuemby/sysmasterd/internal/metrics"
	"github.com/cuemby/sysmasterd/internal/notify"
	"github.com/cuemby/sysmasterd/internal/spawn"
	"github.com/cuemby/sysmasterd/internal/timer"
	"github.com/cuemby/sysmasterd/internal/unitfile"
)

// execContext builds the spawn.Context shared by every command this
// Instance launches.
func (s *Subsystem) execContext(in *Instance) spawn.Context {
	return spawn.Context{NotifySocketPath: notify.SocketPath}
}

// startControlList spawns whatever control commands remain in list
// starting at in.ControlCmdCursor, one at a time, skipping empty
// entries. It returns finished=true once the whole list has run (or was
// empty to begin with), leaving the cursor reset for the next phase.
// finished=false means a command was just spawned and the caller must
// wait for its sigchld reap before calling again.
func (s *Subsystem) startControlList(in *Instance, list cmdList) (finished bool, err error) {
	in.ControlCmdList = list
	cmds := in.commandsFor(list)

	for in.ControlCmdCursor < len(cmds) {
		cmd := cmds[in.ControlCmdCursor]
		if cmd.Path == "" {
			in.ControlCmdCursor++
			continue
		}
		pid, spawnErr := s.spawner.Spawn(append([]string{cmd.Path}, cmd.Args...), s.execContext(in), spawn.FlagControl)
		if spawnErr != nil {
			return false, fmt.Errorf("service: %s: spawn %s: %w", in.UnitID, list, spawnErr)
		}
		in.Pids.Control = pid
		if err := s.db.ChildAddWatchPid(in.UnitID, pid); err != nil {
			s.logger.Warn().Err(err).Str("unit", in.UnitID).Msg("failed to watch control pid")
		}
		return false, nil
	}

	in.ControlCmdCursor = 0
	in.ControlCmdList = cmdNone
	return true, nil
}

func (s *Subsystem) armPhaseTimeout(in *Instance) {
	d := in.Config.TimeoutStartSec
	if d <= 0 {
		return
	}
	s.timers.Arm(in.UnitID, timer.KindPhaseTimeout, d, eventloop.PriorityNormal, func() { s.onPhaseTimeout(in.UnitID) })
}

func (s *Subsystem) onPhaseTimeout(unitID string) {
	in, err := s.get(unitID)
	if err != nil {
		return
	}
	s.logger.Warn().Str("unit", unitID).Str("state", string(in.State)).Msg("start phase timed out")
	s.enterStop(in, ResultFailureTimeout)
}

func (s *Subsystem) watchdogDuration(in *Instance) time.Duration {
	if in.WatchdogUsec > 0 {
		return in.WatchdogUsec
	}
	return in.Config.WatchdogSec
}

func (s *Subsystem) armWatchdog(in *Instance) {
	d := s.watchdogDuration(in)
	if d <= 0 {
		return
	}
	s.timers.Arm(in.UnitID, timer.KindWatchdog, d, eventloop.PriorityNormal, func() { s.onWatchdogTimeout(in.UnitID) })
}

func (s *Subsystem) onWatchdogTimeout(unitID string) {
	in, err := s.get(unitID)
	if err != nil || in.State != StateRunning {
		return
	}
	metrics.WatchdogTripsTotal.WithLabelValues(unitID).Inc()
	s.logger.Warn().Str("unit", unitID).Msg("watchdog keepalive missed")
	s.enterSignal(in, StateStopWatchdog, ResultFailureWatchdog)
}

// watchdogSignal resolves the configured WatchdogSignal= to the signal
// enter_signal delivers for a StopWatchdog/FinalWatchdog kill, defaulting
// to SIGABRT per the watchdog contract.
func watchdogSignal(in *Instance) syscall.Signal {
	switch in.Config.WatchdogSignal {
	case "", "SIGABRT":
		return syscall.SIGABRT
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGTERM":
		return syscall.SIGTERM
	case "SIGQUIT":
		return syscall.SIGQUIT
	case "SIGUSR1":
		return syscall.SIGUSR1
	case "SIGUSR2":
		return syscall.SIGUSR2
	default:
		return syscall.SIGABRT
	}
}

// killSignal implements §4.4.2's kill operation mapping: StopWatchdog maps
// to the configured watchdog signal; {StopSigterm,FinalSigterm} to
// SIGTERM; {StopSigkill,FinalSigkill} to SIGKILL. FinalWatchdog and any
// other state map to KillInvalid (ok=false): the mapping names only
// StopWatchdog, not FinalWatchdog, and nothing in the escalation ladder
// below ever targets FinalWatchdog.
func killSignal(in *Instance, target State) (syscall.Signal, bool) {
	switch target {
	case StateStopWatchdog:
		return watchdogSignal(in), true
	case StateStopSigterm, StateFinalSigterm:
		return syscall.SIGTERM, true
	case StateStopSigkill, StateFinalSigkill:
		return syscall.SIGKILL, true
	default:
		return 0, false
	}
}

func isFinalState(state State) bool {
	switch state {
	case StateFinalWatchdog, StateFinalSigterm, StateFinalSigkill:
		return true
	default:
		return false
	}
}

func livePids(in *Instance) []int {
	var pids []int
	if in.Pids.Main != 0 {
		pids = append(pids, in.Pids.Main)
	}
	if in.Pids.Control != 0 {
		pids = append(pids, in.Pids.Control)
	}
	return pids
}

// enterCondition is the entry point of every start attempt: it records
// the attempt against the start-limit window, runs ExecCondition, and
// either skips straight to enter_dead (condition failing is not a
// failure, per systemd's convention) or proceeds to enter_start_pre.
func (s *Subsystem) enterCondition(in *Instance) error {
	if in.startLimitHit(time.Now(), in.Config.StartLimitInterval, in.Config.StartLimitBurst) {
		s.setState(in, StateFailed, ResultFailureStartLimit)
		if s.broker != nil && in.Config.StartLimitAction != "" {
			s.publishEmergency(in.UnitID, in.Config.StartLimitAction)
		}
		return fmt.Errorf("service: %s: start limit hit", in.UnitID)
	}

	finished, err := s.startControlList(in, cmdCondition)
	if err != nil {
		return s.enterStopPost(in, ResultFailureResources)
	}
	if !finished {
		s.setState(in, StateCondition, "")
		s.armPhaseTimeout(in)
		return nil
	}
	return s.enterStartPre(in)
}

func (s *Subsystem) enterStartPre(in *Instance) error {
	finished, err := s.startControlList(in, cmdStartPre)
	if err != nil {
		return s.enterStopPost(in, ResultFailureResources)
	}
	if !finished {
		s.setState(in, StateStartPre, "")
		s.armPhaseTimeout(in)
		return nil
	}
	return s.enterStart(in)
}

// enterStart spawns the unit's main process. Oneshot units run their
// whole ExecStart list through the control-command machinery (there is
// no persistent main pid); every other type spawns ExecStart[0] as the
// long-running main pid and waits on whatever that type's readiness
// signal is (immediate for simple/idle/exec, PID-file discovery for
// forking, READY=1 for notify).
func (s *Subsystem) enterStart(in *Instance) error {
	if len(in.Config.ExecStart) == 0 {
		return s.enterStopPost(in, ResultFailureProtocol)
	}

	if in.Config.Type == unitfile.TypeOneshot {
		finished, err := s.startControlList(in, cmdStart)
		if err != nil {
			return s.enterStopPost(in, ResultFailureResources)
		}
		s.setState(in, StateStart, "")
		s.armPhaseTimeout(in)
		if finished {
			return s.enterStartPost(in)
		}
		return nil
	}

	cmd := in.Config.ExecStart[0]
	pid, err := s.spawner.Spawn(append([]string{cmd.Path}, cmd.Args...), s.execContext(in), 0)
	if err != nil {
		return s.enterStopPost(in, ResultFailureResources)
	}
	in.Pids.Main = pid
	if err := s.db.ChildAddWatchPid(in.UnitID, pid); err != nil {
		s.logger.Warn().Err(err).Str("unit", in.UnitID).Msg("failed to watch main pid")
	}
	s.setState(in, StateStart, "")
	s.armPhaseTimeout(in)

	switch in.Config.Type {
	case unitfile.TypeForking:
		if in.Config.PIDFile == "" {
			// No PID-file configured: cgroup-based main-pid rediscovery is
			// out of scope, so the spawned pid is taken as the real daemon.
			return s.enterStartPost(in)
		}
		in.PendingPidFile = true
		unitID := in.UnitID
		if err := s.pidWatch.DemandPidFile(unitID, in.Config.PIDFile, func(pid int, err error) {
			s.onPidFileReady(unitID, pid, err)
		}); err != nil {
			return s.enterStopPost(in, ResultFailureProtocol)
		}
		return nil
	case unitfile.TypeNotify:
		return nil // wait for READY=1 over the notify socket
	default: // simple, idle, exec
		return s.enterStartPost(in)
	}
}

func (s *Subsystem) onPidFileReady(unitID string, pid int, err error) {
	in, getErr := s.get(unitID)
	if getErr != nil {
		return
	}
	in.PendingPidFile = false
	if err != nil {
		s.logger.Warn().Err(err).Str("unit", unitID).Msg("pid-file discovery failed")
		s.enterStopPost(in, ResultFailureProtocol)
		return
	}
	if in.Pids.Main != 0 {
		s.db.ChildUnwatchPid(in.Pids.Main)
	}
	in.Pids.Main = pid
	in.Pids.MainIsAlien = true
	if err := s.db.ChildAddWatchPid(unitID, pid); err != nil {
		s.logger.Warn().Err(err).Str("unit", unitID).Msg("failed to watch discovered main pid")
	}
	s.enterStartPost(in)
}

func (s *Subsystem) enterStartPost(in *Instance) error {
	finished, err := s.startControlList(in, cmdStartPost)
	if err != nil {
		return s.enterStopPost(in, ResultFailureResources)
	}
	if !finished {
		s.setState(in, StateStartPost, "")
		s.armPhaseTimeout(in)
		return nil
	}
	return s.enterRunning(in)
}

func (s *Subsystem) enterRunning(in *Instance) error {
	s.timers.Disarm(in.UnitID, timer.KindPhaseTimeout)

	if in.Config.Type == unitfile.TypeOneshot {
		if in.Config.RemainAfterExit {
			s.setState(in, StateExited, ResultSuccess)
			return nil
		}
		return s.enterStopPost(in, ResultSuccess)
	}

	s.setState(in, StateRunning, ResultSuccess)
	s.armWatchdog(in)
	return nil
}

func (s *Subsystem) enterReload(in *Instance) error {
	finished, err := s.startControlList(in, cmdReload)
	if err != nil {
		in.ReloadResult = ResultFailureResources
		return err
	}
	if !finished {
		s.setState(in, StateReload, "")
		s.armPhaseTimeout(in)
		return nil
	}
	in.ReloadResult = ResultSuccess
	s.setState(in, StateRunning, ResultSuccess)
	return nil
}

func (s *Subsystem) enterStop(in *Instance, result Result) error {
	s.timers.Disarm(in.UnitID, timer.KindPhaseTimeout)
	s.timers.Disarm(in.UnitID, timer.KindWatchdog)

	finished, err := s.startControlList(in, cmdStop)
	if err != nil {
		return s.enterSignal(in, StateStopSigterm, result)
	}
	if !finished {
		s.setState(in, StateStop, result)
		s.armPhaseTimeout(in)
		return nil
	}
	return s.enterSignal(in, StateStopSigterm, result)
}

// enterSignal delivers the kill operation implied by target (per
// killSignal's mapping) to the unit's live pids and enters target as the
// new state. A real kill-context error sends a Stop* target on to
// enter_stop_post(FailureResources) and a Final* target straight to
// enter_dead(FailureResources); "no pids to wait for" (nothing was alive
// to signal) advances immediately instead of arming a stop timer:
// {StopWatchdog,StopSigterm,StopSigkill} succeed into stop_post,
// {FinalWatchdog,FinalSigterm} escalate to FinalSigkill, and FinalSigkill
// itself succeeds straight into enter_dead.
func (s *Subsystem) enterSignal(in *Instance, target State, result Result) error {
	sig, ok := killSignal(in, target)
	var delivered bool
	var err error
	if ok {
		delivered, err = s.spawner.KillContext(livePids(in), sig)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("unit", in.UnitID).Str("target", string(target)).Msg("kill delivery failed")
		if isFinalState(target) {
			return s.enterDead(in, ResultFailureResources)
		}
		return s.enterStopPost(in, ResultFailureResources)
	}

	if !delivered {
		switch target {
		case StateStopWatchdog, StateStopSigterm, StateStopSigkill:
			return s.enterStopPost(in, result)
		case StateFinalWatchdog, StateFinalSigterm:
			return s.enterSignal(in, StateFinalSigkill, result)
		default: // StateFinalSigkill
			return s.enterDead(in, result)
		}
	}

	s.setState(in, target, result)
	unitID := in.UnitID
	s.timers.Arm(unitID, timer.KindPhaseTimeout, in.Config.TimeoutStopSec, eventloop.PriorityNormal, func() {
		s.onSignalTimeout(unitID, target)
	})
	return nil
}

// onSignalTimeout fires when a Stop*/Final* phase's TimeoutStopSec elapses
// with the main/control pids still alive, escalating one rung up the kill
// ladder: the watchdog or sigterm rung escalates to sigkill within its own
// tier, and a sigkill timeout gives up on waiting and forces the phase
// forward with FailureTimeout.
func (s *Subsystem) onSignalTimeout(unitID string, from State) {
	in, err := s.get(unitID)
	if err != nil || in.State != from {
		return
	}
	switch from {
	case StateStopWatchdog, StateStopSigterm:
		s.enterSignal(in, StateStopSigkill, in.Result)
	case StateStopSigkill:
		s.enterStopPost(in, ResultFailureTimeout)
	case StateFinalWatchdog, StateFinalSigterm:
		s.enterSignal(in, StateFinalSigkill, in.Result)
	case StateFinalSigkill:
		s.enterDead(in, ResultFailureTimeout)
	}
}

// enterStopPost runs ExecStopPost and, once it finishes (or was empty to
// begin with), hands off to the final kill sweep: stop_post cleans the
// unit up but does not by itself prove the process tree is gone, so
// completion always escalates into enter_signal(FinalSigterm, …) rather
// than enter_dead directly.
func (s *Subsystem) enterStopPost(in *Instance, result Result) error {
	finished, err := s.startControlList(in, cmdStopPost)
	if err != nil {
		return s.enterDead(in, ResultFailureResources)
	}
	if !finished {
		s.setState(in, StateStopPost, result)
		s.armPhaseTimeout(in)
		return nil
	}
	return s.enterSignal(in, StateFinalSigterm, result)
}

func (s *Subsystem) enterDead(in *Instance, result Result) error {
	s.timers.DisarmAll(in.UnitID)
	in.Pids = Pids{}
	in.NotifyState = NotifyUnknown
	in.MainCmdCursor = 0
	in.ControlCmdCursor = 0
	in.ControlCmdList = cmdNone

	wantsRestart := in.RestartRequested
	in.RestartRequested = false
	if result != ResultFailureStartLimit {
		wantsRestart = wantsRestart || ShallRestart(in.Config.Restart, result, in.ExitStatus, in.Config.RestartPreventExitStatus, in.ForbidRestart)
	} else {
		wantsRestart = false
	}

	if wantsRestart {
		return s.enterAutoRestart(in, result)
	}

	if result == ResultSuccess || result == ResultSkipCondition {
		s.setState(in, StateDead, result)
	} else {
		s.setState(in, StateFailed, result)
	}
	return nil
}

func (s *Subsystem) enterAutoRestart(in *Instance, result Result) error {
	in.Restarts++
	metrics.ServiceRestartsTotal.WithLabelValues(in.UnitID).Inc()
	s.setState(in, StateAutoRestart, result)

	unitID := in.UnitID
	s.timers.Arm(unitID, timer.KindRestart, in.Config.RestartSec, eventloop.PriorityNormal, func() {
		in2, err := s.get(unitID)
		if err != nil {
			return
		}
		s.enterCondition(in2)
	})
	return nil
}

func (s *Subsystem) publishEmergency(unitID, action string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:     events.TypeEmergencyAction,
		UnitID:   unitID,
		Metadata: map[string]string{"action": action},
	})
}
