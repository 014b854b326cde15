package service

import (
	"github.com/cuemby/sysmasterd/internal/sigchld"
	"github.com/cuemby/sysmasterd/internal/timer"
	"github.com/cuemby/sysmasterd/internal/unitfile"
)

// classify translates a reaped child's wait status into the
// Success/Failure* result vocabulary the transition table in §4.4.4
// branches on.
func classify(ws sigchld.WaitStatus) (ok bool, result Result) {
	switch {
	case ws.Exited && ws.ExitCode == 0:
		return true, ResultSuccess
	case ws.Exited:
		return false, ResultFailureExitCode
	case ws.Signaled && ws.CoreDump:
		return false, ResultFailureCoreDump
	case ws.Signaled:
		return false, ResultFailureSignal
	default:
		return false, ResultFailureProtocol
	}
}

// dispatchSigchld routes one reaped pid to whichever of the unit's two
// tracked pids it matches.
func (s *Subsystem) dispatchSigchld(in *Instance, ws sigchld.WaitStatus) {
	switch ws.Pid {
	case in.Pids.Control:
		s.dispatchControlExit(in, ws)
	case in.Pids.Main:
		s.dispatchMainExit(in, ws)
	default:
		s.logger.Debug().Str("unit", in.UnitID).Int("pid", ws.Pid).Msg("reaped pid matched neither main nor control")
	}
}

func (s *Subsystem) dispatchControlExit(in *Instance, ws sigchld.WaitStatus) {
	in.Pids.Control = 0
	ok, result := classify(ws)
	in.ExitStatus = ws.ExitCode
	ignored := in.currentCommandIgnoresFailure()

	if !ok && !ignored {
		s.handleControlFailure(in, in.ControlCmdList, result)
		return
	}

	list := in.ControlCmdList
	in.ControlCmdCursor++
	finished, err := s.startControlList(in, list)
	if err != nil {
		s.handleControlFailure(in, list, ResultFailureResources)
		return
	}
	if !finished {
		return
	}
	s.advancePastControlList(in, list)
}

func (s *Subsystem) advancePastControlList(in *Instance, list cmdList) {
	switch list {
	case cmdCondition:
		s.enterStartPre(in)
	case cmdStartPre:
		s.enterStart(in)
	case cmdStart:
		s.enterStartPost(in)
	case cmdStartPost:
		s.enterRunning(in)
	case cmdReload:
		in.ReloadResult = ResultSuccess
		s.setState(in, StateRunning, ResultSuccess)
	case cmdStop:
		s.enterSignal(in, StateStopSigterm, in.Result)
	case cmdStopPost:
		s.enterSignal(in, StateFinalSigterm, in.Result)
	}
}

func (s *Subsystem) handleControlFailure(in *Instance, list cmdList, result Result) {
	switch list {
	case cmdCondition:
		s.enterDead(in, ResultSkipCondition)
	case cmdStartPre, cmdStart, cmdStartPost:
		s.enterStopPost(in, result)
	case cmdReload:
		in.ReloadResult = result
		s.setState(in, StateRunning, ResultSuccess)
	case cmdStop:
		s.enterSignal(in, StateStopSigterm, result)
	case cmdStopPost:
		s.enterSignal(in, StateFinalSigterm, result)
	}
}

// dispatchMainExit handles the exit of a unit's long-running main pid.
func (s *Subsystem) dispatchMainExit(in *Instance, ws sigchld.WaitStatus) {
	in.Pids.Main = 0
	ok, result := classify(ws)
	in.ExitStatus = ws.ExitCode

	switch in.State {
	case StateStart:
		switch {
		case in.Config.Type == unitfile.TypeOneshot:
			if ok {
				s.enterStartPost(in)
			} else {
				s.enterSignal(in, StateStopSigterm, result)
			}
		case in.Config.Type == unitfile.TypeNotify:
			// A notify service must send READY=1 before its main pid may
			// exit; an exit here, clean or not, is a protocol failure.
			if !ok {
				s.enterSignal(in, StateStopSigterm, result)
			} else {
				s.enterSignal(in, StateStopSigterm, ResultFailureProtocol)
			}
		case !ok:
			s.enterStopPost(in, result)
		default:
			s.enterStartPost(in)
		}
	case StateStopSigterm, StateStopSigkill, StateStopWatchdog, StateStop:
		s.timers.Disarm(in.UnitID, timer.KindPhaseTimeout)
		s.enterStopPost(in, in.Result)
	case StateStopPost:
		s.timers.Disarm(in.UnitID, timer.KindPhaseTimeout)
		if in.Pids.Control == 0 {
			s.enterSignal(in, StateFinalSigterm, result)
		}
	case StateFinalSigterm, StateFinalSigkill, StateFinalWatchdog:
		s.timers.Disarm(in.UnitID, timer.KindPhaseTimeout)
		if in.Pids.Control == 0 {
			s.enterDead(in, result)
		}
	default:
		if !ok {
			s.enterStop(in, result)
			return
		}
		// The main process exited on its own with no stop requested: run
		// the usual stop-post/restart path with a clean result.
		s.enterStop(in, ResultSuccess)
	}
}
