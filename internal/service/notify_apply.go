package service

import (
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/sysmasterd/internal/notify"
	"github.com/cuemby/sysmasterd/internal/unitfile"
)

// applyNotify mutates in per the recognised NOTIFY_SOCKET keys (§4.4.5).
// Unknown keys are ignored; a malformed value for a recognised key is
// logged and skipped rather than failing the whole datagram.
func (s *Subsystem) applyNotify(in *Instance, senderPid int, fields map[string]string) {
	if pidStr, ok := fields["MAINPID"]; ok {
		s.applyNotifyMainPid(in, senderPid, pidStr)
	}
	if fields["READY"] == "1" {
		s.applyNotifyReady(in)
	}
	if fields["STOPPING"] == "1" {
		s.applyNotifyStopping(in)
	}
	if errnoStr, ok := fields["ERRNO"]; ok {
		n, err := strconv.Atoi(errnoStr)
		if err != nil {
			s.logger.Warn().Str("unit", in.UnitID).Str("value", errnoStr).Msg("invalid ERRNO in notify datagram")
		} else {
			in.ErrNo = n
		}
	}
	switch fields["WATCHDOG"] {
	case "1":
		s.armWatchdog(in)
	case "trigger":
		s.enterSignal(in, StateStopWatchdog, ResultFailureWatchdog)
	}
	if usecStr, ok := fields["WATCHDOG_USEC"]; ok {
		usec, err := strconv.ParseUint(usecStr, 10, 64)
		if err != nil {
			s.logger.Warn().Str("unit", in.UnitID).Str("value", usecStr).Msg("invalid WATCHDOG_USEC in notify datagram")
		} else {
			in.WatchdogUsec = time.Duration(usec) * time.Microsecond
			s.armWatchdog(in)
		}
	}
}

// applyNotifyReady handles READY=1: a notify-type service parked in Start
// waiting for its own readiness signal advances to start_post; any other
// type or state just records the notify state.
func (s *Subsystem) applyNotifyReady(in *Instance) {
	in.NotifyState = NotifyReady
	if in.Config.Type == unitfile.TypeNotify && in.State == StateStart {
		s.enterStartPost(in)
	}
}

// applyNotifyStopping handles STOPPING=1: enter_stop_by_notify skips
// straight to the sigterm kill phase rather than running ExecStop, since
// the service has already announced it is shutting down on its own.
func (s *Subsystem) applyNotifyStopping(in *Instance) {
	in.NotifyState = NotifyStopping
	if in.State == StateRunning {
		s.enterSignal(in, StateStopSigterm, ResultSuccess)
	}
}

// applyNotifyMainPid handles MAINPID=<pid>: only honoured while the unit
// is establishing or already running its main process, and only once
// validMainPid accepts the candidate.
func (s *Subsystem) applyNotifyMainPid(in *Instance, senderPid int, pidStr string) {
	switch in.State {
	case StateStart, StateStartPost, StateRunning:
	default:
		return
	}

	pid, err := notify.ParsePid(pidStr)
	if err != nil {
		s.logger.Warn().Str("unit", in.UnitID).Str("value", pidStr).Msg("invalid MAINPID in notify datagram")
		return
	}
	if pid == in.Pids.Main {
		return
	}
	if !s.validMainPid(in, senderPid, pid) {
		s.logger.Warn().Str("unit", in.UnitID).Int("pid", pid).Msg("rejected MAINPID re-notify")
		return
	}

	if in.Pids.Main != 0 {
		s.db.ChildUnwatchPid(in.Pids.Main)
	}
	in.Pids.Main = pid
	in.Pids.MainIsAlien = senderPid == 0
	if err := s.db.ChildAddWatchPid(in.UnitID, pid); err != nil {
		s.logger.Warn().Err(err).Str("unit", in.UnitID).Msg("failed to watch re-notified main pid")
	}
}

// validMainPid implements §4.4.5/§4.4.6's acceptance rule for a pid
// claimed via MAINPID=: it must not be sysmasterd itself, must not be the
// unit's own control pid, must still be alive, and must either already be
// owned by this unit or have been reported on behalf of pid 0.
func (s *Subsystem) validMainPid(in *Instance, senderPid, pid int) bool {
	if pid <= 0 || pid == os.Getpid() || pid == in.Pids.Control {
		return false
	}
	if syscall.Kill(pid, 0) != nil {
		return false
	}
	if senderPid == 0 {
		return true
	}
	owner, ok := s.db.GetUnitByPid(pid)
	return ok && owner.ID == in.UnitID
}
