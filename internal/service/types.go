// Package service implements the ServiceStateMachine: the per-service
// lifecycle automaton that sequences condition/pre-start/start/post-start/
// running/reload/stop/post-stop/dead phases, tracks main and control
// pids, reacts to SIGCHLD and sd-notify messages, and drives restart
// policy, watchdogs, and PID-file discovery.
package service

import (
	"time"

	"github.com/cuemby/sysmasterd/internal/unitfile"
)

// State is the per-service lifecycle state. Only the enter_* methods may
// write it.
type State string

const (
	StateDead          State = "dead"
	StateCondition     State = "condition"
	StateStartPre      State = "start_pre"
	StateStart         State = "start"
	StateStartPost     State = "start_post"
	StateRunning       State = "running"
	StateExited        State = "exited"
	StateReload        State = "reload"
	StateStop          State = "stop"
	StateStopWatchdog  State = "stop_watchdog"
	StateStopSigterm   State = "stop_sigterm"
	StateStopSigkill   State = "stop_sigkill"
	StateStopPost      State = "stop_post"
	StateFinalWatchdog State = "final_watchdog"
	StateFinalSigterm  State = "final_sigterm"
	StateFinalSigkill  State = "final_sigkill"
	StateAutoRestart   State = "auto_restart"
	StateCleaning      State = "cleaning"
	StateFailed        State = "failed"
)

// Result is the terminal outcome tag a phase completes with.
type Result string

const (
	ResultSuccess            Result = "success"
	ResultFailureResources   Result = "failure_resources"
	ResultFailureProtocol    Result = "failure_protocol"
	ResultFailureExitCode    Result = "failure_exit_code"
	ResultFailureSignal      Result = "failure_signal"
	ResultFailureCoreDump    Result = "failure_core_dump"
	ResultFailureWatchdog    Result = "failure_watchdog"
	ResultFailureStartLimit  Result = "failure_start_limit_hit"
	ResultFailureTimeout     Result = "failure_timeout"
	ResultSkipCondition      Result = "skip_condition"
)

// NotifyState is the service's self-reported sd-notify state.
type NotifyState string

const (
	NotifyUnknown  NotifyState = "unknown"
	NotifyReady    NotifyState = "ready"
	NotifyStopping NotifyState = "stopping"
)

// Pids is the §3 ServicePid record.
type Pids struct {
	Main        int
	Control     int
	MainIsAlien bool
}

// cmdList names which exec command list is presently executing, for the
// control-pid exit dispatch table (§4.4.4).
type cmdList string

const (
	cmdNone       cmdList = ""
	cmdCondition  cmdList = "condition"
	cmdStartPre   cmdList = "start_pre"
	cmdStart      cmdList = "start"
	cmdStartPost  cmdList = "start_post"
	cmdReload     cmdList = "reload"
	cmdStop       cmdList = "stop"
	cmdStopPost   cmdList = "stop_post"
)

// Instance folds ServiceMng + RunningData + Rtdata into one struct keyed
// by unit id, per §9's re-architecture note. A Subsystem table owns every
// Instance; there is no shared mutation, so the single-threaded
// cooperative EventLoop makes locking unnecessary within one Instance.
type Instance struct {
	UnitID string
	Config *unitfile.Config

	State  State
	Result Result

	Pids Pids

	// Command cursors are indices: cursor ∈ 0..=len(cmds) means
	// cmds[cursor:] is the remaining sequence, per §9.
	MainCmdCursor    int
	ControlCmdList   cmdList
	ControlCmdCursor int

	NotifyState   NotifyState
	WatchdogUsec  time.Duration // 0 means "use Config.WatchdogSec"
	ErrNo         int
	ForbidRestart bool
	ResetRestart  bool
	Restarts      int
	ExitStatus    int
	ReloadResult  Result

	StartLimitWindow []time.Time

	PendingPidFile   bool
	RestartRequested bool // set by Subsystem.Restart; forces enter_dead to restart regardless of policy

	stateEnteredAt time.Time
}

// newInstance allocates a fresh Instance in state Dead.
func newInstance(unitID string, cfg *unitfile.Config) *Instance {
	return &Instance{
		UnitID: unitID,
		Config: cfg,
		State:  StateDead,
		Result: ResultSuccess,
	}
}

// currentCommandIgnoresFailure returns the IgnoreFailure flag of whatever
// command is presently running, used to upgrade its result to Success
// before dispatch, per §4.4.4.
func (in *Instance) currentCommandIgnoresFailure() bool {
	list := in.commandsFor(in.ControlCmdList)
	idx := in.ControlCmdCursor
	if idx < 0 || idx >= len(list) {
		return false
	}
	return list[idx].IgnoreFailure
}

func (in *Instance) commandsFor(list cmdList) []unitfile.ExecCommand {
	switch list {
	case cmdCondition:
		return in.Config.ExecCondition
	case cmdStartPre:
		return in.Config.ExecStartPre
	case cmdStart:
		return in.Config.ExecStart
	case cmdStartPost:
		return in.Config.ExecStartPost
	case cmdReload:
		return in.Config.ExecReload
	case cmdStop:
		return in.Config.ExecStop
	case cmdStopPost:
		return in.Config.ExecStopPost
	default:
		return nil
	}
}
