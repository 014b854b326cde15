package service

import "github.com/cuemby/sysmasterd/internal/unitfile"

// ShallRestart implements §4.4.3: given the unit's Restart= policy, the
// phase result that just concluded, the exit status (checked against
// RestartPreventExitStatus=), and whether forbidRestart is set, reports whether enter_restart should be taken instead of enter_dead /
// enter_stop_post's usual successor.
func ShallRestart(policy unitfile.RestartPolicy, result Result, exitStatus int, preventExitStatus []int, forbidRestart bool) bool {
	if forbidRestart {
		return false
	}
	for _, s := range preventExitStatus {
		if s == exitStatus {
			return false
		}
	}

	switch policy {
	case unitfile.RestartNo:
		return false
	case unitfile.RestartAlways:
		return result != ResultSkipCondition
	case unitfile.RestartOnSuccess:
		return result == ResultSuccess
	case unitfile.RestartOnFailure:
		return result != ResultSuccess && result != ResultSkipCondition
	case unitfile.RestartOnAbnormal:
		return result == ResultFailureSignal || result == ResultFailureCoreDump ||
			result == ResultFailureTimeout || result == ResultFailureWatchdog
	case unitfile.RestartOnAbort:
		return result == ResultFailureSignal || result == ResultFailureCoreDump
	case unitfile.RestartOnWatchdog:
		return result == ResultFailureWatchdog
	default:
		return false
	}
}
