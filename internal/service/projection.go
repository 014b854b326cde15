package service

import (
	"github.com/cuemby/sysmasterd/internal/unitdb"
	"github.com/cuemby/sysmasterd/internal/unitfile"
)

// ProjectActiveState implements §4.4.1's table mapping a service's
// fine-grained State (and its unit's ServiceType) onto the generic
// ActiveState every unit type must expose. Type=idle is special-cased:
// the condition/pre-start/post-start phases project to Active rather
// than Activating, since an idle unit is considered "up" as soon as its
// ordering has been satisfied.
func ProjectActiveState(serviceType unitfile.ServiceType, state State) unitdb.ActiveState {
	idle := serviceType == unitfile.TypeIdle

	switch state {
	case StateDead, StateFailed:
		if state == StateFailed {
			return unitdb.ActiveFailed
		}
		return unitdb.ActiveInActive
	case StateCondition, StateStartPre, StateStart, StateStartPost:
		if idle {
			return unitdb.ActiveActive
		}
		return unitdb.ActiveActivating
	case StateRunning, StateExited:
		return unitdb.ActiveActive
	case StateReload:
		return unitdb.ActiveReloading
	case StateStop, StateStopWatchdog, StateStopSigterm, StateStopSigkill, StateStopPost,
		StateFinalWatchdog, StateFinalSigterm, StateFinalSigkill:
		return unitdb.ActiveDeActivating
	case StateAutoRestart:
		return unitdb.ActiveActivating
	case StateCleaning:
		return unitdb.ActiveMaintenance
	default:
		return unitdb.ActiveInActive
	}
}
