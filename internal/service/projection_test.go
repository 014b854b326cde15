package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/sysmasterd/internal/unitdb"
	"github.com/cuemby/sysmasterd/internal/unitfile"
)

func TestProjectActiveStateSimpleService(t *testing.T) {
	cases := []struct {
		state State
		want  unitdb.ActiveState
	}{
		{StateDead, unitdb.ActiveInActive},
		{StateFailed, unitdb.ActiveFailed},
		{StateCondition, unitdb.ActiveActivating},
		{StateStartPre, unitdb.ActiveActivating},
		{StateStart, unitdb.ActiveActivating},
		{StateStartPost, unitdb.ActiveActivating},
		{StateRunning, unitdb.ActiveActive},
		{StateExited, unitdb.ActiveActive},
		{StateReload, unitdb.ActiveReloading},
		{StateStop, unitdb.ActiveDeActivating},
		{StateStopSigterm, unitdb.ActiveDeActivating},
		{StateFinalSigkill, unitdb.ActiveDeActivating},
		{StateAutoRestart, unitdb.ActiveActivating},
		{StateCleaning, unitdb.ActiveMaintenance},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ProjectActiveState(unitfile.TypeSimple, c.state), "state=%s", c.state)
	}
}

func TestProjectActiveStateIdleServiceIsActiveDuringStartup(t *testing.T) {
	for _, s := range []State{StateCondition, StateStartPre, StateStart, StateStartPost} {
		assert.Equal(t, unitdb.ActiveActive, ProjectActiveState(unitfile.TypeIdle, s), "state=%s", s)
	}
}
