package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/sysmasterd/internal/unitfile"
)

func TestShallRestartPolicyTable(t *testing.T) {
	cases := []struct {
		name   string
		policy unitfile.RestartPolicy
		result Result
		want   bool
	}{
		{"no never restarts", unitfile.RestartNo, ResultFailureExitCode, false},
		{"always restarts on success", unitfile.RestartAlways, ResultSuccess, true},
		{"always restarts on failure", unitfile.RestartAlways, ResultFailureExitCode, true},
		{"on-success skips failure", unitfile.RestartOnSuccess, ResultFailureExitCode, false},
		{"on-success restarts success", unitfile.RestartOnSuccess, ResultSuccess, true},
		{"on-failure skips success", unitfile.RestartOnFailure, ResultSuccess, false},
		{"on-failure skips skip-condition", unitfile.RestartOnFailure, ResultSkipCondition, false},
		{"on-failure restarts exit-code failure", unitfile.RestartOnFailure, ResultFailureExitCode, true},
		{"on-abnormal skips exit-code failure", unitfile.RestartOnAbnormal, ResultFailureExitCode, false},
		{"on-abnormal restarts signal failure", unitfile.RestartOnAbnormal, ResultFailureSignal, true},
		{"on-abort restarts core dump", unitfile.RestartOnAbort, ResultFailureCoreDump, true},
		{"on-abort skips timeout", unitfile.RestartOnAbort, ResultFailureTimeout, false},
		{"on-watchdog restarts watchdog failure", unitfile.RestartOnWatchdog, ResultFailureWatchdog, true},
		{"on-watchdog skips exit-code failure", unitfile.RestartOnWatchdog, ResultFailureExitCode, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ShallRestart(c.policy, c.result, 0, nil, false)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestShallRestartForbidRestartAlwaysWins(t *testing.T) {
	assert.False(t, ShallRestart(unitfile.RestartAlways, ResultFailureExitCode, 0, nil, true))
}

func TestShallRestartPreventExitStatusWins(t *testing.T) {
	assert.False(t, ShallRestart(unitfile.RestartAlways, ResultFailureExitCode, 42, []int{1, 42}, false))
	assert.True(t, ShallRestart(unitfile.RestartAlways, ResultFailureExitCode, 7, []int{1, 42}, false))
}
