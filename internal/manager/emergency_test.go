package manager

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sysmasterd/internal/events"
	"github.com/cuemby/sysmasterd/internal/job"
	"github.com/cuemby/sysmasterd/internal/unitdb"
)

type fakeSystemOps struct {
	rebooted, poweredOff bool
	exitCode             int
	exited               bool
}

func (f *fakeSystemOps) Reboot() error   { f.rebooted = true; return nil }
func (f *fakeSystemOps) Poweroff() error { f.poweredOff = true; return nil }
func (f *fakeSystemOps) Exit(code int) error {
	f.exited = true
	f.exitCode = code
	return nil
}

func TestEmergencyActionDispatcherGracefulStartsTarget(t *testing.T) {
	runner := &fakeRunner{}
	mgr, db, _ := newTestManagerStack(t, runner, nil)
	db.GetOrCreate("reboot.target", unitdb.TypeTarget)

	ops := &fakeSystemOps{}
	d := NewEmergencyActionDispatcher(mgr, ops, zerolog.Nop())

	sub := make(events.Subscriber, 4)
	go d.Run(sub)
	defer d.Stop()

	sub <- &events.Event{Type: events.TypeEmergencyAction, UnitID: "a.service", Metadata: map[string]string{"action": "reboot"}}

	require.Eventually(t, func() bool {
		return contains(runner.started, "reboot.target")
	}, time.Second, time.Millisecond)
}

func TestEmergencyActionDispatcherImmediateCallsSystemOps(t *testing.T) {
	mgr, _, _ := newTestManagerStack(t, &fakeRunner{}, nil)
	ops := &fakeSystemOps{}
	d := NewEmergencyActionDispatcher(mgr, ops, zerolog.Nop())

	sub := make(events.Subscriber, 4)
	go d.Run(sub)
	defer d.Stop()

	sub <- &events.Event{Type: events.TypeEmergencyAction, UnitID: "a.service", Metadata: map[string]string{"action": "poweroff-immediate"}}

	require.Eventually(t, func() bool { return ops.poweredOff }, time.Second, time.Millisecond)
}

func TestEmergencyActionDispatcherNoneIsNoop(t *testing.T) {
	mgr, _, _ := newTestManagerStack(t, &fakeRunner{}, nil)
	ops := &fakeSystemOps{}
	d := NewEmergencyActionDispatcher(mgr, ops, zerolog.Nop())

	sub := make(events.Subscriber, 4)
	go d.Run(sub)
	defer d.Stop()

	sub <- &events.Event{Type: events.TypeEmergencyAction, UnitID: "a.service", Metadata: map[string]string{"action": "none"}}
	sub <- &events.Event{Type: events.TypeJobCompleted, UnitID: "a.service", Metadata: map[string]string{"kind": string(job.KindStart)}}

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ops.rebooted)
	assert.False(t, ops.poweredOff)
	assert.False(t, ops.exited)
}
