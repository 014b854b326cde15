package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sysmasterd/internal/eventloop"
	"github.com/cuemby/sysmasterd/internal/pidfile"
	"github.com/cuemby/sysmasterd/internal/sigchld"
	"github.com/cuemby/sysmasterd/internal/spawn"
	"github.com/cuemby/sysmasterd/internal/timer"
	"github.com/cuemby/sysmasterd/internal/unitdb"
	"github.com/cuemby/sysmasterd/internal/unitfile"
)

// newTestSubsystem wires a Subsystem against real collaborators (no store
// or broker, no job.Manager) so a unit's whole lifecycle runs through real
// fork/exec/wait4, the way only an integration test against this
// component can exercise.
func newTestSubsystem(t *testing.T) (*Subsystem, *eventloop.EventLoop, context.Context) {
	t.Helper()
	logger := zerolog.Nop()
	loop := eventloop.New(logger)
	db := unitdb.New()
	spawner := spawn.New(logger)
	timers := timer.NewRegistry(loop, logger)

	pidWatch, err := pidfile.New(loop, logger)
	require.NoError(t, err)
	t.Cleanup(func() { pidWatch.Close() })

	svc := New(db, nil, spawner, timers, pidWatch, nil, nil, logger)

	sigDisp := sigchld.New(db, loop, logger, svc.HandleSigchld)
	sigDisp.Start()
	t.Cleanup(sigDisp.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	go loop.Run(ctx)

	return svc, loop, ctx
}

func TestSimpleServiceRunsToCompletionAndGoesDead(t *testing.T) {
	svc, _, _ := newTestSubsystem(t)

	cfg := &unitfile.Config{
		Type:            unitfile.TypeSimple,
		ExecStart:       []unitfile.ExecCommand{{Path: "/bin/true"}},
		Restart:         unitfile.RestartNo,
		TimeoutStartSec: 2 * time.Second,
		TimeoutStopSec:  2 * time.Second,
	}
	svc.Register("t.service", cfg)

	require.NoError(t, svc.Start("t.service"))

	in, err := svc.get("t.service")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return in.State == StateDead
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, ResultSuccess, in.Result)
}

func TestFailingServiceGoesFailed(t *testing.T) {
	svc, _, _ := newTestSubsystem(t)

	cfg := &unitfile.Config{
		Type:            unitfile.TypeSimple,
		ExecStart:       []unitfile.ExecCommand{{Path: "/bin/false"}},
		Restart:         unitfile.RestartNo,
		TimeoutStartSec: 2 * time.Second,
		TimeoutStopSec:  2 * time.Second,
	}
	svc.Register("f.service", cfg)

	require.NoError(t, svc.Start("f.service"))

	in, err := svc.get("f.service")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return in.State == StateFailed
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, ResultFailureExitCode, in.Result)
}

func TestOneshotRemainAfterExitStaysExited(t *testing.T) {
	svc, _, _ := newTestSubsystem(t)

	cfg := &unitfile.Config{
		Type:            unitfile.TypeOneshot,
		ExecStart:       []unitfile.ExecCommand{{Path: "/bin/true"}},
		RemainAfterExit: true,
		Restart:         unitfile.RestartNo,
		TimeoutStartSec: 2 * time.Second,
		TimeoutStopSec:  2 * time.Second,
	}
	svc.Register("o.service", cfg)

	require.NoError(t, svc.Start("o.service"))

	in, err := svc.get("o.service")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return in.State == StateExited
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, ResultSuccess, in.Result)
}
