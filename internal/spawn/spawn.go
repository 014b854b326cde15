// Package spawn turns a parsed exec command plus exec context into a
// forked, exec'd child process, and delivers the signal escalation
// (SIGCONT+SIGTERM, then SIGCONT+SIGKILL on timeout) the service state
// machine's kill_context contract requires.
package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Flags are the per-command exec flags named in the unit-file record.
type Flags uint8

const (
	// FlagControl marks the spawned pid as a control pid rather than a
	// main pid (Condition, StartPre/Post, Stop, Reload, StopPost).
	FlagControl Flags = 1 << iota
	// FlagPassFds indicates open file descriptors should be inherited
	// into the child (socket activation handoff).
	FlagPassFds
	// FlagSoftWatchdog marks the spawn as eligible for watchdog-driven
	// termination once running.
	FlagSoftWatchdog
)

// Context carries the environment a command is spawned in.
type Context struct {
	WorkingDirectory string
	Environment      []string
	NotifySocketPath string // advertised to the child as NOTIFY_SOCKET
	ExtraFiles       []*os.File
}

// ServiceSpawn is the process-spawning collaborator for
// internal/service's ServiceStateMachine.
type ServiceSpawn struct {
	logger zerolog.Logger
}

// New allocates a ServiceSpawn.
func New(logger zerolog.Logger) *ServiceSpawn {
	return &ServiceSpawn{logger: logger.With().Str("component", "spawn").Logger()}
}

// Spawn forks and execs argv[0] with argv[1:] as arguments under ctx,
// returning the child's pid. The child is placed in its own session
// (Setsid) so that a later KillContext signals exactly the pids this
// service owns, and is marked to receive SIGKILL if sysmasterd itself
// dies (Pdeathsig), matching a subreaper's expectations. The returned
// process is deliberately never Wait()'d here: reaping is the exclusive
// responsibility of internal/sigchld's waitid loop.
func (s *ServiceSpawn) Spawn(argv []string, ctx Context, flags Flags) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("spawn: empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ctx.WorkingDirectory
	cmd.Env = ctx.Environment
	if ctx.NotifySocketPath != "" {
		cmd.Env = append(cmd.Env, "NOTIFY_SOCKET="+ctx.NotifySocketPath)
	}
	if flags&FlagPassFds != 0 {
		cmd.ExtraFiles = ctx.ExtraFiles
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:    true,
		Pdeathsig: unix.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn: start %q: %w", argv[0], err)
	}

	pid := cmd.Process.Pid
	// Detach the os/exec bookkeeping goroutine: we own reaping via
	// waitid, not cmd.Wait().
	if err := cmd.Process.Release(); err != nil {
		s.logger.Warn().Err(err).Int("pid", pid).Msg("failed to release process handle")
	}
	return pid, nil
}

// alive reports whether pid still exists, via a signal-0 probe.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// KillContext delivers sig (plus SIGCONT, to unfreeze a stopped process)
// to every pid in pids that is still alive. It returns true if at least
// one signal was actually delivered ("pids to wait for"); false means
// enter_signal must advance immediately rather than arm a stop timer,
// per §4.4.2's enter_signal contract.
func (s *ServiceSpawn) KillContext(pids []int, sig syscall.Signal) (bool, error) {
	var delivered bool
	var firstErr error

	for _, pid := range pids {
		if !alive(pid) {
			continue
		}
		_ = unix.Kill(pid, unix.SIGCONT)
		if err := unix.Kill(pid, unix.Signal(sig)); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("spawn: kill pid %d: %w", pid, err)
			}
			continue
		}
		delivered = true
	}
	return delivered, firstErr
}
