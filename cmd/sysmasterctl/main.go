// Command sysmasterctl is the control-surface CLI: since a D-Bus/remote
// control surface is out of scope, every subcommand builds the same
// component stack as the daemon against the shared reliability store and
// unit-file search path, runs a short-lived EventLoop for the duration of
// one operation, and exits once it completes.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/sysmasterd/internal/eventloop"
	"github.com/cuemby/sysmasterd/internal/events"
	"github.com/cuemby/sysmasterd/internal/job"
	"github.com/cuemby/sysmasterd/internal/logging"
	"github.com/cuemby/sysmasterd/internal/manager"
	"github.com/cuemby/sysmasterd/internal/notify"
	"github.com/cuemby/sysmasterd/internal/pidfile"
	"github.com/cuemby/sysmasterd/internal/reliability"
	"github.com/cuemby/sysmasterd/internal/service"
	"github.com/cuemby/sysmasterd/internal/sigchld"
	"github.com/cuemby/sysmasterd/internal/spawn"
	"github.com/cuemby/sysmasterd/internal/timer"
	"github.com/cuemby/sysmasterd/internal/unitdb"
	"github.com/cuemby/sysmasterd/internal/unitfile"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sysmasterctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sysmasterctl",
	Short: "control sysmasterd-managed units",
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/sysmasterd", "Reliability checkpoint directory")
	rootCmd.PersistentFlags().StringSlice("unit-dir", []string{"/etc/sysmaster/system", "/usr/lib/sysmaster/system"}, "Unit file search path, in priority order")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "How long to wait for the job to complete")

	rootCmd.AddCommand(
		jobCmd("start", job.KindStart),
		jobCmd("stop", job.KindStop),
		jobCmd("restart", job.KindRestart),
		jobCmd("reload", job.KindReload),
		statusCmd,
		listUnitsCmd,
		enableCmd,
		disableCmd,
		maskCmd,
		unmaskCmd,
		resetFailedCmd,
		switchRootCmd,
		startTransientCmd,
	)
}

// stack is the full set of collaborators one subcommand invocation needs.
// It builds the same components as sysmasterd, minus the metrics server and
// the emergency-action dispatcher; unlike sysmasterd it does not start the
// BindsTo watcher, load default.target, or coldplug saved service state.
type stack struct {
	loop *eventloop.EventLoop
	db   *unitdb.UnitDb
	svc  *service.Subsystem
	jobs *job.Manager
	mgr  *manager.Manager
	rt   *manager.Runtime

	store    *reliability.Store
	pidWatch *pidfile.Watcher
	notifyR  *notify.Receiver
	sigDisp  *sigchld.Dispatcher

	logger zerolog.Logger
}

func buildStack(cmd *cobra.Command) (*stack, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	unitDirs, _ := cmd.Flags().GetStringSlice("unit-dir")

	logger := logging.Logger

	store, err := reliability.Open(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("sysmasterctl: open reliability store: %w", err)
	}

	loop := eventloop.New(logger)
	broker := events.NewBroker()
	broker.Start()

	db := unitdb.New()
	spawner := spawn.New(logger)
	timers := timer.NewRegistry(loop, logger)

	pidWatch, err := pidfile.New(loop, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("sysmasterctl: open pid-file watcher: %w", err)
	}

	svc := service.New(db, nil, spawner, timers, pidWatch, store, broker, logger)
	jobs := job.NewManager(db, svc, store, broker, logger, svc.IsActiveOrReloading)
	svc.SetJobManager(jobs)

	sigDisp := sigchld.New(db, loop, logger, svc.HandleSigchld)
	sigDisp.Start()

	notifyRecv, err := notify.New(loop, logger, svc.HandleNotify)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("sysmasterctl: open notify receiver: %w", err)
	}

	loader := manager.NewLoader(db, svc, unitDirs, logger)
	rt := manager.NewRuntime(db, jobs, loader, logger)
	mgr := manager.New(db, jobs, loader, rt, logger, svc.MainPidOf)

	return &stack{
		loop: loop, db: db, svc: svc, jobs: jobs, mgr: mgr, rt: rt,
		store: store, pidWatch: pidWatch, notifyR: notifyRecv, sigDisp: sigDisp,
		logger: logger,
	}, nil
}

func (s *stack) Close() {
	s.sigDisp.Stop()
	s.notifyR.Close()
	s.pidWatch.Close()
	s.store.Close()
}

// runUntilJobDone runs the EventLoop, posting a runtime-queue drain every
// 20ms so j's unit (and whatever its dependency closure pulls in) gets
// loaded, then stops the loop as soon as a TypeJobCompleted event for j's
// unit arrives or timeout elapses.
func (s *stack) runUntilJobDone(ctx context.Context, j *job.Job) error {
	sub := s.jobs.Subscribe()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Type == events.TypeJobCompleted && ev.UnitID == j.UnitID {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.loop.Post(eventloop.PriorityLow, "runtime_drain", func() { s.rt.Drain() })
			}
		}
	}()

	err := s.loop.Run(ctx)
	if err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return err
	}
	return nil
}

func jobCmd(use string, kind job.Kind) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " UNIT",
		Short: use + " a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			st, err := buildStack(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			var j *job.Job
			switch kind {
			case job.KindStart:
				j, err = st.mgr.Start(args[0], true, "")
			case job.KindStop:
				j, err = st.mgr.Stop(args[0], true)
			case job.KindRestart:
				j, err = st.mgr.Restart(args[0])
			case job.KindReload:
				j, err = st.mgr.Reload(args[0])
			}
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := st.runUntilJobDone(ctx, j); err != nil {
				return err
			}
			fmt.Printf("%s: %s queued as job %s\n", args[0], kind, j.ID)
			return nil
		},
	}
	return c
}

var statusCmd = &cobra.Command{
	Use:   "status UNIT",
	Short: "show a unit's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		us, err := st.mgr.Status(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", us.ID)
		fmt.Printf("  Loaded: %s\n", us.Load)
		fmt.Printf("  Active: %s (%s)\n", us.Active, us.Sub)
		if us.MainPid != 0 {
			fmt.Printf("  Main PID: %d\n", us.MainPid)
		}
		os.Exit(manager.StatusExitCode(us.Active))
		return nil
	},
}

var listUnitsCmd = &cobra.Command{
	Use:   "list-units",
	Short: "list all known units",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UNIT\tLOAD\tACTIVE\tSUB")
		for _, u := range st.mgr.ListUnits() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Load, u.Active, u.Sub)
		}
		return w.Flush()
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable UNIT",
	Short: "add a unit to default.target's dependency closure",
	Args:  cobra.ExactArgs(1),
	RunE:  simpleOp(func(st *stack, args []string) error { return st.mgr.Enable(args[0]) }),
}

var disableCmd = &cobra.Command{
	Use:   "disable UNIT",
	Short: "remove a unit from default.target's dependency closure",
	Args:  cobra.ExactArgs(1),
	RunE:  simpleOp(func(st *stack, args []string) error { return st.mgr.Disable(args[0]) }),
}

var maskCmd = &cobra.Command{
	Use:   "mask UNIT",
	Short: "prevent a unit from ever loading",
	Args:  cobra.ExactArgs(1),
	RunE:  simpleOp(func(st *stack, args []string) error { return st.mgr.Mask(args[0]) }),
}

var unmaskCmd = &cobra.Command{
	Use:   "unmask UNIT",
	Short: "clear a unit's masked load-state",
	Args:  cobra.ExactArgs(1),
	RunE:  simpleOp(func(st *stack, args []string) error { return st.mgr.Unmask(args[0]) }),
}

var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed UNIT",
	Short: "clear a unit's failed active-state latch",
	Args:  cobra.ExactArgs(1),
	RunE:  simpleOp(func(st *stack, args []string) error { return st.mgr.ResetFailed(args[0]) }),
}

var switchRootCmd = &cobra.Command{
	Use:   "switch-root -- [INIT_ARGS...]",
	Short: "flush every in-flight job ahead of a root switch",
	RunE:  simpleOp(func(st *stack, args []string) error { return st.mgr.SwitchRoot(args) }),
}

// simpleOp wraps a synchronous Manager call (no job to wait on) in the
// stack lifecycle boilerplate every non-job subcommand shares.
func simpleOp(fn func(st *stack, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		st, err := buildStack(cmd)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(st, args)
	}
}

var startTransientCmd = &cobra.Command{
	Use:   "start-transient FILE",
	Short: "start a transient unit described by a yaml descriptor file",
	Long:  "Reads a start_transient_unit(mode, primary, aux[]) descriptor (see unitfile.TransientUnit) from FILE, or stdin if FILE is \"-\".",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		var data []byte
		var err error
		if args[0] == "-" {
			data, err = os.ReadFile("/dev/stdin")
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("sysmasterctl: read transient unit descriptor: %w", err)
		}

		var raw struct {
			Mode    string                  `yaml:"mode"`
			Primary unitfile.TransientUnit  `yaml:"primary"`
			Aux     []unitfile.TransientUnit `yaml:"aux"`
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("sysmasterctl: decode transient unit descriptor: %w", err)
		}

		st, err := buildStack(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		j, err := st.mgr.StartTransientUnit(job.Mode(raw.Mode), raw.Primary, raw.Aux)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := st.runUntilJobDone(ctx, j); err != nil {
			return err
		}
		fmt.Printf("%s: transient unit started as job %s\n", raw.Primary.Name, j.ID)
		return nil
	},
}
