// Command sysmasterd is the daemon entrypoint: it builds the EventLoop and
// every component named in spec.md §2, wires them together, coldplugs
// runtime state from the reliability store, and blocks until signalled.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/cuemby/sysmasterd/internal/eventloop"
	"github.com/cuemby/sysmasterd/internal/events"
	"github.com/cuemby/sysmasterd/internal/job"
	"github.com/cuemby/sysmasterd/internal/logging"
	"github.com/cuemby/sysmasterd/internal/manager"
	"github.com/cuemby/sysmasterd/internal/metrics"
	"github.com/cuemby/sysmasterd/internal/notify"
	"github.com/cuemby/sysmasterd/internal/pidfile"
	"github.com/cuemby/sysmasterd/internal/reliability"
	"github.com/cuemby/sysmasterd/internal/service"
	"github.com/cuemby/sysmasterd/internal/sigchld"
	"github.com/cuemby/sysmasterd/internal/spawn"
	"github.com/cuemby/sysmasterd/internal/timer"
	"github.com/cuemby/sysmasterd/internal/unitdb"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sysmasterd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sysmasterd",
	Short: "sysmasterd is a process-1-class service and unit manager",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("data-dir", "/var/lib/sysmasterd", "Reliability checkpoint directory")
	rootCmd.Flags().StringSlice("unit-dir", []string{"/etc/sysmaster/system", "/usr/lib/sysmaster/system"}, "Unit file search path, in priority order")
	rootCmd.Flags().String("metrics-addr", "", "If set, serve Prometheus metrics on this address")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(level), JSONOutput: jsonOut})
}

// realSystemOps implements manager.SystemOps against the real kernel.
type realSystemOps struct{}

func (realSystemOps) Reboot() error   { return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART) }
func (realSystemOps) Poweroff() error { return unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF) }
func (realSystemOps) Exit(code int) error {
	os.Exit(code)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	unitDirs, _ := cmd.Flags().GetStringSlice("unit-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	logger := logging.Logger
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("sysmasterd: create data dir: %w", err)
	}

	store, err := reliability.Open(dataDir, logger)
	if err != nil {
		return fmt.Errorf("sysmasterd: open reliability store: %w", err)
	}
	defer store.Close()

	loop := eventloop.New(logger)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	db := unitdb.New()
	spawner := spawn.New(logger)
	timers := timer.NewRegistry(loop, logger)

	pidWatch, err := pidfile.New(loop, logger)
	if err != nil {
		return fmt.Errorf("sysmasterd: open pid-file watcher: %w", err)
	}
	defer pidWatch.Close()

	// Subsystem and job.Manager are mutually referential (job.Manager
	// needs a Runner, and set_state needs the Manager to call TryFinish):
	// construct the Subsystem with a nil job manager, build the real one
	// against it, then backfill.
	svc := service.New(db, nil, spawner, timers, pidWatch, store, broker, logger)
	jobs := job.NewManager(db, svc, store, broker, logger, svc.IsActiveOrReloading)
	svc.SetJobManager(jobs)

	sigDisp := sigchld.New(db, loop, logger, svc.HandleSigchld)
	sigDisp.Start()
	defer sigDisp.Stop()

	notifyRecv, err := notify.New(loop, logger, svc.HandleNotify)
	if err != nil {
		return fmt.Errorf("sysmasterd: open notify receiver: %w", err)
	}
	defer notifyRecv.Close()

	loader := manager.NewLoader(db, svc, unitDirs, logger)
	runtime := manager.NewRuntime(db, jobs, loader, logger)
	mgr := manager.New(db, jobs, loader, runtime, logger, svc.MainPidOf)

	emergency := manager.NewEmergencyActionDispatcher(mgr, realSystemOps{}, logger)
	go emergency.Run(jobs.Subscribe())
	defer emergency.Stop()

	bindsToStop := make(chan struct{})
	go runtime.WatchBindsTo(jobs.Subscribe(), bindsToStop)
	defer close(bindsToStop)

	loadAndColdplug(db, runtime, svc, logger)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	stopDrain := make(chan struct{})
	go drainLoop(runtime, loop, stopDrain)
	defer close(stopDrain)

	logger.Info().Strs("unit_dirs", unitDirs).Msg("sysmasterd starting")
	return loop.Run(ctx)
}

// loadAndColdplug enqueues default.target's load, drains the runtime
// queues so its full dependency closure is loaded and default-dependency
// edges are synthesized, then coldplugs every resulting service instance
// from its last checkpoint, per §4.4.8.
func loadAndColdplug(db *unitdb.UnitDb, runtime *manager.Runtime, svc *service.Subsystem, logger zerolog.Logger) {
	runtime.EnqueueLoad(manager.DefaultTargetName)
	runtime.Drain()

	for _, entry := range db.List() {
		if entry.Type != unitdb.TypeService || entry.Load != unitdb.LoadLoaded {
			continue
		}
		if err := svc.Coldplug(entry.ID); err != nil {
			logger.Warn().Err(err).Str("unit", entry.ID).Msg("coldplug failed")
		}
	}
}

// drainLoop periodically drains the UnitRuntime queues so that units
// discovered as dependencies (not named directly by a CLI call) are
// loaded and default-dependency-synthesized without a caller having to
// poll. The EventLoop itself has no post-batch hook exposed publicly, so
// this runs on its own short-period ticker rather than being woven into
// loop.Run's drain.
func drainLoop(runtime *manager.Runtime, loop *eventloop.EventLoop, stop <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		default:
		}
		loop.Post(eventloop.PriorityLow, "unit_runtime_drain", func() {
			runtime.Drain()
		})
		select {
		case <-stop:
			return
		case <-loop.Stopped():
			return
		case <-ticker.C:
		}
	}
}
