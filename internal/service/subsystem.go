package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sysmasterd/internal/events"
	"github.com/cuemby/sysmasterd/internal/job"
	"github.com/cuemby/sysmasterd/internal/metrics"
	"github.com/cuemby/sysmasterd/internal/notify"
	"github.com/cuemby/sysmasterd/internal/pidfile"
	"github.com/cuemby/sysmasterd/internal/reliability"
	"github.com/cuemby/sysmasterd/internal/sigchld"
	"github.com/cuemby/sysmasterd/internal/spawn"
	"github.com/cuemby/sysmasterd/internal/timer"
	"github.com/cuemby/sysmasterd/internal/unitdb"
	"github.com/cuemby/sysmasterd/internal/unitfile"
)

// Subsystem is the ServiceStateMachine component: the table of live
// Instances plus every collaborator a transition needs to spawn
// commands, arm timers, watch pid-files, receive notify datagrams, and
// durably checkpoint its own state. It implements job.Runner so the
// JobManager can drive it without importing it back.
type Subsystem struct {
	mu sync.Mutex

	db       *unitdb.UnitDb
	jobs     *job.Manager
	spawner  *spawn.ServiceSpawn
	timers   *timer.Registry
	pidWatch *pidfile.Watcher
	store    *reliability.Store
	broker   *events.Broker
	logger   zerolog.Logger

	instances map[string]*Instance
}

// New constructs a Subsystem. store and broker may be nil in tests that
// don't exercise persistence or event propagation.
func New(db *unitdb.UnitDb, jobs *job.Manager, spawner *spawn.ServiceSpawn, timers *timer.Registry, pidWatch *pidfile.Watcher, store *reliability.Store, broker *events.Broker, logger zerolog.Logger) *Subsystem {
	return &Subsystem{
		db:        db,
		jobs:      jobs,
		spawner:   spawner,
		timers:    timers,
		pidWatch:  pidWatch,
		store:     store,
		broker:    broker,
		logger:    logger.With().Str("component", "service").Logger(),
		instances: make(map[string]*Instance),
	}
}

// Register installs cfg as unitID's configuration, creating a fresh dead
// Instance if one does not already exist. Called by the loader when a
// unit file is (re)parsed.
func (s *Subsystem) Register(unitID string, cfg *unitfile.Config) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.instances[unitID]
	if !ok {
		in = newInstance(unitID, cfg)
		s.instances[unitID] = in
	} else {
		in.Config = cfg
	}

	entry := s.db.GetOrCreate(unitID, unitdb.TypeService)
	entry.Config = cfg
	entry.Active = ProjectActiveState(cfg.Type, in.State)
	entry.Sub = string(in.State)
	return in
}

// SetJobManager backfills the JobManager collaborator after construction,
// for entrypoints that must break the Subsystem/job.Manager construction
// cycle (job.NewManager needs a Runner, and the Runner here needs a
// *job.Manager): construct the Subsystem with a nil jobs first, build the
// Manager against it as Runner, then call SetJobManager before the event
// loop starts dispatching.
func (s *Subsystem) SetJobManager(jobs *job.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = jobs
}

// IsActiveOrReloading reports whether unitID's instance is presently
// Running or Reload, the predicate job.Manager feeds to JobUnit.Reshuffle
// for the Start/Reload merge tie-break.
func (s *Subsystem) IsActiveOrReloading(unitID string) bool {
	in, err := s.get(unitID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return in.State == StateRunning || in.State == StateReload
}

// MainPidOf returns unitID's current main pid, or 0 if it has none or is
// not a registered service instance. Bound into manager.Manager as its
// status() pid source.
func (s *Subsystem) MainPidOf(unitID string) int {
	in, err := s.get(unitID)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return in.Pids.Main
}

func (s *Subsystem) get(unitID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[unitID]
	if !ok {
		return nil, fmt.Errorf("service: unit %s is not registered", unitID)
	}
	return in, nil
}

// --- job.Runner ---

func (s *Subsystem) Start(unitID string) error {
	in, err := s.get(unitID)
	if err != nil {
		return err
	}
	if in.State != StateDead && in.State != StateFailed {
		return nil // already starting or up; job admission already merged duplicate starts
	}
	return s.enterCondition(in)
}

func (s *Subsystem) Stop(unitID string) error {
	in, err := s.get(unitID)
	if err != nil {
		return err
	}
	if in.State == StateDead || in.State == StateFailed {
		return nil
	}
	return s.enterStop(in, ResultSuccess)
}

func (s *Subsystem) Restart(unitID string) error {
	in, err := s.get(unitID)
	if err != nil {
		return err
	}
	in.RestartRequested = true
	if in.State == StateDead || in.State == StateFailed {
		return s.enterCondition(in)
	}
	return s.enterStop(in, ResultSuccess)
}

func (s *Subsystem) Reload(unitID string) error {
	in, err := s.get(unitID)
	if err != nil {
		return err
	}
	if in.State != StateRunning {
		return fmt.Errorf("service: %s: reload requires the running state, found %s", unitID, in.State)
	}
	return s.enterReload(in)
}

// Verify re-checks the unit's current projected state against its
// configuration without performing any transition, immediately
// completing its job either way.
func (s *Subsystem) Verify(unitID string) error {
	in, err := s.get(unitID)
	if err != nil {
		return err
	}
	active := ProjectActiveState(in.Config.Type, in.State)
	s.jobs.TryFinish(unitID, active)
	return nil
}

// --- state transition plumbing ---

// setState is the single write path for in.State: it projects the new
// ActiveState, updates UnitDb, persists, publishes, and tells JobManager
// whether this transition concludes a pending job.
func (s *Subsystem) setState(in *Instance, newState State, result Result) {
	old := in.State
	in.State = newState
	if result != "" {
		in.Result = result
	}

	now := time.Now()
	if !in.stateEnteredAt.IsZero() {
		metrics.ServiceStateDuration.WithLabelValues(string(old)).Observe(now.Sub(in.stateEnteredAt).Seconds())
	}
	in.stateEnteredAt = now
	newActive := ProjectActiveState(in.Config.Type, newState)
	oldActive := ProjectActiveState(in.Config.Type, old)

	entry := s.db.GetOrCreate(in.UnitID, unitdb.TypeService)
	entry.Active = newActive
	entry.Sub = string(newState)
	entry.Timestamps.StateChange = now
	if newActive == unitdb.ActiveActive && oldActive != unitdb.ActiveActive {
		entry.Timestamps.ActiveEnter = now
	}
	if newActive != unitdb.ActiveActive && oldActive == unitdb.ActiveActive {
		entry.Timestamps.ActiveExit = now
	}
	if newActive == unitdb.ActiveInActive && oldActive != unitdb.ActiveInActive {
		entry.Timestamps.InactiveEnter = now
	}
	if newActive != unitdb.ActiveInActive && oldActive == unitdb.ActiveInActive {
		entry.Timestamps.InactiveExit = now
	}

	s.persist(in)

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:   events.TypeUnitStateChanged,
			UnitID: in.UnitID,
			Metadata: map[string]string{
				"state":  string(newState),
				"active": string(newActive),
				"result": string(in.Result),
			},
		})
	}

	if newActive == unitdb.ActiveFailed && s.broker != nil {
		action := in.Config.FailureAction
		if action != "" {
			s.broker.Publish(&events.Event{
				Type:   events.TypeEmergencyAction,
				UnitID: in.UnitID,
				Metadata: map[string]string{"action": action},
			})
		}
	}

	s.logger.Debug().Str("unit", in.UnitID).Str("from", string(old)).Str("to", string(newState)).Str("result", string(in.Result)).Msg("state transition")

	if s.jobs != nil {
		s.jobs.TryFinish(in.UnitID, newActive)
	}
}

func (s *Subsystem) persist(in *Instance) {
	if s.store == nil {
		return
	}
	window := make([]int64, 0, len(in.StartLimitWindow))
	for _, t := range in.StartLimitWindow {
		window = append(window, t.UnixNano())
	}
	rec := reliability.ServiceRecord{
		State:            string(in.State),
		Result:           string(in.Result),
		MainPid:          in.Pids.Main,
		ControlPid:       in.Pids.Control,
		MainCmdCursor:    in.MainCmdCursor,
		ControlCmdKind:   string(in.ControlCmdList),
		ControlCmdCursor: in.ControlCmdCursor,
		NotifyState:      string(in.NotifyState),
		ForbidRestart:    in.ForbidRestart,
		ResetRestart:     in.ResetRestart,
		Restarts:         in.Restarts,
		ExitStatus:       in.ExitStatus,
		MainIsAlien:      in.Pids.MainIsAlien,
		StartLimitWindow: window,
	}
	if err := s.store.DbInsertService(in.UnitID, rec); err != nil {
		s.logger.Warn().Err(err).Str("unit", in.UnitID).Msg("failed to persist service record")
	}
}

// Coldplug repopulates a freshly-Registered Instance from its last
// checkpointed ServiceRecord, run once at startup before the EventLoop
// begins dispatching, per §4.4.8. A missing record leaves the Instance
// at its fresh Dead default.
func (s *Subsystem) Coldplug(unitID string) error {
	if s.store == nil {
		return nil
	}
	in, err := s.get(unitID)
	if err != nil {
		return err
	}

	rec, found, err := s.store.DbMapService(unitID)
	if err != nil {
		return fmt.Errorf("service: coldplug %s: %w", unitID, err)
	}
	if !found {
		return nil
	}

	in.State = State(rec.State)
	in.Result = Result(rec.Result)
	in.Pids = Pids{Main: rec.MainPid, Control: rec.ControlPid, MainIsAlien: rec.MainIsAlien}
	in.MainCmdCursor = rec.MainCmdCursor
	in.ControlCmdList = cmdList(rec.ControlCmdKind)
	in.ControlCmdCursor = rec.ControlCmdCursor
	in.NotifyState = NotifyState(rec.NotifyState)
	in.ForbidRestart = rec.ForbidRestart
	in.ResetRestart = rec.ResetRestart
	in.Restarts = rec.Restarts
	in.ExitStatus = rec.ExitStatus
	for _, ns := range rec.StartLimitWindow {
		in.StartLimitWindow = append(in.StartLimitWindow, time.Unix(0, ns))
	}

	entry := s.db.GetOrCreate(unitID, unitdb.TypeService)
	entry.Active = ProjectActiveState(in.Config.Type, in.State)
	entry.Sub = string(in.State)

	if in.Pids.Main != 0 {
		if err := s.db.ChildAddWatchPid(unitID, in.Pids.Main); err != nil {
			s.logger.Warn().Err(err).Str("unit", unitID).Msg("coldplug: failed to rewatch main pid")
		}
	}
	if in.Pids.Control != 0 {
		if err := s.db.ChildAddWatchPid(unitID, in.Pids.Control); err != nil {
			s.logger.Warn().Err(err).Str("unit", unitID).Msg("coldplug: failed to rewatch control pid")
		}
	}

	s.logger.Info().Str("unit", unitID).Str("state", rec.State).Msg("coldplugged from checkpoint")
	return nil
}

// --- sigchld.Handler glue ---

// HandleSigchld is bound as the sigchld.Handler for every reaped pid,
// routing exits of a unit's main or control pid into the dispatch table
// of §4.4.4.
func (s *Subsystem) HandleSigchld(unit *unitdb.UnitEntry, ws sigchld.WaitStatus) {
	in, err := s.get(unit.ID)
	if err != nil {
		return
	}
	s.dispatchSigchld(in, ws)
}

// --- notify.Receiver glue ---

// HandleNotify is bound as the notify Receiver's handle callback. It
// resolves the sender pid to an owning unit, authorises the message
// against the unit's NotifyAccess, and applies it.
func (s *Subsystem) HandleNotify(msg notify.Message) {
	unit, ok := s.db.GetUnitByPid(msg.SenderPid)
	if !ok {
		s.logger.Debug().Int("pid", msg.SenderPid).Msg("notify datagram from unwatched pid")
		return
	}
	in, err := s.get(unit.ID)
	if err != nil {
		return
	}

	access := notify.Access(in.Config.NotifyAccess)
	if access == "" {
		access = notify.AccessMain
	}
	if !notify.Authorize(access, msg.SenderPid, in.Pids.Main, in.Pids.Control) {
		s.logger.Warn().Str("unit", in.UnitID).Int("pid", msg.SenderPid).Msg("rejected unauthorised notify datagram")
		return
	}

	s.applyNotify(in, msg.SenderPid, msg.Fields)
}
