package manager

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/sysmasterd/internal/job"
	"github.com/cuemby/sysmasterd/internal/unitdb"
	"github.com/cuemby/sysmasterd/internal/unitfile"
)

// StatusExitCode reports `3` when the queried unit's active-state is
// InActive or Failed, `0` otherwise, matching the sysv `status` exit-code
// convention named in §6.
func StatusExitCode(active unitdb.ActiveState) int {
	if active == unitdb.ActiveInActive || active == unitdb.ActiveFailed {
		return 3
	}
	return 0
}

// UnitStatus is the read-only projection returned by status(name).
type UnitStatus struct {
	ID         string
	Type       unitdb.UnitType
	Load       unitdb.LoadState
	Active     unitdb.ActiveState
	Sub        string
	MainPid    int
	Result     string
	Timestamps unitdb.Timestamps
}

// ListedUnit is one row of list_units()'s table.
type ListedUnit struct {
	ID     string
	Type   unitdb.UnitType
	Load   unitdb.LoadState
	Active unitdb.ActiveState
	Sub    string
}

// Manager is the UnitManager public surface (§4.1): it resolves names,
// enforces Refuse{Manual}{Start,Stop} and load-state preconditions, and
// submits the resulting request to the JobManager. No method here blocks
// the caller — every mutation is a job admission that completes
// asynchronously, observed via job.Manager.Subscribe or a later status()
// poll.
type Manager struct {
	db      *unitdb.UnitDb
	jobs    *job.Manager
	loader  *Loader
	runtime *Runtime
	logger  zerolog.Logger

	mainPidOf func(unitID string) int
}

// New constructs a Manager. mainPidOf resolves a service's current main
// pid for status(); it may be nil for non-service-aware callers (tests),
// in which case UnitStatus.MainPid is always 0.
func New(db *unitdb.UnitDb, jobs *job.Manager, loader *Loader, runtime *Runtime, logger zerolog.Logger, mainPidOf func(string) int) *Manager {
	return &Manager{
		db:        db,
		jobs:      jobs,
		loader:    loader,
		runtime:   runtime,
		logger:    logger.With().Str("component", "unit_manager").Logger(),
		mainPidOf: mainPidOf,
	}
}

// resolve loads unitID synchronously if it is not yet Loaded (the load
// queue is for dependency-discovered units; a name the caller explicitly
// named resolves inline so the immediately-following job admission has a
// registered Runner to drive), and returns its entry.
func (m *Manager) resolve(unitID string) (*unitdb.UnitEntry, error) {
	entry, ok := m.db.Get(unitID)
	if ok && entry.Load == unitdb.LoadMasked {
		return nil, fmt.Errorf("manager: %s: %w", unitID, ErrBadR)
	}
	if !ok || entry.Load == unitdb.LoadStub {
		if err := m.loader.Load(unitID); err != nil {
			entry, _ = m.db.Get(unitID)
			if entry != nil && entry.Load == unitdb.LoadNotFound {
				return nil, fmt.Errorf("manager: %s: %w", unitID, ErrNoEnt)
			}
			return nil, fmt.Errorf("manager: %s: %w", unitID, ErrInval)
		}
		m.runtime.EnqueueTargetDependency(unitID)
	}
	entry, ok = m.db.Get(unitID)
	if !ok {
		return nil, fmt.Errorf("manager: %s: %w", unitID, ErrNoEnt)
	}
	return entry, nil
}

// Start implements start(name, is_manual, mode) per §4.1.
func (m *Manager) Start(name string, isManual bool, mode job.Mode) (*job.Job, error) {
	entry, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	cfg, _ := entry.Config.(*unitfile.Config)
	if isManual && cfg != nil && cfg.RefuseManualStart {
		return nil, fmt.Errorf("manager: %s: %w", name, ErrRefuseManualStart)
	}
	if entry.Load != unitdb.LoadLoaded {
		return nil, fmt.Errorf("manager: %s: %w", name, ErrBadR)
	}
	if mode == "" {
		mode = job.ModeReplace
	}
	return m.jobs.Exec(job.Conf{UnitID: name, Kind: job.KindStart, Mode: mode})
}

// Stop implements stop(name, is_manual) per §4.1: additionally refused if
// the unit is unloaded and already inactive (nothing to stop).
func (m *Manager) Stop(name string, isManual bool) (*job.Job, error) {
	entry, ok := m.db.Get(name)
	if !ok || (entry.Load != unitdb.LoadLoaded && entry.Active == unitdb.ActiveInActive) {
		return nil, fmt.Errorf("manager: %s: %w", name, ErrNoEnt)
	}
	cfg, _ := entry.Config.(*unitfile.Config)
	if isManual && cfg != nil && cfg.RefuseManualStop {
		return nil, fmt.Errorf("manager: %s: %w", name, ErrRefuseManualStop)
	}
	if entry.Active == unitdb.ActiveInActive {
		return nil, fmt.Errorf("manager: %s: %w", name, ErrAlready)
	}
	return m.jobs.Exec(job.Conf{UnitID: name, Kind: job.KindStop, Mode: job.ModeReplace})
}

// Restart implements restart(name).
func (m *Manager) Restart(name string) (*job.Job, error) {
	entry, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	if entry.Load != unitdb.LoadLoaded {
		return nil, fmt.Errorf("manager: %s: %w", name, ErrBadR)
	}
	return m.jobs.Exec(job.Conf{UnitID: name, Kind: job.KindRestart, Mode: job.ModeReplace})
}

// Reload implements reload(name).
func (m *Manager) Reload(name string) (*job.Job, error) {
	entry, ok := m.db.Get(name)
	if !ok || entry.Load != unitdb.LoadLoaded {
		return nil, fmt.Errorf("manager: %s: %w", name, ErrBadR)
	}
	if entry.Active != unitdb.ActiveActive {
		return nil, fmt.Errorf("manager: %s: %w", name, ErrBusy)
	}
	return m.jobs.Exec(job.Conf{UnitID: name, Kind: job.KindReload, Mode: job.ModeReplace})
}

// ResetFailed implements reset_failed(name): it clears the Failed
// active-state latch in UnitDb. The service's start-limit window
// (service.Instance.StartLimitWindow) is not cleared, so start attempts
// made before the reset still count toward the start limit.
func (m *Manager) ResetFailed(name string) error {
	entry, ok := m.db.Get(name)
	if !ok {
		return fmt.Errorf("manager: %s: %w", name, ErrNoEnt)
	}
	if entry.Active == unitdb.ActiveFailed {
		entry.Active = unitdb.ActiveInActive
	}
	return nil
}

// Enable marks unitID to be started at boot by recording it in the
// default-dependency closure (adding a Wants edge from default.target),
// mirroring systemd's "install" semantics without a symlink farm: no
// unit-file glob/drop-in surface is in scope (spec.md §1), so enable here
// only affects default.target's dependency closure, not a persistent
// on-disk enablement marker.
func (m *Manager) Enable(name string) error {
	entry, err := m.resolve(name)
	if err != nil {
		return err
	}
	m.db.Graph.Add(DefaultTargetName, entry.ID, unitdb.DepWants, unitdb.MaskFile)
	return nil
}

// Disable removes the default.target Wants edge installed by Enable.
func (m *Manager) Disable(name string) error {
	m.db.Graph.Remove(DefaultTargetName, name, unitdb.DepWants, unitdb.MaskFile)
	return nil
}

// Mask implements mask(name): the unit can never be loaded until Unmask.
func (m *Manager) Mask(name string) error {
	m.loader.Mask(name)
	return nil
}

// Unmask implements unmask(name).
func (m *Manager) Unmask(name string) error {
	m.loader.Unmask(name)
	return nil
}

// StartTransientUnit implements start_transient_unit(mode, primary, aux[]):
// it registers primary (and every aux unit) as a Transient UnitEntry
// without ever touching the on-disk search path, then submits a Start job
// for primary under mode.
func (m *Manager) StartTransientUnit(mode job.Mode, primary unitfile.TransientUnit, aux []unitfile.TransientUnit) (*job.Job, error) {
	for _, t := range append([]unitfile.TransientUnit{primary}, aux...) {
		entry := m.db.GetOrCreate(t.Name, guessUnitType(t.Name))
		entry.Transient = true
		entry.Load = unitdb.LoadLoaded
	}
	if mode == "" {
		mode = job.ModeReplace
	}
	return m.jobs.Exec(job.Conf{UnitID: primary.Name, Kind: job.KindStart, Mode: mode})
}

// SwitchRoot implements switch_root(init_args): out of the core's scope
// to actually perform the pivot_root/exec sequence (that is filesystem and
// process-1 plumbing external to the unit/job/service core), but the
// manager's responsibility within scope is to flush every in-flight job
// with ModeFlush semantics so no stale job survives into the new root.
func (m *Manager) SwitchRoot(initArgs []string) error {
	for _, entry := range m.db.List() {
		m.jobs.Cancel(entry.ID)
	}
	m.logger.Info().Strs("init_args", initArgs).Msg("switch_root: flushed all jobs")
	return nil
}

// ListUnits implements list_units() → table.
func (m *Manager) ListUnits() []ListedUnit {
	entries := m.db.List()
	out := make([]ListedUnit, 0, len(entries))
	for _, e := range entries {
		out = append(out, ListedUnit{ID: e.ID, Type: e.Type, Load: e.Load, Active: e.Active, Sub: e.Sub})
	}
	return out
}

// Status implements status(name) → UnitStatus.
func (m *Manager) Status(name string) (UnitStatus, error) {
	entry, ok := m.db.Get(name)
	if !ok {
		return UnitStatus{}, fmt.Errorf("manager: %s: %w", name, ErrNoEnt)
	}
	st := UnitStatus{
		ID:         entry.ID,
		Type:       entry.Type,
		Load:       entry.Load,
		Active:     entry.Active,
		Sub:        entry.Sub,
		Timestamps: entry.Timestamps,
	}
	if m.mainPidOf != nil {
		st.MainPid = m.mainPidOf(name)
	}
	return st, nil
}
