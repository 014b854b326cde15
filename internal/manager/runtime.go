package manager

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/sysmasterd/internal/events"
	"github.com/cuemby/sysmasterd/internal/job"
	"github.com/cuemby/sysmasterd/internal/metrics"
	"github.com/cuemby/sysmasterd/internal/unitdb"
)

// DefaultTargetName is the synthetic root target every loaded unit with
// DefaultDependencies set gets an implicit After/Requires edge to, other
// than default.target itself.
const DefaultTargetName = "default.target"

// Runtime is the UnitRuntime component: the three work queues named in
// §4.3 plus the dependency-insertion primitive shared by the loader and
// the job engine. Queues are drained by calling Drain, which the
// entrypoints post to the EventLoop on a short periodic ticker; draining
// continues until all three queues are empty,
// since resolving one entry can enqueue more work on another queue (a
// newly loaded unit joins the target-dependency queue; synthesizing its
// default dependencies can pull in a not-yet-loaded unit that joins the
// load queue).
type Runtime struct {
	db     *unitdb.UnitDb
	jobs   *job.Manager
	loader *Loader
	logger zerolog.Logger

	loadQueue      []string
	targetDepQueue []string
	stopWhenBound  []string

	lastActive map[string]unitdb.ActiveState
}

// NewRuntime constructs a Runtime bound to db, jobs, and loader.
func NewRuntime(db *unitdb.UnitDb, jobs *job.Manager, loader *Loader, logger zerolog.Logger) *Runtime {
	return &Runtime{
		db:         db,
		jobs:       jobs,
		loader:     loader,
		logger:     logger.With().Str("component", "unit_runtime").Logger(),
		lastActive: make(map[string]unitdb.ActiveState),
	}
}

// EnqueueLoad adds unitID to the load queue, if not already pending.
func (r *Runtime) EnqueueLoad(unitID string) {
	if !contains(r.loadQueue, unitID) {
		r.loadQueue = append(r.loadQueue, unitID)
	}
}

// EnqueueTargetDependency adds unitID to the target-dependency queue.
func (r *Runtime) EnqueueTargetDependency(unitID string) {
	if !contains(r.targetDepQueue, unitID) {
		r.targetDepQueue = append(r.targetDepQueue, unitID)
	}
}

// EnqueueStopWhenBound adds unitID to the stop-when-bound queue: its
// binder (via BindsTo) has become inactive and unitID must be stopped.
func (r *Runtime) EnqueueStopWhenBound(unitID string) {
	if !contains(r.stopWhenBound, unitID) {
		r.stopWhenBound = append(r.stopWhenBound, unitID)
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Drain processes all three queues to exhaustion, posted periodically by
// the entrypoints' drain loops. It reports the number of passes that did
// work; each pass takes at most one entry from each queue.
func (r *Runtime) Drain() int {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	processed := 0
	for {
		did := false
		did = r.drainLoad() || did
		did = r.drainTargetDependency() || did
		did = r.drainStopWhenBound() || did
		if !did {
			break
		}
		processed++
	}
	metrics.ReconciliationCyclesTotal.Inc()
	return processed
}

func (r *Runtime) drainLoad() bool {
	if len(r.loadQueue) == 0 {
		return false
	}
	id := r.loadQueue[0]
	r.loadQueue = r.loadQueue[1:]

	if err := r.loader.Load(id); err != nil {
		r.logger.Warn().Str("unit", id).Err(err).Msg("unit failed to load")
		return true
	}
	r.EnqueueTargetDependency(id)
	return true
}

func (r *Runtime) drainTargetDependency() bool {
	if len(r.targetDepQueue) == 0 {
		return false
	}
	id := r.targetDepQueue[0]
	r.targetDepQueue = r.targetDepQueue[1:]

	entry, ok := r.db.Get(id)
	if !ok || entry.Load != unitdb.LoadLoaded {
		return true
	}
	if !entry.DefaultDependencies || id == DefaultTargetName {
		return true
	}

	r.AddDependency(id, DefaultTargetName, unitdb.DepAfter, unitdb.MaskDefault)
	r.AddDependency(id, DefaultTargetName, unitdb.DepRequires, unitdb.MaskDefault)
	return true
}

func (r *Runtime) drainStopWhenBound() bool {
	if len(r.stopWhenBound) == 0 {
		return false
	}
	id := r.stopWhenBound[0]
	r.stopWhenBound = r.stopWhenBound[1:]

	if _, err := r.jobs.Exec(job.Conf{UnitID: id, Kind: job.KindStop, Mode: job.ModeReplace}); err != nil {
		r.logger.Warn().Str("unit", id).Err(err).Msg("synthetic stop-when-bound job failed admission")
	}
	return true
}

// AddDependency is the dependency-insertion primitive: it adds the graph
// edge and makes sure both endpoints exist in UnitDb (creating a Stub and
// enqueuing it for loading if this is the first reference to that id),
// per §3's "a UnitEntry is born the first time it is referenced... as the
// target of a dependency insertion".
func (r *Runtime) AddDependency(from, to string, kind unitdb.DependencyKind, mask unitdb.DependencyMask) {
	r.db.Graph.Add(from, to, kind, mask)

	if _, ok := r.db.Get(to); !ok {
		r.db.GetOrCreate(to, guessUnitType(to))
		r.EnqueueLoad(to)
	}

	// BindsTo additionally registers the reverse watch consumed by the
	// stop-when-bound queue: when `to` (the binder) becomes inactive,
	// `from` must be stopped. That trigger itself is raised by the
	// service subsystem's state-change hook via NotifyBinderInactive,
	// not here; AddDependency only establishes the graph edge the
	// UnitAtomStopWhenUnneeded query traverses.
}

// NotifyBinderInactive is called when a unit transitions out of Active
// while units are bound to it via BindsTo; it enqueues every bound unit
// onto the stop-when-bound queue.
func (r *Runtime) NotifyBinderInactive(binderID string) {
	for _, bound := range r.db.Graph.UnitAtomStopWhenUnneeded(binderID) {
		r.EnqueueStopWhenBound(bound)
	}
}

// WatchBindsTo subscribes to sub and calls NotifyBinderInactive every time
// a TypeUnitStateChanged event reports a unit leaving ActiveActive, so
// that BindsTo's "stop when unneeded" effect (§4.3) fires off the same
// event stream the emergency-action dispatcher consumes, rather than as
// an inline side effect of the service subsystem's own setState. Intended
// to run in its own goroutine for the life of the daemon.
func (r *Runtime) WatchBindsTo(sub events.Subscriber, stop <-chan struct{}) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type != events.TypeUnitStateChanged {
				continue
			}
			newActive := unitdb.ActiveState(ev.Metadata["active"])
			was := r.lastActive[ev.UnitID]
			r.lastActive[ev.UnitID] = newActive
			if was == unitdb.ActiveActive && newActive != unitdb.ActiveActive {
				r.NotifyBinderInactive(ev.UnitID)
			}
		case <-stop:
			return
		}
	}
}

// guessUnitType infers a UnitType from the canonical id's suffix, mirroring
// the unit-file naming convention (name.service, name.socket, ...). Used
// only to pick a placeholder type for a Stub created by dependency
// insertion, before the loader has actually parsed the unit's file.
func guessUnitType(id string) unitdb.UnitType {
	for _, t := range []unitdb.UnitType{
		unitdb.TypeService, unitdb.TypeSocket, unitdb.TypeTarget, unitdb.TypeMount,
		unitdb.TypeTimer, unitdb.TypePath, unitdb.TypeDevice, unitdb.TypeSlice, unitdb.TypeScope,
	} {
		if len(id) > len(t)+1 && id[len(id)-len(t)-1:] == "."+string(t) {
			return t
		}
	}
	return unitdb.TypeService
}
