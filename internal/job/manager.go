package job

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/sysmasterd/internal/events"
	"github.com/cuemby/sysmasterd/internal/metrics"
	"github.com/cuemby/sysmasterd/internal/reliability"
	"github.com/cuemby/sysmasterd/internal/unitdb"
)

// Runner is the subsystem JobManager delegates actual unit actions to.
// internal/service's ServiceStateMachine implements it; JobManager never
// imports internal/service to avoid a cycle.
type Runner interface {
	Start(unitID string) error
	Stop(unitID string) error
	Restart(unitID string) error
	Reload(unitID string) error
	Verify(unitID string) error
}

// Conf is the admission request passed to Exec.
type Conf struct {
	UnitID string
	Kind   Kind
	Mode   Mode
}

// Manager is the JobManager component: admission, dependency expansion,
// ordering, readiness, and completion propagation across every unit's
// JobUnit.
type Manager struct {
	mu     sync.Mutex
	db     *unitdb.UnitDb
	units  map[string]*JobUnit
	runner Runner
	store  *reliability.Store
	broker *events.Broker
	logger zerolog.Logger

	// activeOrReloading resolves whether a unit is currently active or
	// reloading, feeding the Start/Reload merge tie-break in §4.2.2.
	activeOrReloading func(unitID string) bool

	// onEmergency is invoked with (unitID, action) when a job completes
	// with ResultTimeOut, per §4.2.7's emergency-action propagation.
	onEmergency func(unitID, action string)
}

// NewManager constructs a Manager. activeOrReloading and runner must be
// non-nil; store and broker may be nil in tests that don't need
// persistence or event propagation.
func NewManager(db *unitdb.UnitDb, runner Runner, store *reliability.Store, broker *events.Broker, logger zerolog.Logger, activeOrReloading func(string) bool) *Manager {
	return &Manager{
		db:                db,
		units:             make(map[string]*JobUnit),
		runner:            runner,
		store:             store,
		broker:            broker,
		logger:            logger.With().Str("component", "job_manager").Logger(),
		activeOrReloading: activeOrReloading,
	}
}

// SetEmergencyHook installs the callback invoked on a TimeOut job result.
func (m *Manager) SetEmergencyHook(fn func(unitID, action string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEmergency = fn
}

// Exec runs the §4.2.7 JobManager cycle: it expands conf's dependency
// closure under mode, stages and merges a Job into each resulting unit's
// JobUnit, and triggers every JobUnit whose readiness changed. It returns
// the Job created for conf.UnitID itself.
func (m *Manager) Exec(conf Conf) (*Job, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JobAdmissionDuration)

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.expandClosure(conf.UnitID, conf.Kind, conf.Mode)

	attrs := Attrs{
		IgnoreOrder:  conf.Mode == ModeIgnoreDependencies || conf.Mode == ModeIgnoreRequirements,
		Irreversible: conf.Mode == ModeReplaceIrreversible,
	}

	var submitted *Job
	for _, id := range ids {
		kind := conf.Kind
		if id != conf.UnitID {
			kind = KindStart // dependency closure pulled in by Replace is a Start cascade
		}

		j := New(id, kind, attrs)

		ju, ok := m.units[id]
		if !ok {
			ju = NewJobUnit(id)
			m.units[id] = ju
		}
		ju.Install(j)
		m.persistJob(j)
		metrics.JobsQueuedTotal.WithLabelValues(string(kind)).Inc()

		if id == conf.UnitID {
			submitted = j
		}
	}

	m.reshuffleAndTrigger()

	if submitted == nil {
		return nil, fmt.Errorf("job: exec produced no job for unit %q", conf.UnitID)
	}
	return submitted, nil
}

// expandClosure computes the transitive closure of a request under
// dependency relations dictated by mode. Only Start requests cascade
// (Replace pulls in Requires/Wants targets); Stop/Restart/Reload apply
// only to the named unit — transitive stop of bound units is the
// UnitRuntime stop-when-bound queue's job, not JobManager's.
func (m *Manager) expandClosure(unitID string, kind Kind, mode Mode) []string {
	if mode == ModeIgnoreDependencies || mode == ModeIgnoreRequirements || kind != KindStart {
		return []string{unitID}
	}

	visited := map[string]bool{unitID: true}
	queue := []string{unitID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range m.db.Graph.UnitAtomRequires(id) {
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// reshuffleAndTrigger recomputes sq/readiness for every JobUnit and
// triggers the ones whose readiness is not None, in a stable order keyed
// by unit-id per §5's ordering guarantee.
func (m *Manager) reshuffleAndTrigger() {
	ids := make([]string, 0, len(m.units))
	for id := range m.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ju := m.units[id]
		ju.Reshuffle(m.activeOrReloading(id))

		ready := ju.CalcReady()
		if ready != nil {
			m.doTrigger(ju, *ready)
		}

		if ju.IsEmpty() {
			delete(m.units, id)
		}
	}
}

// doTrigger captures current trigger info, finishes any merged trigger
// with ResultMerged, runs the new or re-armed trigger, and on transient
// failure re-arms via pause+retrigger, per §4.2.7 step 4.
func (m *Manager) doTrigger(ju *JobUnit, promoteSuspend bool) {
	if promoteSuspend {
		if ju.Trigger != nil {
			m.finishJob(ju.Trigger, ResultMerged)
		}
		if len(ju.Sq) > 0 {
			kind := ju.Sq[0]
			ju.Trigger = ju.Suspends[kind]
			delete(ju.Suspends, kind)
			ju.Order = false
			ju.Reshuffle(m.activeOrReloading(ju.UnitID))
		}
	}
	ju.Retrigger = false
	ju.Pause = false

	j := ju.Trigger
	if j == nil {
		return
	}
	j.Phase = PhaseRunning
	m.persistJob(j)

	var err error
	switch j.Kind {
	case KindStart:
		err = m.runner.Start(ju.UnitID)
	case KindStop:
		err = m.runner.Stop(ju.UnitID)
	case KindRestart:
		err = m.runner.Restart(ju.UnitID)
	case KindReload:
		err = m.runner.Reload(ju.UnitID)
	case KindVerify:
		err = m.runner.Verify(ju.UnitID)
	case KindNop:
		m.finishJob(j, ResultDone)
		ju.Trigger = nil
		return
	}

	if err != nil {
		ju.Pause = true
		ju.Retrigger = true
		m.logger.Warn().Str("unit", ju.UnitID).Str("kind", string(j.Kind)).Err(err).Msg("trigger failed transiently, re-arming")
	}
}

// TryFinish marks the triggered job for unitID complete when its unit's
// active-state transition implies a terminal outcome, per §4.2.7 step 5.
// A transition that doesn't conclude the job (e.g. InActive -> Activating)
// leaves the trigger running.
func (m *Manager) TryFinish(unitID string, newActive unitdb.ActiveState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ju, ok := m.units[unitID]
	if !ok || ju.Trigger == nil {
		return
	}

	result := deriveResult(ju.Trigger.Kind, newActive)
	if result == ResultNone {
		return
	}

	m.finishJob(ju.Trigger, result)
	ju.Trigger = nil
	m.reshuffleAndTrigger()
}

// Cancel marks a job's completion as ResultCanceled and clears its slot,
// used when a unit is removed out from under a still-pending job.
func (m *Manager) Cancel(unitID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ju, ok := m.units[unitID]
	if !ok {
		return
	}
	if ju.Trigger != nil {
		m.finishJob(ju.Trigger, ResultCanceled)
	}
	for _, j := range ju.Suspends {
		m.finishJob(j, ResultCanceled)
	}
	delete(m.units, unitID)
}

func deriveResult(kind Kind, newActive unitdb.ActiveState) Result {
	switch kind {
	case KindStart, KindRestart:
		switch newActive {
		case unitdb.ActiveActive:
			return ResultDone
		case unitdb.ActiveFailed:
			return ResultFailed
		}
	case KindStop:
		if newActive == unitdb.ActiveInActive || newActive == unitdb.ActiveFailed {
			return ResultDone
		}
	case KindReload:
		switch newActive {
		case unitdb.ActiveActive:
			return ResultDone
		case unitdb.ActiveFailed:
			return ResultFailed
		}
	case KindVerify, KindNop:
		return ResultDone
	}
	return ResultNone
}

func (m *Manager) finishJob(j *Job, result Result) {
	j.Phase = PhaseEnd
	j.Result = result

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:   events.TypeJobCompleted,
			UnitID: j.UnitID,
			Metadata: map[string]string{
				"job_id": j.ID,
				"kind":   string(j.Kind),
				"result": string(result),
			},
		})
	}
	metrics.JobCompletionsTotal.WithLabelValues(string(j.Kind), string(result)).Inc()

	if m.store != nil {
		if err := m.store.DeleteJob(j.ID); err != nil {
			m.logger.Warn().Err(err).Str("job", j.ID).Msg("failed to delete completed job record")
		}
	}

	if result == ResultTimeOut && m.onEmergency != nil {
		m.onEmergency(j.UnitID, "JobTimeoutAction")
	}
}

func (m *Manager) persistJob(j *Job) {
	if m.store == nil {
		return
	}
	rec := reliability.JobRecord{
		ID:     j.ID,
		UnitID: j.UnitID,
		Kind:   string(j.Kind),
		Phase:  string(j.Phase),
		Result: string(j.Result),
	}
	if err := m.store.DbInsertJob(rec); err != nil {
		m.logger.Warn().Err(err).Str("job", j.ID).Msg("failed to persist job record")
	}
}

// Subscribe returns a channel of job-completion and related events.
func (m *Manager) Subscribe() events.Subscriber {
	return m.broker.Subscribe()
}

// JobUnitFor exposes the live JobUnit for a unit id, primarily for tests
// and the CLI's status surface.
func (m *Manager) JobUnitFor(unitID string) (*JobUnit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ju, ok := m.units[unitID]
	return ju, ok
}
