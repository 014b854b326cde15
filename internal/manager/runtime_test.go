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

func newTestRuntime(t *testing.T, runner job.Runner) (*Runtime, *unitdb.UnitDb, *job.Manager) {
	t.Helper()
	dir := t.TempDir()
	writeUnitFile(t, dir, "a.service", "[Service]\nExecStart=/bin/true\nDefaultDependencies=yes\n")

	db := unitdb.New()
	jobs := job.NewManager(db, runner, nil, nil, zerolog.Nop(), func(string) bool { return false })
	loader := NewLoader(db, &fakeServices{}, []string{dir}, zerolog.Nop())
	rt := NewRuntime(db, jobs, loader, zerolog.Nop())
	return rt, db, jobs
}

func TestRuntimeDrainLoadsQueuedUnit(t *testing.T) {
	rt, db, _ := newTestRuntime(t, &fakeRunner{})

	rt.EnqueueLoad("a.service")
	rt.Drain()

	entry, ok := db.Get("a.service")
	require.True(t, ok)
	assert.Equal(t, unitdb.LoadLoaded, entry.Load)
}

func TestRuntimeDrainSynthesizesDefaultDependencies(t *testing.T) {
	rt, db, _ := newTestRuntime(t, &fakeRunner{})

	rt.EnqueueLoad("a.service")
	rt.Drain()

	assert.ElementsMatch(t, []string{"default.target"}, db.Graph.UnitAtomAfter("a.service"))
}

func TestRuntimeStopWhenBoundSubmitsStopJob(t *testing.T) {
	runner := &fakeRunner{}
	rt, db, _ := newTestRuntime(t, runner)
	db.GetOrCreate("bound.service", unitdb.TypeService)

	rt.EnqueueStopWhenBound("bound.service")
	rt.Drain()

	assert.Contains(t, runner.stopped, "bound.service")
}

func TestAddDependencyCreatesAndEnqueuesNewTarget(t *testing.T) {
	rt, db, _ := newTestRuntime(t, &fakeRunner{})

	rt.AddDependency("a.service", "b.service", unitdb.DepRequires, unitdb.MaskFile)

	_, ok := db.Get("b.service")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"b.service"}, db.Graph.UnitAtomRequires("a.service"))
}

func TestNotifyBinderInactiveEnqueuesBoundUnits(t *testing.T) {
	rt, db, _ := newTestRuntime(t, &fakeRunner{})
	db.Graph.Add("bound.service", "binder.service", unitdb.DepBindsTo, unitdb.MaskFile)

	rt.NotifyBinderInactive("binder.service")
	assert.Equal(t, []string{"bound.service"}, rt.stopWhenBound)
}

func TestWatchBindsToEnqueuesStopOnBinderInactive(t *testing.T) {
	rt, db, _ := newTestRuntime(t, &fakeRunner{})
	db.Graph.Add("bound.service", "binder.service", unitdb.DepBindsTo, unitdb.MaskFile)

	sub := make(events.Subscriber, 4)
	stop := make(chan struct{})
	go rt.WatchBindsTo(sub, stop)
	defer close(stop)

	sub <- &events.Event{Type: events.TypeUnitStateChanged, UnitID: "binder.service", Metadata: map[string]string{"active": "active"}}
	sub <- &events.Event{Type: events.TypeUnitStateChanged, UnitID: "binder.service", Metadata: map[string]string{"active": "inactive"}}

	require.Eventually(t, func() bool {
		return contains(rt.stopWhenBound, "bound.service")
	}, time.Second, time.Millisecond)
}

type fakeRunner struct {
	started, stopped, restarted, reloaded, verified []string
	err                                             error
}

func (f *fakeRunner) Start(id string) error   { f.started = append(f.started, id); return f.err }
func (f *fakeRunner) Stop(id string) error    { f.stopped = append(f.stopped, id); return f.err }
func (f *fakeRunner) Restart(id string) error { f.restarted = append(f.restarted, id); return f.err }
func (f *fakeRunner) Reload(id string) error  { f.reloaded = append(f.reloaded, id); return f.err }
func (f *fakeRunner) Verify(id string) error  { f.verified = append(f.verified, id); return f.err }
