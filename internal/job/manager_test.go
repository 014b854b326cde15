package job

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sysmasterd/internal/unitdb"
)

type fakeRunner struct {
	started, stopped, restarted, reloaded, verified []string
	err                                             error
}

func (f *fakeRunner) Start(id string) error   { f.started = append(f.started, id); return f.err }
func (f *fakeRunner) Stop(id string) error    { f.stopped = append(f.stopped, id); return f.err }
func (f *fakeRunner) Restart(id string) error { f.restarted = append(f.restarted, id); return f.err }
func (f *fakeRunner) Reload(id string) error  { f.reloaded = append(f.reloaded, id); return f.err }
func (f *fakeRunner) Verify(id string) error  { f.verified = append(f.verified, id); return f.err }

func newTestManager(t *testing.T, runner Runner) (*Manager, *unitdb.UnitDb) {
	t.Helper()
	db := unitdb.New()
	m := NewManager(db, runner, nil, nil, zerolog.Nop(), func(string) bool { return false })
	return m, db
}

func TestExecStartTriggersRunner(t *testing.T) {
	runner := &fakeRunner{}
	m, _ := newTestManager(t, runner)

	j, err := m.Exec(Conf{UnitID: "a.service", Kind: KindStart, Mode: ModeReplace})
	require.NoError(t, err)
	assert.Equal(t, "a.service", j.UnitID)
	assert.Equal(t, []string{"a.service"}, runner.started)

	ju, ok := m.JobUnitFor("a.service")
	require.True(t, ok)
	require.NotNil(t, ju.Trigger)
	assert.Equal(t, PhaseRunning, ju.Trigger.Phase)
}

func TestExecExpandsRequiresClosureOnStart(t *testing.T) {
	runner := &fakeRunner{}
	m, db := newTestManager(t, runner)
	db.Graph.Add("a.service", "b.service", unitdb.DepRequires, unitdb.MaskFile)

	_, err := m.Exec(Conf{UnitID: "a.service", Kind: KindStart, Mode: ModeReplace})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.service", "b.service"}, runner.started)
}

func TestExecIgnoreDependenciesSkipsClosure(t *testing.T) {
	runner := &fakeRunner{}
	m, db := newTestManager(t, runner)
	db.Graph.Add("a.service", "b.service", unitdb.DepRequires, unitdb.MaskFile)

	_, err := m.Exec(Conf{UnitID: "a.service", Kind: KindStart, Mode: ModeIgnoreDependencies})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.service"}, runner.started)
}

func TestTryFinishCompletesStartOnActive(t *testing.T) {
	runner := &fakeRunner{}
	m, _ := newTestManager(t, runner)

	_, err := m.Exec(Conf{UnitID: "a.service", Kind: KindStart, Mode: ModeReplace})
	require.NoError(t, err)

	m.TryFinish("a.service", unitdb.ActiveActive)

	ju, ok := m.JobUnitFor("a.service")
	if ok {
		assert.Nil(t, ju.Trigger)
	}
}

func TestDoTriggerRearmsOnTransientFailure(t *testing.T) {
	runner := &fakeRunner{err: assertErr{}}
	m, _ := newTestManager(t, runner)

	_, err := m.Exec(Conf{UnitID: "a.service", Kind: KindStart, Mode: ModeReplace})
	require.NoError(t, err)

	ju, ok := m.JobUnitFor("a.service")
	require.True(t, ok)
	assert.True(t, ju.Pause)
	assert.True(t, ju.Retrigger)
}

type assertErr struct{}

func (assertErr) Error() string { return "transient failure" }
