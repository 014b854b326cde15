package manager

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sysmasterd/internal/job"
	"github.com/cuemby/sysmasterd/internal/unitdb"
)

func newTestManagerStack(t *testing.T, runner job.Runner, unitFiles map[string]string) (*Manager, *unitdb.UnitDb, *job.Manager) {
	t.Helper()
	dir := t.TempDir()
	for name, body := range unitFiles {
		writeUnitFile(t, dir, name, body)
	}

	db := unitdb.New()
	jobs := job.NewManager(db, runner, nil, nil, zerolog.Nop(), func(string) bool { return false })
	loader := NewLoader(db, &fakeServices{}, []string{dir}, zerolog.Nop())
	rt := NewRuntime(db, jobs, loader, zerolog.Nop())
	mgr := New(db, jobs, loader, rt, zerolog.Nop(), nil)
	return mgr, db, jobs
}

func TestManagerStartLoadsAndSubmitsJob(t *testing.T) {
	mgr, _, _ := newTestManagerStack(t, &fakeRunner{}, map[string]string{
		"a.service": "[Service]\nExecStart=/bin/true\n",
	})

	j, err := mgr.Start("a.service", true, "")
	require.NoError(t, err)
	assert.Equal(t, job.KindStart, j.Kind)
}

func TestManagerStartRefusesManualStart(t *testing.T) {
	mgr, _, _ := newTestManagerStack(t, &fakeRunner{}, map[string]string{
		"a.service": "[Unit]\nRefuseManualStart=yes\n[Service]\nExecStart=/bin/true\n",
	})

	_, err := mgr.Start("a.service", true, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRefuseManualStart))
}

func TestManagerStartOfUnknownUnitIsNotFound(t *testing.T) {
	mgr, _, _ := newTestManagerStack(t, &fakeRunner{}, nil)

	_, err := mgr.Start("missing.service", false, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoEnt))
}

func TestManagerStopOfInactiveUnitIsAlready(t *testing.T) {
	mgr, db, _ := newTestManagerStack(t, &fakeRunner{}, map[string]string{
		"a.service": "[Service]\nExecStart=/bin/true\n",
	})
	entry := db.GetOrCreate("a.service", unitdb.TypeService)
	entry.Load = unitdb.LoadLoaded
	entry.Active = unitdb.ActiveInActive

	_, err := mgr.Stop("a.service", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlready))
}

func TestManagerMaskThenStartIsRefused(t *testing.T) {
	mgr, _, _ := newTestManagerStack(t, &fakeRunner{}, map[string]string{
		"a.service": "[Service]\nExecStart=/bin/true\n",
	})

	require.NoError(t, mgr.Mask("a.service"))
	_, err := mgr.Start("a.service", false, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadR))

	require.NoError(t, mgr.Unmask("a.service"))
	_, err = mgr.Start("a.service", false, "")
	require.NoError(t, err)
}

func TestManagerEnableAddsDefaultTargetWants(t *testing.T) {
	mgr, db, _ := newTestManagerStack(t, &fakeRunner{}, map[string]string{
		"a.service": "[Service]\nExecStart=/bin/true\n",
	})

	require.NoError(t, mgr.Enable("a.service"))
	assert.Contains(t, db.Graph.UnitAtomRequires(DefaultTargetName), "a.service")

	require.NoError(t, mgr.Disable("a.service"))
	assert.NotContains(t, db.Graph.UnitAtomRequires(DefaultTargetName), "a.service")
}

func TestManagerListUnitsReportsAllEntries(t *testing.T) {
	mgr, db, _ := newTestManagerStack(t, &fakeRunner{}, nil)
	db.GetOrCreate("a.service", unitdb.TypeService)
	db.GetOrCreate("b.target", unitdb.TypeTarget)

	units := mgr.ListUnits()
	assert.Len(t, units, 2)
}

func TestManagerStatusReportsExitCode(t *testing.T) {
	mgr, db, _ := newTestManagerStack(t, &fakeRunner{}, nil)
	entry := db.GetOrCreate("a.service", unitdb.TypeService)
	entry.Active = unitdb.ActiveFailed

	st, err := mgr.Status("a.service")
	require.NoError(t, err)
	assert.Equal(t, 3, StatusExitCode(st.Active))
}

func TestManagerResetFailedClearsActiveLatch(t *testing.T) {
	mgr, db, _ := newTestManagerStack(t, &fakeRunner{}, nil)
	entry := db.GetOrCreate("a.service", unitdb.TypeService)
	entry.Active = unitdb.ActiveFailed

	require.NoError(t, mgr.ResetFailed("a.service"))
	assert.Equal(t, unitdb.ActiveInActive, entry.Active)
}
