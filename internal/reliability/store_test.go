package reliability

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestServiceRecordRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	want := ServiceRecord{
		State:            "running",
		Result:           "success",
		MainPid:          4242,
		ControlPid:       0,
		MainCmdCursor:    1,
		NotifyState:      "ready",
		Restarts:         2,
		StartLimitWindow: []int64{1, 2, 3},
	}

	require.NoError(t, store.DbInsertService("a.service", want))

	got, found, err := store.DbMapService("a.service")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want, got)
}

func TestDbMapServiceMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	_, found, err := store.DbMapService("missing.service")
	require.NoError(t, err)
	require.False(t, found)
}

func TestEntryClearRemovesServiceAndJobs(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.DbInsertService("a.service", ServiceRecord{State: "dead"}))
	require.NoError(t, store.DbInsertJob(JobRecord{ID: "job-1", UnitID: "a.service", Kind: "start"}))
	require.NoError(t, store.DbInsertJob(JobRecord{ID: "job-2", UnitID: "b.service", Kind: "start"}))

	require.NoError(t, store.EntryClear("a.service"))

	_, found, err := store.DbMapService("a.service")
	require.NoError(t, err)
	require.False(t, found)

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-2", jobs[0].ID)
}

func TestLastFrameRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SetLastFrame(77))
	got, err := store.LastFrame()
	require.NoError(t, err)
	require.EqualValues(t, 77, got)
}
