package unitdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	db := New()

	e1 := db.GetOrCreate("a.service", TypeService)
	e2 := db.GetOrCreate("a.service", TypeService)

	assert.Same(t, e1, e2)
	assert.Equal(t, LoadStub, e1.Load)
}

func TestResolveFollowsMergeChain(t *testing.T) {
	db := New()

	winner := db.GetOrCreate("a.service", TypeService)
	winner.Load = LoadLoaded

	loser := &UnitEntry{ID: "a-alias.service", Type: TypeService, Load: LoadMerged, MergedInto: "a.service"}
	db.Put(loser)

	resolved, ok := db.Get("a-alias.service")
	require.True(t, ok)
	assert.Equal(t, "a.service", resolved.ID)
}

func TestPidReverseIndexRejectsDoubleOwnership(t *testing.T) {
	db := New()
	db.GetOrCreate("a.service", TypeService)
	db.GetOrCreate("b.service", TypeService)

	require.NoError(t, db.ChildAddWatchPid("a.service", 100))
	err := db.ChildAddWatchPid("b.service", 100)
	assert.Error(t, err)

	owner, ok := db.GetUnitByPid(100)
	require.True(t, ok)
	assert.Equal(t, "a.service", owner.ID)
}

func TestChildUnwatchAllPidsClearsIndex(t *testing.T) {
	db := New()
	db.GetOrCreate("a.service", TypeService)
	require.NoError(t, db.ChildAddWatchPid("a.service", 1))
	require.NoError(t, db.ChildAddWatchPid("a.service", 2))

	assert.Len(t, db.ChildWatchAllPids("a.service"), 2)

	db.ChildUnwatchAllPids("a.service")
	assert.Empty(t, db.ChildWatchAllPids("a.service"))

	_, ok := db.GetUnitByPid(1)
	assert.False(t, ok)
}

func TestListIsSortedByID(t *testing.T) {
	db := New()
	db.GetOrCreate("z.service", TypeService)
	db.GetOrCreate("a.service", TypeService)
	db.GetOrCreate("m.service", TypeService)

	ids := make([]string, 0, 3)
	for _, e := range db.List() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a.service", "m.service", "z.service"}, ids)
}

func TestDependencyGraphAtomQueries(t *testing.T) {
	g := newDependencyGraph()
	g.Add("a.service", "b.service", DepBefore, MaskFile)
	g.Add("a.service", "c.socket", DepTriggers, MaskImplicit)
	g.Add("d.service", "a.service", DepBindsTo, MaskFile)

	assert.ElementsMatch(t, []string{"b.service"}, g.UnitAtomBefore("a.service"))
	assert.ElementsMatch(t, []string{"c.socket"}, g.UnitAtomTriggers("a.service"))
	assert.ElementsMatch(t, []string{"d.service"}, g.UnitAtomStopWhenUnneeded("a.service"))
}

func TestDependencyGraphRemoveByMaskIsSelective(t *testing.T) {
	g := newDependencyGraph()
	g.Add("a.service", "b.service", DepAfter, MaskFile)
	g.Add("a.service", "b.service", DepAfter, MaskImplicit)

	g.RemoveAllFromSource("a.service", MaskImplicit)

	after := g.UnitAtomAfter("a.service")
	assert.Equal(t, []string{"b.service"}, after)
}
