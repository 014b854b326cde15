package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReshuffleDropsStartAndReloadWhenRestartPresent(t *testing.T) {
	ju := NewJobUnit("a.service")
	ju.Install(New("a.service", KindStart, Attrs{}))
	ju.Install(New("a.service", KindReload, Attrs{}))
	ju.Install(New("a.service", KindRestart, Attrs{}))

	ju.Reshuffle(false)

	assert.Equal(t, []Kind{KindRestart}, ju.Sq)
	_, hasStart := ju.Suspends[KindStart]
	_, hasReload := ju.Suspends[KindReload]
	assert.False(t, hasStart)
	assert.False(t, hasReload)
}

func TestReshuffleKeepsReloadWhenActive(t *testing.T) {
	ju := NewJobUnit("a.service")
	ju.Install(New("a.service", KindStart, Attrs{}))
	ju.Install(New("a.service", KindReload, Attrs{}))

	ju.Reshuffle(true)

	assert.Equal(t, []Kind{KindReload}, ju.Sq)
}

func TestReshuffleKeepsStartWhenNotActive(t *testing.T) {
	ju := NewJobUnit("a.service")
	ju.Install(New("a.service", KindStart, Attrs{}))
	ju.Install(New("a.service", KindReload, Attrs{}))

	ju.Reshuffle(false)

	assert.Equal(t, []Kind{KindStart}, ju.Sq)
}

func TestStopFlushesNonNopSiblings(t *testing.T) {
	ju := NewJobUnit("a.service")
	ju.Install(New("a.service", KindStart, Attrs{}))
	ju.Install(New("a.service", KindNop, Attrs{}))
	ju.Install(New("a.service", KindStop, Attrs{}))

	ju.Reshuffle(false)

	assert.Equal(t, []Kind{KindStop}, ju.Sq)
}

func TestCalcReadySuspendOnly(t *testing.T) {
	ju := NewJobUnit("a.service")
	ju.Install(New("a.service", KindStart, Attrs{}))
	ju.Reshuffle(false)

	ready := ju.CalcReady()
	require.NotNil(t, ready)
	assert.True(t, *ready)
}

func TestCalcReadyPausedIsNeverReady(t *testing.T) {
	ju := NewJobUnit("a.service")
	ju.Install(New("a.service", KindStart, Attrs{}))
	ju.Reshuffle(false)
	ju.Pause = true

	assert.Nil(t, ju.CalcReady())
}

func TestCalcReadyTriggerAndSuspendInterrupt(t *testing.T) {
	ju := NewJobUnit("a.service")
	ju.Trigger = New("a.service", KindStart, Attrs{})
	ju.Install(New("a.service", KindStop, Attrs{}))
	ju.Reshuffle(false)

	ready := ju.CalcReady()
	require.NotNil(t, ready)
	assert.True(t, *ready)
}

func TestCalcReadyTriggerOnlyRetrigger(t *testing.T) {
	ju := NewJobUnit("a.service")
	ju.Trigger = New("a.service", KindStart, Attrs{})
	ju.Order = true
	ju.Retrigger = true

	ready := ju.CalcReady()
	require.NotNil(t, ready)
	assert.False(t, *ready)
}

func TestIsSuspendsReplaceWithRefusesIrreversible(t *testing.T) {
	ju := NewJobUnit("a.service")
	ju.Trigger = New("a.service", KindStart, Attrs{Irreversible: true})

	other := NewJobUnit("a.service")
	assert.False(t, ju.IsSuspendsReplaceWith(other))
}
