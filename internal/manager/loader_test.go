package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sysmasterd/internal/service"
	"github.com/cuemby/sysmasterd/internal/unitdb"
	"github.com/cuemby/sysmasterd/internal/unitfile"
)

type fakeServices struct {
	registered map[string]*unitfile.Config
}

func (f *fakeServices) Register(unitID string, cfg *unitfile.Config) *service.Instance {
	if f.registered == nil {
		f.registered = make(map[string]*unitfile.Config)
	}
	f.registered[unitID] = cfg
	return nil
}

func writeUnitFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoaderLoadsServiceUnit(t *testing.T) {
	dir := t.TempDir()
	writeUnitFile(t, dir, "a.service", "[Service]\nType=simple\nExecStart=/bin/true\n")

	db := unitdb.New()
	svcs := &fakeServices{}
	loader := NewLoader(db, svcs, []string{dir}, zerolog.Nop())

	require.NoError(t, loader.Load("a.service"))

	entry, ok := db.Get("a.service")
	require.True(t, ok)
	assert.Equal(t, unitdb.LoadLoaded, entry.Load)
	assert.Contains(t, svcs.registered, "a.service")
}

func TestLoaderMissingServiceFileIsNotFound(t *testing.T) {
	db := unitdb.New()
	loader := NewLoader(db, &fakeServices{}, []string{t.TempDir()}, zerolog.Nop())

	err := loader.Load("missing.service")
	require.Error(t, err)

	entry, ok := db.Get("missing.service")
	require.True(t, ok)
	assert.Equal(t, unitdb.LoadNotFound, entry.Load)
}

func TestLoaderSyntheticTargetLoadsWithoutFile(t *testing.T) {
	db := unitdb.New()
	loader := NewLoader(db, &fakeServices{}, []string{t.TempDir()}, zerolog.Nop())

	require.NoError(t, loader.Load("default.target"))

	entry, ok := db.Get("default.target")
	require.True(t, ok)
	assert.Equal(t, unitdb.LoadLoaded, entry.Load)
}

func TestLoaderMaskPreventsReload(t *testing.T) {
	dir := t.TempDir()
	writeUnitFile(t, dir, "a.service", "[Service]\nExecStart=/bin/true\n")

	db := unitdb.New()
	loader := NewLoader(db, &fakeServices{}, []string{dir}, zerolog.Nop())

	loader.Mask("a.service")
	entry, ok := db.Get("a.service")
	require.True(t, ok)
	assert.Equal(t, unitdb.LoadMasked, entry.Load)

	loader.Unmask("a.service")
	entry, ok = db.Get("a.service")
	require.True(t, ok)
	assert.Equal(t, unitdb.LoadStub, entry.Load)
}
